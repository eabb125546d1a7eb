package styxconfig

import (
	"time"

	"github.com/spf13/pflag"
)

// Overrides holds per-invocation command-line overrides for the
// parameters an operator most often tunes per run. Zero values keep
// whatever the environment (or the default) provided.
type Overrides struct {
	RTO        time.Duration
	WindowSize uint32
}

// FlagSet returns a pflag set bound to o, ready to be merged into a
// command's flags via AddFlagSet.
func (o *Overrides) FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("transport", pflag.ContinueOnError)
	fs.DurationVar(&o.RTO, "rto", 0, "override the retransmission timeout (0 keeps STYX_RTO or its default)")
	fs.Uint32Var(&o.WindowSize, "window", 0, "override the send window size in segments (0 keeps STYX_WINDOW_SIZE or its default)")
	return fs
}

// Apply overlays the non-zero overrides onto cfg.
func (o Overrides) Apply(cfg *Config) {
	if o.RTO > 0 {
		cfg.RTO = o.RTO
	}
	if o.WindowSize > 0 {
		cfg.WindowSize = o.WindowSize
	}
}
