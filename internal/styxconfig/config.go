// Package styxconfig loads Styx's tunable protocol parameters from the
// environment through github.com/sethvargo/go-envconfig: a plain struct
// with `env` tags and defaults, processed once at startup.
package styxconfig

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every tunable protocol parameter. All fields have
// sensible defaults and may be overridden by environment variables.
type Config struct {
	// HandshakeTimeout bounds how long the active/passive handshake driver
	// waits for the next control segment before aborting.
	HandshakeTimeout time.Duration `env:"STYX_HANDSHAKE_TIMEOUT,default=5s"`

	// SingleShotDataTimeout is the ack-poll deadline the sender uses once
	// exactly one segment remains in flight and nothing is left to admit
	// (capped at RTO).
	SingleShotDataTimeout time.Duration `env:"STYX_DATA_TIMEOUT,default=500ms"`

	// WindowPollTimeout is the short poll deadline the sender's inner loop
	// uses so the retransmission timer can be serviced promptly.
	WindowPollTimeout time.Duration `env:"STYX_WINDOW_POLL_TIMEOUT,default=10ms"`

	// RTO is the retransmission timeout for the Go-Back-N sender.
	RTO time.Duration `env:"STYX_RTO,default=1s"`

	// WindowSize is the number of outstanding, unacknowledged segments the
	// sender may have in flight at once.
	WindowSize uint32 `env:"STYX_WINDOW_SIZE,default=4"`

	// TimeWaitDuration is the MSL-equivalent linger period spent in
	// TIME_WAIT before a connection is fully closed.
	TimeWaitDuration time.Duration `env:"STYX_TIME_WAIT_DURATION,default=2s"`
}

// Default returns the stock configuration, with no environment overrides
// applied.
func Default() Config {
	return Config{
		HandshakeTimeout:      5 * time.Second,
		SingleShotDataTimeout: 500 * time.Millisecond,
		WindowPollTimeout:     10 * time.Millisecond,
		RTO:                   1 * time.Second,
		WindowSize:            4,
		TimeWaitDuration:      2 * time.Second,
	}
}

// Load reads Config from the process environment, falling back to the
// defaults above for anything unset.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
