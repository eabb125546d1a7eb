// Command styx-server runs a Styx listener that accepts connections and
// writes each one's transferred bytes to a file, returning to the accept
// loop after every teardown so one server process can serve any number of
// clients in turn.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/0xReLogic/styx/internal/fileapp"
	"github.com/0xReLogic/styx/internal/styxconfig"
	"github.com/0xReLogic/styx/pkg/styxsocket"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var listenAddr, outDir string
	ov := &styxconfig.Overrides{}

	c := &cobra.Command{
		Use:   "styx-server",
		Short: "Accept Styx connections and save each transfer to a file",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), listenAddr, outDir, ov)
		},
	}
	c.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9999", "address to bind the Styx listener on")
	c.Flags().StringVar(&outDir, "out-dir", ".", "directory to write received transfers into")
	c.Flags().AddFlagSet(ov.FlagSet())
	return c
}

func run(ctx context.Context, listenAddr, outDir string, ov *styxconfig.Overrides) error {
	ctx = dcontext.WithSoftness(ctx)
	cfg, err := styxconfig.Load(ctx)
	if err != nil {
		return err
	}
	ov.Apply(&cfg)

	listener, err := styxsocket.Bind(ctx, listenAddr, cfg)
	if err != nil {
		return err
	}
	defer listener.Close(ctx)
	dlog.Infof(ctx, "styx-server: listening on %s", listener.LocalAddr())

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	fs := afero.NewOsFs()
	var seq int

	grp.Go("accept", func(ctx context.Context) error {
		go func() {
			// ListenAndAccept blocks in an indefinite datagram read;
			// closing the listener is what unblocks it on shutdown.
			<-ctx.Done()
			listener.Close(ctx)
		}()
		for {
			conn, err := listener.ListenAndAccept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			seq++
			n := seq
			grp.Go(fmt.Sprintf("conn-%d", n), func(ctx context.Context) error {
				defer conn.Close(ctx)
				dest := filepath.Join(outDir, fmt.Sprintf("received-%d.bin", n))
				written, err := fileapp.ReceiveFile(ctx, fs, dest, conn)
				if err != nil {
					dlog.Errorf(ctx, "connection %d: transfer failed: %v", n, err)
					return nil
				}
				dlog.Infof(ctx, "connection %d: wrote %d bytes to %s", n, written, dest)
				return nil
			})
		}
	})

	return grp.Wait()
}
