// Command styx-client connects to a Styx listener and pushes a local
// file's bytes across it through a single reliable Send call;
// pkg/transfer.Sender chunks the contents into segments and pipelines
// them across the send window.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dcontext"
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
	var serverAddr, srcPath string
	ov := &styxconfig.Overrides{}

	c := &cobra.Command{
		Use:   "styx-client",
		Short: "Connect to a Styx listener and send a file reliably",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), serverAddr, srcPath, ov)
		},
	}
	c.Flags().StringVar(&serverAddr, "server", "127.0.0.1:9999", "address of the Styx listener to connect to")
	c.Flags().StringVar(&srcPath, "file", "", "path of the file to send (required)")
	c.MarkFlagRequired("file")
	c.Flags().AddFlagSet(ov.FlagSet())
	return c
}

func run(ctx context.Context, serverAddr, srcPath string, ov *styxconfig.Overrides) error {
	ctx = dcontext.WithSoftness(ctx)
	cfg, err := styxconfig.Load(ctx)
	if err != nil {
		return err
	}
	ov.Apply(&cfg)

	dlog.Infof(ctx, "styx-client: connecting to %s", serverAddr)
	conn, err := styxsocket.Connect(ctx, serverAddr, cfg)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "styx-client: established, local=%s peer=%s", conn.LocalAddr(), conn.PeerAddr())

	fs := afero.NewOsFs()
	if err := fileapp.SendFile(ctx, fs, srcPath, conn); err != nil {
		conn.Close(ctx)
		return err
	}
	dlog.Infof(ctx, "styx-client: sent %s, closing", srcPath)
	return conn.Close(ctx)
}
