// Package fileapp is the file-transfer application built over the Styx
// socket: it reads a source file for cmd/styx-client to push through
// pkg/styxsocket, and reassembles a received byte stream into a
// destination file for cmd/styx-server.
//
// Filesystem access goes through github.com/spf13/afero, so these
// functions can be exercised against an in-memory filesystem in tests
// instead of touching disk.
package fileapp

import (
	"context"
	"io"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/0xReLogic/styx/pkg/styxsocket"
	"github.com/0xReLogic/styx/pkg/transfer"
)

// SendFile reads path from fs and pushes its contents through conn as a
// single reliable Send call; pkg/transfer.Sender internally splits it into
// MaxPayloadSize-sized segments and pipelines them across the window.
func SendFile(ctx context.Context, fs afero.Fs, path string, conn *styxsocket.Socket) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	dlog.Debugf(ctx, "fileapp: sending %d bytes from %s in segments of up to %d bytes", len(data), path, transfer.MaxPayloadSize)
	if err := conn.Send(ctx, data); err != nil {
		return errors.Wrapf(err, "send %s", path)
	}
	return nil
}

// ReceiveFile writes every payload Recv yields on conn to destPath on fs,
// stopping cleanly when the peer's FIN ends the stream (styxsocket.Socket
// translates that into io.EOF from Recv).
func ReceiveFile(ctx context.Context, fs afero.Fs, destPath string, conn *styxsocket.Socket) (int64, error) {
	out, err := fs.Create(destPath)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", destPath)
	}
	defer out.Close()

	var total int64
	for {
		payload, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
		n, werr := out.Write(payload)
		if werr != nil {
			return total, errors.Wrapf(werr, "write %s", destPath)
		}
		total += int64(n)
	}
	dlog.Debugf(ctx, "fileapp: wrote %d bytes to %s", total, destPath)
	return total, nil
}
