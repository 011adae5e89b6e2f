package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/1ureka/msnp2p/internal/config"
	"github.com/1ureka/msnp2p/internal/peer"
	"github.com/1ureka/msnp2p/internal/relay"
	"github.com/1ureka/msnp2p/internal/session"
	"github.com/1ureka/msnp2p/internal/slp"
	"github.com/1ureka/msnp2p/internal/util"
)

// RunReceive orchestrates the full receiver lifecycle:
//  1. Open the relay
//  2. Accept the first file transfer offered (anything else is declined)
//  3. Write the received file into cfg.OutputDir
//  4. Return once the session completes
func RunReceive(ctx context.Context, cfg *config.Config) error {
	conn, err := Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open relay: %w", err)
	}
	defer conn.Close()

	util.StartStatsReporter(ctx)
	_, err = Receive(ctx, conn, cfg)
	return err
}

// Receive waits on conn for one file transfer and returns the path written.
func Receive(ctx context.Context, conn relay.Conn, cfg *config.Config) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := peer.New(conn, peer.Config{Local: cfg.Local, MaxChunkSize: cfg.MaxChunkSize, AckEach: cfg.AckEach})
	go p.Run(runCtx)
	util.LogInfo("waiting for a file offer")

	var (
		active  uint32
		want    FileContext
		written string
		bar     *progress
	)
	defer func() { bar.stop() }()

	for ev := range p.Events() {
		id := ev.Session.ID

		switch ev.Kind {
		case peer.EventIncoming:
			// Rejects are asynchronous; this loop must keep draining events.
			fc, err := DecodeFileContext(ev.Session.Context)
			switch {
			case active != 0:
				util.LogWarning("declining session %d from %s: busy", id, ev.Session.Peer)
				go p.Reject(ctx, id)
				continue
			case ev.Session.AppID != slp.AppIDFileTransfer || err != nil:
				util.LogWarning("declining session %d from %s: app %d is not a file transfer", id, ev.Session.Peer, ev.Session.AppID)
				go p.Reject(ctx, id)
				continue
			}

			util.LogInfo("%s offers %s (%s)", ev.Session.Peer, fc.Name, util.FormatBytes(fc.Size))
			if err := p.Accept(ctx, id); err != nil {
				return "", fmt.Errorf("accept failed: %w", err)
			}
			active, want = id, fc

		case peer.EventReceiveProgress:
			if id != active {
				continue
			}
			if bar == nil {
				bar = newProgress("Receiving "+want.Name, ev.Total)
			}
			bar.set(ev.Done)

		case peer.EventData:
			if id != active {
				continue
			}
			if uint64(len(ev.Payload)) != want.Size {
				return "", fmt.Errorf("received %d bytes, offer said %d", len(ev.Payload), want.Size)
			}
			path := filepath.Join(cfg.OutputDir, want.Name)
			if err := os.WriteFile(path, ev.Payload, 0o644); err != nil {
				return "", err
			}
			written = path

		case peer.EventClosed:
			if id != active {
				continue
			}
			if ev.Reason != session.ReasonCompleted || written == "" {
				return "", fmt.Errorf("transfer ended: %s", ev.Reason)
			}
			bar.stop()
			bar = nil
			util.LogSuccess("received %s (%s)", written, util.FormatBytes(want.Size))
			return written, nil
		}
	}
	return "", fmt.Errorf("relay closed: %w", p.Err())
}
