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

// RunSend orchestrates the full sender lifecycle:
//  1. Open the relay
//  2. Invite the receiver with the file's name and size
//  3. Send the file once the session is active
//  4. Return when the receiver closes the session
func RunSend(ctx context.Context, cfg *config.Config) error {
	conn, err := Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open relay: %w", err)
	}
	defer conn.Close()

	util.StartStatsReporter(ctx)
	return Send(ctx, conn, cfg)
}

// Send offers cfg.File over conn and transfers it when accepted.
func Send(ctx context.Context, conn relay.Conn, cfg *config.Config) error {
	f, err := os.Open(cfg.File)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", cfg.File)
	}
	fc := FileContext{Size: uint64(st.Size()), Name: filepath.Base(cfg.File)}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := peer.New(conn, peer.Config{Local: cfg.Local, MaxChunkSize: cfg.MaxChunkSize, AckEach: cfg.AckEach})
	go p.Run(runCtx)

	id, err := p.Invite(ctx, cfg.Remote, slp.AppIDFileTransfer, slp.EufGUIDFileTransfer, fc.Encode())
	if err != nil {
		return fmt.Errorf("invite failed: %w", err)
	}
	util.LogInfo("offering %s (%s) to %s", fc.Name, util.FormatBytes(fc.Size), cfg.Remote)

	var bar *progress
	defer func() { bar.stop() }()
	sent := false

	for ev := range p.Events() {
		if ev.Session.ID != id {
			continue
		}

		switch ev.Kind {
		case peer.EventActive:
			util.LogSuccess("%s accepted, sending %s", cfg.Remote, fc.Name)
			bar = newProgress("Sending "+fc.Name, fc.Size)
			if _, err := p.SendData(ctx, id, f, fc.Size); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}

		case peer.EventSendProgress:
			bar.set(ev.Done)
			if ev.Done == ev.Total {
				sent = true
			}

		case peer.EventAcknowledged:
			util.LogDebug("receiver acknowledged %s", fc.Name)

		case peer.EventClosed:
			switch {
			case ev.Reason == session.ReasonRejected:
				return fmt.Errorf("%s declined the transfer", cfg.Remote)
			case ev.Reason == session.ReasonRemote && sent:
				bar.stop()
				bar = nil
				util.LogSuccess("sent %s (%s)", fc.Name, util.FormatBytes(fc.Size))
				return nil
			default:
				return fmt.Errorf("transfer ended: %s", ev.Reason)
			}
		}
	}
	return fmt.Errorf("relay closed: %w", p.Err())
}
