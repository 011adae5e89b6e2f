package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/msnp2p/internal/config"
	"github.com/1ureka/msnp2p/internal/relay"
	"github.com/1ureka/msnp2p/internal/util"
)

// Connect opens the relay selected by cfg:
//   - ws: join the switchboard room for cfg.PIN
//   - webrtc: negotiate a DataChannel through that room (the sender offers)
//   - quic: the receiver listens on cfg.Addr and the sender dials it
func Connect(ctx context.Context, cfg *config.Config) (relay.Conn, error) {
	switch cfg.Relay {
	case config.RelayWebSocket:
		if cfg.URL == "" || cfg.PIN == "" {
			return nil, errors.New("switchboard URL and PIN are required")
		}
		ws, err := relay.Dial(ctx, cfg.URL, cfg.PIN)
		if err != nil {
			return nil, err
		}
		util.LogInfo("joined switchboard room %s", cfg.PIN)
		return ws, nil

	case config.RelayWebRTC:
		if cfg.URL == "" || cfg.PIN == "" {
			return nil, errors.New("switchboard URL and PIN are required")
		}
		ws, err := relay.DialRaw(ctx, cfg.URL, cfg.PIN)
		if err != nil {
			return nil, err
		}
		util.LogInfo("negotiating DataChannel in room %s", cfg.PIN)
		dc, err := relay.ConnectDataChannel(ctx, ws, cfg.Role == config.RoleSend)
		if err != nil {
			return nil, err
		}
		return dc, nil

	case config.RelayQUIC:
		if cfg.Role == config.RoleSend {
			s, err := relay.DialQUIC(ctx, cfg.Addr)
			if err != nil {
				return nil, err
			}
			return s, nil
		}

		l, err := relay.ListenQUIC(cfg.Addr)
		if err != nil {
			return nil, err
		}
		util.LogInfo("waiting for sender on %s", l.Addr())
		s, err := l.Accept(ctx)
		if err != nil {
			l.Close()
			return nil, err
		}
		go func() {
			<-s.Done()
			l.Close()
		}()
		return s, nil
	}
	return nil, fmt.Errorf("unknown relay kind %q", cfg.Relay)
}
