package app

import (
	"context"
	"fmt"

	"github.com/1ureka/msnp2p/internal/config"
	"github.com/1ureka/msnp2p/internal/relay"
	"github.com/1ureka/msnp2p/internal/util"
)

// RunSwitchboard serves the relay switchboard on cfg.Addr until ctx is
// cancelled.
func RunSwitchboard(ctx context.Context, cfg *config.Config) error {
	sb := relay.NewSwitchboard()
	port, err := sb.Start(cfg.Addr)
	if err != nil {
		return err
	}
	defer sb.Close()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          MSNP2P Switchboard Relay        ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Port : %-32d ║\n", port)
	fmt.Printf("║  Path : %-32s ║\n", "/ws?pin=<PIN>")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	util.LogSuccess("switchboard ready, peers pair by PIN")
	<-ctx.Done()
	util.LogInfo("switchboard stopped (%d rooms open)", sb.Rooms())
	return nil
}
