// Command msnp2p is the MSNP2P file transfer CLI.
//
// This tool transfers a file between two peers with the MSNP2P protocol:
// an SLP-negotiated session carried in 48-byte-header chunks over a relay
// (a switchboard WebSocket room, a WebRTC DataChannel negotiated through
// that room, or a direct QUIC stream).
//
// It can be launched interactively (no role) or non-interactively via a
// config file, MSNP2P_* environment variables and CLI flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/msnp2p/internal/app"
	"github.com/1ureka/msnp2p/internal/config"
	"github.com/1ureka/msnp2p/internal/relay"
	"github.com/1ureka/msnp2p/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: send, receive or switchboard")
	relayKind := flag.String("relay", "", "Relay: ws, quic or webrtc")
	wsURL := flag.String("url", "", "Switchboard URL (ws, webrtc)")
	pin := flag.String("pin", "", "Switchboard room PIN")
	addr := flag.String("addr", "", "QUIC address, or switchboard listen address")
	file := flag.String("file", "", "File to send")
	out := flag.String("out", "", "Directory for received files")
	local := flag.String("local", "", "Local peer address")
	remote := flag.String("remote", "", "Remote peer address")
	chunk := flag.Int("chunk", 0, "Max chunk payload size in bytes")
	ackEach := flag.Bool("ackEach", false, "Request an acknowledgment for every chunk")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override the loaded config.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "relay":
			cfg.Relay = config.RelayKind(*relayKind)
		case "url":
			cfg.URL = *wsURL
		case "pin":
			cfg.PIN = *pin
		case "addr":
			cfg.Addr = *addr
		case "file":
			cfg.File = *file
		case "out":
			cfg.OutputDir = *out
		case "local":
			cfg.Local = *local
		case "remote":
			cfg.Remote = *remote
		case "chunk":
			cfg.MaxChunkSize = *chunk
		case "ackEach":
			cfg.AckEach = *ackEach
		case "debug":
			if *debugMode {
				cfg.LogLevel = "debug"
			}
		}
	})
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.SetLogLevel(cfg.LogLevel)
	setLogLevels(cfg.LogLevel)

	pterm.Info.Println(fmt.Sprintf("MSNP2P — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		askRole(cfg)
	}
	if cfg.URL != "" {
		if cfg.URL, err = normalizeWSURL(cfg.URL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	switch cfg.Role {
	case config.RoleSwitchboard:
		err = app.RunSwitchboard(ctx, cfg)

	case config.RoleSend:
		if cfg.File == "" {
			util.LogError("missing -file for send role")
			os.Exit(1)
		}
		if cfg.PIN == "" && cfg.Relay != config.RelayQUIC {
			cfg.PIN = relay.NewPIN(4)
			util.LogInfo("room PIN: %s (give it to the receiver)", cfg.PIN)
		}
		err = app.RunSend(ctx, cfg)

	case config.RoleReceive:
		err = app.RunReceive(ctx, cfg)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("done")
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askRole falls back to interactive prompts when no role is configured.
func askRole(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Send        — Offer a file to a peer",
			"Receive     — Accept a file from a peer",
			"Switchboard — Run the relay server",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Send"):
		cfg.Role = config.RoleSend
		cfg.File = askText("File to send", cfg.File)
	case strings.HasPrefix(role, "Receive"):
		cfg.Role = config.RoleReceive
	default:
		cfg.Role = config.RoleSwitchboard
		return
	}

	switch cfg.Relay {
	case config.RelayQUIC:
		cfg.Addr = askText("QUIC address (host:port)", cfg.Addr)
	default:
		cfg.URL = askURL(cfg.URL)
		if cfg.Role == config.RoleReceive {
			cfg.PIN = askText("Room PIN", cfg.PIN)
		}
	}
}

// askText prompts for a non-empty value, offering def when set.
func askText(prompt, def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			WithDefaultValue(def).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}

// askURL prompts the user for a valid switchboard URL until one is entered.
func askURL(def string) string {
	for {
		raw := askText("Switchboard URL (e.g. wss://relay.example.com/ws)", def)
		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			return wsURL
		}
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
