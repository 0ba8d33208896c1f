// streamsock — CLI entry point.
//
// This tool runs one side of a remote-rendering session: the server
// streams video, audio and haptics to a client, which sends tracking and
// statistics back. All streams are multiplexed over one stream socket
// (TCP + UDP, QUIC, or TCP + WebRTC DataChannel), negotiated on a
// WebSocket control socket after LAN discovery.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--role, --config, --transport, --bitrate, --peer, ...).
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/streamsock/internal/app"
	"github.com/1ureka/streamsock/internal/config"
	"github.com/1ureka/streamsock/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	flags := pflag.NewFlagSet("streamsock", pflag.ExitOnError)
	role := flags.StringP("role", "r", "", "Role: server or client")
	configPath := flags.StringP("config", "c", "", "YAML configuration file")
	transportKind := flags.StringP("transport", "t", "", "Stream socket transport: tcp, quic or webrtc (server only)")
	bitrate := flags.Float64("bitrate", 0, "Video bitrate in Mbps (server only)")
	peer := flags.String("peer", "", "Client IP address; skips discovery (server only)")
	controlPort := flags.Uint16("control-port", 0, "Control socket port")
	streamPort := flags.Uint16("stream-port", 0, "Stream socket port")
	identityFile := flags.String("identity", "", "Identity key file (created if missing)")
	debugMode := flags.Bool("debug", false, "Enable debug logging")
	logFile := flags.String("log-file", "", "Append logs to this file instead of stderr")
	flags.Parse(os.Args[1:])

	if *debugMode {
		util.EnableDebug()
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			util.LogError("open log file: %v", err)
			os.Exit(1)
		}
		defer f.Close()
		util.SetLogOutput(f)
	}

	app.Version = version
	pterm.Info.Println(fmt.Sprintf("streamsock — v%s", version))
	pterm.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override the file.
	if flags.Changed("role") {
		cfg.Role = config.Role(*role)
	}
	if flags.Changed("transport") {
		cfg.Transport = config.TransportKind(*transportKind)
	}
	if flags.Changed("bitrate") {
		cfg.VideoBitrate = uint64(*bitrate * 1_000_000)
	}
	if flags.Changed("peer") {
		cfg.Peer = *peer
	}
	if flags.Changed("control-port") {
		cfg.ControlPort = *controlPort
	}
	if flags.Changed("stream-port") {
		cfg.StreamPort = *streamPort
	}
	if flags.Changed("identity") {
		cfg.IdentityFile = *identityFile
	}

	// No role from flags or file → interactive mode.
	if cfg.Role == "" {
		runInteractive(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	switch cfg.Role {
	case config.RoleServer:
		err = app.RunServer(ctx, cfg)
	case config.RoleClient:
		err = app.RunClient(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive asks for the role, and for a server the transport and an
// optional peer address.
func runInteractive(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Stream to a headset", "Client — Receive on a headset"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if !strings.HasPrefix(role, "Server") {
		cfg.Role = config.RoleClient
		return
	}

	cfg.Role = config.RoleServer
	kind, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{string(config.TransportTCP), string(config.TransportQUIC), string(config.TransportWebRTC)}).
		WithDefaultOption(string(cfg.Transport)).
		WithDefaultText("Select the stream socket transport").
		Show()
	cfg.Transport = config.TransportKind(kind)

	pterm.Println()
	cfg.Peer = askPeer()
}

// askPeer prompts for the client's IP address until a valid one (or
// nothing, for discovery) is entered.
func askPeer() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Client IP address (empty to discover on the LAN)").
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return ""
		}
		if _, err := netip.ParseAddr(raw); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter an IPv4 or IPv6 address")
	}
}
