package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/lifecycle"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/reaction"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/webhook"
)

const mdnsServiceType = "_ao._tcp"

var (
	startHost     string
	startPort     int
	startInterval time.Duration
	startMDNS     bool
	startQR       bool
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Run the coordinator: webhook receiver plus lifecycle polling",
	RunE:    runStart,
}

func init() {
	startCmd.Flags().StringVar(&startHost, "host", "127.0.0.1", "webhook listen host")
	startCmd.Flags().IntVar(&startPort, "port", 8477, "webhook listen port")
	startCmd.Flags().DurationVar(&startInterval, "interval", lifecycle.DefaultInterval, "lifecycle poll period")
	startCmd.Flags().BoolVar(&startMDNS, "mdns", false, "advertise the coordinator on the local network via mDNS")
	startCmd.Flags().BoolVar(&startQR, "qr", false, "print a QR code of the coordinator URL")
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	reactions := reaction.NewEngine(a.manager, a.router, a.bus)
	poller := lifecycle.NewPoller(a.cfg, a.manager, reactions, a.router, a.bus)
	poller.SetInterval(startInterval)

	srv := webhook.NewServer(a.cfg, a.manager, a.bus, webhook.Options{Host: startHost, Port: startPort})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting webhook server: %w", err)
	}

	url := "http://" + srv.Addr()
	fmt.Printf("%s✓%s coordinator listening on %s%s%s\n", maybeColor(colorGreen), maybeColor(colorReset), maybeColor(colorBold), url, maybeColor(colorReset))
	fmt.Printf("  webhooks: %s/api/webhooks/{github,plane}\n", url)
	fmt.Printf("  events:   ws://%s/ws/events\n", srv.Addr())
	fmt.Printf("  projects: %s\n", strings.Join(a.cfg.ProjectIDs(), ", "))

	if startQR {
		if err := printQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "warning: qr code: %v\n", err)
		}
	}

	var mdnsServer *mdns.Server
	if startMDNS {
		mdnsServer, err = startMDNSService(srv.Addr(), url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: mdns advertisement failed: %v\n", err)
		} else {
			defer mdnsServer.Shutdown()
			fmt.Printf("  mdns:     advertising %s on %s\n", mdnsServiceType, url)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go poller.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nshutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		debug.LogKV("cli", "webhook shutdown failed", "error", err)
	}
	return nil
}

// startMDNSService advertises the coordinator endpoint so dashboards and
// CLIs on the LAN can discover it.
func startMDNSService(addr, url string) (*mdns.Server, error) {
	port := 0
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		fmt.Sscanf(addr[i+1:], "%d", &port)
	}
	if port <= 0 {
		return nil, fmt.Errorf("invalid port in %q", addr)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ao"
	}
	txtRecords := []string{"url=" + url}
	service, err := mdns.NewMDNSService(host, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

func printQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
