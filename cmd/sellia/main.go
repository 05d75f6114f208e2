package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/watzon/sellia/internal/auth"
	"github.com/watzon/sellia/internal/client"
	"github.com/watzon/sellia/internal/config"
	"github.com/watzon/sellia/internal/logging"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/server"
	"github.com/watzon/sellia/internal/tui"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sellia",
	Short: "A self-hostable reverse tunnel for local development",
	Long: `sellia exposes a local HTTP, WebSocket, or TCP service through a
public server you run yourself.

Run 'sellia server' on your VPS, then 'sellia client' locally to
receive traffic at localhost.`,
	Version: version,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the tunnel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		if cfgPath == "" {
			cfgPath = config.FindConfigFile()
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		if v, _ := cmd.Flags().GetInt("port"); v != 0 {
			cfg.Server.BindPort = v
		}
		if v, _ := cmd.Flags().GetString("host"); v != "" {
			cfg.Server.BindHost = v
		}
		if v, _ := cmd.Flags().GetString("base-domain"); v != "" {
			cfg.Server.BaseDomain = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			cfg.Server.Verbose = true
		}

		if err := cfg.Server.Validate(); err != nil {
			return err
		}

		logger := logging.New(cfg.Server.Verbose, os.Stderr)

		var provider auth.Provider = auth.NoAuth{}
		if cfg.Server.RequireAuth {
			if cfg.Server.MasterCredential == "" {
				return fmt.Errorf("server.require_auth is true but server.master_credential is empty")
			}
			provider = auth.MasterAuth{Credential: cfg.Server.MasterCredential}
		}

		srv := server.New(server.Config{
			BindHost:          cfg.Server.BindHost,
			BindPort:          cfg.Server.BindPort,
			BaseDomain:        cfg.Server.BaseDomain,
			Auth:              provider,
			RateLimitsEnabled: cfg.Server.RateLimitsEnabled,
			TCPPortRangeLow:   cfg.Server.TCPPortRangeLow,
			TCPPortRangeHigh:  cfg.Server.TCPPortRangeHigh,
			TLSCert:           cfg.Server.TLSCert,
			TLSKey:            cfg.Server.TLSKey,
			Logger:            logger,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info().Msg("shutting down")
			cancel()
		}()

		return srv.Run(ctx)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a tunnel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		if cfgPath == "" {
			cfgPath = config.FindConfigFile()
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		if v, _ := cmd.Flags().GetString("server"); v != "" {
			cfg.Client.Server = v
		}
		if v, _ := cmd.Flags().GetString("credential"); v != "" {
			cfg.Client.Credential = v
		}
		if v, _ := cmd.Flags().GetString("subdomain"); v != "" {
			cfg.Client.Subdomain = v
		}
		if v, _ := cmd.Flags().GetString("target"); v != "" {
			cfg.Client.Target = v
		}
		if v, _ := cmd.Flags().GetInt("local-port"); v != 0 {
			cfg.Client.LocalPort = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			cfg.Client.Verbose = true
		}
		tcpMode, _ := cmd.Flags().GetBool("tcp")

		if cfg.Client.Server == "" {
			return fmt.Errorf("--server is required")
		}
		if err := cfg.Client.Validate(); err != nil {
			return err
		}

		kind := protocol.KindHTTP
		if tcpMode {
			kind = protocol.KindTCP
		}

		logger := logging.New(cfg.Client.Verbose, os.Stderr)

		localTCPAddr := ""
		if tcpMode {
			localTCPAddr = fmt.Sprintf("localhost:%d", cfg.Client.LocalPort)
		}

		c := client.New(client.Config{
			ServerURL:  cfg.Client.Server,
			Credential: cfg.Client.Credential,
			Tunnels: []client.TunnelSpec{
				{Kind: kind, RequestedSubdomain: cfg.Client.Subdomain, LocalPort: cfg.Client.LocalPort},
			},
			DefaultTarget:  cfg.Client.Target,
			TargetResolver: cfg.Client.MatchRoute,
			LocalTCPAddr:   localTCPAddr,
			Verbose:        cfg.Client.Verbose,
		}, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		return c.Run(ctx)
	},
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List recent requests handled by a server",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		tunnelID, _ := cmd.Flags().GetString("tunnel")
		limit, _ := cmd.Flags().GetInt("limit")
		if serverURL == "" {
			return fmt.Errorf("--server is required")
		}

		url := fmt.Sprintf("%s/admin/requests?limit=%d", serverURL, limit)
		if tunnelID != "" {
			url += "&tunnel=" + tunnelID
		}
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("failed to fetch requests: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		var entries []struct {
			RequestID  string `json:"RequestID"`
			TunnelID   string `json:"TunnelID"`
			Method     string `json:"Method"`
			Path       string `json:"Path"`
			StatusCode int    `json:"StatusCode"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No requests found")
			return nil
		}
		for _, e := range entries {
			statusColor := color.GreenString
			if e.StatusCode >= 400 {
				statusColor = color.RedString
			} else if e.StatusCode >= 300 {
				statusColor = color.YellowString
			}
			fmt.Printf("  %s  %-7s %-30s %s\n",
				color.HiBlackString(e.RequestID),
				color.YellowString(e.Method),
				e.Path,
				statusColor("%d", e.StatusCode),
			)
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a previous request",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		requestID, _ := cmd.Flags().GetString("request")
		if serverURL == "" {
			return fmt.Errorf("--server is required")
		}
		if requestID == "" {
			return fmt.Errorf("--request is required")
		}

		url := fmt.Sprintf("%s/admin/replay?request_id=%s", serverURL, requestID)
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("failed to replay request: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("Replayed request %s: server returned %s\n", color.CyanString(requestID), statusText(resp.StatusCode))
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live terminal dashboard of requests flowing through a server",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			return fmt.Errorf("--server is required")
		}
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

		model := tui.NewModel()
		program := tea.NewProgram(&model, tea.WithAltScreen())

		go pollRequests(serverURL, pollInterval, model.RequestChannel())
		model.ConnectionChannel() <- tui.ConnectionInfo{ServerURL: serverURL, Connected: true}

		_, err := program.Run()
		return err
	},
}

// pollRequests fetches the admin requests feed periodically and forwards
// newly seen entries to the dashboard's request channel.
func pollRequests(serverURL string, interval time.Duration, ch chan<- tui.RequestItem) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	seen := make(map[string]bool)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		resp, err := http.Get(serverURL + "/admin/requests?limit=50")
		if err != nil {
			continue
		}
		var entries []struct {
			RequestID  string    `json:"RequestID"`
			TunnelID   string    `json:"TunnelID"`
			Subdomain  string    `json:"Subdomain"`
			Method     string    `json:"Method"`
			Path       string    `json:"Path"`
			StatusCode int       `json:"StatusCode"`
			Duration   int64     `json:"Duration"`
			Timestamp  time.Time `json:"Timestamp"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&entries)
		resp.Body.Close()

		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if seen[e.RequestID] {
				continue
			}
			seen[e.RequestID] = true
			ch <- tui.RequestItem{
				ID:         e.RequestID,
				TunnelID:   e.TunnelID,
				Subdomain:  e.Subdomain,
				Method:     e.Method,
				Path:       e.Path,
				StatusCode: e.StatusCode,
				Duration:   time.Duration(e.Duration),
				Timestamp:  e.Timestamp,
			}
		}
	}
}

func statusText(code int) string {
	if code == http.StatusOK {
		return color.GreenString("%d", code)
	}
	return color.RedString("%d", code)
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file")
	serverCmd.Flags().IntP("port", "p", 0, "Port to bind (overrides config)")
	serverCmd.Flags().String("host", "", "Host to bind (overrides config)")
	serverCmd.Flags().String("base-domain", "", "Base domain tunnels are registered under (overrides config)")
	serverCmd.Flags().Bool("verbose", false, "Enable debug logging")

	clientCmd.Flags().String("config", "", "Path to config file")
	clientCmd.Flags().StringP("server", "s", "", "Server URL (e.g. https://relay.example.com)")
	clientCmd.Flags().String("credential", "", "Credential presented to the server")
	clientCmd.Flags().String("subdomain", "", "Requested subdomain (server assigns one if omitted)")
	clientCmd.Flags().StringP("target", "t", "", "Local target URL")
	clientCmd.Flags().Int("local-port", 0, "Local TCP port (for --tcp tunnels)")
	clientCmd.Flags().Bool("tcp", false, "Open a raw TCP tunnel instead of HTTP")
	clientCmd.Flags().Bool("verbose", false, "Log request/response bodies")

	requestsCmd.Flags().StringP("server", "s", "", "Server URL")
	requestsCmd.Flags().String("tunnel", "", "Filter by tunnel id")
	requestsCmd.Flags().Int("limit", 50, "Maximum requests to show")
	requestsCmd.MarkFlagRequired("server")

	replayCmd.Flags().StringP("server", "s", "", "Server URL")
	replayCmd.Flags().StringP("request", "r", "", "Request ID to replay")
	replayCmd.MarkFlagRequired("server")
	replayCmd.MarkFlagRequired("request")

	dashboardCmd.Flags().StringP("server", "s", "", "Server URL")
	dashboardCmd.Flags().Duration("poll-interval", 2*time.Second, "How often to poll the server's request history")
	dashboardCmd.MarkFlagRequired("server")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(dashboardCmd)
}
