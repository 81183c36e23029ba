package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "swarmtap",
	Short: "Development reverse proxy for Swarm node APIs",
	Long: `SwarmTap sits between a browser app and a Swarm node. It routes each request
to the gateway, debug or validator API, rewrites CORS headers so the browser
accepts the answer, and can record every gateway exchange as a replayable seed.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.String("host", "", "Listen address")
	flags.IntP("port", "p", 0, "Listen port")
	flags.Int64("max-body-bytes", 0, "Maximum accepted request body size (0 = unlimited)")

	flags.StringP("gateway-url", "g", "", "Gateway API base URL")
	flags.String("debug-url", "", "Debug API base URL")
	flags.Bool("debug-enable", false, "Route allow-listed paths to the debug API")
	flags.String("validator-url", "", "Validator base URL")
	flags.Bool("validator-enable", false, "Route non-gateway paths to the validator")
	flags.String("default-origin", "", "Origin echoed when a request has no Referer")
	flags.Int("timeout", 0, "Upstream timeout in seconds (0 = none)")

	flags.Bool("seed-enable", false, "Record gateway exchanges as seeds")
	flags.Bool("seed-replay", false, "Answer known requests from recorded seeds")
	flags.String("seed-driver", "", "Seed store driver (file, sqlite)")
	flags.String("seed-dir", "", "Seed directory for the file driver")
	flags.String("seed-path", "", "Database path for the sqlite driver")

	flags.Bool("web-enable", false, "Enable the admin API")
	flags.String("web-admin-path", "", "Admin API path prefix")
	flags.Bool("metrics-enable", false, "Expose Prometheus metrics")

	flags.StringP("output", "o", "", "Exchange output mode (console, json)")
	flags.BoolP("silence", "s", false, "Do not print exchanges")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.String("log-file-path", "", "Log file path, enables file logging")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"max-body-bytes":   "server.max_body_bytes",
	"gateway-url":      "upstream.gateway_url",
	"debug-url":        "upstream.debug_url",
	"debug-enable":     "upstream.debug_enable",
	"validator-url":    "upstream.validator_url",
	"validator-enable": "upstream.validator_enable",
	"default-origin":   "cors.default_origin",
	"timeout":          "forward.timeout",
	"seed-enable":      "seed.enable",
	"seed-replay":      "seed.replay",
	"seed-driver":      "seed.driver",
	"seed-dir":         "seed.dir",
	"seed-path":        "seed.path",
	"web-enable":       "web.enable",
	"web-admin-path":   "web.admin_path",
	"metrics-enable":   "metrics.enable",
	"output":           "output.mode",
	"silence":          "output.silence",
	"log-level":        "log.level",
	"log-file-path":    "log.file_logging.path",
}

// bindFlags lets explicitly set flags win over environment and file values.
func bindFlags(cmd *cobra.Command) {
	for flag, key := range flagKeys {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-file-path") {
		cfg.Log.FileLogging.Enable = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	if cfg.Output.Mode != "json" {
		printStartupBanner(os.Stdout, cfg)
	}
	log.Info("SwarmTap starting",
		"version", version,
		"port", cfg.Server.Port,
		"gateway", cfg.Upstream.GatewayURL,
		"debug", cfg.DebugActive(),
		"validator", cfg.ValidatorActive(),
		"seed_enable", cfg.Seed.Enable,
		"seed_replay", cfg.Seed.Replay,
		"web_enable", cfg.Web.Enable,
		"metrics_enable", cfg.Metrics.Enable,
	)

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start()
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "SwarmTap version %s\n", version)
	fmt.Fprintf(w, "Commit: %s\n", commit)
	fmt.Fprintf(w, "Built: %s\n", buildDate)
}

func bannerLines(cfg *config.Config) []string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	lines := []string{
		fmt.Sprintf("🚀 Listening on:   http://%s:%d", host, cfg.Server.Port),
		fmt.Sprintf("🌐 Gateway:        %s", cfg.Upstream.GatewayURL),
		fmt.Sprintf("🛠️ Debug API:      %s", upstreamStatus(cfg.DebugActive(), cfg.Upstream.DebugURL)),
		fmt.Sprintf("🔎 Validator:      %s", upstreamStatus(cfg.ValidatorActive(), cfg.Upstream.ValidatorURL)),
		fmt.Sprintf("🔓 CORS fallback:  %s", cfg.CORS.DefaultOrigin),
	}

	bodyLimit := "Unlimited"
	if cfg.Server.MaxBodyBytes > 0 {
		bodyLimit = humanize.IBytes(uint64(cfg.Server.MaxBodyBytes))
	}
	lines = append(lines, fmt.Sprintf("📦 Body limit:     %s", bodyLimit), "")

	switch {
	case cfg.Seed.Enable && cfg.Seed.Replay:
		lines = append(lines, "🌱 Seeds:          Recording + Replay")
	case cfg.Seed.Enable:
		lines = append(lines, "🌱 Seeds:          Recording")
	case cfg.Seed.Replay:
		lines = append(lines, "🌱 Seeds:          Replay")
	default:
		lines = append(lines, "🌱 Seeds:          Disabled")
	}
	if cfg.Seed.Enable || cfg.Seed.Replay {
		location := cfg.Seed.Dir
		if cfg.Seed.Driver == "sqlite" || cfg.Seed.Driver == "sqlite3" {
			location = cfg.Seed.Path
		}
		lines = append(lines, fmt.Sprintf("   └─ %s: %s", cfg.Seed.Driver, location))
	}

	if cfg.Web.Enable {
		lines = append(lines, fmt.Sprintf("🖥️ Admin API:      %s", cfg.Web.AdminPath))
	} else {
		lines = append(lines, "🖥️ Admin API:      Disabled")
	}
	if cfg.Metrics.Enable {
		lines = append(lines, fmt.Sprintf("📊 Metrics:        %s", cfg.Metrics.Path))
	}
	lines = append(lines, fmt.Sprintf("📝 Log Level:      %s", cfg.Log.Level))
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("   └─ %s (%s max)", cfg.Log.FileLogging.Path,
			humanize.IBytes(uint64(cfg.Log.FileLogging.MaxSizeMB)*humanize.MiByte)))
	}

	return append(lines, "", "(Press Ctrl+C to stop)")
}

func upstreamStatus(active bool, target string) string {
	if !active {
		return "Disabled"
	}
	return target
}

func printStartupBanner(w io.Writer, cfg *config.Config) {
	title := fmt.Sprintf("SwarmTap v%s", version)
	subtitle := "Swarm API Development Proxy"
	lines := bannerLines(cfg)

	maxWidth := runewidth.StringWidth(title)
	for _, line := range append(lines, subtitle) {
		if lw := runewidth.StringWidth(line); lw > maxWidth {
			maxWidth = lw
		}
	}
	boxWidth := maxWidth + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	writeBoxLine(w, title, boxWidth, true)
	writeBoxLine(w, subtitle, boxWidth, true)
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		writeBoxLine(w, line, boxWidth, false)
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)
}

// writeBoxLine pads content to the inner width of the box.
func writeBoxLine(w io.Writer, content string, boxWidth int, center bool) {
	inner := boxWidth - 2
	if center {
		left := (inner - runewidth.StringWidth(content)) / 2
		if left < 0 {
			left = 0
		}
		content = strings.Repeat(" ", left) + content
	} else {
		content = "  " + content
	}
	fmt.Fprintf(w, "│%s│\n", runewidth.FillRight(runewidth.Truncate(content, inner, ""), inner))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
