package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pbaille/toxfilter/internal/api"
	"github.com/pbaille/toxfilter/internal/app"
	"github.com/pbaille/toxfilter/internal/config"
	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/fetcher"
	"github.com/pbaille/toxfilter/internal/logging"
	"github.com/pbaille/toxfilter/internal/profile"
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
	logLevel   string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "toxfilter",
		Short:         "Find and censor toxic text in social media pages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default ~/.toxfilter/toxfilter.db)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.toxfilter/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(profilesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close: %v\n", err)
	}
}

// resolveProfile picks the named profile, or detects one from source when
// source is a URL
func resolveProfile(a *app.App, platform, source string) (profile.Profile, error) {
	p, err := a.Profiles().Resolve(platform, source)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%w (use --platform, one of: %s)", err, strings.Join(a.Profiles().Names(), ", "))
	}
	return p, nil
}

// readSource reads an HTML document from a file or a URL
func readSource(ctx context.Context, source string) (string, error) {
	if fetcher.IsURL(source) {
		return fetcher.FetchHTML(ctx, source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", source, err)
	}
	return string(data), nil
}

// writeOutput writes a rendered document to path, or stdout when path is empty
func writeOutput(doc *dom.Document, path string) error {
	if path == "" {
		return doc.Render(os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := doc.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func scanCmd() *cobra.Command {
	var platform, out string

	cmd := &cobra.Command{
		Use:   "scan <file|url>",
		Short: "Censor toxic text in an HTML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source := args[0]

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			p, err := resolveProfile(a, platform, source)
			if err != nil {
				return err
			}

			page, err := readSource(ctx, source)
			if err != nil {
				return err
			}
			doc, err := dom.ParseHTMLString(page)
			if err != nil {
				return err
			}

			stats := a.NewEngine(p).Scan(ctx, doc)
			if err := writeOutput(doc, out); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Scan %s (%s): %d checked, %d flagged, %d rewritten in %s\n",
				stats.ScanID[:8], p.Name, stats.Claimed, stats.Flagged, stats.Rewritten,
				stats.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "platform profile (detected from URL when omitted)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func watchCmd() *cobra.Command {
	var platform, out string

	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-scan an HTML file whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			if fetcher.IsURL(source) {
				return fmt.Errorf("watch needs a local file")
			}
			if out != "" && sameFile(out, source) {
				return fmt.Errorf("output must differ from the watched file")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			p, err := resolveProfile(a, platform, source)
			if err != nil {
				return err
			}

			w := newFileWatcher(a, p, source, out)
			fmt.Fprintf(os.Stderr, "Watching %s (%s), Ctrl-C to stop\n", source, p.Name)
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "platform profile")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func classifyCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <text|url>",
		Short: "Classify a single text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text := strings.Join(args, " ")

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if len(args) == 1 && fetcher.IsURL(args[0]) {
				fmt.Fprintf(os.Stderr, "Fetching %s...\n", args[0])
				text, err = fetcher.FetchText(ctx, args[0])
				if err != nil {
					return err
				}
			}

			result := a.Classifier().Classify(ctx, text)

			if asJSON {
				return printJSON(os.Stdout, result)
			}
			if result.IsToxic {
				fmt.Println("toxic")
				fmt.Printf("Censored: %s\n", result.CensoredText)
			} else {
				fmt.Println("clean")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(a)

			server, err := api.New(a, addr, logger)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (default :8080)")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the classification cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show cache size and age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			stats := a.Cache().Stats()
			ttl := a.Config().Cache.TTLDuration()
			age := time.Since(stats.CreatedAt)

			fmt.Printf("Items:   %d\n", stats.Items)
			fmt.Printf("Created: %s (%s ago)\n", stats.CreatedAt.Format(time.RFC3339), age.Round(time.Second))
			fmt.Printf("Expires: in %s\n", max(ttl-age, 0).Round(time.Second))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			reply, err := a.HandleMessage(cmd.Context(), app.Message{Action: app.ActionClearCache})
			if err != nil {
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	})

	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the live settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			reply, err := a.HandleMessage(cmd.Context(), app.Message{Action: app.ActionGetSettings})
			if err != nil {
				return err
			}
			fmt.Printf("Enabled:  %t\n", reply.Settings.Enabled)
			fmt.Printf("Endpoint: %s\n", reply.Settings.APIEndpoint)
			return nil
		},
	})

	var enabled, endpoint string
	set := &cobra.Command{
		Use:   "set",
		Short: "Update the settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			settings := a.Settings()
			if cmd.Flags().Changed("enabled") {
				v, err := strconv.ParseBool(enabled)
				if err != nil {
					return fmt.Errorf("invalid --enabled: %w", err)
				}
				settings.Enabled = v
			}
			if cmd.Flags().Changed("endpoint") {
				settings.APIEndpoint = endpoint
			}

			reply, err := a.HandleMessage(cmd.Context(), app.Message{
				Action:   app.ActionSettingsUpdated,
				Settings: &settings,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Enabled:  %t\n", reply.Settings.Enabled)
			fmt.Printf("Endpoint: %s\n", reply.Settings.APIEndpoint)
			return nil
		},
	}
	set.Flags().StringVar(&enabled, "enabled", "", "enable or disable filtering (true/false)")
	set.Flags().StringVar(&endpoint, "endpoint", "", "classification endpoint URL")
	cmd.AddCommand(set)

	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List platform profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := cfg.Registry()
			if err != nil {
				return err
			}

			for _, name := range registry.Names() {
				p, _ := registry.Get(name)
				fmt.Printf("%-10s %s\n", p.Name, strings.Join(p.Hosts, ", "))
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
