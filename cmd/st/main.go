package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"sitetrack/internal/app"
	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/events"
	"sitetrack/internal/logging"
	"sitetrack/internal/migrate"
	"sitetrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "st",
	Short: "sitetrack CLI",
	Long: `sitetrack tracks construction projects from estimate to handover.
Core concepts:
- Workspace: a directory holding sitetrack.yml and the .sitetrack state directory.
- Project: one job for one client, with estimate, contract, schedule and assigned staff.
- Status: 見積 -> 受注 -> 施工前 -> 施工中 -> 施工完了 -> 案件完了. Allowed moves come from the status table in sitetrack.yml.
- Auto ticket: entering 受注 notifies the site manager and writes the ticket log.
- Event log: every change is recorded; view it with 'st log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var stdin io.Reader = os.Stdin

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// values already in the environment win over the workspace .env
	if err := godotenv.Load(envPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: read .env:", err)
	}
	viper.SetEnvPrefix("SITETRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "name recorded as the actor of changes (env SITETRACK_ACTOR)")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "skip confirmation prompts")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (default from sitetrack.yml)")
	for _, name := range []string{"workspace", "json", "actor", "yes", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(ganttCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func workspace() string { return viper.GetString("workspace") }

func envPath() string { return filepath.Join(workspace(), ".env") }

func actor() string { return strings.TrimSpace(viper.GetString("actor")) }

func initCmd() *cobra.Command {
	var samples, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create sitetrack.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := workspace()
			if _, err := db.EnsureWorkspace(ws); err != nil {
				return err
			}
			path := config.Path(ws)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists; keeping it (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			cfg, err := config.Load(ws)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, samples)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB == nil {
				fmt.Printf("Workspace ready (%s backend)\n", cfg.Storage.Backend)
				return nil
			}
			v, err := migrate.Version(cmd.Context(), a.DB)
			if err != nil {
				return err
			}
			fmt.Printf("Workspace ready (%s, schema v%d)\n", db.Path(ws), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&samples, "samples", false, "seed the two demo projects when the workspace has none")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing sitetrack.yml")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every project change, ticket and import is recorded here (sqlite backend only).",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f events.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !a.Engine.Events.Enabled() {
					return errors.New("the event log is only kept by the sqlite backend")
				}
				items, err := a.Engine.Events.Latest(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect sitetrack.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(workspace())
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate sitetrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(workspace())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the JSON API, file exports and the /stream event feed. Bearer tokens are HS256 JWTs signed with SITETRACK_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt_secret"),
					AllowLegacyActorHeader: allowLegacy,
					Logger:                 a.Logger,
				}
				if authCfg.JWTSecret == "" && !allowLegacy {
					return fmt.Errorf("SITETRACK_JWT_SECRET is required for bearer auth")
				}
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Engine.Events, a.Config.Webhooks, a.Logger)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving sitetrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor", false, "accept the unauthenticated X-Actor-Id header")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			token, err := server.IssueToken(secret, actor(), roles, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("issue token (set SITETRACK_JWT_SECRET and --actor): %w", err)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claims")
	return cmd
}

// buildLogger prefers --log-level / SITETRACK_LOG_LEVEL over sitetrack.yml.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	return logging.New(level, cfg.Log.Encoding)
}

func openApp(ctx context.Context, cfg *config.Config, samples bool) (*app.App, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: workspace(),
		Config:    cfg,
		Logger:    logger,
		Samples:   samples,
	})
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return a, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.LoadOptional(workspace())
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		a.Close()
		a.Logger.Sync()
	}()
	return fn(ctx, a)
}

// confirm asks on stdin unless --yes is set.
func confirm(prompt string) (bool, error) {
	if viper.GetBool("yes") {
		return true, nil
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

var errAborted = errors.New("aborted")

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
