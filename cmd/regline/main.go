package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"regline/internal/address"
	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/events"
	"regline/internal/flow"
	"regline/internal/migrate"
	"regline/internal/repo"
	"regline/internal/server"
	"regline/internal/upstream"
)

var rootCmd = &cobra.Command{
	Use:   "regline",
	Short: "Regline registration flow service",
	Long: `Regline drives the public registration flow of the event platform:
it resolves incoming registration addresses (long token, legacy short id,
or slug), walks a visitor through identity capture, the dynamic form, and
the confirmation QR, and autosaves form-builder drafts. Event, form, and
participant data lives behind the upstream platform API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			up := upstream.New(cfg.Upstream.BaseURL)
			up.APIKey = cfg.Upstream.APIKey
			up.Timeout = cfg.UpstreamTimeout()
			up.HTTPClient.Timeout = up.Timeout

			store := repo.Repo{DB: conn}
			auditor := events.Writer{DB: conn}
			manager := flow.NewManager(flow.ManagerOptions{
				Upstream:      up,
				Store:         store,
				Auditor:       auditor,
				ClosedPhrases: cfg.ClosedPhrases,
				QRSecret:      cfg.QR.SigningSecret,
				Logger:        logger,
			})

			// Drafts go to the upstream API and are mirrored locally so
			// the CLI and GET endpoints can read them back offline.
			save := func(ctx context.Context, d domain.FormDraft) error {
				if err := up.SaveFormDraft(ctx, d.FormID, d); err != nil {
					return err
				}
				d.SavedAt = time.Now().UTC().Format(time.RFC3339)
				return store.UpsertDraft(ctx, d)
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Manager:       manager,
				Repo:          store,
				SaveFunc:      save,
				BasePath:      basePath,
				Logger:        logger,
				ContentDelay:  cfg.ContentDelay(),
				SettingsDelay: cfg.SettingsDelay(),
			})
			if err != nil {
				return err
			}
			defer handler.Close()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving regline API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <url>",
		Short: "Classify and resolve a registration address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			addr, err := address.Parse(args[0])
			if err != nil {
				return err
			}
			up := upstream.New(cfg.Upstream.BaseURL)
			up.APIKey = cfg.Upstream.APIKey
			up.Timeout = cfg.UpstreamTimeout()
			up.HTTPClient.Timeout = up.Timeout
			r := flow.Resolver{Upstream: up, ClosedPhrases: cfg.ClosedPhrases}
			resolved, err := r.Resolve(cmd.Context(), addr)
			if err != nil {
				var se *flow.StatusError
				if errors.As(err, &se) {
					fmt.Printf("registration unavailable: %s\n", se.Message)
					return nil
				}
				return err
			}
			return printJSONOrTable(map[string]string{
				"kind":        string(addr.Kind),
				"event_token": resolved.EventToken,
				"form_id":     resolved.FormID,
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Inspect persisted sessions"}
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionAuditCmd())
	return sess
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step", "Email", "Form", "Terminal", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Step.String(), s.UserEmail, s.FormID, s.Terminal, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Show audit log for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAuditEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max events")
	return cmd
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{Use: "draft", Short: "Inspect stored form drafts"}
	draft.AddCommand(&cobra.Command{
		Use:   "show <form-id>",
		Short: "Show the stored draft for a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})
	return draft
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage regline.yml"}
	var baseURL string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default regline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&baseURL, "upstream-url", "http://localhost:3000/api", "upstream API base URL")
	cfg.AddCommand(initCmd)
	return cfg
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
	return enc.Encode(v)
}
