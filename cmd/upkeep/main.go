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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"upkeep/internal/auth"
	"upkeep/internal/config"
	"upkeep/internal/db"
	"upkeep/internal/domain"
	"upkeep/internal/engine"
	"upkeep/internal/logging"
	"upkeep/internal/migrate"
	"upkeep/internal/repo"
	"upkeep/internal/server"
	"upkeep/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "upkeep",
	Short: "Upkeep CLI",
	Long: `Upkeep tracks property maintenance work with photographic proof.
Owners define properties and assets, assign tasks to operators, and verify
submitted evidence before a task counts as done. Residents can report issues
which owners convert into tasks.`,
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
	viper.SetEnvPrefix("UPKEEP")
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
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

// withEngine opens the workspace store, applies migrations, and hands a
// ready engine to fn.
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine, cfg *config.Config) error) error {
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
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	e := engine.New(conn, log, cfg.Storage.PublicBaseURL)
	return fn(ctx, e, cfg)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *config.Config) error {
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("UPKEEP_JWT_SECRET"),
					TokenTTL:  time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("UPKEEP_JWT_SECRET is required for bearer auth")
				}
				evidenceSecret := os.Getenv("UPKEEP_EVIDENCE_SECRET")
				if evidenceSecret == "" {
					evidenceSecret = authCfg.JWTSecret
				}
				root := cfg.Storage.Root
				if root == "" {
					root = ".upkeep/evidence"
				}
				uploadBase := strings.TrimSuffix(cfg.Storage.PublicBaseURL, "/evidence") + "/evidence/put"
				store, err := storage.NewDiskStore(root, cfg.Storage.PublicBaseURL, uploadBase, []byte(evidenceSecret))
				if err != nil {
					return err
				}
				mediator := storage.NewMediator(store,
					time.Duration(cfg.Storage.SlotTTLMinutes)*time.Minute, cfg.Storage.MaxUploadBytes)
				handler, err := server.New(server.Config{
					Engine:   e,
					Store:    store,
					Mediator: mediator,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(cmd.Context(), e, cfg.Webhooks)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Upkeep API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account management",
	}
	cmd.AddCommand(accountBootstrapCmd())
	cmd.AddCommand(accountCreateOperatorCmd())
	cmd.AddCommand(accountListOperatorsCmd())
	return cmd
}

func accountBootstrapCmd() *cobra.Command {
	var email, name, password string
	cmd := &cobra.Command{
		Use:   "bootstrap-owner",
		Short: "Create the first owner account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || name == "" || password == "" {
				return fmt.Errorf("--email, --name and --password required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				account, err := e.CreateOwner(ctx, engine.CreateOwnerParams{Email: email, Name: name, Password: password})
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Account{account})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "owner email")
	cmd.Flags().StringVar(&name, "name", "", "owner display name")
	cmd.Flags().StringVar(&password, "password", "", "owner password")
	return cmd
}

func accountCreateOperatorCmd() *cobra.Command {
	var ownerID, email, name, password string
	cmd := &cobra.Command{
		Use:   "create-operator",
		Short: "Create an operator employed by an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" || email == "" || name == "" || password == "" {
				return fmt.Errorf("--owner, --email, --name and --password required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				p := &auth.Principal{AccountID: ownerID, Role: domain.RoleOwner, Source: "cli"}
				account, err := e.CreateOperator(ctx, p, engine.CreateOperatorParams{Email: email, Name: name, Password: password})
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Account{account})
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "employing owner id")
	cmd.Flags().StringVar(&email, "email", "", "operator email")
	cmd.Flags().StringVar(&name, "name", "", "operator display name")
	cmd.Flags().StringVar(&password, "password", "", "operator password")
	return cmd
}

func accountListOperatorsCmd() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "list-operators",
		Short: "List an owner's operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				p := &auth.Principal{AccountID: ownerID, Role: domain.RoleOwner, Source: "cli"}
				accounts, err := e.ListOperators(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(accounts)
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task inspection",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskGetCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var ownerID, status, priority, propertyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				p := &auth.Principal{AccountID: ownerID, Role: domain.RoleOwner, Source: "cli"}
				tasks, err := e.ListTasks(ctx, p, repo.TaskFilters{
					Status:     domain.TaskStatus(status),
					Priority:   domain.Priority(priority),
					PropertyID: propertyID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Scheduled", "Assignee"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.ScheduledDate, t.AssigneeID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&propertyID, "property", "", "property filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				p := &auth.Principal{AccountID: ownerID, Role: domain.RoleOwner, Source: "cli"}
				task, err := e.GetTask(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var ownerID, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *config.Config) error {
				p := &auth.Principal{AccountID: ownerID, Role: domain.RoleOwner, Source: "cli"}
				events, err := e.ListEvents(ctx, p, entityKind, entityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

// --- helpers ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(accounts []domain.Account) error {
	if viper.GetBool("json") {
		return printJSON(accounts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Email", "Name", "Role", "Active"})
	for _, a := range accounts {
		tw.AppendRow(table.Row{a.ID, a.Email, a.Name, a.Role, a.Active})
	}
	tw.Render()
	return nil
}
