package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/engine"
	"forgeline/internal/repo"
	"forgeline/internal/server"
	forgelinesdk "forgeline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline drives autonomous build runs through a fixed pipeline.
- Run: one attempt at delivering a task, moving INTAKE -> PLAN -> SELECT_TASK -> CODEGEN -> TEST -> BUILD -> DEPLOY_PREVIEW -> EVAL -> REVIEW.
- Advance: one step of a run. A run in REVIEW waits for 'fl run resolve' or for the stall watchdog to send it back to PLAN.
- Proofs: append-only evidence written by every step; content is fetched with short-lived tokens.
- Budget: per-run token and currency caps checked before code generation.
- Workspace: the .forgeline directory holding the database, proof content and run workspaces.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

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
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/forgeline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("project", "", "project id (overrides config default)")
	flags.String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "config", "json", "project", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(proofCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}

// withProject resolves the active project before calling fn.
func withProject(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		projectID, err := rt.ResolveProject(ctx, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, rt, projectID)
	})
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, desc string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, id, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&desc, "description", "", "description")
	_ = create.MarkFlagRequired("id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printProjects(items)
			})
		},
	}
	prj.AddCommand(create, list)
	return prj
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd(), taskListCmd(), taskRankCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				t, err := rt.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.GoalID, "goal", "", "goal id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Status, "status", "planned", "initial status")
	cmd.Flags().IntVar(&opts.Priority, "priority", 5, "priority 0-10, higher first")
	cmd.Flags().IntVar(&opts.EstimateMinutes, "estimate", 60, "estimated minutes")
	cmd.Flags().IntVar(&opts.Complexity, "complexity", 5, "complexity 0-10")
	cmd.Flags().IntVar(&opts.Urgency, "urgency", 5, "urgency 0-10")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				f.ProjectID = projectID
				tasks, err := rt.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskRankCmd() *cobra.Command {
	var limit int
	var perf map[string]float64
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank open tasks by score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, w, err := rt.Engine.RankTasks(ctx, projectID, limit, perf)
				if err != nil {
					return err
				}
				return printRanked(items, w)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of tasks (default scorer.top_n)")
	cmd.Flags().StringToFloat64Var(&perf, "perf", nil, "factor performance used to re-weight, e.g. priority=0.8,urgency=0.2")
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage goals"}

	var opts engine.GoalCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				g, err := rt.Engine.CreateGoal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "goal id")
	create.Flags().StringVar(&opts.Title, "title", "", "title")
	create.Flags().Float64Var(&opts.Urgency, "urgency", 0.5, "urgency 0-1")
	create.Flags().Float64Var(&opts.Impact, "impact", 0.5, "impact 0-1")
	create.Flags().Float64Var(&opts.Unblock, "unblock", 0, "how much it unblocks 0-1")
	create.Flags().Float64Var(&opts.Risk, "risk", 0, "risk 0-1")
	create.Flags().Float64Var(&opts.Cost, "cost", 0, "cost 0-1")
	_ = create.MarkFlagRequired("title")

	rank := &cobra.Command{
		Use:   "rank",
		Short: "Rank open goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.RankGoals(ctx, projectID)
				if err != nil {
					return err
				}
				return printGoals(items)
			})
		},
	}
	goal.AddCommand(create, rank)
	return goal
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Follow orchestrator events"}
	var serverURL, runID string
	var kinds []string
	var after int64
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream events from a running server",
		Long:  "Events live only in the server's memory, so watching needs 'fl serve' running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := forgelinesdk.New(serverURL, viper.GetString("project"))
			return client.StreamEvents(cmd.Context(), forgelinesdk.StreamOptions{
				RunID: runID, Kinds: kinds, LastEventID: after,
			}, func(e forgelinesdk.Event) error {
				if viper.GetBool("json") {
					return printJSON(e)
				}
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n", e.ID, e.TS, e.Kind, e.RunID, e.Summary)
				return nil
			})
		},
	}
	watch.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server URL")
	watch.Flags().StringVar(&runID, "run", "", "only events of this run")
	watch.Flags().StringSliceVar(&kinds, "kind", nil, "event kinds to include")
	watch.Flags().Int64Var(&after, "after", 0, "replay buffered events after this id")
	events.AddCommand(watch)
	return events
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage forgeline.yml"}

	var projectID string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default forgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&projectID, "project-id", "", "default project id")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printYAML(rt.Config)
			})
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cfg.AddCommand(initCmd, show, validate)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the stall watchdog and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if !cmd.Flags().Changed("addr") {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:            rt.Engine,
					BasePath:          basePath,
					Logger:            rt.Logger.Named("http"),
					Metrics:           rt.Metrics,
					PreviewDir:        rt.Engine.RunsDir,
					RequestsPerSecond: cfg.Server.RequestsPerSecond,
					Burst:             cfg.Server.Burst,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.Logger.Info("serving forgeline api", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					return rt.Watchdog.Run(gctx, cfg.Watchdog.SweepInterval)
				})
				if d := server.NewWebhookDispatcher(rt.Engine.Bus, cfg.Webhooks, rt.Logger.Named("webhooks")); d != nil {
					g.Go(func() error { return d.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (default server.base_path)")
	return cmd
}
