package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pulseline/internal/activity"
	"pulseline/internal/app"
	"pulseline/internal/briefing"
	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/logging"
	"pulseline/internal/server"
	pulselinesdk "pulseline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pulseline CLI",
	Long: `Pulseline keeps a running picture of what a team of agents is doing and posts it to a chat channel.
- Jobs: agents report partial updates (state, progress, detail); the latest value of each field wins.
- Briefings: a timer renders the job list and publishes it when it changed, when an escalation is pending, or when idle too long.
- Health: the gateway log is tailed each tick; error signatures become synthetic health jobs and, past a threshold, an escalation mention.
- Activity: tool-call hooks feed an in-memory view of each agent's recent calls (pl serve only).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(viper.GetBool("log-json"), viper.GetBool("debug"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PULSELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/pulseline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("log-json", false, "write logs as JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-json", rootCmd.PersistentFlags().Lookup("log-json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pulseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path})
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func reportCmd() *cobra.Command {
	var jobID, title, owner, state, detail string
	var progress float64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report progress for a job",
		Long:  "Applies a partial update: only the flags you pass change; everything else keeps its last reported value.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ReportOptions{JobID: jobID}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("owner") {
				opts.Owner = &owner
			}
			if cmd.Flags().Changed("state") {
				opts.State = &state
			}
			if cmd.Flags().Changed("progress") {
				opts.Progress = &progress
			}
			if cmd.Flags().Changed("detail") {
				opts.Detail = &detail
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Report(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Println(briefing.RenderStatus([]domain.JobRecord{rec}, time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&owner, "owner", "", "job owner")
	cmd.Flags().StringVar(&state, "state", "", "registered|running|waiting|blocked|completed|failed")
	cmd.Flags().Float64Var(&progress, "progress", 0, "progress percentage (0-100)")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show current jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				includeCompleted := a.Config().Briefing.IncludeCompleted
				if cmd.Flags().Changed("all") {
					includeCompleted = all
				}
				jobs, err := a.Engine.ListJobs(ctx, includeCompleted)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				if len(jobs) == 0 {
					fmt.Println("No active jobs.")
					return nil
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "State", "Progress", "Owner", "Detail", "Updated"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.JobID, j.State, formatProgress(j.Progress), j.Owner, j.Detail,
						humanize.RelTime(j.UpdatedAt, now, "ago", "from now")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed jobs")
	return cmd
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show per-agent jobs and tool activity",
		Long:  "Tool activity lives in the serving process; pass --server to read it from a running pl serve. Without it only reported agent jobs are shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url := viper.GetString("server"); url != "" {
				return remoteAgents(cmd.Context(), url)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Engine.CurrentState(ctx)
				if err != nil {
					return err
				}
				views := briefing.Agents(jobs, activity.Snapshot{})
				if viper.GetBool("json") {
					return printJSON(views)
				}
				if len(views) == 0 {
					fmt.Println("No agent activity yet.")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "State", "Progress", "Detail"})
				for _, v := range views {
					if v.Job == nil {
						continue
					}
					tw.AppendRow(table.Row{v.Identity, v.Job.State, formatProgress(v.Job.Progress), v.Job.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().String("server", "", "base URL of a running pl serve")
	cmd.Flags().String("token", "", "bearer token for --server")
	_ = viper.BindPFlag("server", cmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func remoteAgents(ctx context.Context, url string) error {
	c := pulselinesdk.New(url)
	c.BearerToken = viper.GetString("token")
	resp, err := c.Agents(ctx)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(resp)
	}
	fmt.Println(resp.Text)
	return nil
}

func resetCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard every job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Reset(ctx, confirm); err != nil {
					if errors.Is(err, engine.ErrResetNotConfirmed) {
						return fmt.Errorf("%w (pass --confirm)", err)
					}
					return err
				}
				fmt.Println("All jobs discarded.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "really discard every job")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick",
		Long:  "Observes the log, refreshes health jobs and publishes a briefing if one is due. Handy from cron.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickSummary(out))
				}
				switch {
				case out.Skipped:
					fmt.Println("Briefings disabled.")
				case !out.Published:
					fmt.Println("Nothing to publish.")
				default:
					fmt.Printf("Published (%s, sent=%t)\n%s\n", out.Reason, out.Sent, out.Message)
				}
				if out.SendErr != nil {
					return out.SendErr
				}
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the briefing timer until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Scheduler.Run(ctx) })
				g.Go(func() error { return watchConfig(ctx, a) })
				return g.Wait()
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the briefing timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
				if authCfg.JWTSecret == "" && !loopback(addr) {
					return fmt.Errorf("PULSELINE_JWT_SECRET is required when listening on %s", addr)
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Scheduler.Run(ctx) })
				g.Go(func() error { return watchConfig(ctx, a) })
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					a.Log.Infow("serving", "addr", "http://"+addr+basePath, "metrics", "/metrics", "auth", authCfg.JWTSecret != "")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
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
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Job event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var jobID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest job events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Store.ReadAll(ctx)
				if err != nil {
					return err
				}
				if jobID != "" {
					filtered := evts[:0]
					for _, e := range evts {
						if e.JobID == jobID {
							filtered = append(filtered, e)
						}
					}
					evts = filtered
				}
				if n > 0 && len(evts) > n {
					evts = evts[len(evts)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Job", "Fields"})
				for _, e := range evts {
					ts := ""
					if e.UpdatedAt != nil {
						ts = e.UpdatedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{ts, e.JobID, eventFields(e)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&jobID, "job", "", "only events for this job")
	return cmd
}

func tokenCmd() *cobra.Command {
	var agent string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignAgentToken(viper.GetString("jwt-secret"), agent, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent identity (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, app.Options{Log: logging.Logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// watchConfig hot-reloads the config file until ctx is done. Nothing is
// watched when the file does not exist yet.
func watchConfig(ctx context.Context, a *app.App) error {
	path := viper.GetString("config")
	if path == "" {
		path = config.Path(a.Workspace)
	}
	if _, err := os.Stat(path); err != nil {
		a.Log.Debugw("config hot reload off", "file", path, "error", err)
		return nil
	}
	return config.Watch(ctx, path, config.DefaultDebounce, logging.Named(a.Log, "config"), a.Reload)
}

func loopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func tickSummary(out briefing.Outcome) map[string]any {
	m := map[string]any{
		"skipped":   out.Skipped,
		"published": out.Published,
		"sent":      out.Sent,
		"reason":    out.Reason,
		"message":   out.Message,
	}
	if out.SendErr != nil {
		m["sendError"] = out.SendErr.Error()
	}
	if out.Observation != nil {
		m["health"] = map[string]any{
			"scope":  out.Observation.Scope,
			"state":  out.Observation.State,
			"detail": out.Observation.Detail,
		}
	}
	return m
}

func eventFields(e domain.JobEvent) string {
	var parts []string
	if e.State != nil {
		parts = append(parts, "state="+string(*e.State))
	}
	if e.Progress != nil {
		parts = append(parts, "progress="+formatProgress(e.Progress))
	}
	if e.Title != nil {
		parts = append(parts, fmt.Sprintf("title=%q", *e.Title))
	}
	if e.Owner != nil {
		parts = append(parts, "owner="+*e.Owner)
	}
	if e.Detail != nil {
		parts = append(parts, fmt.Sprintf("detail=%q", *e.Detail))
	}
	return strings.Join(parts, " ")
}

func formatProgress(p *float64) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%.0f%%", *p)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
