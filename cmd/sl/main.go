// Command sl is the storyline CLI: PRD intake, story selection, the
// attempt loop, and the HTTP API server for one workspace.
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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storyline/internal/app"
	"storyline/internal/migrate"
	"storyline/internal/repo"
	"storyline/internal/runner"
	"storyline/internal/server"
	"storyline/internal/verify"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sl",
		Short:         "Story execution coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("workspace", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "emit JSON instead of tables")
	root.PersistentFlags().String("domain", "", "override the configured domain")
	root.PersistentFlags().String("actor-id", "", "override the configured actor id")
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	viper.BindPFlag("domain", root.PersistentFlags().Lookup("domain"))
	viper.BindPFlag("actor_id", root.PersistentFlags().Lookup("actor-id"))

	root.AddCommand(
		newInitCmd(),
		newPRDCmd(),
		newStoryCmd(),
		newNextCmd(),
		newAttemptCmd(),
		newRunCmd(),
		newProgressCmd(),
		newBlockersCmd(),
		newEventsCmd(),
		newSignalsCmd(),
		newConfigCmd(),
		newServeCmd(),
		newAPIKeyCmd(),
		newTokenCmd(),
	)
	return root
}

// withApp loads the workspace, applies flag overrides, runs fn, and
// closes it.
func withApp(fn func(a *app.App) error) error {
	root := app.FindRoot(viper.GetString("workspace"))
	a, err := app.Load(root)
	if err != nil {
		return err
	}
	defer a.Close()
	if d := viper.GetString("domain"); d != "" {
		a.Cfg.Domain = d
		a.Engine.Cfg.Domain = d
	}
	if id := viper.GetString("actor_id"); id != "" {
		a.Cfg.Actor = id
		a.Engine.Cfg.Actor = id
	}
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(headers)
	t.SetStyle(table.StyleLight)
	return t
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Seed a workspace with a default config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("workspace")
			if err := app.Init(dir); err != nil {
				return err
			}
			return withApp(func(a *app.App) error {
				v, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("initialized workspace in %s (schema v%d)\n", dir, v)
				return nil
			})
		},
	}
}

func newPRDCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prd", Short: "Manage PRDs"}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a PRD file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				p, stories, err := a.Engine.ImportPRDFile(args[0], a.Cfg.Actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"prd": p, "stories": stories})
				}
				fmt.Printf("imported %s (%s, %d stories)\n", p.ID, p.Phase, len(stories))
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the domain's PRDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				prds, err := a.Engine.Repo.ListPRDs(a.DB, a.Cfg.Domain)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(prds)
				}
				t := newTable("ID", "NAME", "PHASE", "PRIORITY", "DEPENDS ON")
				for _, p := range prds {
					t.AppendRow(table.Row{p.ID, p.Name, p.Phase, p.Priority, strings.Join(p.DependsOn, ",")})
				}
				t.Render()
				return nil
			})
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func newStoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "story", Short: "Inspect and manage stories"}

	var prdID, status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				stories, err := a.Engine.Repo.ListStories(a.DB, repo.StoryFilters{PRDID: prdID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stories)
				}
				t := newTable("ID", "PRD", "#", "TITLE", "STATUS", "ITER", "EST")
				for _, s := range stories {
					t.AppendRow(table.Row{s.ID, s.PRDID, s.Position, s.Title, s.Status,
						s.IterationsUsed, s.EstimatedIterations})
				}
				t.Render()
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&prdID, "prd", "", "filter by PRD id")
	listCmd.Flags().StringVar(&status, "status", "", "filter by status")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a story with its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				s, err := a.Engine.Repo.GetStory(a.DB, args[0])
				if err != nil {
					return err
				}
				attempts, err := a.Engine.Repo.ListAttempts(a.DB, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"story": s, "attempts": attempts})
				}
				fmt.Printf("%s  %s\n", s.ID, s.Title)
				fmt.Printf("  status=%s iterations=%d/%d deps=%s\n",
					s.Status, s.IterationsUsed, s.EstimatedIterations, strings.Join(s.Dependencies, ","))
				for _, c := range s.AcceptanceCriteria {
					fmt.Println("  -", c)
				}
				if len(attempts) > 0 {
					t := newTable("#", "OUTCOME", "ALT", "SIGNATURE", "TS")
					for _, at := range attempts {
						t.AppendRow(table.Row{at.Number, at.Outcome, at.Alternative, at.Signature, at.TS})
					}
					t.Render()
				}
				return nil
			})
		},
	}

	var note string
	resetCmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a blocked story to pending with counters cleared",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				s, err := a.Engine.ResetStory(args[0], a.Cfg.Actor, note)
				if err != nil {
					return err
				}
				fmt.Printf("reset %s to %s\n", s.ID, s.Status)
				return nil
			})
		},
	}
	resetCmd.Flags().StringVar(&note, "note", "", "progress note for the reset")

	var reason string
	skipCmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Skip a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				s, err := a.Engine.SkipStory(args[0], a.Cfg.Actor, reason)
				if err != nil {
					return err
				}
				fmt.Printf("skipped %s\n", s.ID)
				return nil
			})
		},
	}
	skipCmd.Flags().StringVar(&reason, "reason", "", "why the story is skipped")

	cmd.AddCommand(listCmd, getCmd, resetCmd, skipCmd)
	return cmd
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show what the coordinator would work on next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				sel, err := a.Engine.SelectNextStory(a.Cfg.Domain)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sel)
				}
				switch sel.Kind {
				case "story_found":
					fmt.Printf("next: %s  %s\n", sel.Story.ID, sel.Story.Title)
				case "all_complete":
					fmt.Println("all stories complete")
				default:
					fmt.Println("deadlock: no selectable story")
					for _, id := range sel.Blocked {
						fmt.Println("  blocked:", id)
					}
					for _, id := range sel.Unreachable {
						fmt.Println("  unreachable:", id)
					}
				}
				if sel.FoundationBlocked != "" {
					fmt.Println("foundation story blocked:", sel.FoundationBlocked)
				}
				return nil
			})
		},
	}
}

func newAttemptCmd() *cobra.Command {
	var passed bool
	var output, command string
	cmd := &cobra.Command{
		Use:   "attempt <id>",
		Short: "Run or record one attempt at a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				var v verify.Verifier
				switch {
				case command != "":
					v = verify.Command{Command: command,
						Timeout: time.Duration(a.Cfg.Verify.TimeoutSeconds) * time.Second}
				case cmd.Flags().Changed("passed"):
					p, o := passed, output
					v = verify.Func(func(context.Context, string, string, bool) (verify.Result, error) {
						return verify.Result{Passed: p, Output: o}, nil
					})
				case a.Cfg.Verify.Command != "":
					v = verify.Command{Command: a.Cfg.Verify.Command,
						Timeout: time.Duration(a.Cfg.Verify.TimeoutSeconds) * time.Second}
				default:
					return errors.New("no verifier: pass --command or --passed, or set verify.command")
				}
				out, err := a.Engine.AttemptStory(cmd.Context(), args[0], v)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("attempt %d: %s\n", out.Attempt.Number, out.Attempt.Outcome)
				if out.TryAlternative {
					fmt.Println("stuck: try an alternative approach next")
				}
				if out.Blocked {
					fmt.Println("blocked:", out.Blocker.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "record an externally executed attempt as passed/failed")
	cmd.Flags().StringVar(&output, "output", "", "failure output for the recorded attempt")
	cmd.Flags().StringVar(&command, "command", "", "verification command to run")
	return cmd
}

func newRunCmd() *cobra.Command {
	var maxAttempts int
	var pause time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator loop until the domain finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if a.Cfg.Verify.Command == "" {
					return errors.New("run requires verify.command in storyline.yml")
				}
				log, err := zap.NewProduction()
				if err != nil {
					return err
				}
				defer log.Sync()
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				r := &runner.Runner{
					Engine: a.Engine,
					Verifier: verify.Command{Command: a.Cfg.Verify.Command,
						Timeout: time.Duration(a.Cfg.Verify.TimeoutSeconds) * time.Second},
					Log:         log,
					Pause:       pause,
					MaxAttempts: maxAttempts,
				}
				res, err := r.Run(ctx, a.Cfg.Domain)
				if err != nil {
					return err
				}
				fmt.Printf("run finished: %s after %d attempt(s)\n", res.Outcome, res.Attempts)
				if res.Outcome == runner.OutcomeDeadlock {
					return errors.New("deadlock")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max", 0, "cap on attempts for this run (0 = unbounded)")
	cmd.Flags().DurationVar(&pause, "pause", 0, "pause between attempts")
	return cmd
}

func newProgressCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the domain's progress record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				p, err := a.Engine.Repo.GetProgress(a.DB, a.Cfg.Domain)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Println("no progress recorded yet")
						return nil
					}
					return err
				}
				notes, err := a.Engine.Repo.ListProgressNotes(a.DB, a.Cfg.Domain, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"progress": p, "notes": notes})
				}
				fmt.Printf("domain %s  started %s  updated %s\n", p.Domain, p.Started, p.LastUpdated)
				if p.CurrentStory != "" {
					fmt.Printf("current: %s (%s)\n", p.CurrentStory, p.CurrentStage)
				}
				for i := len(notes) - 1; i >= 0; i-- {
					fmt.Printf("  %s  %s\n", notes[i].TS, notes[i].Note)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of notes to show")
	return cmd
}

func newBlockersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blockers",
		Short: "List the domain's blockers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				blockers, err := a.Engine.Repo.ListBlockers(a.DB, a.Cfg.Domain)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(blockers)
				}
				t := newTable("STORY", "REASON", "ESCALATED", "REMEDIES", "TS")
				for _, b := range blockers {
					t.AppendRow(table.Row{b.StoryID, b.Reason, b.Escalated,
						strings.Join(b.AttemptedRemedies, "; "), b.TS})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newEventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				evs, cursor, err := a.Engine.Repo.ListEvents(a.DB, a.Cfg.Domain, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"events": evs, "cursor": cursor})
				}
				for _, e := range evs {
					fmt.Printf("%d  %s  %-18s %s/%s\n", e.ID, e.TS, e.Type, e.EntityKind, e.EntityID)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "start after this event id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func newSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List completion signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				signals, err := a.Engine.Repo.ListSignals(a.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(signals)
				}
				t := newTable("KIND", "ENTITY", "TS")
				for _, s := range signals {
					t.AppendRow(table.Row{s.EntityKind, s.EntityID, s.TS})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective workspace configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				raw, err := a.Cfg.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(raw))
				return nil
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				log, err := zap.NewProduction()
				if err != nil {
					return err
				}
				defer log.Sync()
				if addr == "" {
					addr = a.Cfg.Server.Addr
				}
				srv := server.New(a.Engine, a.Cfg, log)
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if len(a.Cfg.Webhook.Endpoints) > 0 {
					d := &server.Dispatcher{Engine: a.Engine, Endpoints: a.Cfg.Webhook.Endpoints, Log: log}
					go d.Run(ctx)
				}
				httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					httpSrv.Shutdown(shutdownCtx)
				}()
				log.Info("serving", zap.String("addr", addr))
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	return cmd
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	createCmd := &cobra.Command{
		Use:   "create <actor>",
		Short: "Create an API key for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				key, secret, err := a.Engine.Repo.CreateAPIKey(a.DB, args[0], name,
					repo.NowRFC3339(a.Engine.Now()))
				if err != nil {
					return err
				}
				fmt.Printf("created key %s for %s\n", key.ID, key.ActorID)
				fmt.Println("secret (shown once):", secret)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "key label")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(a.DB)
				if err != nil {
					return err
				}
				t := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(a.DB, args[0])
			})
		},
	}

	cmd.AddCommand(createCmd, listCmd, deleteCmd)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor>",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if a.Cfg.Server.JWTSecret == "" {
					return errors.New("server.jwt_secret is not configured")
				}
				tok, err := server.IssueToken(a.Cfg.Server.JWTSecret, args[0], perms, ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{"agent"}, "permissions to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
