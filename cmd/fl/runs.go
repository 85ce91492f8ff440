package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/app"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/guard"
)

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Drive pipeline runs"}
	run.AddCommand(
		runEnsureCmd(),
		runAdvanceCmd(),
		runShowCmd(),
		runListCmd(),
		runAttemptsCmd(),
		runKillCmd(),
		runBudgetCmd(),
		runResolveCmd(),
		runCancelAutoCmd(),
		runActionCmd(),
	)
	return run
}

func runEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Return the active run of the project, creating one if none is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				run, created, err := rt.Engine.EnsureRun(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "created": created})
				}
				if created {
					fmt.Println("created run", run.ID)
				}
				return printRun(run)
			})
		},
	}
}

func runAdvanceCmd() *cobra.Command {
	var steps int
	var until string
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Advance a run one or more stages",
		Long:  "Advances stop early once the run halts in REVIEW, DONE or FAILED.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := domain.RunState(strings.ToUpper(until))
			if until != "" && !target.Valid() {
				return fmt.Errorf("unknown state %q", until)
			}
			if until != "" && steps == 1 {
				steps = len(domain.States)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var results []engine.AdvanceResult
				for i := 0; i < steps; i++ {
					res, err := rt.Engine.Advance(ctx, args[0])
					if err != nil {
						return err
					}
					if res.AttemptID == 0 {
						break
					}
					results = append(results, res)
					if res.State == target || res.State.Halted() {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				if len(results) == 0 {
					run, err := rt.Engine.GetRun(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("run %s is %s; nothing to advance\n", run.ID, run.State)
					return nil
				}
				printAdvances(results)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "maximum number of advances")
	cmd.Flags().StringVar(&until, "until", "", "advance until this state is reached")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				runs, err := rt.Engine.Repo.ListRuns(ctx, projectID, limit)
				if err != nil {
					return err
				}
				return printRuns(runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func runAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <run-id>",
		Short: "List the attempts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.GetRun(ctx, args[0]); err != nil {
					return err
				}
				items, err := rt.Engine.Repo.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				return printAttempts(items)
			})
		},
	}
}

func runKillCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Fail a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.Kill(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the proof log")
	return cmd
}

func runBudgetCmd() *cobra.Command {
	var caps domain.Spend
	cmd := &cobra.Command{
		Use:   "budget <run-id>",
		Short: "Replace the budget caps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				next := run.Budget
				if cmd.Flags().Changed("tokens") {
					next.Tokens = caps.Tokens
				}
				if cmd.Flags().Changed("usd") {
					next.USD = caps.USD
				}
				run, err = rt.Engine.SetBudget(ctx, args[0], next)
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	cmd.Flags().Int64Var(&caps.Tokens, "tokens", 0, "token cap")
	cmd.Flags().Float64Var(&caps.USD, "usd", 0, "currency cap")
	return cmd
}

func runResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "resolve <run-id> retry|complete",
		Short:     "Resolve a run waiting in REVIEW",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{engine.DecisionRetry, engine.DecisionComplete},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.Resolve(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
}

func runCancelAutoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-auto <run-id>",
		Short: "Cancel the pending auto-decision of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				run, err := rt.Engine.CancelAutoDecision(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
}

func runActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <run-id> <action>",
		Short: "Record a manual action under the run rate limit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.SubmitAction(ctx, args[0], strings.Join(args[1:], " "))
				if errors.Is(err, guard.ErrRateLimited) {
					fmt.Fprintf(os.Stderr, "retry after %s\n", res.RetryAfter.Round(time.Second))
					return err
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func proofCmd() *cobra.Command {
	proofs := &cobra.Command{Use: "proof", Short: "Inspect the proof log"}

	var kind string
	list := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List the proofs of a run in write order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Proofs.List(ctx, args[0], kind)
				if err != nil {
					return err
				}
				return printProofs(items)
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "kind filter")

	show := &cobra.Command{
		Use:   "show <proof-id>",
		Short: "Show proof metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Proofs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}

	token := &cobra.Command{
		Use:   "token <proof-id>",
		Short: "Issue a short-lived content token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tok, exp, err := rt.Engine.IssueProofToken(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": tok, "expires_at": exp})
				}
				fmt.Println(tok)
				return nil
			})
		},
	}

	var tok string
	content := &cobra.Command{
		Use:   "content <proof-id>",
		Short: "Print proof content",
		Long:  "Without --token a token is issued and used locally.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if tok == "" {
					issued, _, err := rt.Engine.IssueProofToken(ctx, args[0])
					if err != nil {
						return err
					}
					tok = issued
				}
				_, body, err := rt.Engine.ProofContent(ctx, args[0], tok)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(body)
				return err
			})
		},
	}
	content.Flags().StringVar(&tok, "token", "", "content token")

	proofs.AddCommand(list, show, token, content)
	return proofs
}
