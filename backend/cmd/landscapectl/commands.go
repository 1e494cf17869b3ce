package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trace-landscape/backend/internal/services"
	"trace-landscape/backend/internal/trace"
	"trace-landscape/backend/pkg/logger"
)

const rootLongDesc string = `landscapectl drives lenses along the analysis chain and inspects what
the pipeline produced.

Examples:
  landscapectl step <lens-id>
  landscapectl catchup <lens-id>
  landscapectl replay <lens-id>
  landscapectl ancestors <analysis-id>
  landscapectl audit <analysis-id> --summary
  landscapectl seed --user u1 --start 2026-02-01 day1.md day2.md`

const rootShortDesc string = "Operate the landscape analysis chain"

// opener builds the service graph a command runs against
type opener func(ctx context.Context, debug bool) (*services.ServiceManager, error)

type app struct {
	open    opener
	debug   bool
	timeout time.Duration
}

func newRootCmd(open opener) *cobra.Command {
	a := &app{open: open}

	cmd := &cobra.Command{
		Use:           "landscapectl",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&a.debug, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Minute, "Abort the command after this long")

	// Add subcommands
	cmd.AddCommand(
		a.newStepCmd(),
		a.newCatchupCmd(),
		a.newReplayCmd(),
		a.newDeleteLensCmd(),
		a.newAncestorsCmd(),
		a.newLensesCmd(),
		a.newAuditCmd(),
		a.newSeedCmd(),
	)

	return cmd
}

// run opens the services, calls fn under the command timeout and shuts the services down
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	sm, err := a.open(ctx, a.debug)
	if err != nil {
		return err
	}
	defer func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			logger.Get().Sugar().Warnf("shutdown: %v", err)
		}
	}()

	return fn(ctx, sm, cmd.OutOrStdout())
}

func (a *app) newStepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "step <lens-id>",
		Short: "Analyze the next trace for a lens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				stepped, err := sm.Landscape.RunLensStep(ctx, args[0])
				if err != nil {
					return err
				}
				lens, err := sm.Landscape.FindLens(ctx, args[0])
				if err != nil {
					return err
				}
				if stepped {
					fmt.Fprintf(out, "stepped to %s\n", lens.HeadID)
				} else {
					fmt.Fprintf(out, "caught up at %s\n", orNone(lens.HeadID))
				}
				return nil
			})
		},
	}
}

func (a *app) newCatchupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catchup <lens-id>",
		Short: "Step a lens until it reaches its target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				steps, err := sm.Landscape.RunLens(ctx, args[0])
				fmt.Fprintf(out, "%d steps\n", steps)
				return err
			})
		},
	}
}

func (a *app) newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <lens-id>",
		Short: "Re-analyze the lens head's trace on top of the head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				if _, err := sm.Landscape.Replay(ctx, args[0]); err != nil {
					return err
				}
				lens, err := sm.Landscape.FindLens(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "replayed into %s\n", lens.HeadID)
				return nil
			})
		},
	}
}

func (a *app) newDeleteLensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-lens <lens-id>",
		Short: "Delete a lens and the analyses only it reaches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				deleted, err := sm.Landscape.DeleteLensAndLandscapes(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d analyses\n", deleted)
				return nil
			})
		},
	}
}

func (a *app) newAncestorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ancestors <analysis-id>",
		Short: "Print the chain from an analysis back to its root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				chain, err := sm.Landscape.Ancestors(ctx, args[0])
				if err != nil {
					return err
				}
				for i, an := range chain {
					fmt.Fprintf(out, "%d. %s  %-8s  %s  %s\n",
						i+1, an.ID, an.State, an.Date.Format("2006-01-02"), an.Title)
				}
				return nil
			})
		},
	}
}

func (a *app) newLensesCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "lenses",
		Short: "List a user's lenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				lenses, err := sm.Landscape.Lenses(ctx, userID)
				if err != nil {
					return err
				}
				for _, l := range lenses {
					fmt.Fprintf(out, "%s  %-8s  head=%s  target=%s  autoplay=%t  %s\n",
						l.ID, l.State, orNone(l.HeadID), orNone(l.TargetTraceID), l.Autoplay, l.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) newAuditCmd() *cobra.Command {
	var (
		limit   int
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "audit <analysis-id>",
		Short: "List the model calls made for an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				if summary {
					sum, err := sm.Audit.Summarize(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "calls=%d failures=%d tokens=%d cost=%.4f\n",
						sum.Calls, sum.Failures, sum.TotalTokens, sum.Cost)
					return nil
				}

				records, err := sm.Audit.List(ctx, args[0], limit)
				if err != nil {
					return err
				}
				for _, r := range records {
					status := "ok"
					if r.Error != "" {
						status = "error: " + r.Error
					}
					fmt.Fprintf(out, "%s  %-12s  tokens=%d  %s  %s\n",
						r.Timestamp.Format(time.RFC3339), r.Prompt, r.TotalTokens, r.Duration.Round(time.Millisecond), status)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most this many records (0 for all)")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print totals instead of records")
	return cmd
}

func (a *app) newSeedCmd() *cobra.Command {
	var (
		userID  string
		journal string
		start   string
	)
	cmd := &cobra.Command{
		Use:   "seed <file>...",
		Short: "Create a journal with one trace per file, one day apart",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := time.Parse("2006-01-02", start)
			if err != nil {
				return fmt.Errorf("parsing --start: %w", err)
			}
			return a.run(cmd, func(ctx context.Context, sm *services.ServiceManager, out io.Writer) error {
				j, err := sm.Traces.CreateJournal(ctx, userID, journal)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "journal %s\n", j.ID)

				for i, path := range args {
					content, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("reading %s: %w", path, err)
					}
					t, err := sm.Traces.CreateTrace(ctx, trace.NewTrace{
						UserID:    userID,
						JournalID: j.ID,
						Content:   string(content),
						Date:      date.AddDate(0, 0, i),
					})
					if err != nil {
						return fmt.Errorf("seeding %s: %w", path, err)
					}
					fmt.Fprintf(out, "trace %s  %s  %s\n", t.ID, t.Date.Format("2006-01-02"), t.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id")
	cmd.Flags().StringVar(&journal, "journal", "Journal", "Journal title")
	cmd.Flags().StringVar(&start, "start", time.Now().UTC().Format("2006-01-02"), "Date of the first trace (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func orNone(id string) string {
	if id == "" {
		return "-"
	}
	return id
}
