package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"porthub/internal/app"
	"porthub/internal/collector"
	"porthub/internal/domain"
	"porthub/internal/engine"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Post, claim and settle jobs",
		Long:  "Jobs move OPEN -> PENDING_APPROVAL -> ACCEPTED -> COMPLETED or DISPUTED. A denied claim returns the job to OPEN.",
	}
	job.AddCommand(jobPostCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobClaimCmd())
	job.AddCommand(jobResolveClaimCmd(engine.DecisionApprove))
	job.AddCommand(jobResolveClaimCmd(engine.DecisionDeny))
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobIncompleteCmd())
	job.AddCommand(jobFeedbackCmd())
	return job
}

// dispatch runs cmd through the engine and surfaces rejections as errors.
func dispatch(ctx context.Context, rt *app.Runtime, cmd engine.Command) (engine.Result, error) {
	res := rt.Engine.Dispatch(ctx, cmd)
	if !res.OK() {
		return res, res.Failure()
	}
	return res, nil
}

func jobPostCmd() *cobra.Command {
	var in engine.PostJobInput
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a job as the acting customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			in.CustomerIdentity = identity
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := dispatch(ctx, rt, engine.PostJobCommand{Input: in})
				if err != nil {
					return err
				}
				return printJob(res.Job)
			})
		},
	}
	cmd.Flags().StringVar(&in.Category, "category", "", "one of: "+strings.Join(domain.Categories, ", "))
	cmd.Flags().Int64Var(&in.Payment, "payment", 0, "payment in aUEC")
	cmd.Flags().StringVar(&in.Location, "location", "", "pickup or mission location")
	cmd.Flags().StringVar(&in.Description, "description", "", "what needs doing")
	cmd.Flags().StringVar(&in.NeededBy, "needed-by", "", "deadline, free text")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func jobListCmd() *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.ListOpenJobs(ctx, page)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable(table.Row{"Job", "Category", "Payment", "Customer", "Posted"})
				for _, j := range p.Jobs {
					tw.AppendRow(table.Row{j.Number, j.Category, j.Payment, j.CustomerName, j.CreatedAt})
				}
				pages := 1
				if p.PageSize > 0 && p.Total > 0 {
					pages = (p.Total + p.PageSize - 1) / p.PageSize
				}
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("page %d/%d", p.Page, pages), fmt.Sprintf("%d open", p.Total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-number>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				j, err := rt.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJob(j)
			})
		},
	}
	return cmd
}

func jobClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <job-number>",
		Short: "Ask to take an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := dispatch(ctx, rt, engine.ClaimJobCommand{JobNumber: args[0], PorterIdentity: identity})
				if err != nil {
					return err
				}
				return printJob(res.Job)
			})
		},
	}
	return cmd
}

func jobResolveClaimCmd(decision engine.Decision) *cobra.Command {
	var porterID string
	cmd := &cobra.Command{
		Use:   string(decision) + " <job-number>",
		Short: strings.ToUpper(string(decision[:1])) + string(decision[1:]) + " the pending claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				if porterID == "" {
					j, err := rt.Engine.GetJob(ctx, args[0])
					if err != nil {
						return err
					}
					porterID = j.Porter()
				}
				res, err := dispatch(ctx, rt, engine.ResolveClaimCommand{
					JobNumber:        args[0],
					CustomerIdentity: identity,
					PorterID:         porterID,
					Decision:         decision,
				})
				if err != nil {
					return err
				}
				return printJob(res.Job)
			})
		},
	}
	cmd.Flags().StringVar(&porterID, "porter", "", "porter account id the decision is for (defaults to the current claimant)")
	return cmd
}

func jobCompleteCmd() *cobra.Command {
	var noFeedback bool
	cmd := &cobra.Command{
		Use:   "complete <job-number>",
		Short: "Confirm an accepted job as complete",
		Long:  "Marks the job COMPLETED. When the acting identity is the customer, asks for like/dislike on stdin; no answer within feedback.await_timeout counts as skip.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := dispatch(ctx, rt, engine.ResolveCompletionCommand{JobNumber: args[0], ActorIdentity: identity, Outcome: engine.OutcomeComplete})
				if err != nil {
					return err
				}
				if err := printJob(res.Job); err != nil {
					return err
				}
				me, err := rt.Engine.GetAccount(ctx, identity)
				if err != nil || noFeedback || me.ID != res.Job.CustomerID {
					return nil
				}
				verdict := awaitVerdict(ctx, rt.Collector, collector.FeedbackKey(res.Job.Number, identity), rt.Config.Feedback.AwaitTimeout, os.Stdin)
				fb, err := dispatch(ctx, rt, engine.SubmitFeedbackCommand{JobNumber: res.Job.Number, ReviewerIdentity: identity, Verdict: verdict})
				if err != nil {
					return err
				}
				return printFeedback(verdict, *fb.Feedback)
			})
		},
	}
	cmd.Flags().BoolVar(&noFeedback, "no-feedback", false, "do not ask for feedback")
	return cmd
}

func jobIncompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incomplete <job-number>",
		Short: "Report an accepted job as not completed; escalates to the ops channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := dispatch(ctx, rt, engine.ResolveCompletionCommand{JobNumber: args[0], ActorIdentity: identity, Outcome: engine.OutcomeIncomplete})
				if err != nil {
					return err
				}
				return printJob(res.Job)
			})
		},
	}
	return cmd
}

func jobFeedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback <job-number> <like|dislike|skip>",
		Short: "Rate the porter of a completed job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			verdict := engine.Verdict(strings.ToLower(args[1]))
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := dispatch(ctx, rt, engine.SubmitFeedbackCommand{JobNumber: args[0], ReviewerIdentity: identity, Verdict: verdict})
				if err != nil {
					return err
				}
				return printFeedback(verdict, *res.Feedback)
			})
		},
	}
	return cmd
}

// awaitVerdict reads one line from in and offers it to the wait for key. Anything
// other than like or dislike, a timeout, or a closed input yields skip.
func awaitVerdict(ctx context.Context, reg *collector.Registry, key string, timeout time.Duration, in io.Reader) engine.Verdict {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pending, err := reg.Expect(key, timeout)
	if err != nil {
		return engine.VerdictSkip
	}
	defer pending.Cancel()

	fmt.Fprintf(os.Stderr, "How did the porter do? [like/dislike] (%s to answer): ", timeout)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return
		}
		reg.Offer(key, strings.TrimSpace(line))
	}()

	reply, err := pending.Wait(ctx)
	if err != nil {
		if errors.Is(err, collector.ErrTimeout) {
			fmt.Fprintln(os.Stderr, "\nno answer, skipping feedback")
		}
		return engine.VerdictSkip
	}
	switch v, _ := engine.ParseVerdict(reply); v {
	case engine.VerdictLike, engine.VerdictDislike:
		return v
	}
	return engine.VerdictSkip
}

func printJob(j domain.Job) error {
	if viper.GetBool("json") {
		return printJSON(j)
	}
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"Job", j.Number},
		{"Status", j.Status},
		{"Category", j.Category},
		{"Payment", j.Payment},
		{"Location", j.Location},
		{"Needed by", j.NeededBy},
		{"Description", j.Description},
		{"Customer", j.CustomerID},
		{"Porter", j.Porter()},
		{"Updated", j.UpdatedAt},
	})
	tw.Render()
	return nil
}

func printFeedback(verdict engine.Verdict, out engine.FeedbackOutcome) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"verdict": verdict, "feedback": out})
	}
	fmt.Printf("feedback %s recorded for %s: %d likes, %d dislikes", verdict, out.Job.Number, out.Reputation.Likes, out.Reputation.Dislikes)
	if out.Credited {
		fmt.Print(" (completion credited)")
	}
	fmt.Println()
	return nil
}
