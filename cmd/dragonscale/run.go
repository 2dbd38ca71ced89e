package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/app"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/approval"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/logging"
)

var (
	runAutoApprove bool
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Execute a plan file",
	Long: `Load a plan (YAML or JSON), execute it and print the per-action outcome.

Actions that need approval are prompted for on the terminal unless
--auto-approve is given.`,
	Example: `  dragonscale run plan.yaml
  dragonscale run plan.json --auto-approve --json`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "approve every approval request")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final status as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, _, err := executor.LoadAndValidatePlan(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	handler := promptHandler(cmd.InOrStdin(), cmd.ErrOrStderr())
	if runAutoApprove {
		handler = approval.Decide(dragonscale.DecisionApprove, "cli")
	}
	a, err := app.New(cfg, app.WithLogger(logger), app.WithApprovalHandler(handler))
	if err != nil {
		return err
	}
	defer a.Close()

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if a.Bus != nil && !runJSON {
		if _, err := eventbus.SubscribePlan(a.Bus, plan.ID, progressEvents, progressPrinter(cmd.ErrOrStderr())); err != nil {
			return err
		}
	}

	st, runErr := a.Engine.Submit(cmd.Context(), plan)
	if st == nil {
		return runErr
	}
	status, err := a.Engine.Status(context.WithoutCancel(cmd.Context()), st.PlanID)
	if err != nil {
		return err
	}
	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
	} else {
		printStatus(cmd.OutOrStdout(), status)
	}
	if runErr != nil {
		return runErr
	}
	if status.Status != dragonscale.PlanStatusCompleted {
		return fmt.Errorf("plan %s finished %s", status.PlanID, status.Status)
	}
	return nil
}

func printStatus(out io.Writer, status *dragonscale.RunStatus) {
	fmt.Fprintf(out, "Plan %s: %s (%s)\n\n", status.PlanID, status.Status, status.Duration.Round(time.Millisecond))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tSTATUS\tATTEMPTS\tDURATION\tDETAIL")
	for _, as := range status.Actions {
		detail := as.Error
		if detail == "" && as.Result != nil {
			if b, err := json.Marshal(as.Result); err == nil {
				detail = truncate(string(b), 60)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", as.ActionID, as.Status, as.Attempt, as.Duration().Round(time.Millisecond), detail)
	}
	w.Flush()
}

var progressEvents = []eventbus.EventType{
	eventbus.EventActionCompleted,
	eventbus.EventActionFailed,
	eventbus.EventActionSkipped,
	eventbus.EventActionRetry,
}

// progressPrinter writes one line per action outcome as it happens.
func progressPrinter(out io.Writer) eventbus.EventHandler {
	var mu sync.Mutex
	return func(_ context.Context, evt eventbus.Event) error {
		id, _ := evt.Metadata()["action_id"].(string)
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(out, "  %-12s %s\n", strings.TrimPrefix(string(evt.Type()), "action_"), id)
		return err
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// promptHandler asks on out and reads the decision from in.
// Unreadable input rejects the action.
func promptHandler(in io.Reader, out io.Writer) approval.Handler {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, req dragonscale.ApprovalRequest) (dragonscale.ApprovalResponse, error) {
		params, _ := json.Marshal(req.Params)
		fmt.Fprintf(out, "\nApproval required for %s (%s/%s)\n", req.ActionID, req.Module, req.ActionName)
		if req.Reason != "" {
			fmt.Fprintf(out, "  reason: %s\n", req.Reason)
		}
		if req.RiskLevel != "" {
			fmt.Fprintf(out, "  risk:   %s\n", req.RiskLevel)
		}
		fmt.Fprintf(out, "  params: %s\n", params)
		fmt.Fprint(out, "[a]pprove, approve a[l]ways, [s]kip, [r]eject? ")

		line, err := readLine(ctx, reader)
		if err != nil {
			return dragonscale.ApprovalResponse{}, err
		}
		by := "cli"
		if u := os.Getenv("USER"); u != "" {
			by = u
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve", "y", "yes":
			return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApprove, ApprovedBy: by}, nil
		case "l", "always":
			return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionApproveAlways, ApprovedBy: by}, nil
		case "s", "skip":
			return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionSkip, ApprovedBy: by, Reason: "skipped at prompt"}, nil
		default:
			return dragonscale.ApprovalResponse{Decision: dragonscale.DecisionReject, ApprovedBy: by, Reason: "rejected at prompt"}, nil
		}
	}
}

func readLine(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}
