package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/discussion"
	"github.com/rcliao/troupe-memory/internal/llm"
	"github.com/rcliao/troupe-memory/internal/scheduler"
	"github.com/rcliao/troupe-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "discuss <scenario.yaml>",
		Short: "Run a multi-persona discussion",
		Long: "Run the discussion described by a scenario file. Every message is remembered by every " +
			"participant, and each reply is grounded in the speaker's own memories. Replies are generated with Claude.\n\n" +
			"With --consolidate, participant memories are consolidated after the discussion using " +
			"--time-threshold; the configured threshold (24h by default) leaves the turns just recorded " +
			"untouched, so pass --time-threshold 0s to fold them immediately.\n\n" +
			"If a turn cannot be stored the partial transcript is printed and the command exits 1.",
		Args: cobra.ExactArgs(1),
		Run:  runDiscuss,
	}

	cmd.Flags().IntP("rounds", "r", 0, "Override the scenario's round count")
	cmd.Flags().Bool("consolidate", false, "Consolidate participant memories after the discussion")
	cmd.Flags().Duration("time-threshold", 24*time.Hour, "Consolidation age cutoff (default: config consolidation.time_threshold)")

	RootCmd.AddCommand(cmd)
}

type discussOutput struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Messages      []discussion.Message `json:"messages"`
	Analytics     discussion.Analytics `json:"analytics"`
	Consolidation []scheduler.Report   `json:"consolidation,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// scenarioRun is how a scenario is executed.
type scenarioRun struct {
	responder   discussion.Responder
	consolidate bool
	params      store.ConsolidateParams
}

func runDiscuss(cmd *cobra.Command, args []string) {
	rounds, _ := cmd.Flags().GetInt("rounds")
	consolidate, _ := cmd.Flags().GetBool("consolidate")
	timeThreshold, _ := cmd.Flags().GetDuration("time-threshold")

	sc, err := discussion.LoadScenario(args[0])
	if err != nil {
		exitErr("scenario", err)
	}
	if rounds > 0 {
		sc.Rounds = rounds
	}

	sess, err := openSession()
	if err != nil {
		exitErr("open session", err)
	}
	defer sess.Close()

	if !cmd.Flags().Changed("time-threshold") {
		timeThreshold = sess.cfg.Consolidation.TimeThreshold
	}

	responder, err := llm.NewAnthropicResponder(sess.cfg.LLM, sess.logger)
	if err != nil {
		exitErr("llm", err)
	}

	out, err := runScenario(cmd.Context(), sess, sc, scenarioRun{
		responder:   responder,
		consolidate: consolidate || sc.Consolidate,
		params: store.ConsolidateParams{
			TimeThreshold:       timeThreshold,
			SimilarityThreshold: sess.cfg.Consolidation.SimilarityThreshold,
		},
	})
	if out != nil {
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: discussion: %v\n", err)
		sess.Close()
		os.Exit(1)
	}
}

// runScenario runs sc to completion. When a turn fails the partial output
// is returned together with the error, and consolidation is skipped.
func runScenario(ctx context.Context, sess *session, sc *discussion.Scenario, run scenarioRun) (*discussOutput, error) {
	d, err := discussion.New(discussion.Options{
		Name:         sc.Name,
		Kind:         sc.Kind,
		Context:      sc.Context,
		Participants: sc.Participants,
		Open:         discussion.RegistryOpener(sess.reg),
		Responder:    run.responder,
		Logger:       sess.logger,
		TopK:         sess.cfg.Retrieval.TopK,
		Budget:       sess.cfg.Retrieval.ContextBudget,
	})
	if err != nil {
		return nil, err
	}

	var runErr error
	if sc.Opening != "" {
		if _, err := d.Post(ctx, discussion.SystemSender, sc.Opening, discussion.System); err != nil {
			runErr = fmt.Errorf("opening: %w", err)
		}
	}
	if runErr == nil {
		if _, err := d.Run(ctx, sc.Rounds); err != nil {
			runErr = err
		}
	}

	out := &discussOutput{ID: d.ID, Name: d.Name, Messages: d.Messages(), Analytics: d.Analytics()}
	if runErr != nil {
		sess.logger.Error("discussion stopped early", zap.Int("messages", len(out.Messages)), zap.Error(runErr))
		out.Error = runErr.Error()
		return out, runErr
	}

	if run.consolidate {
		out.Consolidation = scheduler.NewRunner(sess.reg, run.params, sess.logger).RunOnce(ctx)
		for _, r := range out.Consolidation {
			if r.Err != nil {
				return out, fmt.Errorf("consolidate %s: %w", r.Agent, r.Err)
			}
		}
	}
	return out, nil
}
