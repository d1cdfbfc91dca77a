package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/scheduler"
	"github.com/rcliao/troupe-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge similar, aged episodic memories into semantic ones",
		Long: "Consolidate the agent's memory once, or with --all every agent in the memory directory. " +
			"With --schedule the command keeps running and consolidates on a cron schedule until interrupted.",
		Run: runConsolidate,
	}

	cmd.Flags().Duration("time-threshold", 24*time.Hour, "Only records older than this are eligible")
	cmd.Flags().Float64("similarity-threshold", 0.8, "Minimum cosine similarity to a group's seed")
	cmd.Flags().Bool("all", false, "Consolidate every agent in the memory directory")
	cmd.Flags().String("schedule", "", `Cron schedule, e.g. "@every 1h" (default: run once)`)
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while scheduled")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	timeThreshold, _ := cmd.Flags().GetDuration("time-threshold")
	simThreshold, _ := cmd.Flags().GetFloat64("similarity-threshold")
	all, _ := cmd.Flags().GetBool("all")
	schedule, _ := cmd.Flags().GetString("schedule")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	sess, err := openSession()
	if err != nil {
		exitErr("open session", err)
	}
	defer sess.Close()

	if !cmd.Flags().Changed("time-threshold") {
		timeThreshold = sess.cfg.Consolidation.TimeThreshold
	}
	if !cmd.Flags().Changed("similarity-threshold") {
		simThreshold = sess.cfg.Consolidation.SimilarityThreshold
	}

	if all {
		if _, err := sess.reg.OpenAll(); err != nil {
			exitErr("open agents", err)
		}
	} else if _, err := sess.reg.Open(agentName); err != nil {
		exitErr("open store", err)
	}

	runner := scheduler.NewRunner(sess.reg, store.ConsolidateParams{
		TimeThreshold:       timeThreshold,
		SimilarityThreshold: simThreshold,
	}, sess.logger)

	if schedule == "" {
		reports := runner.RunOnce(cmd.Context())
		b, _ := json.MarshalIndent(reports, "", "  ")
		fmt.Println(string(b))
		for _, r := range reports {
			if r.Err != nil {
				sess.Close()
				os.Exit(1)
			}
		}
		return
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner.OnRun = func(reports []scheduler.Report) {
		b, _ := json.Marshal(reports)
		fmt.Println(string(b))
	}
	if err := runner.Start(ctx, schedule); err != nil {
		exitErr("schedule", err)
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, sess)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	runner.Stop()
}

func serveMetrics(addr string, sess *session) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sess.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		sess.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sess.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
