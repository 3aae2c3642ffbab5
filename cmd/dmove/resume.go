package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/store"
)

var (
	resumeCmd = &cobra.Command{
		Use:   "resume [transfer-id]",
		Short: "Continue the unfinished jobs in the state store",
		Long: `Reload every job that did not complete, optionally only those of one
transfer, and run them again. Streaming jobs continue from their
checkpoint and server-side copies are polled by their copy ID.`,
		Args: cobra.MaximumNArgs(1),
		RunE: resumeMain,
	}

	resumeFailed bool
)

func init() {
	resumeCmd.Flags().BoolVar(&resumeFailed, "failed", false, "Also retry jobs that failed")
}

func resumeMain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transferID := ""
	if len(args) == 1 {
		transferID = args[0]
	}
	return rt.run(ctx, reloadJobs(transferID, resumeFailed))
}

// reloadJobs feeds the stored jobs that still need work.
func reloadJobs(transferID string, includeFailed bool) feeder {
	return func(ctx context.Context, rt *runtime, jobs engine.JobChannel) error {
		states := []store.JobState{store.StatePending, store.StateInProgress}
		if includeFailed {
			states = append(states, store.StateFailed)
		}
		recs, err := rt.store.ListJobs(states...)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		resumed := 0
		for _, rec := range recs {
			if transferID != "" && rec.TransferID != transferID {
				continue
			}
			logger := log.WithField("job", rec.ID)

			stored, j, err := rt.store.GetJob(rec.ID)
			if err != nil {
				logger.WithError(err).Error("Cannot load job, skipping")
				continue
			}
			if err := rt.tracker.Register(stored, j); err != nil {
				return fmt.Errorf("failed to register job %s: %w", rec.ID, err)
			}

			select {
			case jobs <- engine.Task{Job: j}:
				resumed++
			case <-ctx.Done():
				return nil
			}
		}
		log.WithField("jobs", resumed).Info("Resumed jobs")
		if resumed == 0 {
			fmt.Fprintln(rt.out, "Nothing to resume.")
		}
		return nil
	}
}
