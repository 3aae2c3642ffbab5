package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/job"
)

var copyCmd = &cobra.Command{
	Use:   "copy <source> <destination>",
	Short: "Copy a file, object or tree",
	Long: `Copy a local path, s3://bucket/key or minio://bucket/key to a destination.
Directories and prefixes ending in "/" are copied recursively.`,
	Example: `  dmove copy /data/old /data/new --streams 64
  dmove copy /data/local s3://bucket/prefix/ --overwrite if-newer
  dmove copy s3://bucket/a.bin s3://bucket/b.bin --tui=false`,
	Args: cobra.ExactArgs(2),
	RunE: copyMain,
}

func init() {
	copyCmd.Flags().String("content-type", "", "Content type for every object (detected per object when empty)")
	if err := viper.BindPFlag("content_type", copyCmd.Flags().Lookup("content-type")); err != nil {
		panic(err)
	}
}

func copyMain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	src, err := job.ParseLocation(args[0])
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	dst, err := job.ParseLocation(args[1])
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	rt, err := newRuntime(cfg, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr := job.NewTransfer(uuid.NewString(), src, dst, cfg.ContentType)
	return rt.run(ctx, walkTransfer(tr))
}

// walkTransfer enumerates the transfer's source into jobs.
func walkTransfer(tr *job.Transfer) feeder {
	return func(ctx context.Context, rt *runtime, jobs engine.JobChannel) error {
		logger := log.WithFields(log.Fields{
			"transfer":    tr.ID(),
			"source":      tr.Source().String(),
			"destination": tr.Destination().String(),
		})
		logger.Info("Starting transfer")

		walker := engine.NewWalker(rt.registry, rt.tracker, rt.store, jobs)
		n, err := walker.Walk(ctx, tr)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to enumerate source: %w", err)
		}
		logger.WithField("jobs", n).Info("Source enumerated")
		return nil
	}
}
