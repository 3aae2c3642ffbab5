package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "dmove",
		Short: "Move files and objects with resumable transfer jobs",
		Long: `dmove copies files between local disks, S3 and S3 compatible services.
Every object is a job whose progress is checkpointed to a local state
store, so an interrupted run picks up where it stopped with "dmove resume".`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
)

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $state_dir/dmove.yaml)")

	flags.String("state-dir", defaultStateDir, "Directory holding the state store and config")
	bindFlag("state_dir", "state-dir")
	flags.String("codec", "json", "Encoding of persisted jobs (json or msgpack)")
	bindFlag("codec", "codec")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	bindFlag("log_level", "log-level")
	flags.Bool("log-json", false, "Emit logs as JSON")
	bindFlag("log_json", "log-json")

	flags.Int("streams", defaultStreams, "Number of concurrent transfer streams")
	bindFlag("streams", "streams")
	flags.Int("buffer-size", defaultBufferSize, "Buffer size in bytes for each stream")
	bindFlag("buffer_size", "buffer-size")
	flags.String("overwrite", "never", "What to do with existing destinations (prompt, always, never, if-newer)")
	bindFlag("overwrite", "overwrite")
	flags.Int("max-retries", 3, "Retries after a failed transfer attempt")
	bindFlag("max_retries", "max-retries")
	flags.Bool("checksum", false, "Verify transfers that start from zero with CRC64")
	bindFlag("checksum", "checksum")
	flags.Bool("tui", true, "Enable TUI (disable for headless operation)")
	bindFlag("tui", "tui")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	bindFlag("metrics_addr", "metrics-addr")
	flags.Int64("checkpoint-bytes", defaultCheckpointBytes, "Save progress after this many bytes")
	bindFlag("checkpoint.bytes", "checkpoint-bytes")
	flags.Duration("checkpoint-interval", defaultCheckpointInterval, "Save progress at least this often")
	bindFlag("checkpoint.interval", "checkpoint-interval")

	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}

func bindFlag(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// initConfig layers the config file and DMOVE_ environment variables under
// the command line flags and sets up logging.
func initConfig() error {
	setDefaults()

	viper.SetEnvPrefix("DMOVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("dmove")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(viper.GetString("state_dir"))
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		log.WithField("file", viper.ConfigFileUsed()).Debug("Loaded config file")
	}

	return setupLogging(viper.GetString("log_level"), viper.GetBool("log_json"))
}

func setupLogging(level string, asJSON bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	if asJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
