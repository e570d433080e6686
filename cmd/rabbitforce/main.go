package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rabbitforce/internal/config"
	"rabbitforce/internal/constants"
	"rabbitforce/internal/logger"
)

const version = "1.0.0"

// Exit codes of the CLI.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
	exitInterrupted  = 130
)

var (
	ignoreReplayStorageErrors bool
	ignoreSinkErrors          bool
	sourceConnectionTimeout   int
	verbosity                 int
	showTrace                 bool
)

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := exitOK

	rootCmd := &cobra.Command{
		Use:   "rabbitforce [flags] CONFIG_FILE",
		Short: "Salesforce Streaming API to RabbitMQ bridge",
		Long: "rabbitforce listens for event messages from Salesforce's Streaming API\n" +
			"and forwards them to RabbitMQ brokers according to configurable routing\n" +
			"rules. Message sources, sinks and routing rules are defined in a\n" +
			"CONFIG_FILE in JSON (.json) or YAML (.yaml, .yml) format.",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = serve(args[0])
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVar(&ignoreReplayStorageErrors, "ignore-replay-storage-errors", false,
		"Ignore errors that might occur on reading or writing replay marker values.")
	flags.BoolVar(&ignoreSinkErrors, "ignore-sink-errors", false,
		"Ignore errors that might occur if a message can't be forwarded to a "+
			"given message sink due to network or configuration errors.")
	flags.IntVar(&sourceConnectionTimeout, "source-connection-timeout", constants.DefaultSourceConnectionTimeout,
		"If the connection to the Streaming API fails due to network errors or "+
			"service outages, try to reconnect for the given amount of seconds "+
			"before producing an error. 0 means retry indefinitely.")
	flags.IntVarP(&verbosity, "verbosity", "v", 1, "Logging detail level (1-3).")
	flags.BoolVarP(&showTrace, "show-trace", "t", false, "Show full error details on failure.")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	return exitCode
}

func serve(configFile string) int {
	log, err := logger.New(verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()

	log.Info("Starting up ...")

	cfg, err := config.Load(configFile)
	if err != nil {
		logError(log, "Failed to load configuration", err)
		return exitConfigError
	}
	log.Infow("Configuration loaded", "file", configFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, Options{
		IgnoreReplayStorageErrors: ignoreReplayStorageErrors,
		IgnoreSinkErrors:          ignoreSinkErrors,
		SourceConnectionTimeout:   sourceConnectionTimeout,
	}, log)

	if err := app.Initialize(ctx); err != nil {
		logError(log, "Failed to initialize application", err)
		return exitConfigError
	}
	defer app.Shutdown()

	log.Info("Service running")
	runErr := app.Run(ctx)

	if ctx.Err() != nil {
		log.Info("Interrupted, shutting down")
		return exitInterrupted
	}
	if runErr != nil {
		logError(log, "Service stopped with error", runErr)
		return exitRuntimeError
	}
	log.Info("Service shutdown complete")
	return exitOK
}

func logError(log logger.Logger, msg string, err error) {
	if showTrace {
		log.Errorw(msg, "error", fmt.Sprintf("%+v", err))
		return
	}
	log.Errorw(msg, "error", err)
}
