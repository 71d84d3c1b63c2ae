package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	appconfig "github.com/saker-ai/voice-relay/internal/config"
	"github.com/saker-ai/voice-relay/pkg/audio"
	"github.com/saker-ai/voice-relay/pkg/runtime"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Relay Discord voice channels to a conversational AI agent",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay and its HTTP control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

		srv, err := runtime.New(configPath)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run() }()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stop)

		var runErr error
		select {
		case <-stop:
		case runErr = <-errCh:
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "relay shutdown: %v\n", err)
		}
		return runErr
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := appconfig.Load(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "relay %s (opus: %s)\n", version, audio.OpusBackend())
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (default: conf.yaml near the working directory)")
	runCmd.Flags().Duration("shutdown-timeout", 5*time.Second, "how long to wait for sessions and HTTP to close")
	rootCmd.AddCommand(runCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
