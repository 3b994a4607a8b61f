// Package commands provides the codeloom CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	logLevel  string
	logToFile bool
)

var rootCmd = &cobra.Command{
	Use:   "codeloom",
	Short: "codeloom - AI coding agent",
	Long: `codeloom is an AI coding agent that edits and explains code through
natural language prompts.

Run 'codeloom run "your task"' to execute a prompt against the current
directory.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; missing files are fine.
		godotenv.Load()

		cfg := logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Output: os.Stderr,
			Pretty: true,
		}
		if logToFile {
			cfg.LogToFile = true
			cfg.LogDir = config.GetPaths().LogPath()
		}
		return logging.Init(cfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "Also write logs to the state directory")
	rootCmd.SetVersionTemplate(fmt.Sprintf("codeloom %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(modelsCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// workDirOrCwd resolves the working directory flag.
func workDirOrCwd(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
