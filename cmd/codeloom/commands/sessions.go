package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeloom-ai/codeloom/internal/app"
)

var (
	sessionsDir string
	sessionsAll bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions for the working directory",
	RunE:  listSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDir, "directory", "", "Working directory (default: cwd)")
	sessionsCmd.Flags().BoolVarP(&sessionsAll, "all", "a", false, "List sessions across all directories")

	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newSessionsApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Sessions.Delete(context.Background(), args[0])
		},
	}
	sessionsCmd.AddCommand(deleteCmd)
}

func newSessionsApp() (*app.App, error) {
	workDir, err := workDirOrCwd(sessionsDir)
	if err != nil {
		return nil, err
	}
	return app.New(app.Options{WorkDir: workDir, AutoApprove: true})
}

func listSessions(cmd *cobra.Command, args []string) error {
	workDir, err := workDirOrCwd(sessionsDir)
	if err != nil {
		return err
	}

	a, err := app.New(app.Options{WorkDir: workDir, AutoApprove: true})
	if err != nil {
		return err
	}
	defer a.Close()

	listDir := workDir
	if sessionsAll {
		listDir = ""
	}
	sessions, err := a.Sessions.List(context.Background(), listDir)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	for _, s := range sessions {
		updated := time.UnixMilli(s.Time.Updated).Format("2006-01-02 15:04")
		fmt.Printf("%s  %s  %s\n", s.ID, updated, s.Title)
	}
	return nil
}
