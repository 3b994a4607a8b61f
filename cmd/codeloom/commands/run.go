package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeloom-ai/codeloom/internal/app"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/permission"
	"github.com/codeloom-ai/codeloom/internal/session"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

var (
	runModel       string
	runAgent       string
	runSession     string
	runContinue    bool
	runDir         string
	runAutoApprove bool
	runQuiet       bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run a prompt against the working directory",
	Long: `Run a prompt against the working directory.

Examples:
  codeloom run "Fix the bug in main.go"
  codeloom run --model anthropic/claude-sonnet-4-20250514 "Explain this code"
  codeloom run --continue "And now add tests"
  codeloom run --agent plan "How would you restructure this package?"`,
	RunE: runPrompt,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use (build|plan)")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the most recent session")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory (default: cwd)")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Approve all tool permissions without asking")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress streaming output, print only the final message")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required, usage: codeloom run \"your message\"")
	}

	workDir, err := workDirOrCwd(runDir)
	if err != nil {
		return err
	}

	a, err := app.New(app.Options{WorkDir: workDir, AutoApprove: runAutoApprove})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := resolveSession(ctx, a, workDir)
	if err != nil {
		return err
	}

	unsubscribe := subscribeOutput(a, sess.ID)
	defer unsubscribe()

	input := session.PromptInput{
		SessionID: sess.ID,
		Text:      message,
		Agent:     runAgent,
	}
	if runModel != "" {
		ref, ok := config.ParseModel(runModel)
		if !ok {
			return fmt.Errorf("invalid model %q, want provider/model", runModel)
		}
		input.Model = &ref
	}

	result, err := a.Engine.Prompt(ctx, input)
	if err != nil {
		return err
	}
	if result.Message.Error != nil {
		return fmt.Errorf("%s: %s", result.Message.Error.Name, result.Message.Error.Data.Message)
	}

	if runQuiet {
		fmt.Println(finalText(result.Parts))
	} else {
		// Streaming already printed the text; end the line.
		fmt.Println()
	}
	return nil
}

// resolveSession picks the session to prompt: an explicit ID, the most
// recent one with --continue, or a fresh session.
func resolveSession(ctx context.Context, a *app.App, workDir string) (*types.Session, error) {
	if runSession != "" {
		return a.Sessions.Get(ctx, runSession)
	}
	if runContinue {
		sessions, err := a.Sessions.List(ctx, workDir)
		if err != nil {
			return nil, err
		}
		if len(sessions) > 0 {
			return sessions[0], nil
		}
	}
	return a.Sessions.Create(ctx, workDir, "")
}

// subscribeOutput streams assistant text to stdout and answers
// permission asks on the terminal.
func subscribeOutput(a *app.App, sessionID string) func() {
	var unsubs []func()

	if !runQuiet {
		unsubs = append(unsubs, a.Bus.Subscribe(event.MessagePartUpdated, func(ev event.Event) {
			data, ok := ev.Data.(event.MessagePartUpdatedData)
			if !ok || data.Delta == "" {
				return
			}
			if part, ok := data.Part.(*types.TextPart); ok && part.SessionID == sessionID {
				fmt.Print(data.Delta)
			}
		}))
	}

	if a.Permissions != nil {
		unsubs = append(unsubs, a.Bus.Subscribe(event.PermissionAsked, func(ev event.Event) {
			data, ok := ev.Data.(event.PermissionAskedData)
			if !ok || data.SessionID != sessionID {
				return
			}
			fmt.Fprintf(os.Stderr, "\n%s [y/a/N] ", data.Title)
			reply := permission.ReplyReject
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err == nil {
				switch strings.ToLower(strings.TrimSpace(line)) {
				case "y", "yes":
					reply = permission.ReplyOnce
				case "a", "always":
					reply = permission.ReplyAlways
				}
			}
			a.Permissions.Respond(data.ID, reply)
		}))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func finalText(parts []types.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if tp, ok := p.(*types.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

