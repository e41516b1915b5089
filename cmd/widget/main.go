package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	userID    string
	chatbotID string
	local     bool
	altScreen bool
	logFile   string
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Terminal chat widget for one chatbot",
		Long: `widget hosts a single conversation view: it resolves the newest thread for
the user and chatbot, keeps it in sync with the thread store and streams
assistant replies into it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.Flags()
	flags.StringVarP(&opts.userID, "user", "u", os.Getenv("WIDGET_USER_ID"), "end user id")
	flags.StringVarP(&opts.chatbotID, "chatbot", "c", os.Getenv("WIDGET_CHATBOT_ID"), "chatbot id")
	flags.BoolVar(&opts.local, "local", false, "use an in-memory store and an echo assistant")
	flags.BoolVar(&opts.altScreen, "alt-screen", true, "render in the alternate screen buffer")
	flags.StringVar(&opts.logFile, "log-file", "widget.log", "file that receives structured logs")
	return cmd
}

func run(ctx context.Context, opts options) error {
	opts.userID = strings.TrimSpace(opts.userID)
	opts.chatbotID = strings.TrimSpace(opts.chatbotID)
	if opts.local {
		if opts.userID == "" {
			opts.userID = localUserID
		}
		if opts.chatbotID == "" {
			opts.chatbotID = localChatbotID
		}
	}
	if opts.userID == "" || opts.chatbotID == "" {
		return errors.New("widget: --user and --chatbot are required")
	}

	// the terminal belongs to the UI; logs go to a file
	logOut, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("widget: open log file: %w", err)
	}
	defer func() { _ = logOut.Close() }()
	log := slog.New(slog.NewTextHandler(logOut, nil))
	slog.SetDefault(log)

	var deps *dependencies
	if opts.local {
		deps, err = localDependencies(log)
	} else {
		deps, err = remoteDependencies(ctx, log)
	}
	if err != nil {
		return err
	}

	m, err := newModel(ctx, deps, opts.userID, opts.chatbotID, log)
	if err != nil {
		return err
	}

	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.altScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	if _, err := tea.NewProgram(m, progOpts...).Run(); err != nil {
		return fmt.Errorf("widget: %w", err)
	}
	return nil
}

func main() {
	_ = godotenv.Load(".env")

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
