package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/internal/logging"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	promptStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	roleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle       = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const chatHelp = `/new      start a new conversation
/clear    delete the current conversation
/history  show the current conversation
/list     list conversations
/quit     exit`

func chatCmd(configPath *string) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively in the terminal",
		Long: `Chat interactively in the terminal.

Runs the conversation engine in-process. Type a message and press enter;
type /help for commands. Use --conversation to resume a persisted
conversation when database_path is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			// Keep the terminal for the conversation; only warnings reach stderr.
			level := cfg.LogLevel
			if level == "info" || level == "debug" {
				level = "warn"
			}
			logger, err := logging.New(level, "text", os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			repl := &chatSession{engine: eng, id: conversationID, in: os.Stdin, out: os.Stdout}
			return repl.run(ctx)
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to resume")
	return cmd
}

// chatSession is one interactive REPL over an in-process engine
type chatSession struct {
	engine *engine
	id     string
	in     io.Reader
	out    io.Writer
}

func (s *chatSession) run(ctx context.Context) error {
	fmt.Fprintln(s.out, headerStyle.Render("palaver chat")+" "+dimStyle.Render("(/help for commands)"))

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(s.out, promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return nil
			}
			continue
		}

		reply, err := s.engine.orchestrator.ProcessMessage(ctx, s.id, line)
		if err != nil {
			s.printError(err)
			continue
		}
		s.id = reply.ConversationID
		fmt.Fprintln(s.out, assistantStyle.Render(reply.Response))
	}
}

// command handles a slash command and reports whether to exit
func (s *chatSession) command(ctx context.Context, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(s.out, dimStyle.Render(chatHelp))
	case "/new":
		s.id = ""
		fmt.Fprintln(s.out, dimStyle.Render("Started a new conversation."))
	case "/clear":
		if s.id == "" {
			fmt.Fprintln(s.out, dimStyle.Render("No conversation yet."))
			return false
		}
		if err := s.engine.orchestrator.ClearConversation(ctx, s.id); err != nil {
			s.printError(err)
			return false
		}
		fmt.Fprintln(s.out, successStyle.Render("Cleared "+s.id))
		s.id = ""
	case "/history":
		s.history()
	case "/list":
		for _, info := range s.engine.orchestrator.ListConversations() {
			marker := " "
			if info.ConversationID == s.id {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %s  %d messages  %d tokens\n", marker, info.ConversationID, info.MessageCount, info.TotalTokens)
		}
	default:
		fmt.Fprintln(s.out, errorStyle.Render("Unknown command "+line))
	}
	return false
}

func (s *chatSession) history() {
	if s.id == "" {
		fmt.Fprintln(s.out, dimStyle.Render("No conversation yet."))
		return
	}
	snap, err := s.engine.orchestrator.Conversation(s.id)
	if err != nil {
		s.printError(err)
		return
	}
	fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("%s  %d tokens", snap.ID, snap.TotalTokens)))
	for _, m := range snap.Messages {
		fmt.Fprintf(s.out, "%s %s\n", roleStyle.Render(string(m.Role)+":"), m.Text)
	}
}

func (s *chatSession) printError(err error) {
	msg := err.Error()
	switch conversation.KindOf(err) {
	case conversation.KindTruncation:
		msg = "message does not fit the context window: " + msg
	case conversation.KindTimeout:
		msg = "turn timed out: " + msg
	}
	if errors.Is(err, conversation.ErrNotFound) {
		s.id = ""
	}
	fmt.Fprintln(s.out, errorStyle.Render(msg))
}
