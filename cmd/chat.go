package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/client"
	"github.com/threadline/internal/config"
	"github.com/threadline/internal/conversation"
	"github.com/threadline/pkg/models"
)

const chatHelp = `Commands:
  /new            start a new conversation
  /list           list conversations
  /find TEXT      list conversations whose title contains TEXT
  /open N         open conversation N from the last list
  /more           load earlier messages
  /retry          resend the last failed message
  /rename TITLE   rename the open conversation
  /delete         delete the open conversation
  /quit           exit
Anything else is sent as a message. Ctrl-C stops a reply in progress.`

// ChatCommand starts an interactive conversation with the gateway.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with the agent",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Abort replies that take longer than this (0 waits indefinitely)",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("timeout") {
		cfg.Client.RequestTimeout = c.Duration("timeout")
	}
	if err := config.ValidateClient(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts := clientOptions(cfg)
	creds, err := opts.Credentials.Load()
	if errors.Is(err, client.ErrNoCredentials) {
		return errors.New("not signed in, run `threadline login` first")
	}
	if err != nil {
		return err
	}

	ctrl := conversation.NewController(
		conversation.NewStore(),
		client.NewSession(opts),
		client.NewAPIClient(opts),
		log.With().Str("component", "conversation").Logger(),
	)
	repl := newChatREPL(ctrl, os.Stdout)

	ctx := c.Context
	fmt.Printf("Signed in as %s. Type /help for commands.\n", creds.Email)
	if err := ctrl.Refresh(ctx); err != nil {
		fmt.Printf("Could not load conversations: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	for {
		fmt.Print("> ")
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			done := make(chan bool, 1)
			go func() { done <- repl.handle(ctx, line) }()
		wait:
			for {
				select {
				case quit := <-done:
					if quit {
						return nil
					}
					break wait
				case <-interrupts:
					ctrl.Stop()
				}
			}
		case <-interrupts:
			fmt.Println()
			return nil
		}
	}
}

// chatREPL interprets one input line at a time against a controller.
type chatREPL struct {
	ctrl    *conversation.Controller
	out     io.Writer
	current string
	listed  []conversation.Thread
}

func newChatREPL(ctrl *conversation.Controller, out io.Writer) *chatREPL {
	r := &chatREPL{ctrl: ctrl, out: out}
	ctrl.OnChunk = func(_, chunk string) {
		fmt.Fprint(r.out, chunk)
	}
	return r
}

// handle runs one line and reports whether the session should end.
func (r *chatREPL) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/new":
		r.current = ""
		fmt.Fprintln(r.out, "Started a new conversation.")
	case "/list":
		r.list(ctx, "")
	case "/find":
		if arg == "" {
			fmt.Fprintln(r.out, "Usage: /find TEXT")
			break
		}
		r.list(ctx, arg)
	case "/open":
		r.open(ctx, arg)
	case "/more":
		r.more(ctx)
	case "/retry":
		r.retry(ctx)
	case "/rename":
		r.rename(ctx, arg)
	case "/delete":
		r.delete(ctx)
	default:
		fmt.Fprintf(r.out, "Unknown command %s. Type /help for commands.\n", command)
	}
	return false
}

func (r *chatREPL) send(ctx context.Context, text string) {
	localID, err := r.ctrl.Send(ctx, r.current, text)
	r.current = localID
	r.finishReply(err)
}

func (r *chatREPL) retry(ctx context.Context) {
	if r.current == "" {
		fmt.Fprintln(r.out, "No conversation is open.")
		return
	}
	err := r.ctrl.Retry(ctx, r.current)
	if errors.Is(err, conversation.ErrNothingToRetry) {
		fmt.Fprintln(r.out, "Nothing to retry.")
		return
	}
	r.finishReply(err)
}

func (r *chatREPL) finishReply(err error) {
	fmt.Fprintln(r.out)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrEmptyMessage):
	case client.IsUserAbort(err):
		fmt.Fprintln(r.out, "[stopped]")
	default:
		fmt.Fprintf(r.out, "[%s error] %v\nType /retry to try again.\n", conversation.ClassifyError(err.Error()), err)
	}
}

// list refreshes and prints the conversations, keeping only titles that
// match query when it is set. /open numbers refer to the printed list.
func (r *chatREPL) list(ctx context.Context, query string) {
	if err := r.ctrl.Refresh(ctx); err != nil {
		fmt.Fprintf(r.out, "Could not load conversations: %v\n", err)
	}
	r.listed = nil
	for _, t := range r.ctrl.Store().SortedVisibleThreads() {
		if query == "" || matchesTitle(t.Title, query) {
			r.listed = append(r.listed, t)
		}
	}
	if len(r.listed) == 0 {
		if query != "" {
			fmt.Fprintf(r.out, "No conversations match %q.\n", query)
		} else {
			fmt.Fprintln(r.out, "No conversations yet.")
		}
		return
	}
	for i, t := range r.listed {
		marker := " "
		if t.LocalID == r.current {
			marker = "*"
		}
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(r.out, "%s%2d. %s  %s\n", marker, i+1, title, t.UpdatedAt.Local().Format(time.DateTime))
	}
}

func (r *chatREPL) open(ctx context.Context, arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(r.listed) {
		fmt.Fprintln(r.out, "Usage: /open N, where N is a number from /list.")
		return
	}
	thread := r.listed[n-1]
	msgs, err := r.ctrl.Open(ctx, thread.LocalID)
	if err != nil {
		fmt.Fprintf(r.out, "Could not open conversation: %v\n", err)
		return
	}
	r.current = thread.LocalID
	r.print(msgs)
}

func (r *chatREPL) more(ctx context.Context) {
	if r.current == "" {
		fmt.Fprintln(r.out, "No conversation is open.")
		return
	}
	added, err := r.ctrl.LoadEarlier(ctx, r.current)
	if err != nil {
		fmt.Fprintf(r.out, "Could not load messages: %v\n", err)
		return
	}
	if added == 0 {
		fmt.Fprintln(r.out, "No earlier messages.")
		return
	}
	r.print(r.ctrl.Store().Messages(r.current))
}

func (r *chatREPL) rename(ctx context.Context, title string) {
	if r.current == "" {
		fmt.Fprintln(r.out, "No conversation is open.")
		return
	}
	if err := r.ctrl.Rename(ctx, r.current, title); err != nil {
		fmt.Fprintf(r.out, "Rename failed: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, "Renamed.")
}

func (r *chatREPL) delete(ctx context.Context) {
	if r.current == "" {
		fmt.Fprintln(r.out, "No conversation is open.")
		return
	}
	if err := r.ctrl.Delete(ctx, r.current); err != nil {
		fmt.Fprintf(r.out, "Delete failed: %v\n", err)
		return
	}
	r.current = ""
	fmt.Fprintln(r.out, "Deleted.")
}

func (r *chatREPL) print(msgs []conversation.Message) {
	for _, m := range msgs {
		who := m.Role
		switch m.Role {
		case models.RoleUser:
			who = "you"
		case models.RoleAssistant:
			who = "agent"
		}
		fmt.Fprintf(r.out, "%s: %s\n", who, m.Content)
		switch m.Status {
		case conversation.StatusError:
			fmt.Fprintf(r.out, "  [%s error] %s\n", m.ErrorType, m.ErrorMessage)
		case conversation.StatusCancelled:
			fmt.Fprintln(r.out, "  [stopped]")
		}
	}
}

// matchesTitle reports whether every word of query occurs in title, ignoring case.
func matchesTitle(title, query string) bool {
	title = strings.ToLower(title)
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(title, word) {
			return false
		}
	}
	return true
}
