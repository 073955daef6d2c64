package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
	"chatengine/internal/usecase"
)

const chatHelp = `Commands:
  /suggest        suggest replies
  /title          regenerate the title
  /runs           list the runs of this conversation
  /speak ID       voice a message
  /tools a,b      enable tools
  /help           show this help
  /quit           leave (Ctrl+D works too)
Ctrl+C cancels a running reply.`

func runChat(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	id := fs.String("id", "", "resume the conversation with this id")
	model := fs.String("model", "", "model for a new conversation")
	tools := fs.String("tools", "", "comma-separated tools for a new conversation")
	verbose := fs.Bool("v", false, "show state transitions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	var conv *domain.Conversation
	if *id != "" {
		conv, err = app.Orchestrator.Conversation(*id).Get(ctx)
	} else {
		conv, err = app.newConversation(ctx, *model, splitList(*tools))
	}
	if err != nil {
		return err
	}

	s := newChatSession(app, conv.ID, os.Stdout, *verbose)
	defer s.close()
	fmt.Printf("conversation %s (model %s, tools %v)\n", conv.ID, conv.Model, conv.Tools)
	fmt.Println("Type /help for commands.")
	return s.loop(ctx, os.Stdin)
}

type chatSession struct {
	app    *App
	handle *usecase.Handle
	out    io.Writer
	render *renderer
	unsub  func()
}

func newChatSession(app *App, conversationID string, out io.Writer, verbose bool) *chatSession {
	r := newRenderer(out, conversationID, verbose)
	return &chatSession{
		app:    app,
		handle: app.Orchestrator.Conversation(conversationID),
		out:    out,
		render: r,
		unsub:  app.Bus.SubscribeAll(r.handle),
	}
}

func (s *chatSession) close() { s.unsub() }

func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Fprint(s.out, "> ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return nil
			}
			line = strings.TrimSpace(l)
		case <-interrupts:
			fmt.Fprintln(s.out)
			return nil
		}
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		s.runCancellable(ctx, interrupts, func(ctx context.Context) error {
			return s.dispatch(ctx, line)
		})
	}
}

// runCancellable runs fn until it returns, cancelling the conversation's
// cycle on interrupt.
func (s *chatSession) runCancellable(ctx context.Context, interrupts <-chan os.Signal, fn func(context.Context) error) {
	ctx, cancel := s.app.cycleContext(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-interrupts:
		s.handle.Cancel()
		err = <-done
	}
	s.render.sync(context.Background(), s.app.Bus)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *chatSession) dispatch(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
		return nil
	case "/suggest":
		if err := s.handle.GenerateSuggestions(ctx); err != nil {
			return err
		}
		return s.printSuggestions(ctx)
	case "/title":
		if err := s.handle.GenerateTitle(ctx); err != nil {
			return err
		}
		conv, err := s.handle.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "title: %s\n", conv.Title)
		return nil
	case "/runs":
		runs, err := s.handle.Runs(ctx)
		if err != nil {
			return err
		}
		printRuns(s.out, runs)
		return nil
	case "/speak":
		if arg == "" {
			return fmt.Errorf("usage: /speak MESSAGE_ID")
		}
		if err := s.handle.Synthesize(ctx, arg); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "audio attached")
		return nil
	case "/tools":
		return s.enableTools(ctx, splitList(arg))
	}
	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}

	if err := s.handle.Submit(ctx, line); err != nil {
		return err
	}
	s.render.sync(ctx, s.app.Bus)
	return s.printSuggestions(ctx)
}

func (s *chatSession) printSuggestions(ctx context.Context) error {
	conv, err := s.handle.Get(ctx)
	if err != nil {
		return err
	}
	for i, sug := range conv.Suggestions {
		fmt.Fprintf(s.out, "  (%d) %s\n", i+1, sug)
	}
	return nil
}

func (s *chatSession) enableTools(ctx context.Context, names []string) error {
	conv, err := s.handle.Get(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		id, err := domain.ParseToolID(name)
		if err != nil {
			return err
		}
		conv.EnableTools(id)
	}
	if err := s.app.Store.Upsert(ctx, conv); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "tools: %v\n", conv.Tools)
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
