package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
	"chatengine/internal/infra/logger"
)

// runAsk sends one prompt in a fresh conversation and prints the reply.
func runAsk(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	model := fs.String("model", "", "model to use")
	tools := fs.String("tools", "", "comma-separated tools to enable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: chatengine ask [-model M] [-tools a,b] PROMPT")
	}

	ctx := context.Background()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	conv, err := app.newConversation(ctx, *model, splitList(*tools))
	if err != nil {
		return err
	}
	s := newChatSession(app, conv.ID, os.Stdout, false)
	defer s.close()

	cycleCtx, cancel := app.cycleContext(ctx)
	defer cancel()
	err = s.handle.Submit(cycleCtx, prompt)
	s.render.sync(ctx, app.Bus)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "conversation %s\n", conv.ID)
	return nil
}

// withStore opens only the conversation store for read-mostly commands.
func withStore(cfg *config.Config, fn func(ctx context.Context, st domain.ConversationStore) error) error {
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	st, closer, err := initStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if closer != nil {
		defer closer()
	}
	return fn(context.Background(), st)
}

func runList(cfg *config.Config, _ []string) error {
	return withStore(cfg, func(ctx context.Context, st domain.ConversationStore) error {
		list, err := st.List(ctx)
		if err != nil {
			return err
		}
		printSummaries(os.Stdout, list)
		return nil
	})
}

func runShow(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the conversation as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: chatengine show [-json] ID")
	}
	return withStore(cfg, func(ctx context.Context, st domain.ConversationStore) error {
		conv, err := st.Get(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(conv)
		}
		printConversation(os.Stdout, conv)
		return nil
	})
}

func runRuns(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chatengine runs ID")
	}
	ctx := context.Background()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	runs, err := app.Orchestrator.Conversation(args[0]).Runs(ctx)
	if err != nil {
		return err
	}
	printRuns(os.Stdout, runs)
	return nil
}

func runDelete(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: chatengine delete ID...")
	}
	return withStore(cfg, func(ctx context.Context, st domain.ConversationStore) error {
		for _, id := range args {
			if err := st.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
		}
		return nil
	})
}

// runEncrypt prints an "enc:" value for use as a provider api_key.
func runEncrypt(args []string) error {
	passphrase := os.Getenv("CHATENGINE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CHATENGINE_CONFIG_KEY must be set")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: chatengine encrypt VALUE")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func printSummaries(w io.Writer, list []domain.ConversationSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMODEL\tSTATE\tMESSAGES\tMODIFIED")
	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, title, s.Model, s.State, s.MessageCount, s.ModifiedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printConversation(w io.Writer, conv *domain.Conversation) {
	title := conv.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(w, "%s  %s\n", conv.ID, title)
	if conv.Subtitle != "" {
		fmt.Fprintf(w, "  %s\n", conv.Subtitle)
	}
	fmt.Fprintf(w, "model: %s  state: %s  tools: %v\n", conv.Model, conv.State, conv.Tools)
	if conv.Error != "" {
		fmt.Fprintf(w, "last error: %s\n", conv.Error)
	}
	fmt.Fprintln(w)
	for _, m := range conv.Messages {
		printMessage(w, m)
	}
	for i, s := range conv.Suggestions {
		fmt.Fprintf(w, "  (%d) %s\n", i+1, s)
	}
}

func printMessage(w io.Writer, m domain.Message) {
	label := string(m.Role)
	if m.Kind != "" && m.Kind != domain.KindNormal {
		label += "/" + string(m.Kind)
	}
	if !m.Done {
		label += " (partial)"
	}
	fmt.Fprintf(w, "[%s] %s\n", label, m.ID)
	if text := m.Text(); text != "" {
		fmt.Fprintln(w, text)
	}
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(w, "-> %s(%s)\n", tc.Name, tc.Arguments)
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(w, "attachment %s: %s\n", a.Type, a.Path)
	}
	fmt.Fprintln(w)
}

func printRuns(w io.Writer, runs []domain.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "run %s  %d messages  %s\n", r.ID, len(r.Messages), r.Ended.Sub(r.Started).Round(time.Millisecond))
		for _, m := range r.Messages {
			summary := m.Text()
			if len(m.ToolCalls) > 0 {
				names := make([]string, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					names[i] = tc.Name
				}
				summary = "calls " + strings.Join(names, ", ")
			}
			fmt.Fprintf(w, "  %-9s %s\n", m.Role, truncate(summary, 80))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
