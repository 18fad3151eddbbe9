package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/figaro/pkg/chat"
	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/inference"
	"github.com/go-go-golems/figaro/pkg/session"
	"github.com/go-go-golems/figaro/pkg/store"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Start an interactive chat, optionally resuming a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resume *uuid.UUID
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return errors.Wrap(err, "malformed conversation id")
				}
				resume = &id
			}
			return runChat(cmd.Context(), resume)
		},
	}
	return cmd
}

func openStore() (store.Store, error) {
	if path := viper.GetString("db"); path != "" {
		return store.NewSQLiteStore(path)
	}
	return store.NewMemoryStore(), nil
}

// terminalPrinter renders streamed generation events to stdout.
type terminalPrinter struct {
	out *os.File
}

func (p *terminalPrinter) HandleStart(ctx context.Context, e *events.EventStart) error {
	return nil
}

func (p *terminalPrinter) HandlePartial(ctx context.Context, e *events.EventPartial) error {
	_, err := fmt.Fprint(p.out, e.Delta)
	return err
}

func (p *terminalPrinter) HandleFinal(ctx context.Context, e *events.EventFinal) error {
	_, err := fmt.Fprintln(p.out)
	return err
}

func (p *terminalPrinter) HandleInterrupt(ctx context.Context, e *events.EventInterrupt) error {
	_, err := fmt.Fprintln(p.out, "\n[stopped]")
	return err
}

func (p *terminalPrinter) HandleError(ctx context.Context, e *events.EventError) error {
	_, err := fmt.Fprintf(p.out, "\n[error: %s]\n", e.ErrorString)
	return err
}

var _ events.ChatEventHandler = (*terminalPrinter)(nil)

func runChat(ctx context.Context, resume *uuid.UUID) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	client := inference.NewOpenAIClient(apiKey(), viper.GetString("openai-base-url"), viper.GetString("model"))

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	router.AddChatHandler("terminal", "chat", &terminalPrinter{out: os.Stdout})

	sink := events.NewWatermillSink(router.Publisher, "chat")
	registry := session.NewRegistry(client, st, sink)
	ctrl := chat.NewController(st, registry,
		chat.WithSystemPrompt(viper.GetString("system")),
		chat.WithInferenceOptions(inference.Options{Model: viper.GetString("model")}))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return router.Run(egCtx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		err := repl(egCtx, ctrl, resume)
		if closeErr := router.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	return eg.Wait()
}

// repl reads lines from stdin until EOF or /quit. Plain lines are sent as
// user turns; slash commands drive branch navigation and regeneration.
func repl(ctx context.Context, ctrl *chat.Controller, resume *uuid.UUID) error {
	convID := resume
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Println("figaro — /regen reruns the last reply, /stop interrupts, /tree shows branches, /quit exits")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/stop":
			if convID != nil {
				ctrl.Stop(*convID)
			}
		case line == "/regen":
			if convID == nil {
				fmt.Println("nothing to regenerate yet")
				continue
			}
			if err := regenerateLast(ctx, ctrl, *convID); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		case line == "/tree":
			if convID == nil {
				fmt.Println("no conversation yet")
				continue
			}
			if err := printTree(ctx, ctrl, *convID); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", line)
		default:
			res, err := ctrl.Send(ctx, convID, conversation.NilMessageID, line, nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			convID = &res.ConvID
			select {
			case <-res.Session.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func regenerateLast(ctx context.Context, ctrl *chat.Controller, convID uuid.UUID) error {
	path, err := ctrl.DisplayPath(ctx, convID, conversation.NilMessageID)
	if err != nil {
		return err
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Message.Role == conversation.RoleAssistant {
			sess, err := ctrl.Regenerate(ctx, convID, path[i].Message.ID)
			if err != nil {
				return err
			}
			select {
			case <-sess.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
	}
	return errors.New("no assistant reply to regenerate")
}

func printTree(ctx context.Context, ctrl *chat.Controller, convID uuid.UUID) error {
	path, err := ctrl.DisplayPath(ctx, convID, conversation.NilMessageID)
	if err != nil {
		return err
	}
	for _, entry := range path {
		marker := ""
		if len(entry.SiblingIDs) > 1 {
			marker = fmt.Sprintf(" [%d/%d]", entry.SiblingIndex+1, len(entry.SiblingIDs))
		}
		fmt.Printf("%s%s: %s\n", entry.Message.Role, marker, entry.Message.Text())
	}
	return nil
}
