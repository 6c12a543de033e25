package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/chatclient"
)

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := buildRuntime()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.ScheduleStartupConnect(0)

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error { return watchNotifications(egCtx, rt) })
			eg.Go(func() error { return runRepl(egCtx, rt) })
			err = eg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func runRepl(ctx context.Context, rt *chatclient.Runtime) error {
	fmt.Println("marionette chat; /quit to exit, /retry to resend the last failed message")
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/retry":
				if err := rt.RetryLastMessage(); err != nil {
					fmt.Println("! " + err.Error())
				}
			case strings.HasPrefix(line, "/session "):
				rt.SwitchSession(strings.TrimSpace(strings.TrimPrefix(line, "/session ")))
			default:
				if _, err := rt.SendMessage(line); err != nil {
					fmt.Println("! " + err.Error())
				}
			}
		}
	}
}

// watchNotifications renders runtime updates: the reconciled turn list of the
// active session, connection transitions, and banner messages.
func watchNotifications(ctx context.Context, rt *chatclient.Runtime) error {
	turns, err := rt.Notifier().Subscribe(ctx, chatclient.TopicTurns)
	if err != nil {
		return err
	}
	conns, err := rt.Notifier().Subscribe(ctx, chatclient.TopicConnection)
	if err != nil {
		return err
	}
	banners, err := rt.Notifier().Subscribe(ctx, chatclient.TopicBanner)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-turns:
			if !ok {
				return nil
			}
			var upd chatclient.TurnsUpdated
			if err := json.Unmarshal(msg.Payload, &upd); err == nil && upd.SessionKey == rt.ActiveSession() {
				printLatestTurn(rt, upd.SessionKey)
			}
			msg.Ack()
		case msg, ok := <-conns:
			if !ok {
				return nil
			}
			var upd chatclient.ConnectionChanged
			if err := json.Unmarshal(msg.Payload, &upd); err == nil {
				if upd.Diagnostic != chatclient.DiagNone {
					fmt.Printf("[connection] %s (%s)\n", upd.State, upd.Diagnostic)
				} else {
					fmt.Printf("[connection] %s\n", upd.State)
				}
			}
			msg.Ack()
		case msg, ok := <-banners:
			if !ok {
				return nil
			}
			var upd chatclient.BannerChanged
			if err := json.Unmarshal(msg.Payload, &upd); err == nil && upd.Message != "" {
				fmt.Println("[notice] " + upd.Message)
			}
			msg.Ack()
		}
	}
}

func printLatestTurn(rt *chatclient.Runtime, sessionKey string) {
	list := rt.Turns(sessionKey)
	if len(list) == 0 {
		return
	}
	t := list[len(list)-1]
	switch t.State {
	case chatclient.TurnComplete:
		fmt.Printf("assistant> %s\n", t.AssistantText)
	case chatclient.TurnError, chatclient.TurnAborted:
		fmt.Printf("assistant> [%s] %s\n", t.State, t.AssistantText)
	}
}

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and wait for the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := buildRuntime()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Connect(ctx); err != nil {
				return err
			}
			turnID, err := rt.SendMessage(args[0])
			if err != nil {
				return err
			}
			session := rt.ActiveSession()
			ticker := time.NewTicker(150 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					for _, t := range rt.Turns(session) {
						if t.ID == turnID && t.State.Terminal() {
							fmt.Println(t.AssistantText)
							if t.State != chatclient.TurnComplete {
								return errors.Errorf("turn ended with state %s", t.State)
							}
							return nil
						}
					}
				}
			}
		},
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := buildRuntime()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := rt.Connect(cmd.Context()); err != nil {
				return err
			}
			// Connect refreshes the session list in the background; give it a
			// moment before reading the snapshot.
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) && len(rt.Sessions()) == 0 {
				time.Sleep(100 * time.Millisecond)
			}
			active := rt.ActiveSession()
			for _, s := range rt.Sessions() {
				marker := " "
				if s.SessionKey == active {
					marker = "*"
				}
				prefs := rt.SessionPrefsFor(s.SessionKey)
				name := s.Title
				if prefs.Alias != "" {
					name = prefs.Alias
				}
				fmt.Printf("%s %-24s %s\n", marker, s.SessionKey, name)
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection state and queued sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := buildRuntime()
			if err != nil {
				return err
			}
			defer cleanup()
			connectErr := rt.Connect(cmd.Context())
			state := rt.State()
			fmt.Printf("connection: %s\n", state.Connection)
			if state.Diagnostic != chatclient.DiagNone {
				fmt.Printf("diagnostic: %s (%s)\n", state.Diagnostic, state.DiagnosticDetail)
			}
			fmt.Printf("active session: %s\n", state.ActiveSessionKey)
			fmt.Printf("queued sends: %d\n", rt.OutboxLen())
			return connectErr
		},
	}
}
