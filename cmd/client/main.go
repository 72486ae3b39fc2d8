// Package main provides an interactive relay client.
//
// Lines of the form "@bob hello" send "hello" to bob. Received frames are
// printed as they arrive.
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
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/omochice/ironwire/internal/client"
	"github.com/omochice/ironwire/internal/telemetry/logger"
	"github.com/omochice/ironwire/pkg/protocol"
)

func main() {
	app := &cli.App{
		Name:  "ironwire-client",
		Usage: "chat through an ironwire relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "relay websocket URL",
				EnvVars: []string{"IRONWIRE_SERVER"},
				Value:   "ws://localhost:8080/ws",
			},
			&cli.StringFlag{
				Name:     "token",
				Aliases:  []string{"t"},
				Usage:    "auth token, which is also your identity",
				EnvVars:  []string{"IRONWIRE_TOKEN"},
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "connect and auth timeout",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log connection errors",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	opts := []client.Option{client.WithLogger(logger.Discard())}
	if c.Bool("verbose") {
		log, err := logger.New(logger.Config{Level: "debug", Format: "console", Output: os.Stderr})
		if err != nil {
			return err
		}
		opts = []client.Option{client.WithLogger(log)}
	}

	cl := client.New(c.String("server"), c.String("token"), opts...)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Disconnect()
	if err := cl.Authenticate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Connected to %s as %s\n", c.String("server"), c.String("token"))
	fmt.Fprintln(c.App.Writer, `Type "@user message" to send, "quit" to exit.`)

	sigCtx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range cl.Messages() {
			printMessage(c.App.Writer, msg)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-sigCtx.Done():
			return nil
		case <-done:
			if err := cl.Err(); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("connection closed: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "quit" || line == "exit" {
				return nil
			}
			to, text, ok := parseLine(line)
			if !ok {
				fmt.Fprintln(c.App.ErrWriter, `usage: @user message`)
				continue
			}
			if err := cl.SendText(sigCtx, to, text); err != nil {
				fmt.Fprintf(c.App.ErrWriter, "failed to send message: %v\n", err)
			}
		}
	}
}

// parseLine splits "@bob hello there" into ("bob", "hello there").
func parseLine(line string) (to, text string, ok bool) {
	if !strings.HasPrefix(line, "@") {
		return "", "", false
	}
	to, text, found := strings.Cut(line[1:], " ")
	if !found || to == "" {
		return "", "", false
	}
	return to, strings.TrimSpace(text), true
}

func printMessage(w io.Writer, msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.MessageTypeText:
		fmt.Fprintf(w, "[%s]: %s\n", msg.From, msg.Text)
	case protocol.MessageTypeError:
		if msg.User != "" {
			fmt.Fprintf(w, "*** %s: %s ***\n", msg.Msg, msg.User)
			return
		}
		fmt.Fprintf(w, "*** %s ***\n", msg.Msg)
	}
}
