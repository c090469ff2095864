// Package main provides notify-tail, a command-line client that connects to a
// doorbell server with a session token and prints notifications as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeGROOVE-dev/doorbell/pkg/client"
	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
)

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	var (
		serverAddr  = flag.String("addr", os.Getenv("DOORBELL_ADDR"), "server address (hostname:port)")
		token       = flag.String("token", "", "session token (default: DOORBELL_TOKEN environment variable)")
		insecure    = flag.Bool("insecure", false, "Use insecure WebSocket (ws:// instead of wss://)")
		noReconnect = flag.Bool("no-reconnect", false, "Disable automatic reconnection")
		maxRetries  = flag.Int("max-retries", 0, "Maximum reconnection attempts (0 = infinite)")
		outputJSON  = flag.Bool("json", false, "Output pushes as raw JSON lines")
		verbose     = flag.Bool("verbose", false, "Log connection details at debug level")
	)
	flag.Parse()

	if *serverAddr == "" {
		return errors.New("-addr or DOORBELL_ADDR is required")
	}

	sessionToken := *token
	if sessionToken == "" {
		sessionToken = os.Getenv("DOORBELL_TOKEN")
	}
	if sessionToken == "" {
		return errors.New("a session token is required: pass -token or set DOORBELL_TOKEN")
	}

	// Build WebSocket URL - secure by default
	scheme := "wss"
	if *insecure {
		scheme = "ws"
		log.Println("WARNING: Using insecure WebSocket connection (ws://)")
	}
	url := fmt.Sprintf("%s://%s/api/notifications/ws", scheme, *serverAddr)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	c, err := client.New(client.Config{
		ServerURL:   url,
		Token:       sessionToken,
		UserAgent:   "notify-tail/" + client.Version,
		Logger:      logger.NewWithOptions(os.Stderr, level, false),
		NoReconnect: *noReconnect,
		MaxRetries:  *maxRetries,
		OnEvent: func(ev client.Event) {
			if *outputJSON {
				fmt.Println(string(ev.Raw)) //nolint:forbidigo // CLI output
				return
			}
			printEvent(ev)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-interrupt:
		log.Printf("Signal %v received, shutting down gracefully...", sig)
		c.Stop()
		cancel()

		select {
		case <-errCh:
			return nil
		case <-time.After(5 * time.Second):
			log.Println("Shutdown timeout exceeded, forcing exit")
			return nil
		}
	}
}

//nolint:forbidigo // CLI output
func printEvent(ev client.Event) {
	switch ev.Type {
	case client.TypeUnreadCount:
		if ev.Count != nil {
			fmt.Printf("unread: %d\n", *ev.Count)
		}
	case client.TypeNewNotification:
		n := ev.Notification
		if n == nil {
			return
		}
		fmt.Printf("[%s] %s: %s", n.CreatedAt.Local().Format(time.Kitchen), n.Type, n.Title)
		if n.Message != "" {
			fmt.Printf(" - %s", n.Message)
		}
		if n.Link != "" {
			fmt.Printf(" (%s)", n.Link)
		}
		fmt.Println()
	default:
		fmt.Println(string(ev.Raw))
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
