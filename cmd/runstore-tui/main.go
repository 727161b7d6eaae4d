// ABOUTME: TUI client for chatting on a coven-runstore thread via the HTTP API.
// ABOUTME: Provides readline-style input and SSE streaming output with JWT auth.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// getToken returns the JWT token from RUNSTORE_TOKEN env var or ~/.config/coven/runstore-token file
func getToken() string {
	if token := os.Getenv("RUNSTORE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "coven", "runstore-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Run store server URL")
	threadID := flag.String("thread", "", "Thread ID to continue (default: a new thread)")
	flag.Parse()

	thread := *threadID
	if thread == "" {
		thread = uuid.New().String()
	}

	c := newClient(*server, getToken(), os.Stdout)

	fmt.Printf("runstore-tui connected to %s\n", *server)
	if c.token != "" {
		fmt.Println("Auth: JWT token configured")
	} else {
		fmt.Println("Auth: none (set RUNSTORE_TOKEN for authentication)")
	}
	fmt.Printf("Thread: %s\n", thread)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, c, os.Stdin, thread); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, c *client, in io.Reader, thread string) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprintf(c.out, "[%s]> ", shortID(thread))

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)

		var err error
		switch cmd {
		case "/quit", "/exit", "/q":
			return nil
		case "/help":
			printHelp(c.out)
		case "/threads":
			err = c.listThreads(ctx)
		case "/history":
			err = c.replay(ctx, thread)
		case "/stop":
			err = c.stop(ctx, thread)
		case "/delete":
			err = c.deleteThread(ctx, thread)
		case "/new":
			thread = uuid.New().String()
			fmt.Fprintf(c.out, "Started thread %s\n", thread)
		case "/use":
			if arg == "" {
				fmt.Fprintln(c.out, "Usage: /use <thread_id>")
				break
			}
			thread = arg
			fmt.Fprintf(c.out, "Now on thread %s\n", thread)
		default:
			err = c.send(ctx, thread, input)
		}
		if err != nil {
			c.red.Fprintf(c.out, "[error] %v\n", err)
		}
		fmt.Fprintln(c.out)
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /threads       List your threads")
	fmt.Fprintln(w, "  /history       Replay the current thread")
	fmt.Fprintln(w, "  /use <id>      Switch to another thread")
	fmt.Fprintln(w, "  /new           Start a new thread")
	fmt.Fprintln(w, "  /stop          Stop the run in flight on this thread")
	fmt.Fprintln(w, "  /delete        Delete the current thread")
	fmt.Fprintln(w, "  /help          Show this help")
	fmt.Fprintln(w, "  /quit          Exit the TUI")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
