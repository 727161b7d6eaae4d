// ABOUTME: HTTP client for the run store API used by the TUI
// ABOUTME: Sends runs, replays threads and renders SSE event streams

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-runstore/internal/catalog"
	"github.com/2389/coven-runstore/internal/events"
)

type client struct {
	server string
	token  string
	http   *http.Client
	out    io.Writer

	dim    *color.Color
	red    *color.Color
	yellow *color.Color
	green  *color.Color
}

func newClient(server, token string, out io.Writer) *client {
	return &client{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   http.DefaultClient,
		out:    out,
		dim:    color.New(color.Faint),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		green:  color.New(color.FgGreen),
	}
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into an error, preferring the
// server's JSON error message.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok {
				return fmt.Errorf("%s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

// send starts a run with one user message and streams its events.
func (c *client) send(ctx context.Context, thread, content string) error {
	body := map[string]any{
		"messages": []events.Message{{ID: uuid.New().String(), Role: events.RoleUser, Content: content}},
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/threads/"+thread+"/runs", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return c.streamSSE(ctx, resp.Body)
}

// replay streams the thread's history.
func (c *client) replay(ctx context.Context, thread string) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/threads/"+thread+"/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return c.streamSSE(ctx, resp.Body)
}

func (c *client) stop(ctx context.Context, thread string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/threads/"+thread+"/stop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if out.Stopped {
		fmt.Fprintln(c.out, "Stop requested")
	} else {
		fmt.Fprintln(c.out, "Nothing to stop")
	}
	return nil
}

func (c *client) deleteThread(ctx context.Context, thread string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/threads/"+thread, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Deleted %s\n", thread)
	return nil
}

func (c *client) listThreads(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/threads?limit=20", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var list catalog.ThreadList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if list.Total == 0 {
		fmt.Fprintln(c.out, "No threads")
		return nil
	}

	fmt.Fprintf(c.out, "Threads (%d):\n", list.Total)
	for _, t := range list.Threads {
		fmt.Fprintf(c.out, "  %s ", t.ThreadID)
		c.dim.Fprintf(c.out, "%d msgs ", t.MessageCount)
		if t.IsRunning {
			c.green.Fprint(c.out, "running ")
		}
		fmt.Fprintln(c.out, truncate(strings.ReplaceAll(t.Preview, "\n", " "), 60))
	}
	return nil
}

func (c *client) streamSSE(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				if err := c.handleSSEEvent(strings.Join(dataLines, "\n")); err != nil {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(v))
		}
	}

	return scanner.Err()
}

func (c *client) handleSSEEvent(data string) error {
	var e events.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return fmt.Errorf("parsing event data: %w", err)
	}

	switch e.Type {
	case events.TypeRunStarted:
		if e.Input == nil {
			break
		}
		for _, m := range e.Input.Messages {
			if m.Role == events.RoleUser && m.Content != "" {
				c.dim.Fprintf(c.out, "> %s\n", m.Content)
			}
		}
	case events.TypeTextMessageContent:
		fmt.Fprint(c.out, stripMarkdown(e.Delta))
	case events.TypeTextMessageEnd:
		fmt.Fprintln(c.out)
	case events.TypeToolCallStart:
		c.yellow.Fprintf(c.out, "[tool] %s\n", e.ToolCallName)
	case events.TypeToolCallResult:
		c.dim.Fprintf(c.out, "[result] %s\n", truncate(e.Content, 100))
	case events.TypeRunError:
		if e.Code == events.CodeStopped {
			c.yellow.Fprintln(c.out, "[stopped]")
		} else {
			c.red.Fprintf(c.out, "[error] %s\n", e.Message)
		}
	}
	return nil
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// stripMarkdown removes common markdown formatting from text.
func stripMarkdown(s string) string {
	// Remove bold/italic markers (order matters: ** before *)
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	// Don't remove single * as it's often used for lists
	return s
}
