package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/controller"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/goforj/godump"
)

// client talks to the control API of a running emulator.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(address string) *client {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &client{baseURL: strings.TrimSuffix(base, "/"), http: &http.Client{}}
}

func readEvent(data string) ([]byte, error) {
	switch data {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		return []byte(data), nil
	}
}

// Invoke prints the invocation response. Function errors are printed like
// any other response; emulator failures are returned as errors.
func (c *client) Invoke(ctx context.Context, name string, event []byte, timeout time.Duration, requestID string, out io.Writer) error {
	u := c.baseURL + "/functions/" + url.PathEscape(name) + "/invoke"
	if timeout > 0 {
		u += "?timeout=" + url.QueryEscape(timeout.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(event))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set(controller.HeaderRequestID, requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error invoking %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusOK {
		var r pool.Response
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("malformed response: %w", err)
		}
		return printResponse(out, r)
	}
	return apiError(resp.StatusCode, body)
}

func printResponse(out io.Writer, r pool.Response) error {
	if r.Type == pool.ResponseSuccess {
		if len(r.Data) == 0 {
			_, err := fmt.Fprintln(out, "null")
			return err
		}
		_, err := fmt.Fprintln(out, string(r.Data))
		return err
	}
	return writeJSON(out, r)
}

func (c *client) Drain(ctx context.Context, name string, out io.Writer) error {
	var r controller.DrainResponse
	if err := c.do(ctx, http.MethodPost, "/functions/"+url.PathEscape(name)+"/drain", &r); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "drained %d workers of %s\n", r.Drained, name)
	return err
}

func (c *client) Status(ctx context.Context, name string, dump bool, out io.Writer) error {
	var v any
	if name == "" {
		var fns []controller.FunctionSummary
		if err := c.do(ctx, http.MethodGet, "/functions/", &fns); err != nil {
			return err
		}
		v = fns
	} else {
		var fn controller.FunctionStatus
		if err := c.do(ctx, http.MethodGet, "/functions/"+url.PathEscape(name), &fn); err != nil {
			return err
		}
		v = fn
	}
	if dump {
		// godump always writes to stdout
		godump.Dump(v)
		return nil
	}
	return writeJSON(out, v)
}

// Events prints one line per event until ctx ends or the emulator goes away.
func (c *client) Events(ctx context.Context, function string, out io.Writer) error {
	u := c.baseURL + "/events"
	if function != "" {
		u += "?function=" + url.QueryEscape(function)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error opening event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, func(update stats.StatusUpdate) error {
		_, err := fmt.Fprintln(out, formatUpdate(update))
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents decodes the data lines of a server-sent event stream.
func readEvents(r io.Reader, fn func(stats.StatusUpdate) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var update stats.StatusUpdate
		if err := json.Unmarshal([]byte(data), &update); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		if err := fn(update); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func formatUpdate(u stats.StatusUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8s %-12s %s", u.Timestamp.Local().Format("15:04:05.000"), u.FunctionID, u.Event, u.Status)
	if u.WorkerID != "" {
		fmt.Fprintf(&b, " worker=%s", shortID(u.WorkerID))
	}
	if u.RequestID != "" {
		fmt.Fprintf(&b, " request=%s", u.RequestID)
	}
	if u.Message != "" {
		fmt.Fprintf(&b, " %s", u.Message)
	}
	for _, e := range u.Errors {
		fmt.Fprintf(&b, "\n    %s", e)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (c *client) do(ctx context.Context, method, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error calling control API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

// apiError turns a non-200 answer into an error. Invocation failures carry a
// pool.Response, everything else a controller.ErrorResponse.
func apiError(status int, body []byte) error {
	var r pool.Response
	if err := json.Unmarshal(body, &r); err == nil && r.Type != "" {
		if r.Error != nil {
			return fmt.Errorf("%s: %s", r.Error.ErrorType, r.Error.ErrorMessage)
		}
		return fmt.Errorf("invocation %s", r.Type)
	}
	var e controller.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("%s (%d)", e.Error, status)
	}
	return errors.New(http.StatusText(status))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
