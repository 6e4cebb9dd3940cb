package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/health"
	"github.com/bobmatnyc/localops/internal/manager"
	"github.com/bobmatnyc/localops/internal/restart"
	"github.com/bobmatnyc/localops/internal/stability"
)

// APIError is a typed daemon error, carrying the kind the server reported so
// the CLI can map it onto exit codes.
type APIError struct {
	Kind    string
	Message string
	Status  int
}

func (e *APIError) Error() string { return fmt.Sprintf("API error: %s", e.Message) }

// APIClient communicates with a running localops daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func decodeErr(resp *http.Response) error {
	var er struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	return &APIError{Kind: er.Kind, Message: er.Error, Status: resp.StatusCode}
}

func (c *APIClient) getJSON(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeErr(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) postJSON(path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	resp, err := c.client.Post(c.baseURL+path, "application/json", rd)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeErr(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Start launches a deployment.
func (c *APIClient) Start(cfg deployment.Config) (deployment.Record, error) {
	var rec deployment.Record
	err := c.postJSON("/deployments/start", cfg, &rec)
	return rec, err
}

// Stop terminates a deployment; purge removes its record.
func (c *APIClient) Stop(id string, purge bool) error {
	q := "/deployments/stop?id=" + url.QueryEscape(id)
	if purge {
		q += "&purge=true"
	}
	return c.postJSON(q, nil, nil)
}

// Restart performs a manual restart.
func (c *APIClient) Restart(id string) (deployment.Record, error) {
	var rec deployment.Record
	err := c.postJSON("/deployments/restart?id="+url.QueryEscape(id), nil, &rec)
	return rec, err
}

// Status fetches one deployment snapshot.
func (c *APIClient) Status(id string) (manager.Snapshot, error) {
	var snap manager.Snapshot
	err := c.getJSON("/deployments/status?id="+url.QueryEscape(id), &snap)
	return snap, err
}

// List fetches snapshots, optionally filtered by status name.
func (c *APIClient) List(filter string) ([]manager.Snapshot, error) {
	path := "/deployments"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var snaps []manager.Snapshot
	err := c.getJSON(path, &snaps)
	return snaps, err
}

// Health fetches the buffered health history for a deployment.
func (c *APIClient) Health(id string) ([]health.Result, error) {
	var out []health.Result
	err := c.getJSON("/deployments/health?id="+url.QueryEscape(id), &out)
	return out, err
}

// RestartHistory fetches the restart-event log for a deployment.
func (c *APIClient) RestartHistory(id string) ([]restart.RestartEvent, error) {
	var out []restart.RestartEvent
	err := c.getJSON("/deployments/restarts?id="+url.QueryEscape(id), &out)
	return out, err
}

// Logs fetches recent captured output lines.
func (c *APIClient) Logs(id string) ([]string, error) {
	var out []string
	err := c.getJSON("/deployments/logs?id="+url.QueryEscape(id), &out)
	return out, err
}

// Alerts fetches stability alerts, optionally for a single deployment.
func (c *APIClient) Alerts(id string) ([]stability.Alert, error) {
	path := "/alerts"
	if id != "" {
		path += "?id=" + url.QueryEscape(id)
	}
	var out []stability.Alert
	err := c.getJSON(path, &out)
	return out, err
}

// SetAutoRestart toggles automatic restarts for a deployment.
func (c *APIClient) SetAutoRestart(id string, enabled bool) error {
	return c.postJSON("/deployments/autorestart?id="+url.QueryEscape(id)+"&enabled="+strconv.FormatBool(enabled), nil, nil)
}

// Monitor consumes the SSE snapshot stream, invoking fn per snapshot until
// ctx is canceled or the stream ends.
func (c *APIClient) Monitor(ctx context.Context, id string, interval time.Duration, fn func(manager.Snapshot)) error {
	u := c.baseURL + "/deployments/monitor?id=" + url.QueryEscape(id)
	if interval > 0 {
		u += "&interval=" + interval.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	// Streaming request must outlive the client timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeErr(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var snap manager.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			continue
		}
		fn(snap)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
