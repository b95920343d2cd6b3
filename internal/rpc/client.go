package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/msageha/a2a_engine/internal/manager"
	"github.com/msageha/a2a_engine/internal/model"
)

// Client calls a running engine over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL, e.g.
// "http://127.0.0.1:8080". A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Call performs one request and decodes the result into out. Errors
// returned by the server are *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id, _ := json.Marshal(uuid.NewString())
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  any             `json:"params,omitempty"`
		ID      json.RawMessage `json:"id"`
	}{Version, method, params, id}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if !bytes.Equal(rpcResp.ID, id) {
		return fmt.Errorf("%s: response id %s does not match request", method, rpcResp.ID)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func (c *Client) CreateTask(ctx context.Context, p manager.CreateParams) (*model.Task, error) {
	var t model.Task
	if err := c.Call(ctx, MethodCreate, p, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	if err := c.Call(ctx, MethodGet, TaskIDParams{TaskID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	if err := c.Call(ctx, MethodCancel, TaskIDParams{TaskID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) SubmitInput(ctx context.Context, taskID string, input model.InputResponse) (*model.Task, error) {
	var t model.Task
	params := InputParams{TaskIDParams: TaskIDParams{TaskID: taskID}, Message: &input}
	if err := c.Call(ctx, MethodInput, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) DiscoverAgents(ctx context.Context) ([]model.AgentDescriptor, error) {
	var res DiscoverResult
	if err := c.Call(ctx, MethodDiscover, nil, &res); err != nil {
		return nil, err
	}
	return res.Agents, nil
}

// Watch reads the snapshot stream of a task and calls fn for each snapshot
// until the stream ends, fn returns an error, or ctx is canceled.
func (c *Client) Watch(ctx context.Context, taskID string, fn func(model.TaskSnapshot) error) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID+"/events", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("watch %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var rpcResp Response
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&rpcResp); err == nil && rpcResp.Error != nil {
			return rpcResp.Error
		}
		return fmt.Errorf("watch %s: HTTP %d", taskID, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "done" {
				return nil
			}
			if event != "snapshot" {
				continue
			}
			var snap model.TaskSnapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				return fmt.Errorf("watch %s: decode snapshot: %w", taskID, err)
			}
			if err := fn(snap); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch %s: %w", taskID, err)
	}
	return nil
}
