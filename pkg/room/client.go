package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// DelegationError wraps a failed cross-room delegation, distinguishing
// it from a within-room instrument failure so the Conductor can decide
// whether to fail over to local execution, per spec §4.5/§7.
type DelegationError struct {
	RoomID string
	Reason string
	Err    error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegate to room %q: %s: %v", e.RoomID, e.Reason, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// Client delegates sub-queries to a sibling room's HTTP task endpoint. It
// implements composition.RoomDelegator so CrossRoom compositions can
// depend on the interface rather than this concrete type.
type Client struct {
	httpClient *http.Client
	registry   *Registry
	pollEvery  time.Duration
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout   time.Duration // overall per-delegation deadline; default 60s
	PollEvery time.Duration // poll interval while a room task runs; default 500ms
}

// NewClient builds a Client that resolves room URLs via registry.
func NewClient(registry *Registry, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 500 * time.Millisecond
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		registry:   registry,
		pollEvery:  opts.PollEvery,
	}
}

type roomTaskRequest struct {
	Query   string                 `json:"query"`
	Context *models.RequestContext `json:"context,omitempty"`
}

type roomTaskResponse struct {
	Status string                   `json:"status"`
	Result *models.InstrumentResult `json:"result,omitempty"`
}

// Delegate posts subQuery to roomID's /task endpoint and polls until the
// room reports a terminal status, normalizing the result to an
// InstrumentResult. Any timeout, 5xx, or connection failure is returned
// as a *DelegationError so the caller can fail over.
func (c *Client) Delegate(ctx context.Context, roomID, subQuery string, reqCtx *models.RequestContext) (models.InstrumentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.httpClient.Timeout)
	defer cancel()

	rm, err := c.registry.Get(ctx, roomID)
	if err != nil {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "room lookup failed", Err: err}
	}
	if rm.Status != models.RoomOnline {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "room offline", Err: fmt.Errorf("status %s", rm.Status)}
	}

	body, err := json.Marshal(roomTaskRequest{Query: subQuery, Context: reqCtx})
	if err != nil {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rm.URL+"/task", bytes.NewReader(body))
	if err != nil {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: fmt.Sprintf("server error %d", resp.StatusCode), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: fmt.Sprintf("rejected with %d", resp.StatusCode), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var parsed roomTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "decode response", Err: err}
	}
	if parsed.Result != nil {
		return *parsed.Result, nil
	}

	// Async room: poll until terminal.
	return c.poll(ctx, roomID, rm.URL, parsed)
}

func (c *Client) poll(ctx context.Context, roomID, baseURL string, last roomTaskResponse) (models.InstrumentResult, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "timed out waiting for room", Err: ctx.Err()}
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/task/status", nil)
			if err != nil {
				return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "build poll request", Err: err}
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "unreachable during poll", Err: err}
			}
			err = func() error {
				defer resp.Body.Close()
				if resp.StatusCode >= 500 {
					return fmt.Errorf("status %d", resp.StatusCode)
				}
				return json.NewDecoder(resp.Body).Decode(&last)
			}()
			if err != nil {
				return models.InstrumentResult{}, &DelegationError{RoomID: roomID, Reason: "poll failed", Err: err}
			}
			if last.Result != nil {
				return *last.Result, nil
			}
		}
	}
}
