package egomarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/api"
	"EgoMarket/internal/auth"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/task"
)

// DefaultHTTPTimeout bounds calls made by clients created without a custom
// http.Client. Escrow operations wait for on-chain readback, so it is longer
// than a plain CRUD timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the EgoMarket REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	actor       string
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	RequestID  string            `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Ambiguous  bool              `json:"ambiguous"`
	Recovery   string            `json:"recovery,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("egomarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("egomarket api error (%d): %s", e.StatusCode, e.Message)
}

// IsAmbiguous reports whether err means the outcome of an escrow operation is
// not yet known. Such calls must not be blindly retried; poll EscrowStatus.
func IsAmbiguous(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Ambiguous
}

// Wallet selects how the server obtains the signature for an escrow
// transaction.
type Wallet struct {
	Kind          string `json:"wallet,omitempty"`
	Address       string `json:"address,omitempty"`
	ChangeAddress string `json:"change_address,omitempty"`
}

// RemoteWallet signs through the wallet app polling PendingSignatures.
func RemoteWallet(address string) Wallet {
	return Wallet{Kind: "remote", Address: address}
}

// CustodialWallet uses the server's service wallet. Operators only.
func CustodialWallet() Wallet { return Wallet{Kind: "custodial"} }

// Settlement is the result of a fund, approve or refund call.
type Settlement struct {
	Task    *task.Task     `json:"task"`
	Receipt escrow.Receipt `json:"receipt"`
}

// Resolution is the result of a dispute resolution.
type Resolution struct {
	Task       *task.Task        `json:"task"`
	Resolution escrow.Resolution `json:"resolution"`
	Receipt    escrow.Receipt    `json:"receipt"`
}

// NewClient instantiates a client for the EgoMarket API. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetActor sets the development identity header honoured by servers
// running without authentication.
func (c *Client) SetActor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actor = id
}

// PostTask publishes a task. The creator is the authenticated caller.
func (c *Client) PostTask(ctx context.Context, req task.PostRequest) (*task.Task, error) {
	var out task.Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	var out task.Task
	if err := c.send(ctx, http.MethodGet, taskPath(taskID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks lists tasks matching query, e.g. url.Values{"status": {"open"}}.
func (c *Client) ListTasks(ctx context.Context, query url.Values) ([]*task.Task, error) {
	var out struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Transitions returns the audit trail of a task.
func (c *Client) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	var out struct {
		Transitions []task.Transition `json:"transitions"`
	}
	if err := c.send(ctx, http.MethodGet, taskPath(taskID, "transitions"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// PlaceBid bids on an unassigned task as the caller.
func (c *Client) PlaceBid(ctx context.Context, taskID string, rate uint64, message string) (*task.Bid, error) {
	var out task.Bid
	body := task.BidRequest{Rate: rate, Message: message}
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "bids"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptBid assigns the bidding agent.
func (c *Client) AcceptBid(ctx context.Context, taskID, bidID string) (*task.Task, error) {
	var out task.Task
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "bids", bidID, "accept"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDeliverable hands in work for review.
func (c *Client) SubmitDeliverable(ctx context.Context, taskID, content string) (*task.Task, *task.Deliverable, error) {
	var out struct {
		Task        *task.Task        `json:"task"`
		Deliverable *task.Deliverable `json:"deliverable"`
	}
	body := map[string]string{"content": content}
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "deliverables"), nil, body, &out); err != nil {
		return nil, nil, err
	}
	return out.Task, out.Deliverable, nil
}

// RequestRevision sends a task under review back to the agent.
func (c *Client) RequestRevision(ctx context.Context, taskID, reason string) (*task.Task, error) {
	return c.reasonAction(ctx, taskID, "revision", reason)
}

// OpenDispute disputes a task.
func (c *Client) OpenDispute(ctx context.Context, taskID, reason string) (*task.Task, error) {
	return c.reasonAction(ctx, taskID, "dispute", reason)
}

// Cancel cancels a task that has not started.
func (c *Client) Cancel(ctx context.Context, taskID, reason string) (*task.Task, error) {
	return c.reasonAction(ctx, taskID, "cancel", reason)
}

func (c *Client) reasonAction(ctx context.Context, taskID, action, reason string) (*task.Task, error) {
	var out task.Task
	body := map[string]string{"reason": reason}
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, action), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fund locks the task budget in escrow.
func (c *Client) Fund(ctx context.Context, taskID string, wallet Wallet) (*Settlement, error) {
	return c.settle(ctx, taskID, "fund", wallet)
}

// Approve releases the escrow to the agent.
func (c *Client) Approve(ctx context.Context, taskID string, wallet Wallet) (*Settlement, error) {
	return c.settle(ctx, taskID, "approve", wallet)
}

// Refund returns the escrow to the creator.
func (c *Client) Refund(ctx context.Context, taskID string, wallet Wallet) (*Settlement, error) {
	return c.settle(ctx, taskID, "refund", wallet)
}

func (c *Client) settle(ctx context.Context, taskID, op string, wallet Wallet) (*Settlement, error) {
	var out Settlement
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, op), nil, wallet, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve settles a disputed task. An empty verdict defers to the server's
// mediator.
func (c *Client) Resolve(ctx context.Context, taskID string, verdict escrow.Verdict, reason string) (*Resolution, error) {
	var out Resolution
	body := map[string]string{"verdict": string(verdict), "reason": reason}
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "resolve"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rate rates the agent of a completed task and returns the new standing.
func (c *Client) Rate(ctx context.Context, taskID string, rating int) (*reputation.Standing, error) {
	var out reputation.Standing
	body := map[string]int{"rating": rating}
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "rate"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EscrowStatus compares local escrow state with the ledger.
func (c *Client) EscrowStatus(ctx context.Context, taskID string) (*escrow.EscrowView, error) {
	var out escrow.EscrowView
	if err := c.send(ctx, http.MethodGet, taskPath(taskID, "escrow"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReconcileEscrow asks the server to re-check a funding transaction whose
// escrow box could not be read back. It returns an ambiguous APIError while
// the transaction is still not visible.
func (c *Client) ReconcileEscrow(ctx context.Context, taskID string) (*task.Task, error) {
	var out task.Task
	if err := c.send(ctx, http.MethodPost, taskPath(taskID, "escrow", "reconcile"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterAgent records the payout address of the calling agent.
func (c *Client) RegisterAgent(ctx context.Context, agentID, address string) (*agent.Agent, error) {
	var out agent.Agent
	body := map[string]string{"address": address}
	if err := c.send(ctx, http.MethodPut, "/api/v1/agents/"+agentID, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Standing returns the current reputation of an agent.
func (c *Client) Standing(ctx context.Context, agentID string) (*reputation.Standing, error) {
	var out reputation.Standing
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+agentID+"/standing", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingSignatures lists the transactions waiting for address to sign.
func (c *Client) PendingSignatures(ctx context.Context, address string) ([]api.PendingSignature, error) {
	var out struct {
		Requests []api.PendingSignature `json:"requests"`
	}
	query := url.Values{"address": {address}}
	if err := c.send(ctx, http.MethodGet, "/api/v1/signing/requests", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// DeclineSignature rejects a pending signing session.
func (c *Client) DeclineSignature(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/signing/requests/"+sessionID, nil, nil, nil)
}

func taskPath(taskID string, parts ...string) string {
	elems := append([]string{"/api/v1/tasks", taskID}, parts...)
	return path.Join(elems...)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token, actor := c.accessToken, c.actor
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if actor != "" {
		req.Header.Set(auth.DevActorHeader, actor)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	// Ambiguous escrow outcomes come back as 202 with an error body.
	if resp.StatusCode >= 400 || resp.StatusCode == http.StatusAccepted {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		envelope := struct {
			RequestID string    `json:"request_id"`
			Error     *APIError `json:"error"`
		}{Error: apiErr}
		if err := json.Unmarshal(data, &envelope); err == nil {
			apiErr.RequestID = envelope.RequestID
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
