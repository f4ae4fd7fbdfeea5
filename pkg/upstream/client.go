// Package upstream talks to the transaction API that creates jobs and serves
// the steady-state transaction list.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/resilience"
)

// Routes served by the transaction API.
const (
	CreateByTextPath = "/transaction/create-by-text"
	TransactionsPath = "/transactions/get"
)

// MaxResponseSize bounds a response body.
const MaxResponseSize = 8 << 20

// ErrNoJobID is returned when a creation response carries no job id.
var ErrNoJobID = errors.New("upstream: response has no job id")

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// CreateRequest asks the API to infer transactions from free text.
type CreateRequest struct {
	Text      string `json:"text"`
	AccountID int64  `json:"account_id"`
	UserID    int64  `json:"user_id"`
}

// CreateResponse carries the id of the job whose stream delivers the records.
type CreateResponse struct {
	JobID string `json:"job_id"`
}

// ListRequest selects the transactions of one user.
type ListRequest struct {
	UserID int64 `json:"user_id"`
}

// Client is a transaction API client. The zero value is not usable; set
// BaseURL at least.
type Client struct {
	BaseURL string

	// HTTPClient performs requests.
	// Default: a client with a 30s timeout
	HTTPClient *http.Client

	// Guard, when set, wraps every request.
	Guard *resilience.Guard

	logger *logging.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, guard *resilience.Guard) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Guard:      guard,
		logger:     logging.Global().Named("upstream"),
	}
}

// CreateByText starts a creation job and returns its id.
func (c *Client) CreateByText(ctx context.Context, req CreateRequest) (string, error) {
	data, err := c.post(ctx, CreateByTextPath, req)
	if err != nil {
		return "", err
	}
	var resp CreateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("upstream: decode %s: %w", CreateByTextPath, err)
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return "", ErrNoJobID
	}
	c.log().Info("creation job started",
		logging.JobID(resp.JobID),
		logging.UserID(req.UserID),
		zap.Int64("account_id", req.AccountID),
	)
	return resp.JobID, nil
}

// Transactions returns the steady-state list of userID. The body goes
// through the same repair as stream payloads.
func (c *Client) Transactions(ctx context.Context, userID int64) ([]ledger.Record, error) {
	data, err := c.post(ctx, TransactionsPath, ListRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	recs, err := ledger.DecodeList(string(data))
	if err != nil {
		return nil, fmt.Errorf("upstream: decode transactions: %w", err)
	}
	return recs, nil
}

func (c *Client) log() *logging.Logger {
	if c.logger == nil {
		return logging.Global().Named("upstream")
	}
	return c.logger
}

// post sends in as JSON and returns the body of a 2xx response.
func (c *Client) post(ctx context.Context, path string, in any) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	var data []byte
	call := func(ctx context.Context) error {
		var err error
		data, err = c.do(ctx, path, body)
		return err
	}
	if c.Guard == nil {
		err = call(ctx)
	} else {
		err = c.Guard.Do(ctx, path, call)
	}
	return data, err
}

func (c *Client) do(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("upstream: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     http.MethodPost,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
