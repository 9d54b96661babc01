// Package remote talks to the sync server's pull and push endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncapi"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 4096
	userAgent       = "journal-sync/1.0"
	contentTypeJSON = "application/json"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingTokens  = errors.New("remote: token source is required")
)

// TokenSource provides bearer tokens for the owner session.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// ClientConfig describes the dependencies of a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client is the remote sync client. Each call is bounded by the configured timeout; a timeout
// surfaces as syncable.ErrUnavailable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Pull fetches one page of records changed strictly after the cursor. The page stops at the
// first record that cannot be read and reports it in Halted.
func (c *Client) Pull(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, since syncable.Checkpoint, limit int) (syncable.PullPage, error) {
	query := url.Values{}
	query.Set(syncapi.QueryOwnerID, owner.String())
	query.Set(syncapi.QuerySinceMillis, strconv.FormatInt(since.ChangedAt.Int64(), 10))
	if since.RemoteID.Assigned() {
		query.Set(syncapi.QueryAfterRemoteID, since.RemoteID.String())
	}
	if limit > 0 {
		query.Set(syncapi.QueryLimit, strconv.Itoa(limit))
	}

	var response syncapi.PullResponse
	if err := c.do(ctx, http.MethodGet, syncapi.ChangesPath(kind)+"?"+query.Encode(), nil, &response); err != nil {
		return syncable.PullPage{}, err
	}

	page := syncable.PullPage{
		Records: make([]syncable.RemoteRecord, 0, len(response.Records)),
		Cursor:  since,
		HasMore: response.HasMore,
	}
	for _, payload := range response.Records {
		record, err := syncapi.ToRemoteRecord(kind, payload)
		if err == nil && record.OwnerID != owner {
			err = fmt.Errorf("foreign owner %q", payload.OwnerID)
		}
		if err != nil {
			c.logger.Warn("halting pull at unreadable remote record",
				zap.String("kind", kind.String()),
				zap.String("remote_id", payload.RemoteID),
				zap.Error(err))
			page.Halted = fmt.Errorf("%w: %s %s: %w", syncable.ErrMalformedRecord, kind, payload.RemoteID, err)
			page.HasMore = false
			break
		}
		page.Records = append(page.Records, record)
		page.Cursor = page.Cursor.Max(syncable.CheckpointOf(record))
	}
	return page, nil
}

// Push sends a batch of dirty rows and returns the per-record verdicts the server reported.
// Records missing from the response are not acknowledged.
func (c *Client) Push(ctx context.Context, owner syncable.OwnerID, kind syncable.Kind, records []syncable.Record) ([]syncable.PushAck, error) {
	request := syncapi.PushRequest{Records: make([]syncapi.RecordPayload, 0, len(records))}
	for _, record := range records {
		request.Records = append(request.Records, syncapi.FromRecord(record))
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("remote: encode push: %w", err)
	}

	query := url.Values{}
	query.Set(syncapi.QueryOwnerID, owner.String())

	var response syncapi.PushResponse
	if err := c.do(ctx, http.MethodPost, syncapi.ChangesPath(kind)+"?"+query.Encode(), body, &response); err != nil {
		return nil, err
	}

	acks := make([]syncable.PushAck, 0, len(response.Results))
	for _, result := range response.Results {
		acks = append(acks, syncapi.ToPushAck(result))
	}
	return acks, nil
}

// Probe reports whether the server health endpoint answers.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, syncapi.RouteHealth, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, target any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: creating request: %w", err)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("remote: obtaining token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return unavailable(fmt.Errorf("decode %s %s response: %w", method, path, err))
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	remoteErr := &RemoteError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
		Err:        classifyStatus(resp.StatusCode),
	}
	var payload syncapi.ErrorResponse
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		remoteErr.Message = payload.Error
		remoteErr.Code = payload.Code
	}
	return remoteErr
}
