// Package realtime owns the persistent change-notification channel for one owner session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncapi"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultMaxRetries  = 5
	dialTimeout        = 10 * time.Second
)

var (
	// ErrNotOpen indicates the channel is not currently connected.
	ErrNotOpen = errors.New("realtime: channel is not open")
	// ErrChannelClosed indicates the channel dropped before a reply arrived.
	ErrChannelClosed = errors.New("realtime: channel closed")

	errMissingURL     = errors.New("realtime: channel url is required")
	errMissingOwner   = errors.New("realtime: owner id is required")
	errMissingTokens  = errors.New("realtime: token source is required")
	errAlreadyStarted = errors.New("realtime: controller already started")
)

// State is the channel state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// TokenSource provides bearer tokens for the handshake.
type TokenSource interface {
	Token() (string, error)
}

// Config describes the dependencies of a Controller.
type Config struct {
	URL         string
	OwnerID     syncable.OwnerID
	Tokens      TokenSource
	HTTPClient  *http.Client
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  uint64
	// OnOpen runs after every successful connect.
	OnOpen func(ctx context.Context)
	// OnDataChanged runs for every data_changed notification.
	OnDataChanged func(ctx context.Context, kind syncable.Kind)
	Logger        *zap.Logger
}

// Controller maintains the channel: it reconnects after min(base*2^n, cap) with n bounded by
// MaxRetries, then stays closed until Reset. Retry state lives here, not in any caller.
type Controller struct {
	url           string
	tokens        TokenSource
	httpClient    *http.Client
	backoffBase   time.Duration
	backoffCap    time.Duration
	maxRetries    uint64
	onOpen        func(ctx context.Context)
	onDataChanged func(ctx context.Context, kind syncable.Kind)
	logger        *zap.Logger

	reset     chan struct{}
	callbacks sync.WaitGroup

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  map[string]chan syncapi.ChannelMessage
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewController validates the configuration and returns a closed Controller.
func NewController(cfg Config) (*Controller, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, errMissingURL
	}
	if cfg.OwnerID == "" {
		return nil, errMissingOwner
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid channel url: %w", err)
	}
	query := parsed.Query()
	query.Set(syncapi.QueryOwnerID, cfg.OwnerID.String())
	parsed.RawQuery = query.Encode()

	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		url:           parsed.String(),
		tokens:        cfg.Tokens,
		httpClient:    httpClient,
		backoffBase:   backoffBase,
		backoffCap:    backoffCap,
		maxRetries:    maxRetries,
		onOpen:        cfg.OnOpen,
		onDataChanged: cfg.OnDataChanged,
		logger:        logger.With(zap.String("owner_id", cfg.OwnerID.String())),
		reset:         make(chan struct{}, 1),
		state:         StateClosed,
		pending:       make(map[string]chan syncapi.ChannelMessage),
	}, nil
}

// Start launches the connection loop. It returns immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return errAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Reset clears the retry counter. A controller that gave up reconnects immediately; one that is
// waiting out a backoff delay retries now.
func (c *Controller) Reset() {
	select {
	case c.reset <- struct{}{}:
	default:
	}
}

// State returns the current channel state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of dial attempts made so far.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// RequestPull asks the server to prepare a pull for kind and waits for the matching pull_ready
// reply. Replies are correlated by request id, so concurrent requests never see each other's answers.
func (c *Controller) RequestPull(ctx context.Context, kind syncable.Kind) (syncapi.ChannelMessage, error) {
	requestID := uuid.NewString()
	replies := make(chan syncapi.ChannelMessage, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return syncapi.ChannelMessage{}, ErrNotOpen
	}
	c.pending[requestID] = replies
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	request := syncapi.ChannelMessage{Type: syncapi.MessageRequestPull, RequestID: requestID, Kind: kind.String()}
	if err := wsjson.Write(ctx, conn, request); err != nil {
		return syncapi.ChannelMessage{}, fmt.Errorf("realtime: send request_pull: %w", err)
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return syncapi.ChannelMessage{}, ErrChannelClosed
		}
		if reply.Type == syncapi.MessageError {
			return reply, fmt.Errorf("realtime: request_pull failed: %s", reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return syncapi.ChannelMessage{}, ctx.Err()
	}
}

// Close tears the channel down and waits for the loop and callbacks to finish.
func (c *Controller) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.callbacks.Wait()
	return nil
}

func (c *Controller) newBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.backoffBase)
	backoff = retry.WithCappedDuration(c.backoffCap, backoff)
	return retry.WithMaxRetries(c.maxRetries, backoff)
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateClosed)

	backoff := c.newBackoff()
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.newBackoff()
			c.drainReset()
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.logger.Debug("channel dial failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(StateClosed)

		delay, stop := backoff.Next()
		if stop {
			c.logger.Warn("channel reconnect attempts exhausted", zap.Uint64("max_retries", c.maxRetries))
			select {
			case <-c.reset:
				backoff = c.newBackoff()
				continue
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.reset:
			timer.Stop()
			backoff = c.newBackoff()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Controller) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.logger.Info("channel open")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		for requestID, replies := range c.pending {
			close(replies)
			delete(c.pending, requestID)
		}
		c.mu.Unlock()
		_ = conn.CloseNow()
		c.logger.Info("channel closed")
	}()

	if c.onOpen != nil {
		c.spawn(func() { c.onOpen(ctx) })
	}

	for {
		var message syncapi.ChannelMessage
		if err := wsjson.Read(ctx, conn, &message); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Debug("channel read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(ctx, message)
	}
}

func (c *Controller) dispatch(ctx context.Context, message syncapi.ChannelMessage) {
	switch message.Type {
	case syncapi.MessageDataChanged:
		kind, err := syncable.ParseKind(message.Kind)
		if err != nil {
			c.logger.Warn("ignoring data_changed for unknown kind", zap.String("kind", message.Kind))
			return
		}
		if c.onDataChanged != nil {
			c.spawn(func() { c.onDataChanged(ctx, kind) })
		}
	case syncapi.MessagePullReady, syncapi.MessageError:
		if message.RequestID == "" {
			c.logger.Warn("channel error without request id", zap.String("error", message.Error))
			return
		}
		c.mu.Lock()
		replies, ok := c.pending[message.RequestID]
		if ok {
			delete(c.pending, message.RequestID)
		}
		c.mu.Unlock()
		if ok {
			replies <- message
		}
	default:
		c.logger.Debug("ignoring channel message", zap.String("type", message.Type))
	}
}

func (c *Controller) spawn(fn func()) {
	c.callbacks.Add(1)
	go func() {
		defer c.callbacks.Done()
		fn()
	}()
}

func (c *Controller) drainReset() {
	select {
	case <-c.reset:
	default:
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}
