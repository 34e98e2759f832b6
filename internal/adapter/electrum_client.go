package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/retry"
)

// ConnectionStatus reports whether the client has a live transport session
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

var errNotConnected = errors.New("not connected")

// ElectrumClientConfig holds configuration for the query node client
type ElectrumClientConfig struct {
	URL             string
	ConnectAttempts int
	ConnectBackoff  time.Duration
	RequestTimeout  time.Duration
	MaxRPS          int
	Dialer          *websocket.Dialer
	Logger          *logging.Logger
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type callResult struct {
	msg   *rpcMessage
	batch []rpcMessage
	err   error
}

type pendingCall struct {
	method string
	batch  bool
	done   chan callResult
}

// BatchItem is one call of a batch with the params it was issued with
type BatchItem struct {
	Params []interface{}
	Result json.RawMessage
	Err    error
}

// ElectrumClient speaks JSON-RPC 2.0 to an ElectrumX-style indexing node over one
// persistent WebSocket. Requests are multiplexed by numeric id.
type ElectrumClient struct {
	cfg     ElectrumClientConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *logging.Logger
	nextID  atomic.Uint64

	writeMu   sync.Mutex
	connectMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	pending   map[uint64]*pendingCall
	subs      map[string]*subscription
	subParams map[string][]interface{}
}

// NewElectrumClient creates a client. It does not connect.
func NewElectrumClient(cfg ElectrumClientConfig) (*ElectrumClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("query node URL cannot be empty")
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 10
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("chain-client")
	}

	return &ElectrumClient{
		cfg:       cfg,
		dialer:    dialer,
		limiter:   rate.NewLimiter(limit, max(cfg.MaxRPS, 1)),
		logger:    logger,
		pending:   make(map[uint64]*pendingCall),
		subs:      make(map[string]*subscription),
		subParams: make(map[string][]interface{}),
	}, nil
}

// Connect establishes the transport session, retrying with a fixed backoff.
// Past the attempt bound it fails with ConnectionExhausted. Registered
// subscriptions are re-issued on the new session. Concurrent callers share one
// dial: later callers wait and return once the session is up.
func (c *ElectrumClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var conn *websocket.Conn
	result := retry.WithExponentialBackoff(ctx, retry.FixedBackoff(c.cfg.ConnectAttempts, c.cfg.ConnectBackoff),
		func(ctx context.Context, attempt int) error {
			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()

			cn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
			if err != nil {
				c.logger.WithFields(map[string]interface{}{
					"attempt": attempt,
					"url":     c.cfg.URL,
				}).WithError(err).Warn("Connect attempt failed")
				return err
			}
			conn = cn
			return nil
		})
	if !result.Success {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewConnectionExhaustedError(c.cfg.URL, result.Attempts, result.LastError)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("client is closed")
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.WithField("url", c.cfg.URL).Info("Connected to query node")

	go c.readLoop(conn)
	c.resubscribe(ctx)

	return nil
}

// Status reports connected or disconnected
func (c *ElectrumClient) Status() ConnectionStatus {
	if c.Connected() {
		return StatusConnected
	}
	return StatusDisconnected
}

// Connected reports whether a transport session is live
func (c *ElectrumClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Request issues one call and waits for its response
func (c *ElectrumClient) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	id := c.nextID.Add(1)
	call := &pendingCall{method: method, done: make(chan callResult, 1)}
	res, err := c.roundTrip(ctx, id, call, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if res.msg.Error != nil {
		return nil, apperrors.NewTransientQueryError(method, res.msg.Error.Code, res.msg.Error.Message)
	}
	return res.msg.Result, nil
}

// Batch sends len(paramsList) calls of method as a single frame. Only the final id is
// registered; the array response is mapped back to each item's params by id.
func (c *ElectrumClient) Batch(ctx context.Context, method string, paramsList [][]interface{}) ([]BatchItem, error) {
	if len(paramsList) == 0 {
		return nil, nil
	}

	reqs := make([]rpcRequest, len(paramsList))
	index := make(map[uint64]int, len(paramsList))
	var last uint64
	for i, params := range paramsList {
		if params == nil {
			params = []interface{}{}
		}
		last = c.nextID.Add(1)
		reqs[i] = rpcRequest{JSONRPC: "2.0", ID: last, Method: method, Params: params}
		index[last] = i
	}

	call := &pendingCall{method: method, batch: true, done: make(chan callResult, 1)}
	res, err := c.roundTrip(ctx, last, call, reqs)
	if err != nil {
		return nil, err
	}

	items := make([]BatchItem, len(paramsList))
	for i := range items {
		items[i].Params = paramsList[i]
		items[i].Err = apperrors.NewTransientQueryError(method, 0, "missing batch response item")
	}
	for _, msg := range res.batch {
		if msg.ID == nil {
			continue
		}
		i, ok := index[*msg.ID]
		if !ok {
			continue
		}
		if msg.Error != nil {
			items[i].Err = apperrors.NewTransientQueryError(method, msg.Error.Code, msg.Error.Message)
			continue
		}
		items[i].Result = msg.Result
		items[i].Err = nil
	}
	return items, nil
}

// Subscribe issues the subscription call and returns its immediate result plus the stream
// of pushed notification params for method. The stream is unbounded and ordered; one
// stream exists per method. It is closed by Close.
func (c *ElectrumClient) Subscribe(ctx context.Context, method string, params ...interface{}) (json.RawMessage, <-chan json.RawMessage, error) {
	c.mu.Lock()
	sub, existed := c.subs[method]
	if !existed {
		sub = newSubscription()
		c.subs[method] = sub
		c.subParams[method] = params
	}
	c.mu.Unlock()

	result, err := c.Request(ctx, method, params...)
	if err != nil {
		if !existed {
			c.mu.Lock()
			delete(c.subs, method)
			delete(c.subParams, method)
			c.mu.Unlock()
			sub.close()
		}
		return nil, nil, err
	}
	return result, sub.out, nil
}

// Close ends the session, fails outstanding requests and closes subscription streams
func (c *ElectrumClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	failPending(pending, apperrors.NewConnectionLostError(errors.New("client closed")))
	for _, sub := range subs {
		sub.close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *ElectrumClient) roundTrip(ctx context.Context, id uint64, call *pendingCall, payload interface{}) (callResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return callResult{}, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return callResult{}, fmt.Errorf("failed to encode %s request: %w", call.method, err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || !c.connected {
		c.mu.Unlock()
		return callResult{}, apperrors.NewConnectionLostError(errNotConnected)
	}
	c.pending[id] = call
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		c.handleDisconnect(conn, err)
		return callResult{}, apperrors.NewConnectionLostError(err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res, res.err
	case <-ctx.Done():
		c.removePending(id)
		return callResult{}, ctx.Err()
	case <-timer.C:
		c.removePending(id)
		return callResult{}, apperrors.NewTransientQueryError(call.method, 0, "request timed out")
	}
}

func (c *ElectrumClient) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *ElectrumClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(data)
	}
}

// handleDisconnect fails every outstanding call on conn. It is a no-op when conn
// is no longer the active session.
func (c *ElectrumClient) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if !closed {
		c.logger.WithError(cause).WithField("outstanding", len(pending)).Warn("Connection to query node lost")
	}
	failPending(pending, apperrors.NewConnectionLostError(cause))
}

func failPending(pending map[uint64]*pendingCall, err error) {
	for _, call := range pending {
		call.done <- callResult{err: err}
	}
}

func (c *ElectrumClient) dispatch(data []byte) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []rpcMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			c.logger.WithError(err).Warn("Dropping undecodable batch frame")
			return
		}
		c.resolveBatch(msgs)
		return
	}

	var msg rpcMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		c.logger.WithError(err).Warn("Dropping undecodable frame")
		return
	}

	if msg.ID == nil {
		if msg.Method != "" {
			c.notify(msg.Method, msg.Params)
		}
		return
	}

	c.mu.Lock()
	call, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.WithField("id", *msg.ID).Warn("Dropping response with no matching request")
		return
	}
	call.done <- callResult{msg: &msg}
}

func (c *ElectrumClient) resolveBatch(msgs []rpcMessage) {
	c.mu.Lock()
	for _, msg := range msgs {
		if msg.ID == nil {
			continue
		}
		call, ok := c.pending[*msg.ID]
		if !ok || !call.batch {
			continue
		}
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		call.done <- callResult{batch: msgs}
		return
	}
	c.mu.Unlock()
	c.logger.WithField("items", len(msgs)).Warn("Dropping batch response with no matching request")
}

func (c *ElectrumClient) notify(method string, params json.RawMessage) {
	c.mu.Lock()
	sub := c.subs[method]
	c.mu.Unlock()

	if sub == nil {
		c.logger.WithField("method", method).Debug("Dropping notification without subscriber")
		return
	}
	sub.push(params)
}

// resubscribe replays every registered subscription on a fresh session and pushes the
// immediate results so consumers observe the current state after a reconnect.
func (c *ElectrumClient) resubscribe(ctx context.Context) {
	c.mu.Lock()
	methods := make(map[string][]interface{}, len(c.subParams))
	for m, p := range c.subParams {
		methods[m] = p
	}
	c.mu.Unlock()

	for method, params := range methods {
		result, err := c.Request(ctx, method, params...)
		if err != nil {
			c.logger.WithField("method", method).WithError(err).Warn("Failed to re-issue subscription")
			continue
		}
		c.mu.Lock()
		sub := c.subs[method]
		c.mu.Unlock()
		if sub != nil {
			sub.push(wrapParams(result))
		}
	}
}

// wrapParams turns a subscribe result into the params array a notification carries
func wrapParams(result json.RawMessage) json.RawMessage {
	out := make([]byte, 0, len(result)+2)
	out = append(out, '[')
	out = append(out, result...)
	out = append(out, ']')
	return out
}

// subscription is an unbounded FIFO between the read loop and one consumer
type subscription struct {
	mu     sync.Mutex
	queue  []json.RawMessage
	closed bool
	wake   chan struct{}
	done   chan struct{}
	out    chan json.RawMessage
}

func newSubscription() *subscription {
	s := &subscription{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan json.RawMessage),
	}
	go s.pump()
	return s
}

func (s *subscription) push(msg json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
