// Package binance adapts the upstream exchange transports: the shared market
// websocket, per-credential user-data streams, and the signed REST surface.
package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/tidewater/conduit/internal/observability"
)

// ConnState describes the lifecycle of a stream connection.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnOpen         ConnState = "open"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosed       ConnState = "closed"
)

const (
	// The upstream limits control messages to 5 per second per connection.
	controlMessageInterval = 250 * time.Millisecond
	// Cap subscribe payload size so pacing can run between chunks.
	maxStreamsPerRequest = 100

	dialReadyTimeout    = 10 * time.Second
	controlWriteTimeout = 5 * time.Second
)

// streamConn maintains one websocket connection with live subscribe and
// unsubscribe support, reconnecting with exponential backoff and replaying
// the active stream set after every reconnect.
type streamConn struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64
	state    atomic.Value // ConnState

	streams   map[string]struct{}
	streamsMu sync.Mutex

	handler   func([]byte)
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once

	controlMu       sync.Mutex
	lastControlSend time.Time
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *controlError    `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newStreamConn(ctx context.Context, url string, handler func([]byte), errorChan chan<- error, logger observability.Logger) *streamConn {
	connCtx, cancel := context.WithCancel(ctx)
	sc := &streamConn{
		url:       url,
		ctx:       connCtx,
		cancel:    cancel,
		logger:    logger,
		streams:   make(map[string]struct{}),
		handler:   handler,
		errorChan: errorChan,
		ready:     make(chan struct{}),
	}
	sc.state.Store(ConnConnecting)
	return sc
}

// start dials in the background and blocks until the first connection is up.
func (sc *streamConn) start() error {
	go func() {
		if err := sc.run(); err != nil && !errors.Is(err, context.Canceled) {
			sc.reportError(fmt.Errorf("stream connection failed: %w", err))
		}
	}()

	select {
	case <-sc.ready:
		return nil
	case <-time.After(dialReadyTimeout):
		sc.stop()
		return errors.New("timeout waiting for websocket connection")
	case <-sc.ctx.Done():
		return fmt.Errorf("stream connection context done: %w", sc.ctx.Err())
	}
}

func (sc *streamConn) stop() {
	sc.stopOnce.Do(func() {
		sc.cancel()
		sc.connMu.Lock()
		if sc.conn != nil {
			_ = sc.conn.Close(websocket.StatusNormalClosure, "shutdown")
			sc.conn = nil
		}
		sc.connMu.Unlock()
		sc.state.Store(ConnClosed)
	})
}

// State returns the current connection lifecycle state.
func (sc *streamConn) State() ConnState {
	if v, ok := sc.state.Load().(ConnState); ok {
		return v
	}
	return ConnConnecting
}

// subscribe adds streams, skipping ones already active.
func (sc *streamConn) subscribe(streams []string) error {
	if len(streams) == 0 {
		return nil
	}

	sc.streamsMu.Lock()
	added := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, exists := sc.streams[stream]; !exists {
			added = append(added, stream)
			sc.streams[stream] = struct{}{}
		}
	}
	sc.streamsMu.Unlock()

	if len(added) == 0 {
		return nil
	}

	if err := sc.sendBatchedControlRequests("SUBSCRIBE", added); err != nil {
		sc.streamsMu.Lock()
		for _, stream := range added {
			delete(sc.streams, stream)
		}
		sc.streamsMu.Unlock()
		return err
	}
	return nil
}

// unsubscribe removes streams, ignoring ones not active.
func (sc *streamConn) unsubscribe(streams []string) error {
	if len(streams) == 0 {
		return nil
	}

	sc.streamsMu.Lock()
	removed := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, exists := sc.streams[stream]; exists {
			removed = append(removed, stream)
			delete(sc.streams, stream)
		}
	}
	sc.streamsMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	return sc.sendBatchedControlRequests("UNSUBSCRIBE", removed)
}

// streamCount returns the number of active streams.
func (sc *streamConn) streamCount() int {
	sc.streamsMu.Lock()
	defer sc.streamsMu.Unlock()
	return len(sc.streams)
}

// run maintains the connection, reconnecting with exponential backoff.
func (sc *streamConn) run() error {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-sc.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(sc.ctx, sc.url, nil)
		if err != nil {
			sc.reportError(fmt.Errorf("dial %s: %w", sc.url, err))
			sleep := backoffCfg.NextBackOff()
			select {
			case <-sc.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		sc.connMu.Lock()
		sc.conn = conn
		sc.connMu.Unlock()
		sc.state.Store(ConnOpen)

		sc.readyOnce.Do(func() {
			close(sc.ready)
		})

		backoffCfg.Reset()

		// Replay the active stream set after reconnection.
		if err := sc.resubscribeAll(); err != nil {
			sc.reportError(fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		if err := sc.readLoop(conn); err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			sc.reportError(fmt.Errorf("read loop: %w", err))
		}

		sc.connMu.Lock()
		sc.conn = nil
		sc.connMu.Unlock()
		sc.state.Store(ConnReconnecting)
		sc.logger.Info("websocket reconnecting",
			observability.Field{Key: "url", Value: sc.url},
		)

		sleep := backoffCfg.NextBackOff()
		select {
		case <-sc.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (sc *streamConn) resubscribeAll() error {
	sc.streamsMu.Lock()
	streams := make([]string, 0, len(sc.streams))
	for stream := range sc.streams {
		streams = append(streams, stream)
	}
	sc.streamsMu.Unlock()

	if len(streams) == 0 {
		return nil
	}
	return sc.sendBatchedControlRequests("SUBSCRIBE", streams)
}

func (sc *streamConn) sendBatchedControlRequests(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}

	sc.controlMu.Lock()
	defer sc.controlMu.Unlock()

	sc.connMu.RLock()
	conn := sc.conn
	sc.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	for _, chunk := range chunkStreams(streams, maxStreamsPerRequest) {
		if err := sc.waitForControlWindowLocked(method); err != nil {
			return err
		}

		req := controlRequest{
			Method: method,
			Params: chunk,
			ID:     sc.msgIDGen.Add(1),
		}

		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}

		writeCtx, cancel := context.WithTimeout(sc.ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s request: %w", method, err)
		}

		sc.lastControlSend = time.Now()
	}

	return nil
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}

	if size <= 0 || len(streams) <= size {
		snapshot := make([]string, len(streams))
		copy(snapshot, streams)
		return [][]string{snapshot}
	}

	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := min(start+size, len(streams))
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (sc *streamConn) waitForControlWindowLocked(method string) error {
	if sc.lastControlSend.IsZero() {
		return nil
	}

	wait := time.Until(sc.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-sc.ctx.Done():
		return fmt.Errorf("context done while pacing %s requests: %w", method, sc.ctx.Err())
	}
}

// readLoop reads until the connection drops, separating control responses
// from stream data.
func (sc *streamConn) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(sc.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				sc.reportError(fmt.Errorf("websocket control error (id=%d): code=%d, msg=%s", resp.ID, resp.Error.Code, resp.Error.Msg))
			}
			continue
		}

		if sc.handler != nil {
			sc.handler(data)
		}
	}
}

func (sc *streamConn) reportError(err error) {
	if err == nil || sc.errorChan == nil {
		return
	}
	select {
	case <-sc.ctx.Done():
	case sc.errorChan <- err:
	default:
	}
}
