package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"premium-market/internal/models"

	"github.com/gorilla/websocket"
)

// errBatchRejected is returned by a probe when the exchange refused at least
// one symbol in the batch
var errBatchRejected = errors.New("batch rejected")

type probeFunc func(ctx context.Context, batch []models.MarketSymbol) error

// bisectValidate probes symbols in batches. A rejected batch is split in half
// and each half re-probed, so only the offending subset is re-validated.
// Any error other than errBatchRejected aborts validation.
func bisectValidate(ctx context.Context, symbols []models.MarketSymbol, batchSize int, probe probeFunc) (valid, invalid []models.MarketSymbol, err error) {
	if batchSize < 1 {
		batchSize = 1
	}

	var walk func(batch []models.MarketSymbol) error
	walk = func(batch []models.MarketSymbol) error {
		if len(batch) == 0 {
			return nil
		}
		err := probe(ctx, batch)
		switch {
		case err == nil:
			valid = append(valid, batch...)
			return nil
		case !errors.Is(err, errBatchRejected):
			return err
		case len(batch) == 1:
			invalid = append(invalid, batch[0])
			return nil
		}
		mid := len(batch) / 2
		if err := walk(batch[:mid]); err != nil {
			return err
		}
		return walk(batch[mid:])
	}

	for _, batch := range chunk(symbols, batchSize) {
		if err := walk(batch); err != nil {
			return valid, invalid, err
		}
	}
	return valid, invalid, nil
}

// rpcConn is a request/response WebSocket connection whose replies carry the
// request id. A reader goroutine routes every reply through the tracker.
type rpcConn struct {
	conn    *websocket.Conn
	tracker *RequestTracker
	writeMu sync.Mutex
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

func dialRPC(ctx context.Context, dialer *websocket.Dialer, url string) (*rpcConn, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &rpcConn{
		conn:    conn,
		tracker: NewRequestTracker(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *rpcConn) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
		if id := extractID(raw); id != "" {
			c.tracker.Resolve(id, json.RawMessage(raw))
		}
	}
}

// call sends frame and returns the channel replies for id arrive on
func (c *rpcConn) call(id string, expected int, frame interface{}) (<-chan json.RawMessage, error) {
	replies := c.tracker.Register(id, expected)

	c.writeMu.Lock()
	err := c.conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.tracker.Cancel(id)
		return nil, err
	}
	return replies, nil
}

// await waits for the next reply, the connection dying, or the deadline
func (c *rpcConn) await(ctx context.Context, replies <-chan json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replies:
		return msg, nil
	case <-c.done:
		c.errMu.Lock()
		defer c.errMu.Unlock()
		return nil, fmt.Errorf("connection closed: %w", c.err)
	case <-timer.C:
		return nil, fmt.Errorf("no reply within %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *rpcConn) Close() {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	<-c.done
}
