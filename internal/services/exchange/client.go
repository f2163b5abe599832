package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"premium-market/internal/metrics"
	"premium-market/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// State is the connection state of a Client
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

var errNoSymbols = errors.New("no validated symbols to subscribe")

// SymbolSource is the registry view a client needs
type SymbolSource interface {
	Load(ctx context.Context, exchange string) ([]models.MarketSymbol, error)
	MarkValidated(ctx context.Context, exchange string, valid, invalid []string) error
}

// TickerWriter receives every normalized snapshot
type TickerWriter interface {
	Write(ctx context.Context, snap *models.TickerSnapshot) error
}

// ProxyProvider supplies fallback proxies when an exchange blocks the host IP
type ProxyProvider interface {
	GetProxyListWithWorkingFirst() []string
	SetWorkingProxy(proxy string)
}

type ClientConfig struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxAttempts bounds consecutive failed sessions; 0 retries forever
	MaxAttempts int
	// MaxSymbols caps subscriptions per connection; 0 means no cap
	MaxSymbols int
}

// Stats is a point-in-time view of a client
type Stats struct {
	Exchange    string                 `json:"exchange"`
	State       string                 `json:"state"`
	Symbols     int64                  `json:"symbols"`
	Messages    int64                  `json:"messages"`
	ParseErrors int64                  `json:"parseErrors"`
	Reconnects  int64                  `json:"reconnects"`
	LastMessage time.Time              `json:"lastMessage"`
	GaveUp      bool                   `json:"gaveUp"`
	RateLimit   map[string]interface{} `json:"rateLimit,omitempty"`
}

// Client owns one exchange connection: symbol loading and validation,
// dialing, subscription, heartbeats, reading and reconnecting.
type Client struct {
	adapter Adapter
	symbols SymbolSource
	writer  TickerWriter
	proxies ProxyProvider
	limiter *ExchangeRateLimiter
	cfg     ClientConfig
	logger  *logrus.Logger

	backoff *backoff.Backoff
	state   atomic.Int32

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	subscribed  atomic.Int64
	messages    atomic.Int64
	parseErrors atomic.Int64
	reconnects  atomic.Int64
	lastMessage atomic.Int64
	gaveUp      atomic.Bool
}

func NewClient(
	adapter Adapter,
	symbols SymbolSource,
	writer TickerWriter,
	limiter *ExchangeRateLimiter,
	proxies ProxyProvider,
	cfg ClientConfig,
	logger *logrus.Logger,
) *Client {
	return &Client{
		adapter: adapter,
		symbols: symbols,
		writer:  writer,
		proxies: proxies,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		backoff: newBackoff(cfg.ReconnectBase, cfg.ReconnectMax),
	}
}

// newBackoff doubles from base up to max without jitter: 1,2,4,8,16,30,30...
func newBackoff(base, max time.Duration) *backoff.Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 30 * time.Second
	}
	return &backoff.Backoff{Min: base, Max: max, Factor: 2, Jitter: false}
}

func (c *Client) Exchange() string { return c.adapter.Exchange() }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	v := 0.0
	if s == StateSubscribed {
		v = 1
	}
	metrics.ExchangeConnections.WithLabelValues(c.adapter.Exchange()).Set(v)
}

// GaveUp reports whether the client stopped after exhausting MaxAttempts
func (c *Client) GaveUp() bool { return c.gaveUp.Load() }

// Start runs the connection loop in the background
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop closes the connection and waits for the loop to exit
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setState(StateDisconnected)

	name := c.adapter.Exchange()
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Infof("🛑 %s client stopped", name)
			return
		}
		c.setState(StateDisconnected)
		c.reconnects.Add(1)
		metrics.ExchangeReconnects.WithLabelValues(name).Inc()

		if c.cfg.MaxAttempts > 0 && int(c.backoff.Attempt()) >= c.cfg.MaxAttempts {
			c.gaveUp.Store(true)
			c.logger.WithError(err).Errorf("❌ %s giving up after %d reconnect attempts", name, c.cfg.MaxAttempts)
			return
		}

		wait := c.backoff.Duration()
		c.logger.WithError(err).Warnf("%s connection lost (attempt %d, retry in %v)", name, int(c.backoff.Attempt()), wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connect-subscribe-read cycle and returns why it ended
func (c *Client) session(ctx context.Context) error {
	name := c.adapter.Exchange()
	c.setState(StateConnecting)

	symbols, err := c.prepareSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return errNoSymbols
	}

	conn, err := c.dial(ctx)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues(name, "dial").Inc()
		return err
	}
	c.setConn(conn)
	defer c.closeConn()

	if err := c.subscribe(ctx, conn, symbols); err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	c.subscribed.Store(int64(len(symbols)))
	c.setState(StateSubscribed)
	c.backoff.Reset()
	c.logger.Infof("✅ %s subscribed to %d symbols", name, len(symbols))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go c.heartbeat(sessionCtx, conn)

	return c.readLoop(sessionCtx, conn, lookupFor(symbols))
}

// prepareSymbols loads the registry, validates still-unchecked symbols where
// the exchange supports it, and returns what may be subscribed
func (c *Client) prepareSymbols(ctx context.Context) ([]models.MarketSymbol, error) {
	name := c.adapter.Exchange()
	loaded, err := c.symbols.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s symbols: %w", name, err)
	}

	var listed, ready []models.MarketSymbol
	for _, s := range loaded {
		switch s.Status {
		case models.SymbolValidated:
			ready = append(ready, s)
		case models.SymbolListed:
			listed = append(listed, s)
		}
	}

	if len(listed) > 0 {
		valid, invalid := listed, []models.MarketSymbol(nil)
		if v, ok := c.adapter.(Validator); ok {
			c.logger.Infof("🔍 Validating %d %s symbols", len(listed), name)
			valid, invalid, err = v.Validate(ctx, listed)
			if err != nil {
				// keep partial results; unchecked symbols stay listed for the next session
				metrics.ExchangeErrors.WithLabelValues(name, "validation").Inc()
				c.logger.WithError(err).Warnf("%s validation incomplete (%d valid, %d invalid so far)", name, len(valid), len(invalid))
			}
		}
		if err := c.symbols.MarkValidated(ctx, name, symbolNames(valid), symbolNames(invalid)); err != nil {
			c.logger.WithError(err).Warnf("Failed to persist %s validation", name)
		}
		if len(invalid) > 0 {
			c.logger.Infof("🚫 %s rejected %d symbols", name, len(invalid))
		}
		ready = append(ready, valid...)
	}

	if c.cfg.MaxSymbols > 0 && len(ready) > c.cfg.MaxSymbols {
		c.logger.Warnf("%s has %d symbols, subscribing to the first %d", name, len(ready), c.cfg.MaxSymbols)
		ready = ready[:c.cfg.MaxSymbols]
	}
	return ready, nil
}

// dial connects directly first and walks the proxy list when the exchange
// answers 403
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	name := c.adapter.Exchange()
	candidates := []string{""}
	if c.proxies != nil {
		candidates = append(candidates, c.proxies.GetProxyListWithWorkingFirst()...)
	}

	var lastErr error
	for i, proxyURL := range candidates {
		desc := "direct"
		if proxyURL != "" {
			desc = proxyURL
		}
		c.logger.Debugf("Attempt %d/%d: dialing %s with %s", i+1, len(candidates), name, desc)

		conn, resp, err := c.dialerFor(proxyURL).DialContext(ctx, c.adapter.Endpoint(), nil)
		if err == nil {
			if proxyURL != "" {
				c.proxies.SetWorkingProxy(proxyURL)
			}
			c.logger.Infof("🔌 %s connected using %s", name, desc)
			return conn, nil
		}

		if resp != nil && resp.StatusCode == http.StatusForbidden {
			c.logger.Warnf("❌ %s returned 403 Forbidden with %s (IP blocked)", name, desc)
			lastErr = fmt.Errorf("403 forbidden: %w", err)
			continue
		}

		lastErr = err
		// non-403 direct failures are retried by the reconnect backoff
		if proxyURL == "" {
			break
		}
		c.logger.Warnf("❌ %s connection failed with %s: %v", name, desc, err)
	}
	return nil, fmt.Errorf("all connection attempts failed: %w", lastErr)
}

func (c *Client) dialerFor(proxyURL string) *websocket.Dialer {
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(parsed)
		} else {
			c.logger.Warnf("Invalid proxy URL %s: %v", proxyURL, err)
		}
	}
	return dialer
}

// subscribe sends the adapter's frames paced by the exchange rate limiter
func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, symbols []models.MarketSymbol) error {
	frames, err := c.adapter.SubscribeFrames(symbols)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if c.limiter != nil {
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.limiter.Wait(waitCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}
		if err := c.write(conn, websocket.TextMessage, frame); err != nil {
			if c.limiter != nil {
				c.limiter.RecordRateLimitHit()
			}
			return err
		}
	}
	if c.limiter != nil {
		c.limiter.RecordSuccess()
	}
	return nil
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	hb := c.adapter.Heartbeat()
	if hb.Kind == HeartbeatNone || hb.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(hb.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			switch hb.Kind {
			case HeartbeatProtocolPing:
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			case HeartbeatText:
				err = c.write(conn, websocket.TextMessage, hb.Payload)
			}
			if err != nil {
				metrics.ExchangeErrors.WithLabelValues(c.adapter.Exchange(), "heartbeat").Inc()
				c.logger.WithError(err).Warnf("%s heartbeat failed, forcing reconnect", c.adapter.Exchange())
				_ = conn.Close()
				return
			}
			c.logger.Debugf("📡 Sent heartbeat to %s", c.adapter.Exchange())
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, lookup SymbolLookup) error {
	name := c.adapter.Exchange()
	timeout := c.adapter.Heartbeat().readTimeout()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				metrics.ExchangeErrors.WithLabelValues(name, "read").Inc()
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		now := time.Now()
		_ = conn.SetReadDeadline(now.Add(timeout))
		c.messages.Add(1)
		c.lastMessage.Store(now.UnixMilli())

		snaps, err := c.adapter.Normalize(raw, lookup, now)
		if err != nil {
			c.parseErrors.Add(1)
			metrics.ExchangeErrors.WithLabelValues(name, "parse").Inc()
			c.logger.WithError(err).Debugf("Skipping malformed %s frame", name)
		}
		for i := range snaps {
			if err := c.writer.Write(ctx, &snaps[i]); err != nil {
				metrics.ExchangeErrors.WithLabelValues(name, "write").Inc()
				c.logger.WithError(err).Debugf("Failed to cache %s ticker %s", name, snaps[i].Symbol())
				continue
			}
			metrics.TrackTicker(name)
		}
	}
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(messageType, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Stats returns a snapshot of the client's counters
func (c *Client) Stats() Stats {
	s := Stats{
		Exchange:    c.adapter.Exchange(),
		State:       c.State().String(),
		Symbols:     c.subscribed.Load(),
		Messages:    c.messages.Load(),
		ParseErrors: c.parseErrors.Load(),
		Reconnects:  c.reconnects.Load(),
		GaveUp:      c.gaveUp.Load(),
	}
	if ms := c.lastMessage.Load(); ms > 0 {
		s.LastMessage = time.UnixMilli(ms)
	}
	if c.limiter != nil {
		s.RateLimit = c.limiter.GetStats()
	}
	return s
}

func lookupFor(symbols []models.MarketSymbol) SymbolLookup {
	byCode := make(map[string]models.MarketSymbol, len(symbols))
	for _, s := range symbols {
		byCode[s.NativeCode] = s
	}
	return func(code string) (models.MarketSymbol, bool) {
		s, ok := byCode[code]
		return s, ok
	}
}

func symbolNames(symbols []models.MarketSymbol) []string {
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, s.Symbol)
	}
	return names
}
