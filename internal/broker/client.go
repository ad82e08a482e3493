package broker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/types"
)

// closeCodeHeartbeatDead is sent when the dead-man timer fires.
const closeCodeHeartbeatDead = 4000

// Options configures a broker client.
type Options struct {
	WSURL             string
	AppID             string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	CircuitWindow     time.Duration
	CircuitThreshold  int
	RequestsPerSecond int

	// AutoReconnect enables backoff reconnects on abnormal close. Per-order
	// clients run with it off: they live for exactly one trade.
	AutoReconnect bool
}

// OptionsFromConfig derives client options from the broker config section.
func OptionsFromConfig(cfg config.BrokerConfig, autoReconnect bool) Options {
	return Options{
		WSURL:             cfg.WSURL,
		AppID:             cfg.AppID,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		ConnectTimeout:    cfg.ConnectTimeout(),
		RequestTimeout:    cfg.RequestTimeout(),
		ReconnectBase:     cfg.ReconnectBase(),
		ReconnectMax:      cfg.ReconnectMax(),
		CircuitWindow:     cfg.CircuitWindow(),
		CircuitThreshold:  cfg.CircuitThreshold,
		RequestsPerSecond: cfg.RequestsPerSecond,
		AutoReconnect:     autoReconnect,
	}
}

type subscriptionState struct {
	id        string
	lastEpoch int64
}

// Client is a full-duplex broker WebSocket session with request/response
// correlation, tick subscription multiplexing, heartbeat and a
// failure-windowed circuit breaker.
type Client struct {
	opts    Options
	log     zerolog.Logger
	limiter *rate.Limiter
	breaker *connBreaker
	events  chan Event

	reqID int64 // atomic

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	pending   map[int64]chan *frame
	subs      map[string]*subscriptionState
	proposals map[string]struct{}

	writeMu sync.Mutex

	pingSentAt    time.Time
	deadman       *time.Timer
	heartbeatStop chan struct{}

	reconnectAttempts int
	reconnectTimer    *time.Timer
}

// New creates a broker client. A missing app id is a fatal configuration
// error: the connection URL requires it.
func New(opts Options) (*Client, error) {
	if opts.AppID == "" {
		return nil, ErrMissingAppID
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 15 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.CircuitWindow <= 0 {
		opts.CircuitWindow = 30 * time.Second
	}
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 5
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}

	c := &Client{
		opts:      opts,
		log:       config.NewLogger("broker"),
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestsPerSecond),
		events:    make(chan Event, 256),
		pending:   make(map[int64]chan *frame),
		subs:      make(map[string]*subscriptionState),
		proposals: make(map[string]struct{}),
	}
	c.breaker = newConnBreaker(opts.CircuitWindow, opts.CircuitThreshold, func(reason string) {
		c.log.Warn().Str("reason", reason).Msg("Circuit breaker opened")
		c.cancelReconnect()
		c.emit(Event{Kind: EventCircuitOpen, Reason: reason})
	})
	return c, nil
}

// Events returns the client's event stream.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsConnected reports whether the socket is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the broker. Refused immediately while the circuit breaker
// is open. A clean open resets the reconnect attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	done, err := c.breaker.allow()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		done(true)
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	u, err := url.Parse(c.opts.WSURL)
	if err != nil {
		done(false)
		return fmt.Errorf("invalid broker ws url: %w", err)
	}
	q := u.Query()
	q.Set("app_id", c.opts.AppID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		done(false)
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if !closing && c.opts.AutoReconnect {
			c.scheduleReconnect()
		}
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	done(true)

	stop := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.reconnectAttempts = 0
	c.heartbeatStop = stop
	resub := make([]string, 0, len(c.subs))
	for market := range c.subs {
		resub = append(resub, market)
	}
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, stop)

	c.log.Info().Str("url", u.Host).Msg("Broker connected")
	c.emit(Event{Kind: EventConnected})

	// Re-arm every subscription from the table after a reopen.
	for _, market := range resub {
		m := market
		go func() {
			if err := c.SubscribeTicks(context.Background(), m); err != nil {
				c.log.Warn().Err(err).Str("market", m).Msg("Resubscribe failed")
			}
		}()
	}

	return nil
}

// Disconnect closes the session cleanly. Pending requests fail with a
// connection-closed error; no reconnect is scheduled.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	c.cancelReconnect()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	return nil
}

// Authorize authenticates the session with the user's broker token.
func (c *Client) Authorize(ctx context.Context, token string) error {
	id := c.nextReqID()
	_, err := c.do(ctx, authorizeRequest{Authorize: token, ReqID: id}, id)
	return err
}

// SubscribeTicks subscribes to the market's tick stream. The subscription
// table survives reconnects.
func (c *Client) SubscribeTicks(ctx context.Context, market string) error {
	c.mu.Lock()
	if _, ok := c.subs[market]; !ok {
		c.subs[market] = &subscriptionState{}
	}
	c.mu.Unlock()

	id := c.nextReqID()
	f, err := c.do(ctx, ticksRequest{Ticks: market, Subscribe: 1, ReqID: id}, id)
	if err != nil {
		return err
	}

	if f.Subscription != nil {
		c.mu.Lock()
		if sub, ok := c.subs[market]; ok {
			sub.id = f.Subscription.ID
		}
		c.mu.Unlock()
	}
	return nil
}

// UnsubscribeTicks forgets the market's tick stream and drops it from the
// subscription table.
func (c *Client) UnsubscribeTicks(ctx context.Context, market string) error {
	c.mu.Lock()
	sub, ok := c.subs[market]
	var subID string
	if ok {
		subID = sub.id
	}
	delete(c.subs, market)
	c.mu.Unlock()

	if !ok || subID == "" {
		return nil
	}

	id := c.nextReqID()
	_, err := c.do(ctx, forgetRequest{Forget: subID, ReqID: id}, id)
	return err
}

// Propose requests a quote for a prospective contract.
func (c *Client) Propose(ctx context.Context, params ProposeParams) (*Proposal, error) {
	if params.Currency == "" {
		params.Currency = "USD"
	}
	id := c.nextReqID()
	f, err := c.do(ctx, proposalRequest{
		Proposal:     1,
		Amount:       params.Stake,
		Basis:        "stake",
		ContractType: params.ContractType,
		Currency:     params.Currency,
		Duration:     params.Duration,
		DurationUnit: params.DurationUnit,
		Symbol:       params.Market,
		ReqID:        id,
	}, id)
	if err != nil {
		return nil, err
	}
	if f.Proposal == nil {
		return nil, fmt.Errorf("proposal reply missing body")
	}

	c.mu.Lock()
	c.proposals[f.Proposal.ID] = struct{}{}
	c.mu.Unlock()

	return &Proposal{
		ID:       f.Proposal.ID,
		AskPrice: f.Proposal.AskPrice,
		Payout:   f.Proposal.Payout,
		Longcode: f.Proposal.Longcode,
	}, nil
}

// Buy executes a previously proposed contract. It refuses proposal ids that
// did not come from a successful Propose on this client.
func (c *Client) Buy(ctx context.Context, proposalID string, maxPrice float64) (*BuyResult, error) {
	c.mu.Lock()
	_, known := c.proposals[proposalID]
	delete(c.proposals, proposalID)
	c.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("buy without preceding propose: %s", proposalID)
	}

	id := c.nextReqID()
	f, err := c.do(ctx, buyRequest{Buy: proposalID, Price: maxPrice, ReqID: id}, id)
	if err != nil {
		return nil, err
	}
	if f.Buy == nil {
		return nil, fmt.Errorf("buy reply missing body")
	}
	return &BuyResult{
		ContractID:    f.Buy.ContractID,
		BuyPrice:      f.Buy.BuyPrice,
		TransactionID: f.Buy.TransactionID,
		StartTime:     f.Buy.StartTime,
		Longcode:      f.Buy.Longcode,
	}, nil
}

// Sell sells back an open contract at the given price.
func (c *Client) Sell(ctx context.Context, contractID string, price float64) error {
	id := c.nextReqID()
	_, err := c.do(ctx, sellRequest{Sell: contractID, Price: price, ReqID: id}, id)
	return err
}

// Cancel cancels an open contract.
func (c *Client) Cancel(ctx context.Context, contractID string) error {
	id := c.nextReqID()
	_, err := c.do(ctx, cancelRequest{Cancel: contractID, ReqID: id}, id)
	return err
}

// MonitorContract arms the settlement stream for a contract. Settlements
// arrive as EventSettled on the event stream once the broker marks the
// contract sold.
func (c *Client) MonitorContract(ctx context.Context, contractID string) error {
	id := c.nextReqID()
	_, err := c.do(ctx, openContractRequest{
		ProposalOpenContract: 1,
		ContractID:           contractID,
		Subscribe:            1,
		ReqID:                id,
	}, id)
	return err
}

// nextReqID returns the next monotonically increasing request id.
func (c *Client) nextReqID() int64 {
	return atomic.AddInt64(&c.reqID, 1)
}

// do sends a request and waits for its correlated reply.
func (c *Client) do(ctx context.Context, req any, id int64) (*frame, error) {
	ch := make(chan *frame, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f == nil {
			return nil, ErrConnectionClosed
		}
		if f.Error != nil {
			return nil, newAPIError(f.Error.Code, f.Error.Message)
		}
		return f, nil
	case <-timer.C:
		metrics.Default().RequestTimeouts.Inc()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send writes one frame, rate limited, single writer at a time.
func (c *Client) send(ctx context.Context, req any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// readLoop reads frames until the connection dies, routing streamed frames
// by msg_type and replies by req_id.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.route(&f)
	}
}

// route dispatches one inbound frame. Streamed bodies are always processed;
// a matching pending request additionally receives the frame.
func (c *Client) route(f *frame) {
	switch {
	case f.Tick != nil:
		c.handleTick(f.Tick)
	case f.MsgType == "pong":
		c.handlePong()
	case f.ProposalOpenContract != nil:
		c.handleOpenContract(f.ProposalOpenContract)
	}

	if f.ReqID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[f.ReqID]
		if ok {
			delete(c.pending, f.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
		return
	}

	if f.Error != nil {
		c.emit(Event{Kind: EventError, Err: newAPIError(f.Error.Code, f.Error.Message)})
	}
}

// handleTick deduplicates per subscription and emits the normalized tick.
func (c *Client) handleTick(t *tickBody) {
	m := metrics.Default()
	m.TicksReceived.WithLabelValues(t.Symbol).Inc()

	c.mu.Lock()
	sub, ok := c.subs[t.Symbol]
	if ok {
		if t.Epoch <= sub.lastEpoch {
			c.mu.Unlock()
			m.TicksDeduped.WithLabelValues(t.Symbol).Inc()
			return
		}
		sub.lastEpoch = t.Epoch
	}
	c.mu.Unlock()

	tick := types.Tick{
		Market: t.Symbol,
		Epoch:  t.Epoch,
		Quote:  t.Quote,
		Bid:    t.Bid,
		Ask:    t.Ask,
	}
	if t.Ask > 0 && t.Bid > 0 {
		tick.Spread = t.Ask - t.Bid
	}
	c.emit(Event{Kind: EventTick, Tick: &tick})
}

// handlePong clears the dead-man timer and reports round-trip latency.
func (c *Client) handlePong() {
	c.mu.Lock()
	var latency time.Duration
	if !c.pingSentAt.IsZero() {
		latency = time.Since(c.pingSentAt)
	}
	if c.deadman != nil {
		c.deadman.Stop()
		c.deadman = nil
	}
	c.mu.Unlock()

	metrics.Default().HeartbeatLatency.Observe(latency.Seconds())
	c.emit(Event{Kind: EventHeartbeat, LatencyMS: float64(latency.Milliseconds())})
}

// handleOpenContract emits a settlement once the contract is sold.
func (c *Client) handleOpenContract(poc *openContractBody) {
	if poc.IsSold == 0 {
		return
	}
	outcome := OutcomeLoss
	if poc.Profit > 0 {
		outcome = OutcomeWin
	}
	c.emit(Event{Kind: EventSettled, Settlement: &Settlement{
		ContractID: poc.ContractID,
		Outcome:    outcome,
		PnL:        poc.Profit,
		SellPrice:  poc.SellPrice,
	}})
}

// heartbeatLoop pings on the configured interval and arms the dead-man
// timer. A missed pong closes the socket with code 4000.
func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			id := c.nextReqID()

			c.mu.Lock()
			c.pingSentAt = time.Now()
			if c.deadman == nil {
				c.deadman = time.AfterFunc(c.opts.HeartbeatTimeout, func() {
					c.log.Warn().Msg("Heartbeat dead-man fired, closing socket")
					deadline := time.Now().Add(time.Second)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeCodeHeartbeatDead, "heartbeat timeout"), deadline)
					_ = conn.Close()
				})
			}
			c.mu.Unlock()

			if err := c.send(context.Background(), pingRequest{Ping: 1, ReqID: id}); err != nil {
				return
			}
		}
	}
}

// handleDisconnect tears down state for a dead connection, fails pending
// requests and, when permitted, schedules a reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.deadman != nil {
		c.deadman.Stop()
		c.deadman = nil
	}
	waiters := make([]chan *frame, 0, len(c.pending))
	for id, ch := range c.pending {
		waiters = append(waiters, ch)
		delete(c.pending, id)
	}
	closing := c.closing
	c.mu.Unlock()

	_ = conn.Close()

	// Fail every in-flight request with a connection-closed error.
	for _, ch := range waiters {
		ch <- nil
	}

	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	c.log.Info().Bool("clean", closing).Str("reason", reason).Msg("Broker disconnected")
	c.emit(Event{Kind: EventDisconnected, Reason: reason})

	if closing {
		return
	}

	c.breaker.recordFailure()
	if c.opts.AutoReconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the next backoff attempt: min(base*2^n, max).
func (c *Client) scheduleReconnect() {
	if c.breaker.open() {
		return
	}

	c.mu.Lock()
	attempts := c.reconnectAttempts
	c.reconnectAttempts++
	c.mu.Unlock()

	delay := c.opts.ReconnectBase << uint(attempts)
	if delay > c.opts.ReconnectMax || delay <= 0 {
		delay = c.opts.ReconnectMax
	}

	metrics.Default().BrokerReconnects.Inc()
	c.log.Info().Dur("delay", delay).Int("attempt", attempts+1).Msg("Scheduling reconnect")

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.breaker.open() {
			return
		}
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("Reconnect attempt failed")
		}
	})
	c.mu.Unlock()
}

// cancelReconnect stops any armed reconnect timer.
func (c *Client) cancelReconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()
}
