// Package session maintains the authenticated JSON-RPC websocket session
// with the venue: connection lifecycle, request correlation, and demux of
// subscription pushes into the market data store and risk engine.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/quantfall/deriva/config"
	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/latency"
	"github.com/quantfall/deriva/internal/marketdata"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/risk"
	"github.com/quantfall/deriva/internal/schema"
)

const (
	methodAuth             = "public/auth"
	methodTest             = "public/test"
	methodSetHeartbeat     = "public/set_heartbeat"
	methodSubscribe        = "public/subscribe"
	methodUnsubscribe      = "public/unsubscribe"
	methodPrivateSubscribe = "private/subscribe"
	methodPrivateUnsub     = "private/unsubscribe"
	methodBuy              = "private/buy"
	methodSell             = "private/sell"
	methodCancel           = "private/cancel"
	methodEdit             = "private/edit"
)

const defaultRPCTimeout = 5 * time.Second

// State is the connection lifecycle phase.
type State int32

const (
	// StateDisconnected means no connection attempt has started.
	StateDisconnected State = iota
	// StateConnecting means a dial or reconnect is in progress.
	StateConnecting
	// StateAuthenticating means the socket is up but not yet authenticated.
	StateAuthenticating
	// StateReady means the session accepts RPC calls.
	StateReady
	// StateClosed means the session was shut down and will not reconnect.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options wires the session's collaborators. Store and Risk are required;
// the rest default to working implementations.
type Options struct {
	Store    *marketdata.Store
	Risk     *risk.Engine
	Recorder *latency.Recorder
	Metrics  *observability.RuntimeMetrics
	Dial     dialFunc
	Clock    func() time.Time
}

// Session owns one logical venue connection. All exported methods are safe
// for concurrent use.
type Session struct {
	cfg         config.NetworkConfig
	store       *marketdata.Store
	risk        *risk.Engine
	recorder    *latency.Recorder
	runtime     *observability.RuntimeMetrics
	instruments *sessionInstruments
	dial        dialFunc
	clock       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	connMu  sync.RWMutex
	conn    wire
	writeMu sync.Mutex

	state    atomic.Int32
	pending  *pendingTable
	registry *orderRegistry

	subsMu        sync.Mutex
	subscriptions map[string]struct{}

	authMu       sync.Mutex
	accessToken  string
	refreshToken string
	tokenTTL     time.Duration

	ready     chan struct{}
	readyOnce sync.Once
	fatal     chan error
	closeOnce sync.Once
}

// NewSession builds a session around the given network configuration.
func NewSession(cfg config.NetworkConfig, opts Options) *Session {
	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewRuntimeMetrics()
	}
	return &Session{
		cfg:           cfg,
		store:         opts.Store,
		risk:          opts.Risk,
		recorder:      opts.Recorder,
		runtime:       metrics,
		instruments:   newSessionInstruments(),
		dial:          dial,
		clock:         clock,
		pending:       newPendingTable(),
		registry:      newOrderRegistry(),
		subscriptions: make(map[string]struct{}),
		ready:         make(chan struct{}),
		fatal:         make(chan error, 1),
	}
}

// Start launches the connection loop and blocks until the session is ready,
// the handshake times out, or the loop gives up permanently.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateConnecting)
	s.wg.Go(s.connectLoop)

	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case err := <-s.fatal:
		return err
	case <-timer.C:
		return errs.New("session", errs.CodeTimeout,
			errs.WithMessage("timed out waiting for session ready"))
	case <-s.ctx.Done():
		return errs.New("session", errs.CodeUnavailable,
			errs.WithMessage("session context cancelled"), errs.WithCause(s.ctx.Err()))
	}
}

// Close tears the session down and waits for its goroutines to exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.cancel != nil {
			s.cancel()
		}
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
		s.pending.failAll(errs.New("session", errs.CodeConnectionLost,
			errs.WithMessage("session closed")))
		s.wg.Wait()
	})
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Fatal delivers the terminal error when the session gives up reconnecting.
func (s *Session) Fatal() <-chan error {
	return s.fatal
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// connectLoop dials, brings the session up, and pumps frames until the
// connection drops, then backs off and retries. It exits when the context
// is cancelled or the attempt budget is spent.
func (s *Session) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.ReconnectInterval > 0 {
		bo.InitialInterval = s.cfg.ReconnectInterval
	}

	attempts := 0
	established := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(s.ctx, s.handshakeTimeout())
		conn, err := s.dial(dialCtx, s.cfg.WebsocketURL)
		cancel()
		if err != nil {
			attempts++
			if s.cfg.MaxReconnectAttempts > 0 && attempts >= s.cfg.MaxReconnectAttempts {
				s.fail(errs.New("session", errs.CodeNetwork,
					errs.WithMessage("reconnect attempts exhausted"), errs.WithCause(err)))
				return
			}
			observability.Log().Warn("dial failed",
				observability.F("url", s.cfg.WebsocketURL),
				observability.F("attempt", attempts),
				observability.F("error", err.Error()))
			if !s.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		// The read pump must run before bring-up so auth and subscribe
		// responses can resolve their futures.
		readDone := make(chan error, 1)
		s.wg.Go(func() { readDone <- s.readLoop(conn) })

		if err := s.bringUp(); err != nil {
			s.clearConn(conn)
			<-readDone
			s.pending.failAll(errs.New("session", errs.CodeConnectionLost,
				errs.WithMessage("connection dropped")))
			if errs.HasCode(err, errs.CodeAuth) {
				s.fail(err)
				return
			}
			// Bring-up failures count against the same attempt bound
			// as dial failures; only reaching Ready resets it.
			attempts++
			if s.cfg.MaxReconnectAttempts > 0 && attempts >= s.cfg.MaxReconnectAttempts {
				s.fail(errs.New("session", errs.CodeNetwork,
					errs.WithMessage("reconnect attempts exhausted"), errs.WithCause(err)))
				return
			}
			observability.Log().Warn("session bring-up failed",
				observability.F("attempt", attempts),
				observability.F("error", err.Error()))
			if !s.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		s.setState(StateReady)
		attempts = 0
		established++
		if established > 1 {
			s.runtime.RecordReconnect()
			s.instruments.recordReconnect()
		}
		s.readyOnce.Do(func() { close(s.ready) })
		bo.Reset()

		hbCtx, hbCancel := context.WithCancel(s.ctx)
		s.wg.Go(func() { s.heartbeatLoop(hbCtx) })
		if s.cfg.Credentials.APIKey != "" {
			s.wg.Go(func() { s.refreshLoop(hbCtx) })
		}

		err = <-readDone
		hbCancel()
		s.clearConn(conn)
		s.pending.failAll(errs.New("session", errs.CodeConnectionLost,
			errs.WithMessage("connection dropped")))

		if s.ctx.Err() != nil {
			return
		}
		observability.Log().Warn("connection lost, reconnecting",
			observability.F("error", err.Error()))
		s.setState(StateConnecting)
		if !s.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// bringUp authenticates, arms the server heartbeat, and restores every
// previously requested subscription on a fresh connection.
func (s *Session) bringUp() error {
	s.setState(StateAuthenticating)

	if s.cfg.Credentials.APIKey != "" {
		if err := s.authenticate(); err != nil {
			return err
		}
	}

	if interval := int(s.cfg.HeartbeatInterval / time.Second); interval >= 10 {
		if _, err := s.call(s.ctx, methodSetHeartbeat, map[string]any{"interval": interval}); err != nil {
			observability.Log().Warn("set_heartbeat failed",
				observability.F("error", err.Error()))
		}
	}

	return s.resubscribeAll()
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Session) authenticate() error {
	result, err := s.call(s.ctx, methodAuth, map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     s.cfg.Credentials.APIKey,
		"client_secret": s.cfg.Credentials.APISecret,
	})
	if err != nil {
		return err
	}

	var auth authResult
	if err := json.Unmarshal(result, &auth); err != nil {
		return errs.New("session", errs.CodeAuth,
			errs.WithMessage("malformed auth response"), errs.WithCause(err))
	}
	if auth.AccessToken == "" {
		return errs.New("session", errs.CodeAuth,
			errs.WithMessage("auth response missing access token"))
	}

	s.storeTokens(auth)
	return nil
}

func (s *Session) storeTokens(auth authResult) {
	s.authMu.Lock()
	s.accessToken = auth.AccessToken
	s.refreshToken = auth.RefreshToken
	s.tokenTTL = time.Duration(auth.ExpiresIn) * time.Second
	s.authMu.Unlock()
}

// refreshLoop exchanges the refresh token shortly before the access token
// expires so the authenticated session outlives the initial grant.
func (s *Session) refreshLoop(ctx context.Context) {
	for {
		s.authMu.Lock()
		ttl := s.tokenTTL
		token := s.refreshToken
		s.authMu.Unlock()
		if ttl <= 0 || token == "" {
			return
		}

		timer := time.NewTimer(ttl * 3 / 4)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		result, err := s.call(ctx, methodAuth, map[string]any{
			"grant_type":    "refresh_token",
			"refresh_token": token,
		})
		if err != nil {
			observability.Log().Warn("token refresh failed",
				observability.F("error", err.Error()))
			return
		}
		var auth authResult
		if err := json.Unmarshal(result, &auth); err != nil || auth.AccessToken == "" {
			observability.Log().Warn("token refresh returned a malformed response")
			return
		}
		s.storeTokens(auth)
	}
}

func (s *Session) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return 10 * time.Second
}

func (s *Session) rpcTimeout() time.Duration {
	if s.cfg.RPCTimeout > 0 {
		return s.cfg.RPCTimeout
	}
	return defaultRPCTimeout
}

func (s *Session) currentConn() wire {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	return conn
}

func (s *Session) clearConn(conn wire) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *Session) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) fail(err error) {
	s.setState(StateDisconnected)
	observability.Log().Error("session failed permanently",
		observability.F("error", err.Error()))
	select {
	case s.fatal <- err:
	default:
	}
}

// call sends one RPC request and blocks until its response, the RPC
// timeout, or ctx cancellation. Round trips are recorded per method.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn := s.currentConn()
	if conn == nil {
		return nil, errs.New("session", errs.CodeUnavailable,
			errs.WithMessage("not connected"))
	}

	id, c := s.pending.register(method)
	data, err := json.Marshal(schema.NewRequest(id, method, params))
	if err != nil {
		s.pending.discard(id)
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("marshal request: "+method), errs.WithCause(err))
	}

	start := s.clock()
	writeCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout())
	s.writeMu.Lock()
	err = conn.Write(writeCtx, data)
	s.writeMu.Unlock()
	cancel()
	if err != nil {
		s.pending.discard(id)
		return nil, errs.New("session", errs.CodeNetwork,
			errs.WithMessage("write request: "+method), errs.WithCause(err))
	}

	result, err := c.await(ctx, s.pending, id, s.rpcTimeout())
	elapsed := s.clock().Sub(start)
	s.instruments.recordRPC(method, elapsed)
	if s.recorder != nil {
		s.recorder.Observe(method, elapsed, err)
	}
	return result, err
}

// readLoop pumps frames off the wire into the demux until the connection
// fails. It is the only goroutine that reads the socket.
func (s *Session) readLoop(conn wire) error {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.handleFrame(data)
	}
}

// handleFrame demultiplexes one inbound frame. Subscription pushes route by
// channel prefix, responses resolve by correlation ID, anything else is
// counted and dropped. This runs on the read goroutine and must not block.
func (s *Session) handleFrame(data []byte) {
	var env schema.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		observability.Log().Warn("dropping malformed frame",
			observability.F("error", err.Error()))
		s.runtime.RecordFrameDropped()
		s.instruments.recordDropped()
		return
	}

	switch {
	case env.IsSubscription() && env.Params != nil:
		s.routeSubscription(env.Params)
	case env.Method == "heartbeat":
		if env.Params != nil && env.Params.Type == "test_request" {
			s.wg.Go(s.pong)
		}
	case env.ID > 0:
		if s.pending.resolve(env.ID, env.Result, env.Error) {
			s.runtime.RecordFrameRouted("rpc")
			s.instruments.recordRouted("rpc")
		} else {
			observability.Log().Warn("dropping unmatched response",
				observability.F("id", env.ID))
			s.runtime.RecordFrameDropped()
			s.instruments.recordDropped()
		}
	default:
		s.runtime.RecordFrameDropped()
		s.instruments.recordDropped()
	}
}

// heartbeatLoop pings the venue at the configured interval so half-open
// connections surface as read failures instead of silent staleness.
func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout())
			_, err := s.call(callCtx, methodTest, nil)
			cancel()
			if err != nil && ctx.Err() == nil {
				observability.Log().Warn("heartbeat ping failed",
					observability.F("error", err.Error()))
			}
		}
	}
}

func (s *Session) pong() {
	ctx, cancel := context.WithTimeout(s.ctx, s.rpcTimeout())
	defer cancel()
	if _, err := s.call(ctx, methodTest, nil); err != nil {
		observability.Log().Warn("heartbeat response failed",
			observability.F("error", err.Error()))
	}
}

func (s *Session) routeSubscription(msg *schema.SubscriptionMsg) {
	now := s.clock()
	switch {
	case strings.HasPrefix(msg.Channel, "book."):
		book, err := decodeBook(msg.Channel, msg.Data, now)
		if err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		s.store.UpdateOrderBook(book)
		s.routed("book")
	case strings.HasPrefix(msg.Channel, "trades."):
		trades, err := decodeTrades(msg.Channel, msg.Data, now)
		if err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		for _, trade := range trades {
			s.store.AddTrade(trade)
		}
		s.routed("trades")
	case strings.HasPrefix(msg.Channel, "ticker."):
		summary, err := decodeTicker(msg.Channel, msg.Data, now)
		if err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		s.store.UpdateSummary(summary)
		s.routed("ticker")
	case strings.HasPrefix(msg.Channel, "user.orders."):
		var payload orderPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		s.applyOrderUpdate(orderFromPayload(payload, now))
		s.routed("user.orders")
	case strings.HasPrefix(msg.Channel, "user.trades."):
		fills, err := decodeFills(msg.Data)
		if err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		for _, fill := range fills {
			s.risk.RecordTradeOutcome(fill.ProfitLoss)
		}
		s.routed("user.trades")
	case strings.HasPrefix(msg.Channel, "user.portfolio."):
		var payload positionPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		if payload.InstrumentName != "" {
			s.risk.UpdatePosition(positionFromPayload(payload, now))
		}
		s.routed("user.portfolio")
	case strings.HasPrefix(msg.Channel, "user.changes."):
		var payload changesPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.dropFrame(msg.Channel, err)
			return
		}
		for _, op := range payload.Orders {
			s.applyOrderUpdate(orderFromPayload(op, now))
		}
		for _, fill := range payload.Trades {
			s.risk.RecordTradeOutcome(fill.ProfitLoss)
		}
		for _, pos := range payload.Positions {
			if pos.InstrumentName != "" {
				s.risk.UpdatePosition(positionFromPayload(pos, now))
			}
		}
		s.routed("user.changes")
	default:
		observability.Log().Warn("dropping frame on unknown channel",
			observability.F("channel", msg.Channel))
		s.runtime.RecordFrameDropped()
		s.instruments.recordDropped()
	}
}

func (s *Session) routed(route string) {
	s.runtime.RecordFrameRouted(route)
	s.instruments.recordRouted(route)
}

func (s *Session) dropFrame(channel string, err error) {
	observability.Log().Warn("dropping undecodable frame",
		observability.F("channel", channel),
		observability.F("error", err.Error()))
	s.runtime.RecordFrameDropped()
	s.instruments.recordDropped()
}

func (s *Session) applyOrderUpdate(update *schema.Order) {
	applied, becameTerminal := s.registry.apply(update)
	if applied == nil {
		return
	}
	if becameTerminal {
		s.risk.ReleaseOrderSlot()
	}
}

// Subscribe requests the given channels and remembers them so they are
// restored after a reconnect. Already subscribed channels are skipped.
func (s *Session) Subscribe(ctx context.Context, channels ...string) error {
	s.subsMu.Lock()
	fresh := make([]string, 0, len(channels))
	for _, channel := range channels {
		if _, ok := s.subscriptions[channel]; !ok {
			s.subscriptions[channel] = struct{}{}
			fresh = append(fresh, channel)
		}
	}
	s.subsMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return s.sendSubscribe(ctx, fresh)
}

// Unsubscribe removes the given channels from the live set.
func (s *Session) Unsubscribe(ctx context.Context, channels ...string) error {
	s.subsMu.Lock()
	active := make([]string, 0, len(channels))
	for _, channel := range channels {
		if _, ok := s.subscriptions[channel]; ok {
			delete(s.subscriptions, channel)
			active = append(active, channel)
		}
	}
	s.subsMu.Unlock()

	if len(active) == 0 {
		return nil
	}
	public, private := splitChannels(active)
	if len(public) > 0 {
		if _, err := s.call(ctx, methodUnsubscribe, map[string]any{"channels": public}); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		if _, err := s.call(ctx, methodPrivateUnsub, map[string]any{"channels": private}); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeMarketData subscribes the book, trade, and ticker feeds for one
// instrument at the throttled interval.
func (s *Session) SubscribeMarketData(ctx context.Context, instrument string) error {
	return s.Subscribe(ctx,
		"book."+instrument+".100ms",
		"trades."+instrument+".100ms",
		"ticker."+instrument+".100ms")
}

// SubscribeUserData subscribes order, fill, and portfolio pushes for the
// authenticated account.
func (s *Session) SubscribeUserData(ctx context.Context) error {
	return s.Subscribe(ctx, "user.orders.*", "user.trades.*", "user.portfolio.*")
}

func (s *Session) resubscribeAll() error {
	s.subsMu.Lock()
	channels := make([]string, 0, len(s.subscriptions))
	for channel := range s.subscriptions {
		channels = append(channels, channel)
	}
	s.subsMu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	return s.sendSubscribe(s.ctx, channels)
}

func (s *Session) sendSubscribe(ctx context.Context, channels []string) error {
	public, private := splitChannels(channels)
	if len(public) > 0 {
		if _, err := s.call(ctx, methodSubscribe, map[string]any{"channels": public}); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		if _, err := s.call(ctx, methodPrivateSubscribe, map[string]any{"channels": private}); err != nil {
			return err
		}
	}
	return nil
}

func splitChannels(channels []string) (public, private []string) {
	for _, channel := range channels {
		if strings.HasPrefix(channel, "user.") {
			private = append(private, channel)
		} else {
			public = append(public, channel)
		}
	}
	return public, private
}

type orderParams struct {
	InstrumentName string  `json:"instrument_name"`
	Amount         float64 `json:"amount"`
	Type           string  `json:"type"`
	Price          float64 `json:"price,omitempty"`
	Label          string  `json:"label,omitempty"`
	TimeInForce    string  `json:"time_in_force,omitempty"`
	PostOnly       bool    `json:"post_only,omitempty"`
	ReduceOnly     bool    `json:"reduce_only,omitempty"`
}

type orderResult struct {
	Order orderPayload `json:"order"`
}

// PlaceOrder runs the request through the risk engine and submits it. The
// returned order carries the venue-assigned ID and acknowledged state.
func (s *Session) PlaceOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error) {
	if req.Instrument == "" || req.Size <= 0 {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("order request needs an instrument and positive size"))
	}
	if req.Type == schema.OrderTypeLimit && req.Price <= 0 {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("limit order needs a positive price"))
	}
	// The label ties venue fills back to the submitting caller.
	if req.Label == "" {
		req.Label = uuid.NewString()
	}

	refPrice := req.Price
	if refPrice <= 0 && s.store != nil {
		if mid, err := s.store.MidPrice(req.Instrument); err == nil {
			refPrice = mid
		}
	}
	if err := s.risk.CheckOrder(req.Instrument, req.Side, req.Size, refPrice); err != nil {
		return nil, err
	}
	s.risk.ReserveOrderSlot()

	method := methodBuy
	if req.Side == schema.SideSell {
		method = methodSell
	}
	params := orderParams{
		InstrumentName: req.Instrument,
		Amount:         req.Size,
		Type:           string(req.Type),
		Price:          req.Price,
		Label:          req.Label,
		TimeInForce:    string(req.TimeInForce),
		PostOnly:       req.PostOnly,
		ReduceOnly:     req.ReduceOnly,
	}

	result, err := s.call(ctx, method, params)
	if err != nil {
		s.risk.ReleaseOrderSlot()
		return nil, err
	}

	var ack orderResult
	if err := json.Unmarshal(result, &ack); err != nil {
		s.risk.ReleaseOrderSlot()
		return nil, errs.New("session", errs.CodeExchange,
			errs.WithMessage("malformed order acknowledgement"), errs.WithCause(err))
	}

	now := s.clock()
	order := orderFromPayload(ack.Order, now)
	order.CreatedAt = now
	if order.Label == "" {
		order.Label = req.Label
	}
	s.registry.track(order)
	s.runtime.RecordOrderSubmitted()
	if order.Status.Terminal() {
		s.risk.ReleaseOrderSlot()
	}
	return order, nil
}

// CancelOrder cancels a resting order by venue ID.
func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	result, err := s.call(ctx, methodCancel, map[string]any{"order_id": orderID})
	if err != nil {
		return err
	}
	var payload orderPayload
	if err := json.Unmarshal(result, &payload); err == nil && payload.OrderID != "" {
		s.applyOrderUpdate(orderFromPayload(payload, s.clock()))
	}
	return nil
}

// ModifyOrder amends the size and price of a resting order.
func (s *Session) ModifyOrder(ctx context.Context, orderID string, size, price float64) (*schema.Order, error) {
	if size <= 0 || price <= 0 {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("modify needs positive size and price"))
	}
	result, err := s.call(ctx, methodEdit, map[string]any{
		"order_id": orderID,
		"amount":   size,
		"price":    price,
	})
	if err != nil {
		return nil, err
	}

	var ack orderResult
	if err := json.Unmarshal(result, &ack); err != nil {
		return nil, errs.New("session", errs.CodeExchange,
			errs.WithMessage("malformed edit acknowledgement"), errs.WithCause(err))
	}
	order := orderFromPayload(ack.Order, s.clock())
	s.applyOrderUpdate(order)
	return order, nil
}

// Order returns a copy of a tracked order.
func (s *Session) Order(orderID string) (*schema.Order, error) {
	return s.registry.get(orderID)
}

// OpenOrders returns copies of every tracked non-terminal order.
func (s *Session) OpenOrders() []*schema.Order {
	return s.registry.open()
}
