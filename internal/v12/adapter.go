// Package v12 implements the OneBot v12 side of the adapter: segment
// messages, typed events with per-implementation registries, the
// connection layer with the connect-meta handshake, retcode-mapped
// action failures, and optional MessagePack framing.
package v12

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onebot-go/adapter/internal/auth"
	"github.com/onebot-go/adapter/internal/config"
	"github.com/onebot-go/adapter/internal/host"
	"github.com/onebot-go/adapter/internal/httpkit"
	"github.com/onebot-go/adapter/internal/oberr"
	"github.com/onebot-go/adapter/internal/store"
	"github.com/onebot-go/adapter/internal/wire"
	"github.com/onebot-go/adapter/internal/wsutil"
)

// ReconnectInterval is the fixed delay between reverse-WebSocket dial
// attempts.
const ReconnectInterval = 3 * time.Second

const maxBodySize = 4 << 20

// Adapter owns the v12 connection state.
type Adapter struct {
	cfg        config.V12Config
	apiTimeout time.Duration
	host       host.Host
	logger     *slog.Logger
	store      *store.ResultStore
	events     *Registries
	nicknameRe *regexp.Regexp
	httpClient *http.Client
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer

	// reconnectInterval defaults to ReconnectInterval; tests shorten it.
	reconnectInterval time.Duration

	mu    sync.Mutex
	bots  map[BotSelf]*Bot
	conns map[BotSelf]*session

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// session is one live v12 WebSocket and the bots registered through it.
type session struct {
	conn       *wsutil.Conn
	impl       string
	useMsgpack bool

	mu   sync.Mutex
	bots map[BotSelf]*Bot
}

func (s *session) addBot(self BotSelf, b *Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[self] = b
}

func (s *session) removeBot(self BotSelf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, self)
}

func (s *session) snapshot() map[BotSelf]*Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[BotSelf]*Bot, len(s.bots))
	for k, v := range s.bots {
		out[k] = v
	}
	return out
}

// NewAdapter wires a v12 adapter from config.
func NewAdapter(cfg *config.Config, h host.Host, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("adapter", "onebot-v12")
	return &Adapter{
		cfg:        cfg.V12,
		apiTimeout: cfg.APITimeout(),
		host:       h,
		logger:     logger,
		store:      store.New(),
		events:     NewRegistries(logger),
		nicknameRe: CompileNicknameRe(cfg.V12.Nicknames),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.APITimeout())),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},

		reconnectInterval: ReconnectInterval,

		bots:  make(map[BotSelf]*Bot),
		conns: make(map[BotSelf]*session),
	}
}

// RegisterEvent adds or overrides an event model, optionally scoped to
// an (impl, platform) pair.
func (a *Adapter) RegisterEvent(impl, platform string, lits []string, f EventFactory) error {
	return a.events.Register(impl, platform, lits, f)
}

// RegisterRoutes installs the v12 endpoints on mux.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/onebot/v12/", a.handleRoot)
	mux.HandleFunc("/onebot/v12/http", a.handleHTTP)
	mux.HandleFunc("/onebot/v12/http/", a.handleHTTP)
	mux.HandleFunc("/onebot/v12/ws", a.handleWS)
	mux.HandleFunc("/onebot/v12/ws/", a.handleWS)
}

func (a *Adapter) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/onebot/v12/" {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		a.handleWS(w, r)
		return
	}
	a.handleHTTP(w, r)
}

// handleHTTP is the v12 webhook endpoint.
func (a *Adapter) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	impl := r.Header.Get("X-Impl")
	if impl == "" {
		http.Error(w, "Missing X-Impl Header", http.StatusBadRequest)
		return
	}
	if status, msg := auth.CheckToken(r, a.cfg.AccessToken, true); status != 0 {
		http.Error(w, msg, status)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	payload, err := wire.DecodeBody(body, r.Header.Get("Content-Type"))
	if err != nil {
		a.logger.Warn("webhook body undecodable", "impl", impl, "error", err)
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if _, ok := payload["type"]; !ok {
		a.store.Deliver(payload)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	a.spawn(func(context.Context) { a.dispatchPayload(impl, payload) })
	w.WriteHeader(http.StatusNoContent)
}

// handleWS is the inbound WebSocket server endpoint. The first frame
// must be the connect meta event.
func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	authStatus, authMsg := auth.CheckToken(r, a.cfg.AccessToken, true)

	c, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := wsutil.Wrap(c)
	if authStatus != 0 {
		conn.Close(websocket.ClosePolicyViolation, authMsg)
		return
	}
	a.runSession(conn, r.RemoteAddr)
}

// runSession performs the connect handshake and runs the event loop for
// one socket, inbound or outbound.
func (a *Adapter) runSession(conn *wsutil.Conn, remote string) {
	connect, err := a.awaitConnectMeta(conn)
	if err != nil {
		a.logger.Warn("v12 handshake failed", "remote", remote, "error", err)
		conn.Close(websocket.ClosePolicyViolation, "Missing connect meta event")
		return
	}
	impl := connect.Version.Impl
	sess := &session{
		conn:       conn,
		impl:       impl,
		useMsgpack: a.cfg.UseMsgpack.Enabled(impl),
		bots:       make(map[BotSelf]*Bot),
	}
	a.logger.Info("v12 websocket connected",
		"remote", remote, "impl", impl, "version", connect.Version.Version, "conn_id", conn.ID)

	a.readLoop(sess)

	conn.Close(websocket.CloseNormalClosure, "")
	for self, b := range sess.snapshot() {
		a.detachBot(self, b)
	}
}

// awaitConnectMeta reads the first frame and requires it to decode to
// the connect meta event.
func (a *Adapter) awaitConnectMeta(conn *wsutil.Conn) (*ConnectMetaEvent, error) {
	typ, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read first frame: %w", err)
	}
	payload, err := wire.DecodeFrame(data, typ == websocket.BinaryMessage)
	if err != nil {
		return nil, fmt.Errorf("first frame undecodable: %w", err)
	}
	payload = wire.FlattenedToNested(payload).(map[string]any)
	ev, err := a.events.Decode("", "", payload)
	if err != nil {
		return nil, err
	}
	connect, ok := ev.(*ConnectMetaEvent)
	if !ok {
		return nil, fmt.Errorf("first frame is %s, want meta.connect", ev.Name())
	}
	return connect, nil
}

// readLoop receives frames for a session until the socket dies.
func (a *Adapter) readLoop(sess *session) {
	log := a.logger.With("impl", sess.impl, "conn_id", sess.conn.ID)
	for {
		typ, data, err := sess.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				wsErr := &oberr.WebSocketClosed{Code: closeErr.Code, Text: closeErr.Text}
				log.Info("websocket closed by peer", "error", wsErr)
			} else {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		log.Log(context.Background(), config.LevelTrace, "frame received", "bytes", len(data))

		payload, err := wire.DecodeFrame(data, typ == websocket.BinaryMessage)
		if err != nil {
			log.Warn("frame undecodable", "error", err)
			continue
		}
		if _, ok := payload["type"]; !ok {
			a.store.Deliver(payload)
			continue
		}
		if !a.handleSessionPayload(sess, payload) {
			return
		}
	}
}

// handleSessionPayload dispatches one event frame from a session.
// Returns false when the session must terminate (identity conflict).
func (a *Adapter) handleSessionPayload(sess *session, payload map[string]any) bool {
	payload = wire.FlattenedToNested(payload).(map[string]any)
	self := selfOf(payload)
	ev, err := a.events.Decode(sess.impl, self.Platform, payload)
	if err != nil {
		a.logger.Warn("event classification failed", "impl", sess.impl, "error", err)
		return true
	}

	switch meta := ev.(type) {
	case *StatusUpdateMetaEvent:
		if !a.reconcileBots(sess, meta.Status.Bots) {
			return false
		}
		a.broadcast(sess.snapshot(), ev)
	case *ConnectMetaEvent, *HeartbeatMetaEvent:
		a.broadcast(sess.snapshot(), ev)
	default:
		if ev.EventType() == "meta" {
			a.broadcast(sess.snapshot(), ev)
			return true
		}
		self := ev.EventSelf()
		if self.UserID == "" {
			// A frame without a self record is malformed; drop it and
			// keep the session alive.
			a.logger.Warn("event without self identity dropped", "impl", sess.impl, "name", ev.Name())
			return true
		}
		bot, ok := a.botFor(sess, self)
		if !ok {
			// Identity refused (already owned elsewhere): drop the
			// session per the duplicate policy.
			sess.conn.Close(websocket.CloseNormalClosure, "duplicate bot identity")
			return false
		}
		a.spawn(func(context.Context) { a.dispatchEvent(bot, ev) })
	}
	return true
}

// dispatchPayload handles an HTTP-delivered event, where no session
// exists and status updates reconcile socketless bots.
func (a *Adapter) dispatchPayload(impl string, payload map[string]any) {
	payload = wire.FlattenedToNested(payload).(map[string]any)
	self := selfOf(payload)
	ev, err := a.events.Decode(impl, self.Platform, payload)
	if err != nil {
		a.logger.Warn("event classification failed", "impl", impl, "error", err)
		return
	}

	switch meta := ev.(type) {
	case *StatusUpdateMetaEvent:
		a.reconcileHTTPBots(impl, meta.Status.Bots)
		a.broadcast(a.allBots(), ev)
	default:
		if ev.EventType() == "meta" {
			a.broadcast(a.allBots(), ev)
			return
		}
		bot, ok := a.connectBot(impl, ev.EventSelf(), nil)
		if !ok {
			return
		}
		a.dispatchEvent(bot, ev)
	}
}

// dispatchEvent runs the message pipeline and hands the event to the
// host.
func (a *Adapter) dispatchEvent(bot *Bot, ev Event) {
	if me, ok := ev.(MessageEvent); ok {
		bot.receivePipeline(me, a.nicknameRe)
	}
	a.host.HandleEvent(bot, ev)
}

// broadcast delivers a meta event to every given bot.
func (a *Adapter) broadcast(bots map[BotSelf]*Bot, ev Event) {
	for _, b := range bots {
		b := b
		a.spawn(func(context.Context) { a.host.HandleEvent(b, ev) })
	}
}

// reconcileBots applies a status update to a session: connect newcomers,
// disconnect bots now offline. Returns false when a newcomer's identity
// is refused.
func (a *Adapter) reconcileBots(sess *session, statuses []BotStatus) bool {
	current := sess.snapshot()
	seen := make(map[BotSelf]bool, len(statuses))
	for _, st := range statuses {
		if st.Self.UserID == "" {
			continue
		}
		seen[st.Self] = st.Online
		_, connected := current[st.Self]
		switch {
		case st.Online && !connected:
			if _, ok := a.botFor(sess, st.Self); !ok {
				sess.conn.Close(websocket.CloseNormalClosure, "duplicate bot identity")
				return false
			}
		case !st.Online && connected:
			a.detachBot(st.Self, current[st.Self])
			sess.removeBot(st.Self)
		}
	}
	// Bots absent from the update stay as they are; only explicit
	// offline transitions disconnect.
	return true
}

func (a *Adapter) reconcileHTTPBots(impl string, statuses []BotStatus) {
	for _, st := range statuses {
		a.mu.Lock()
		b, connected := a.bots[st.Self]
		a.mu.Unlock()
		switch {
		case st.Online && !connected:
			a.connectBot(impl, st.Self, nil)
		case !st.Online && connected:
			a.detachBot(st.Self, b)
		}
	}
}

// botFor returns the session-bound bot for self, connecting one on
// first sight. ok is false when the host refuses the identity.
func (a *Adapter) botFor(sess *session, self BotSelf) (*Bot, bool) {
	a.mu.Lock()
	if b, ok := a.bots[self]; ok {
		a.mu.Unlock()
		return b, true
	}
	a.mu.Unlock()

	b, ok := a.connectBot(sess.impl, self, sess)
	if ok {
		sess.addBot(self, b)
	}
	return b, ok
}

// connectBot creates and registers a bot, optionally bound to a session
// for WebSocket API calls.
func (a *Adapter) connectBot(impl string, self BotSelf, sess *session) (*Bot, bool) {
	if self.UserID == "" {
		a.logger.Warn("event without self identity dropped", "impl", impl)
		return nil, false
	}
	b := newBot(a, impl, self)
	if err := a.host.BotConnect(b); err != nil {
		a.logger.Warn("bot registration refused", "platform", self.Platform, "user_id", self.UserID, "error", err)
		return nil, false
	}
	a.mu.Lock()
	a.bots[self] = b
	if sess != nil {
		a.conns[self] = sess
	}
	a.mu.Unlock()
	return b, true
}

// detachBot removes a bot from the adapter and the host.
func (a *Adapter) detachBot(self BotSelf, b *Bot) {
	a.mu.Lock()
	delete(a.bots, self)
	delete(a.conns, self)
	a.mu.Unlock()
	if b != nil {
		a.host.BotDisconnect(b)
	}
}

func (a *Adapter) allBots() map[BotSelf]*Bot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[BotSelf]*Bot, len(a.bots))
	for k, v := range a.bots {
		out[k] = v
	}
	return out
}

// selfOf reads the self record off a payload without full decoding.
func selfOf(payload map[string]any) BotSelf {
	self, _ := payload["self"].(map[string]any)
	platform, _ := self["platform"].(string)
	userID, _ := self["user_id"].(string)
	return BotSelf{Platform: platform, UserID: userID}
}

// Start launches the reverse-WebSocket supervisors.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	for _, url := range a.cfg.WSURLs {
		url := url
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.superviseReverseWS(ctx, url)
		}()
	}
}

func (a *Adapter) superviseReverseWS(ctx context.Context, url string) {
	log := a.logger.With("url", url)
	for {
		if err := a.runReverseWS(ctx, url); err != nil && ctx.Err() == nil {
			log.Warn("reverse websocket terminated", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.reconnectInterval):
		}
	}
}

func (a *Adapter) runReverseWS(ctx context.Context, url string) error {
	header := http.Header{}
	if a.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	c, resp, err := a.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			httpkit.DrainAndClose(resp.Body, 1024)
		}
		return fmt.Errorf("dial: %w", err)
	}
	conn := wsutil.Wrap(c)
	stop := context.AfterFunc(ctx, func() {
		conn.Close(websocket.CloseNormalClosure, "adapter shutdown")
	})
	defer stop()

	a.runSession(conn, url)
	return nil
}

// spawn runs fn as a tracked task so Shutdown can join it.
func (a *Adapter) spawn(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(context.Background())
	}()
}

// Shutdown cancels the supervisors, closes every socket, and waits up to
// 10 seconds for tasks to drain.
func (a *Adapter) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	sessions := make(map[*session]bool)
	for _, s := range a.conns {
		sessions[s] = true
	}
	a.mu.Unlock()
	for s := range sessions {
		s.conn.Close(websocket.CloseNormalClosure, "adapter shutdown")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.logger.Warn("shutdown timed out waiting for tasks")
	}
}

// callAPI dispatches an action for bot: WebSocket when its session is
// live, the HTTP API root as fallback.
func (a *Adapter) callAPI(ctx context.Context, bot *Bot, action string, params map[string]any) (any, error) {
	timeout := a.apiTimeout
	if params != nil {
		if t, ok := params["_timeout"]; ok {
			if secs, ok := t.(float64); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
			delete(params, "_timeout")
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	a.mu.Lock()
	sess, haveSess := a.conns[bot.self]
	a.mu.Unlock()

	if haveSess {
		return a.callOverWS(ctx, sess, bot, action, params, timeout)
	}
	if root, ok := a.cfg.APIRoots[bot.self.UserID]; ok && root != "" {
		return a.callOverHTTP(ctx, root, bot, action, params)
	}
	return nil, &oberr.ApiNotAvailable{}
}

// actionBody builds the v12 action envelope: action, params, echo, and
// the self record identifying the calling bot.
func actionBody(bot *Bot, action string, params map[string]any, echo string) map[string]any {
	return map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
		"self":   bot.self,
	}
}

func (a *Adapter) callOverWS(ctx context.Context, sess *session, bot *Bot, action string, params map[string]any, timeout time.Duration) (any, error) {
	seq := a.store.NextSeq()
	body, binary, err := wire.Encode(actionBody(bot, action, params, strconv.FormatUint(seq, 10)), sess.useMsgpack)
	if err != nil {
		return nil, fmt.Errorf("encode action %s: %w", action, err)
	}
	frameType := websocket.TextMessage
	if binary {
		frameType = websocket.BinaryMessage
	}
	a.logger.Debug("calling api over websocket",
		"user_id", bot.self.UserID, "action", action, "echo", seq, "msgpack", binary)
	if err := sess.conn.WriteMessage(frameType, body); err != nil {
		return nil, &oberr.NetworkError{Msg: "websocket send failed", Err: err}
	}
	result, err := a.store.Fetch(ctx, seq, timeout)
	if err != nil {
		if err == store.ErrTimeout {
			return nil, &oberr.NetworkError{Msg: fmt.Sprintf("timed out waiting for %s reply", action)}
		}
		return nil, err
	}
	return handleAPIResult(result)
}

func (a *Adapter) callOverHTTP(ctx context.Context, root string, bot *Bot, action string, params map[string]any) (any, error) {
	useMsgpack := a.cfg.UseMsgpack.Enabled(bot.impl)
	body, _, err := wire.Encode(actionBody(bot, action, params, ""), useMsgpack)
	if err != nil {
		return nil, fmt.Errorf("encode action %s: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, root, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", wire.ContentType(useMsgpack))
	if a.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}

	a.logger.Debug("calling api over http", "url", root, "action", action, "msgpack", useMsgpack)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &oberr.NetworkError{Msg: "http request failed", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &oberr.NetworkError{
			Msg: fmt.Sprintf("http api returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512)),
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &oberr.NetworkError{Msg: "read response body", Err: err}
	}
	if len(data) == 0 {
		return nil, &oberr.NetworkError{Msg: "empty response body"}
	}
	payload, err := wire.DecodeBody(data, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &oberr.NetworkError{Msg: "undecodable response body", Err: err}
	}
	return handleAPIResult(payload)
}

// handleAPIResult enforces the v12 reply envelope and maps failures to
// retcode-specific errors.
func handleAPIResult(result map[string]any) (any, error) {
	if err := CheckEnvelope(result); err != nil {
		return nil, err
	}
	if result["status"] == "failed" {
		return nil, NewActionFailed(result)
	}
	return result["data"], nil
}
