// Package v11 implements the OneBot v11 side of the adapter: CQ message
// codec, typed events, the connection layer (HTTP webhook, WebSocket
// server, reverse WebSocket client), and per-bot API dispatch.
package v11

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
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

// Adapter owns the v11 connection state: the bot table, the self_id to
// WebSocket map, the result store, and the reverse-WS supervisors.
type Adapter struct {
	cfg        config.V11Config
	apiTimeout time.Duration
	host       host.Host
	logger     *slog.Logger
	store      *store.ResultStore
	events     EventRegistry
	nicknameRe *regexp.Regexp
	httpClient *http.Client
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer

	// reconnectInterval defaults to ReconnectInterval; tests shorten it.
	reconnectInterval time.Duration

	mu    sync.Mutex
	bots  map[string]*Bot
	conns map[string]*wsutil.Conn

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// EventRegistry resolves payloads to event factories.
type EventRegistry interface {
	Classify(data map[string]any) ([]EventFactory, error)
	Register(lits []string, f EventFactory) error
}

// NewAdapter wires an adapter from config. host receives bot lifecycle
// and decoded events.
func NewAdapter(cfg *config.Config, h host.Host, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("adapter", "onebot-v11")
	return &Adapter{
		cfg:        cfg.V11,
		apiTimeout: cfg.APITimeout(),
		host:       h,
		logger:     logger,
		store:      store.New(),
		events:     NewEventCollator(logger),
		nicknameRe: CompileNicknameRe(cfg.V11.Nicknames),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.APITimeout())),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},

		reconnectInterval: ReconnectInterval,

		bots:  make(map[string]*Bot),
		conns: make(map[string]*wsutil.Conn),
	}
}

// RegisterEvent adds or overrides an event model at runtime.
func (a *Adapter) RegisterEvent(lits []string, f EventFactory) error {
	return a.events.Register(lits, f)
}

// RegisterRoutes installs the v11 endpoints on mux: the canonical root
// serves both webhook POSTs and WebSocket upgrades; /http and /ws are
// the dedicated aliases, each with a trailing-slash variant.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/onebot/v11/", a.handleRoot)
	mux.HandleFunc("/onebot/v11/http", a.handleHTTP)
	mux.HandleFunc("/onebot/v11/http/", a.handleHTTP)
	mux.HandleFunc("/onebot/v11/ws", a.handleWS)
	mux.HandleFunc("/onebot/v11/ws/", a.handleWS)
}

func (a *Adapter) handleRoot(w http.ResponseWriter, r *http.Request) {
	// "/onebot/v11/" is a subtree pattern; only the exact path is ours.
	if r.URL.Path != "/onebot/v11/" {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		a.handleWS(w, r)
		return
	}
	a.handleHTTP(w, r)
}

// handleHTTP is the webhook endpoint: one event (or action reply) per
// POST.
func (a *Adapter) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	selfID := r.Header.Get("X-Self-ID")
	if selfID == "" {
		http.Error(w, "Missing X-Self-ID Header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if status, msg := auth.CheckSignature(r, a.cfg.Secret, body); status != 0 {
		http.Error(w, msg, status)
		return
	}

	payload, err := wire.DecodeBody(body, r.Header.Get("Content-Type"))
	if err != nil {
		a.logger.Warn("webhook body undecodable", "self_id", selfID, "error", err)
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if _, ok := payload["post_type"]; !ok {
		// Action reply delivered over the webhook channel.
		a.store.Deliver(payload)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	bot := a.botFor(selfID)
	a.spawn(func(ctx context.Context) { a.dispatch(ctx, bot, payload) })
	w.WriteHeader(http.StatusNoContent)
}

// handleWS is the inbound WebSocket server endpoint.
func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	selfID := r.Header.Get("X-Self-ID")
	authStatus, authMsg := auth.CheckToken(r, a.cfg.AccessToken, false)

	c, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := wsutil.Wrap(c)

	// Policy checks run post-upgrade so the peer sees a close reason.
	if selfID == "" {
		conn.Close(websocket.ClosePolicyViolation, "Missing X-Self-ID Header")
		return
	}
	if authStatus != 0 {
		conn.Close(websocket.ClosePolicyViolation, authMsg)
		return
	}

	a.mu.Lock()
	if _, dup := a.conns[selfID]; dup {
		a.mu.Unlock()
		a.logger.Warn("duplicate websocket for bot", "self_id", selfID)
		conn.Close(websocket.ClosePolicyViolation, "Duplicate X-Self-ID")
		return
	}
	a.conns[selfID] = conn
	a.mu.Unlock()

	bot := a.botFor(selfID)
	a.logger.Info("websocket connected", "self_id", selfID, "remote", r.RemoteAddr)

	a.readLoop(conn, bot)
	a.dropConn(selfID, conn)
	a.dropBot(selfID)
}

// readLoop receives frames until the socket dies, feeding action replies
// to the result store and events to the host.
func (a *Adapter) readLoop(conn *wsutil.Conn, bot *Bot) {
	log := a.logger.With("self_id", bot.SelfID(), "conn_id", conn.ID)
	for {
		typ, data, err := conn.ReadMessage()
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
			// One bad frame must not kill the connection.
			log.Warn("frame undecodable", "error", err)
			continue
		}
		a.handlePayload(bot, payload)
	}
}

// handlePayload routes one decoded frame: echo replies to the store,
// everything else through event dispatch.
func (a *Adapter) handlePayload(bot *Bot, payload map[string]any) {
	if _, ok := payload["post_type"]; !ok {
		a.store.Deliver(payload)
		return
	}
	a.spawn(func(ctx context.Context) { a.dispatch(ctx, bot, payload) })
}

// dispatch classifies a payload, runs the message receive pipeline, and
// hands the event to the host. Dispatch errors are logged, never fatal.
func (a *Adapter) dispatch(ctx context.Context, bot *Bot, payload map[string]any) {
	ev, err := DecodeEvent(a.events, payload)
	if err != nil {
		a.logger.Warn("event classification failed", "self_id", bot.SelfID(), "error", err)
		return
	}
	if me, ok := ev.(MessageEvent); ok {
		bot.receivePipeline(ctx, me, a.nicknameRe)
	}
	a.host.HandleEvent(bot, ev)
}

// botFor returns the registered bot for selfID, creating and connecting
// one on first contact.
func (a *Adapter) botFor(selfID string) *Bot {
	a.mu.Lock()
	if b, ok := a.bots[selfID]; ok {
		a.mu.Unlock()
		return b
	}
	b := newBot(a, selfID)
	a.bots[selfID] = b
	a.mu.Unlock()

	if err := a.host.BotConnect(b); err != nil {
		a.logger.Warn("bot registration refused", "self_id", selfID, "error", err)
	}
	return b
}

func (a *Adapter) dropBot(selfID string) {
	a.mu.Lock()
	b, ok := a.bots[selfID]
	if ok {
		delete(a.bots, selfID)
	}
	a.mu.Unlock()
	if ok {
		a.host.BotDisconnect(b)
	}
}

// dropConn removes the socket only if it is still the registered one
// for selfID, then closes it.
func (a *Adapter) dropConn(selfID string, conn *wsutil.Conn) {
	a.mu.Lock()
	if cur, ok := a.conns[selfID]; ok && cur == conn {
		delete(a.conns, selfID)
	}
	a.mu.Unlock()
	conn.Close(websocket.CloseNormalClosure, "")
}

func (a *Adapter) connFor(selfID string) (*wsutil.Conn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[selfID]
	return c, ok
}

// Start launches the reverse-WebSocket supervisors. Returns immediately;
// Shutdown stops them.
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

// superviseReverseWS dials url and runs the event loop, retrying at the
// fixed interval on every termination until ctx cancels.
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

// runReverseWS performs one dial-connect-loop cycle. The first
// lifecycle.connect meta event binds the connection to a self_id.
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
	defer conn.Close(websocket.CloseNormalClosure, "")

	stop := context.AfterFunc(ctx, func() {
		conn.Close(websocket.CloseNormalClosure, "adapter shutdown")
	})
	defer stop()

	selfID, err := a.awaitLifecycleConnect(conn)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if _, dup := a.conns[selfID]; dup {
		a.mu.Unlock()
		return fmt.Errorf("bot %s already has a connection", selfID)
	}
	a.conns[selfID] = conn
	a.mu.Unlock()

	bot := a.botFor(selfID)
	a.logger.Info("reverse websocket connected", "url", url, "self_id", selfID)

	a.readLoop(conn, bot)
	a.dropConn(selfID, conn)
	a.dropBot(selfID)
	return nil
}

// awaitLifecycleConnect reads frames until the lifecycle.connect meta
// event arrives and returns its self_id. Frames that are not the connect
// event are dropped, matching implementations that replay queued events
// before the handshake.
func (a *Adapter) awaitLifecycleConnect(conn *wsutil.Conn) (string, error) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("awaiting lifecycle.connect: %w", err)
		}
		payload, err := wire.DecodeFrame(data, typ == websocket.BinaryMessage)
		if err != nil {
			a.logger.Warn("pre-handshake frame undecodable", "error", err)
			continue
		}
		if payload["post_type"] == "meta_event" &&
			payload["meta_event_type"] == "lifecycle" &&
			payload["sub_type"] == "connect" {
			selfID := fmt.Sprint(payload["self_id"])
			if selfID == "" || selfID == "<nil>" {
				return "", fmt.Errorf("lifecycle.connect without self_id")
			}
			return selfID, nil
		}
		a.logger.Debug("frame before lifecycle.connect dropped", "post_type", payload["post_type"])
	}
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
// 10 seconds for tasks to drain. Join errors are swallowed.
func (a *Adapter) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	conns := make([]*wsutil.Conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.CloseNormalClosure, "adapter shutdown")
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

// callAPI is the dispatcher behind Bot.CallAPI: WebSocket when live,
// HTTP API root as fallback, ApiNotAvailable otherwise.
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

	if conn, ok := a.connFor(bot.selfID); ok {
		return a.callOverWS(ctx, conn, bot, action, params, timeout)
	}
	if root, ok := a.cfg.APIRoots[bot.selfID]; ok && root != "" {
		return a.callOverHTTP(ctx, root, action, params)
	}
	return nil, &oberr.ApiNotAvailable{}
}

func (a *Adapter) callOverWS(ctx context.Context, conn *wsutil.Conn, bot *Bot, action string, params map[string]any, timeout time.Duration) (any, error) {
	seq := a.store.NextSeq()
	body, err := json.Marshal(map[string]any{
		"action": action,
		"params": params,
		"echo":   strconv.FormatUint(seq, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("encode action %s: %w", action, err)
	}
	a.logger.Debug("calling api over websocket", "self_id", bot.selfID, "action", action, "echo", seq)
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
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

func (a *Adapter) callOverHTTP(ctx context.Context, root, action string, params map[string]any) (any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode action %s: %w", action, err)
	}
	url := strings.TrimSuffix(root, "/") + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", wire.ContentTypeJSON)
	if a.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}

	a.logger.Debug("calling api over http", "url", url)
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

// handleAPIResult maps a decoded action reply to its data or an
// ActionFailed carrying the full result.
func handleAPIResult(result map[string]any) (any, error) {
	if result["status"] == "failed" {
		return nil, &oberr.ActionFailed{Info: result}
	}
	return result["data"], nil
}

