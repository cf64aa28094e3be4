// Package bridge relays a live-reload WebSocket session between the browser
// and the dev-mode upstream.
//
// A session pairs one inbound (browser) connection with one outbound
// (upstream) connection. Each direction is relayed by its own goroutine, so
// either side may send any number of messages without waiting for the
// other. When either direction ends, both connections are closed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"ssr-proxy-go/internal/client"
	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/metrics"
	"ssr-proxy-go/internal/mode"
	"ssr-proxy-go/internal/model"
)

var (
	// ErrUpgrade is returned when the inbound handshake fails. The upgrader
	// has already written an error response to the client.
	ErrUpgrade = errors.New("inbound websocket upgrade failed")
	// ErrUpstreamDial is returned when the outbound handshake fails. The
	// inbound connection has been closed with code 1011.
	ErrUpstreamDial = errors.New("upstream websocket dial failed")

	errIdle = errors.New("session idle")
)

// writeWait bounds control-frame writes.
const writeWait = 5 * time.Second

// State is the lifecycle state of a Session.
type State int32

const (
	Handshaking State = iota
	Bridging
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Bridging:
		return "bridging"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one bridged browser/upstream pair.
type Session struct {
	ID string

	state      atomic.Int32
	cancel     context.CancelFunc
	toUpstream atomic.Int64
	toClient   atomic.Int64
	// lastActive is the unix-nano time of the last frame in either direction.
	lastActive atomic.Int64
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastActive.Load())
}

// Bridge accepts live-reload upgrades and relays them to the upstream.
type Bridge struct {
	client   *client.UpstreamClient
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	idleTimeout     time.Duration
	maxMessageBytes int64

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// New creates a Bridge. The metrics parameter is optional.
func New(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		client: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Only the dev-mode reload path is bridged; the dev server
			// performs its own origin policy on the outbound handshake.
			CheckOrigin: func(*http.Request) bool { return true },
			Error: func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
				http.Error(w, reason.Error(), status)
			},
		},
		logger:          logger.With("component", "ws_bridge"),
		metrics:         m,
		idleTimeout:     cfg.Reload.IdleTimeout(),
		maxMessageBytes: cfg.Reload.MaxMessageBytes,
		sessions:        make(map[string]*Session),
	}
}

// Eligible reports whether r must be bridged rather than forwarded: the dev
// mode is active, r targets the reload path exactly, and r is a genuine
// WebSocket upgrade request.
func Eligible(r *http.Request, s mode.Settings, reloadPath string) bool {
	return s.Dev() && r.URL.Path == reloadPath && websocket.IsWebSocketUpgrade(r)
}

// Serve upgrades r, dials the same path on target and relays messages until
// either side closes. It blocks for the life of the session. Serve never
// writes to w after the upgrade; errors are returned for logging only.
// A session ended by a normal close handshake or by idle expiry returns nil.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, target model.UpstreamTarget) error {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &Session{ID: uuid.NewString(), cancel: cancel}
	sess.setState(Handshaking)
	b.track(sess)
	defer b.untrack(sess)

	log := b.logger.With("session_id", sess.ID, "upstream", target.Addr())

	// The browser is answered before the upstream is dialed, so the first
	// requested subprotocol is accepted on both legs.
	var (
		respHeader http.Header
		protocols  = websocket.Subprotocols(r)
	)
	if len(protocols) > 0 {
		protocols = protocols[:1]
		respHeader = http.Header{"Sec-Websocket-Protocol": protocols}
	}

	inbound, err := b.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		sess.setState(Failed)
		b.recordResult("upgrade_failed")
		return fmt.Errorf("%w: %w", ErrUpgrade, err)
	}

	upstreamURL := "ws://" + target.Addr() + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	outbound, _, err := b.client.DialWebSocket(ctx, upstreamURL, dialHeader(r.Header), protocols)
	if err != nil {
		// The 101 already went out; the only way left to report is a close frame.
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unavailable")
		_ = inbound.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = inbound.Close()
		sess.setState(Failed)
		b.recordResult("dial_failed")
		return fmt.Errorf("%w: %w", ErrUpstreamDial, err)
	}

	sess.setState(Bridging)
	if b.metrics != nil {
		b.metrics.BridgeSessionsActive.Inc()
		defer b.metrics.BridgeSessionsActive.Dec()
	}
	log.Info("bridge session open", "path", r.URL.Path)
	start := time.Now()

	err = b.relay(ctx, inbound, outbound, sess)

	sess.setState(Closed)
	result := "normal"
	switch {
	case errors.Is(err, errIdle):
		result = "idle"
		err = nil
	case err != nil:
		result = "error"
	}
	b.recordResult(result)
	log.Info("bridge session closed",
		"result", result,
		"err", err,
		"duration_ms", time.Since(start).Milliseconds(),
		"to_upstream", sess.toUpstream.Load(),
		"to_client", sess.toClient.Load(),
	)
	return err
}

// relay runs both directions until one ends, then closes both connections.
// A session with no frame in either direction for the idle timeout is
// closed with 1001 on both sides and reported as errIdle.
func (b *Bridge) relay(ctx context.Context, inbound, outbound *websocket.Conn, sess *Session) error {
	g, gctx := errgroup.WithContext(ctx)
	sess.touch()

	g.Go(func() error {
		return b.pump(inbound, outbound, sess, metrics.DirectionToUpstream, &sess.toUpstream)
	})
	g.Go(func() error {
		return b.pump(outbound, inbound, sess, metrics.DirectionToClient, &sess.toClient)
	})
	if b.idleTimeout > 0 {
		g.Go(func() error {
			return b.watchIdle(gctx, sess)
		})
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-gctx.Done()
		var reason string
		switch {
		case ctx.Err() != nil:
			// Shutdown or request cancellation rather than a peer closing.
			reason = "proxy shutting down"
		case errors.Is(context.Cause(gctx), errIdle):
			reason = "idle timeout"
		}
		if reason != "" {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
			deadline := time.Now().Add(writeWait)
			_ = inbound.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = outbound.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = inbound.Close()
		_ = outbound.Close()
	}()

	err := g.Wait()
	<-closed

	if errors.Is(err, errIdle) {
		return errIdle
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure ||
		ce.Code == websocket.CloseGoingAway ||
		ce.Code == websocket.CloseNoStatusReceived) {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// watchIdle returns errIdle once the session has seen no frame in either
// direction for the idle timeout, or nil when ctx ends first.
func (b *Bridge) watchIdle(ctx context.Context, sess *Session) error {
	tick := b.idleTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if sess.idleFor() >= b.idleTimeout {
				return errIdle
			}
		}
	}
}

// pump copies messages from src to dst until src fails or closes. It always
// returns a non-nil error so the errgroup context is canceled as soon as
// either direction stops.
func (b *Bridge) pump(src, dst *websocket.Conn, sess *Session, direction string, count *atomic.Int64) error {
	if b.maxMessageBytes > 0 {
		src.SetReadLimit(b.maxMessageBytes)
	}

	// Control frames are forwarded rather than answered locally so each
	// endpoint keeps seeing its real peer's pings, pongs and close codes.
	src.SetPingHandler(func(data string) error {
		sess.touch()
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(writeWait))
	})
	src.SetPongHandler(func(data string) error {
		sess.touch()
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	src.SetCloseHandler(func(code int, text string) error {
		deadline := time.Now().Add(writeWait)
		_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = src.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		return nil
	})

	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return fmt.Errorf("%s read: %w", direction, err)
		}
		sess.touch()
		w, err := dst.NextWriter(mt)
		if err != nil {
			return fmt.Errorf("%s write: %w", direction, err)
		}
		if _, err := io.Copy(w, r); err != nil {
			_ = w.Close()
			return fmt.Errorf("%s copy: %w", direction, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("%s flush: %w", direction, err)
		}
		sess.touch()
		count.Add(1)
		if b.metrics != nil {
			b.metrics.BridgeMessagesTotal.WithLabelValues(direction).Inc()
		}
	}
}

func (b *Bridge) recordResult(result string) {
	if b.metrics != nil {
		b.metrics.BridgeSessionsTotal.WithLabelValues(result).Inc()
	}
}

func (b *Bridge) track(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.ID] = s
	b.wg.Add(1)
}

func (b *Bridge) untrack(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s.ID)
	b.wg.Done()
}

// Active returns the number of sessions that have not yet terminated.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Shutdown closes every live session with 1001 Going Away and waits for
// them to finish or for ctx to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	for _, s := range b.sessions {
		s.cancel()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge shutdown: %w", ctx.Err())
	}
}

// handshakeHeaders are generated by the dialer and must not be copied.
var handshakeHeaders = map[string]bool{
	"Host":                     true,
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
	"Keep-Alive":               true,
	"Proxy-Connection":         true,
	"Proxy-Authorization":      true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
	"Content-Length":           true,
}

// dialHeader returns the inbound headers (cookies, origin, user agent, ...)
// to replay on the outbound handshake.
func dialHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if handshakeHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}
