// Package terminal streams drone pty sessions to clients over WebSocket,
// with an HTTP polling path sharing the same byte-offset semantics.
//
// The Hub owns one session actor per (drone, session name). Each actor has
// a single writer goroutine feeding the pty, so client inputs are never
// reordered, and an output pump polling the engine on an adaptive cadence
// and fanning new bytes out to attached clients. Offsets are the only
// cursor: two clients that observe the same offsetBytes have received
// byte-identical output prefixes.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/internal/metrics"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 2 * time.Minute

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from a client.
	maxFrameBytes = 64 << 10

	// Per-client outbound frame queue.
	sendQueueSize = 256

	// Input coalescing: buffered bytes flush after coalesceWindow, once the
	// buffer reaches coalesceBurst, or as soon as a control byte arrives.
	// One engine write carries at most inputChunkBytes.
	coalesceWindow  = 22 * time.Millisecond
	coalesceBurst   = 768
	inputChunkBytes = 16 << 10

	// Output pump cadence: pumpBase while bytes flow, growing by pumpGrowth
	// per empty read up to pumpIdleCap; engine errors double the interval up
	// to pumpErrorCap.
	pumpBase     = 120 * time.Millisecond
	pumpGrowth   = 1.6
	pumpIdleCap  = 2000 * time.Millisecond
	pumpErrorCap = 6000 * time.Millisecond

	// pumpReadBytes bounds one pump read; catchUpBytes bounds one replay
	// read for a client behind the live tail.
	pumpReadBytes = 64 << 10
	catchUpBytes  = 256 << 10

	// defaultPollBytes bounds HTTP polling reads when the client passes no
	// maxBytes.
	defaultPollBytes = 256 << 10
)

// Mode selects what command a new session runs.
type Mode string

const (
	ModeShell Mode = "shell"
	ModeAgent Mode = "agent"
)

// OpenOptions describe the session a client wants. An empty Cwd means the
// container's default working directory.
type OpenOptions struct {
	Mode Mode   `json:"mode"`
	Chat string `json:"chat"`
	Cwd  string `json:"cwd"`
}

// SessionName derives the canonical engine session name for a tuple. The
// cwd component keeps sessions with different working directories apart
// without leaking paths into the name.
func SessionName(mode Mode, chat, cwd string) string {
	name := string(mode) + "-" + chat
	if cwd != "" {
		h := fnv.New32a()
		h.Write([]byte(cwd))
		name = fmt.Sprintf("%s-%08x", name, h.Sum32())
	}
	return name
}

// Config wires a Hub.
type Config struct {
	Dvm      *dvm.Client
	Registry *registry.Registry
	Logger   *slog.Logger

	// ContainerPrefix joined with the drone name addresses the container.
	ContainerPrefix string
	// ShellCmd starts shell sessions. Default "bash".
	ShellCmd string
	// AgentCmd and AgentArgs start agent sessions. An empty AgentCmd falls
	// back to ShellCmd; in practice agent sessions are started by the
	// lifecycle engine and Open only reattaches to them.
	AgentCmd  string
	AgentArgs []string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub fronts a local UI; cross-origin upgrades are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

type sessionKey struct {
	droneID string
	name    string
}

// Hub tracks live session actors and attaches WebSocket clients to them.
type Hub struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session
	closed   bool
}

// NewHub creates a Hub.
func NewHub(cfg Config) *Hub {
	if cfg.ShellCmd == "" {
		cfg.ShellCmd = "bash"
	}
	if cfg.AgentCmd == "" {
		cfg.AgentCmd = cfg.ShellCmd
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[sessionKey]*session),
	}
}

// Open ensures the engine session for the tuple exists and returns its
// name. Reopening an existing tuple is idempotent: the engine reuses the
// live session.
func (h *Hub) Open(ctx context.Context, droneID string, opts OpenOptions) (string, error) {
	if opts.Mode == "" {
		opts.Mode = ModeShell
	}
	if opts.Chat == "" {
		opts.Chat = "default"
	}
	rec, err := h.cfg.Registry.Get(droneID)
	if err != nil {
		return "", err
	}
	if rec.HubPhase == model.PhaseCreating {
		return "", model.E(model.CodeStateViolation, "drone %s has no container yet", droneID)
	}

	name := SessionName(opts.Mode, opts.Chat, opts.Cwd)
	cmd, args := h.startCommand(opts.Mode, opts.Cwd)
	if err := h.cfg.Dvm.SessionStart(ctx, h.cfg.ContainerPrefix+rec.Name, name, cmd, args, true); err != nil {
		return "", err
	}
	h.log.Info("terminal session open", "drone", droneID, "session", name, "mode", opts.Mode)
	return name, nil
}

func (h *Hub) startCommand(mode Mode, cwd string) (string, []string) {
	cmd, args := h.cfg.ShellCmd, []string(nil)
	if mode == ModeAgent {
		cmd, args = h.cfg.AgentCmd, h.cfg.AgentArgs
	}
	if cwd == "" {
		return cmd, args
	}
	full := cmd
	for _, a := range args {
		full += " " + shellQuote(a)
	}
	return "sh", []string{"-c", "cd " + shellQuote(cwd) + " && exec " + full}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Read serves the HTTP polling path. since < 0 with no tail means "live
// tail only": the current offset and no bytes. tailLines, when set, wins
// over since.
func (h *Hub) Read(ctx context.Context, droneID, session string, since int64, maxBytes, tailLines int) (dvm.ReadResult, error) {
	container, err := h.container(droneID)
	if err != nil {
		return dvm.ReadResult{}, err
	}
	if maxBytes <= 0 {
		maxBytes = defaultPollBytes
	}
	opts := dvm.ReadOptions{Since: since, MaxBytes: maxBytes}
	if tailLines > 0 {
		opts = dvm.ReadOptions{Since: -1, TailLines: tailLines, MaxBytes: maxBytes}
	}
	res, err := h.cfg.Dvm.SessionRead(ctx, container, session, opts)
	if err != nil {
		return dvm.ReadResult{}, err
	}
	metrics.TerminalBytes.Add(float64(len(res.Text)))
	return res, nil
}

// Input feeds bytes into a session from a polling client. When a live
// actor exists the bytes join its write queue so ordering against
// WebSocket inputs holds; otherwise they go straight to the engine.
func (h *Hub) Input(ctx context.Context, droneID, session, data string) error {
	container, err := h.container(droneID)
	if err != nil {
		return err
	}
	if data == "" {
		return nil
	}
	if s := h.lookup(droneID, session); s != nil && s.enqueue([]byte(data)) {
		return nil
	}
	return h.cfg.Dvm.SessionSend(ctx, container, session, data)
}

// Attach upgrades the request to a WebSocket and streams the session until
// either side closes. since >= 0 requests replay from that offset; a
// negative since starts at the live tail. Attach returns an error only
// when the upgrade cannot happen; afterwards errors travel as frames.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, droneID, sessionName string, since int64) error {
	c := &wsClient{send: make(chan []byte, sendQueueSize)}
	var s *session
	for {
		s = h.adopt(droneID, sessionName)
		if s == nil {
			return model.E(model.CodeStateViolation, "terminal hub is shut down")
		}
		if s.register(c, since) {
			break
		}
		// The actor retired between lookup and registration; adopt again.
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.unregister(c)
		return err
	}
	c.conn = conn
	go c.writePump()
	c.readPump(s)
	return nil
}

// container resolves a drone's engine container name. Resolved per call,
// never cached: renames move the container under a live actor.
func (h *Hub) container(droneID string) (string, error) {
	rec, err := h.cfg.Registry.Get(droneID)
	if err != nil {
		return "", err
	}
	return h.cfg.ContainerPrefix + rec.Name, nil
}

// lookup returns the live actor for a tuple, if any.
func (h *Hub) lookup(droneID, name string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[sessionKey{droneID: droneID, name: name}]
}

// adopt returns the actor for a tuple, creating one around the engine
// session if needed. Returns nil once the hub is closed.
func (h *Hub) adopt(droneID, name string) *session {
	key := sessionKey{droneID: droneID, name: name}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if s, ok := h.sessions[key]; ok {
		h.mu.Unlock()
		return s
	}
	h.mu.Unlock()

	s := &session{
		hub:     h,
		key:     key,
		input:   make(chan []byte, 64),
		closeCh: make(chan struct{}),
		clients: make(map[*wsClient]struct{}),
	}
	// Probe the live tail so clients without replay start at the real end
	// of stream rather than zero. A failed probe leaves the offset at zero
	// and the pump surfaces the error.
	if container, err := h.container(droneID); err == nil {
		if res, err := h.cfg.Dvm.SessionRead(context.Background(), container, name,
			dvm.ReadOptions{Since: -1, TailLines: 1}); err == nil {
			s.offset = res.OffsetBytes
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if existing, ok := h.sessions[key]; ok {
		h.mu.Unlock()
		return existing
	}
	h.sessions[key] = s
	h.mu.Unlock()

	metrics.TerminalSessions.Inc()
	go s.pumpLoop()
	go s.writeLoop()
	return s
}

// retire drops an actor that lost its last client. The engine session
// stays alive; the next attach adopts it again.
func (h *Hub) retire(s *session) {
	h.mu.Lock()
	if h.sessions[s.key] == s {
		delete(h.sessions, s.key)
	}
	h.mu.Unlock()
	s.stop()
}

// DropDrone closes every actor belonging to a drone. Used when the
// container is deleted; attached clients get a going-away close.
func (h *Hub) DropDrone(droneID string) {
	h.mu.Lock()
	var doomed []*session
	for key, s := range h.sessions {
		if key.droneID == droneID {
			delete(h.sessions, key)
			doomed = append(doomed, s)
		}
	}
	h.mu.Unlock()
	for _, s := range doomed {
		s.stop()
	}
}

// Close shuts the hub down. Every attached client receives close code
// 1001 (going away).
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	doomed := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		doomed = append(doomed, s)
	}
	h.sessions = make(map[sessionKey]*session)
	h.mu.Unlock()
	for _, s := range doomed {
		s.stop()
	}
}

// session is the actor for one engine session: one writer, one pump, any
// number of attached clients each with its own offset cursor.
type session struct {
	hub *Hub
	key sessionKey

	input   chan []byte
	closeCh chan struct{}

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	offset  int64 // live tail as far as the pump knows
	closed  bool
}

// register adds a client and sends its ready frame. Returns false if the
// actor already retired, in which case the caller re-adopts.
func (s *session) register(c *wsClient, since int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	tail := s.offset
	switch {
	case since < 0 || since >= tail:
		// No replay, or the client claims bytes past our tail: start live.
		c.offset, c.live = tail, true
	default:
		c.offset, c.live = since, false
	}
	ready := c.offset
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	c.trySend(readyFrame(ready))
	if !c.live {
		go s.catchUp(c)
	}
	return true
}

func (s *session) unregister(c *wsClient) {
	s.mu.Lock()
	_, known := s.clients[c]
	delete(s.clients, c)
	empty := known && len(s.clients) == 0 && !s.closed
	s.mu.Unlock()

	if known {
		c.close()
	}
	if empty {
		s.hub.retire(s)
	}
}

// stop tears the actor down exactly once and closes all its clients.
func (s *session) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	close(s.closeCh)
	for _, c := range clients {
		c.close()
	}
	metrics.TerminalSessions.Dec()
}

// enqueue hands input bytes to the writer, blocking while the queue is
// full so arrival order is preserved. Returns false once the actor closed.
func (s *session) enqueue(data []byte) bool {
	select {
	case s.input <- data:
		return true
	case <-s.closeCh:
		return false
	}
}

// writeLoop is the session's single writer. It coalesces bursts before
// handing them to the engine so fast typing and pasted blocks do not turn
// into one engine call per byte.
func (s *session) writeLoop() {
	var (
		buf    []byte
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	flush := func() {
		stopTimer()
		for len(buf) > 0 {
			n := len(buf)
			if n > inputChunkBytes {
				n = inputChunkBytes
			}
			container, err := s.hub.container(s.key.droneID)
			if err == nil {
				err = s.hub.cfg.Dvm.SessionSend(context.Background(), container, s.key.name, string(buf[:n]))
			}
			if err != nil {
				s.hub.log.Warn("terminal input dropped", "session", s.key.name, "bytes", len(buf), "err", err)
				s.broadcast(errorFrame("input write failed: " + err.Error()))
				break
			}
			buf = buf[n:]
		}
		buf = nil
	}

	for {
		select {
		case <-s.closeCh:
			stopTimer()
			return
		case data := <-s.input:
			buf = append(buf, data...)
			if len(buf) >= coalesceBurst || hasControlByte(data) {
				flush()
				continue
			}
			if timerC == nil {
				timer = time.NewTimer(coalesceWindow)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

func hasControlByte(p []byte) bool {
	for _, b := range p {
		switch b {
		case '\r', '\n', '\t', 0x03, 0x04, 0x1b:
			return true
		}
	}
	return false
}

// pumpLoop polls the engine for new output and fans it out to live
// clients. Cadence adapts: quiet sessions are polled less often, engine
// errors back off harder.
func (s *session) pumpLoop() {
	interval := pumpBase
	for {
		select {
		case <-s.closeCh:
			return
		case <-time.After(interval):
		}

		s.mu.Lock()
		from := s.offset
		s.mu.Unlock()

		var res dvm.ReadResult
		container, err := s.hub.container(s.key.droneID)
		if err == nil {
			res, err = s.hub.cfg.Dvm.SessionRead(context.Background(), container, s.key.name,
				dvm.ReadOptions{Since: from, MaxBytes: pumpReadBytes})
		}
		if err != nil {
			interval *= 2
			if interval > pumpErrorCap {
				interval = pumpErrorCap
			}
			s.broadcast(errorFrame(err.Error()))
			continue
		}
		if res.OffsetBytes < from {
			// The engine restarted the session; its byte counter went
			// backwards. Snap every cursor to the new tail.
			s.resetStream(res.OffsetBytes)
			interval = pumpBase
			continue
		}
		if res.Text == "" {
			interval = time.Duration(float64(interval) * pumpGrowth)
			if interval > pumpIdleCap {
				interval = pumpIdleCap
			}
			continue
		}
		interval = pumpBase
		s.fanOut(from, res)
	}
}

// fanOut advances the shared tail and delivers one chunk to every live
// client sitting exactly at the chunk start. A client whose queue is full
// is demoted to replay so it never skips bytes.
func (s *session) fanOut(from int64, res dvm.ReadResult) {
	data := outputFrame(res.OffsetBytes, res.Text)
	var stale []*wsClient
	relayed := 0

	s.mu.Lock()
	s.offset = res.OffsetBytes
	for c := range s.clients {
		if !c.live || c.offset != from {
			continue
		}
		if c.trySend(data) {
			c.offset = res.OffsetBytes
			relayed++
		} else {
			c.live = false
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		go s.catchUp(c)
	}
	if relayed > 0 {
		metrics.TerminalBytes.Add(float64(relayed * len(res.Text)))
	}
}

func (s *session) resetStream(tail int64) {
	s.mu.Lock()
	s.offset = tail
	for c := range s.clients {
		c.offset, c.live = tail, true
	}
	s.mu.Unlock()
	s.broadcast(errorFrame("session output reset"))
}

// catchUp replays [c.offset, live tail) to one client and then flips it
// onto the shared pump. Replay reads go straight to the engine so a slow
// client never stalls the others.
func (s *session) catchUp(c *wsClient) {
	backoff := pumpBase
	for {
		if c.closed.Load() {
			return
		}
		select {
		case <-s.closeCh:
			return
		default:
		}

		s.mu.Lock()
		from, tail := c.offset, s.offset
		if from >= tail {
			c.live = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		var res dvm.ReadResult
		container, err := s.hub.container(s.key.droneID)
		if err == nil {
			res, err = s.hub.cfg.Dvm.SessionRead(context.Background(), container, s.key.name,
				dvm.ReadOptions{Since: from, MaxBytes: catchUpBytes})
		}
		if err != nil {
			c.trySend(errorFrame(err.Error()))
			select {
			case <-s.closeCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pumpErrorCap {
				backoff = pumpErrorCap
			}
			continue
		}
		backoff = pumpBase
		if res.Text == "" {
			// Engine sees nothing past the cursor; trust it and go live.
			s.mu.Lock()
			if res.OffsetBytes > c.offset {
				c.offset = res.OffsetBytes
			}
			c.live = true
			s.mu.Unlock()
			return
		}
		if !c.deliver(outputFrame(res.OffsetBytes, res.Text)) {
			return
		}
		metrics.TerminalBytes.Add(float64(len(res.Text)))
		s.mu.Lock()
		if res.OffsetBytes > c.offset {
			c.offset = res.OffsetBytes
		}
		s.mu.Unlock()
	}
}

func (s *session) applyResize(cols, rows int) {
	container, err := s.hub.container(s.key.droneID)
	if err == nil {
		err = s.hub.cfg.Dvm.SessionResize(context.Background(), container, s.key.name, cols, rows)
	}
	if err != nil {
		s.hub.log.Debug("terminal resize failed", "session", s.key.name, "err", err)
	}
}

// broadcast queues a frame to every client, dropping on full queues.
func (s *session) broadcast(data []byte) {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.trySend(data)
	}
}

// wsClient is one WebSocket attachment. offset and live are guarded by
// the owning session's mutex.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool

	offset int64
	live   bool
}

// trySend queues a frame without blocking; drops it when the client is
// closed or its queue is full.
func (c *wsClient) trySend(data []byte) (sent bool) {
	// close can race the channel send; the recover turns that panic into
	// a normal "client gone" result.
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliver queues a frame, waiting for room. Replay must not drop bytes,
// so catch-up uses this instead of trySend.
func (c *wsClient) deliver(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	c.send <- data
	return true
}

// close shuts the send channel exactly once.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// clientFrame is the wire shape of all client-to-server messages.
type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// readPump reads client frames until the connection dies, then detaches
// the client from the session.
func (c *wsClient) readPump(s *session) {
	defer func() {
		s.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Warn("terminal read error", "session", s.key.name, "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.trySend(errorFrame("malformed frame"))
			continue
		}
		switch f.Type {
		case "input":
			if f.Data != "" {
				s.enqueue([]byte(f.Data))
			}
		case "resize":
			if f.Cols > 0 && f.Rows > 0 {
				go s.applyResize(f.Cols, f.Rows)
			}
		case "ping":
			c.trySend(pongFrame())
		}
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. A closed queue means the session is going away: the
// peer gets close code 1001.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readyFrame(offset int64) []byte {
	return marshalFrame(map[string]any{"type": "ready", "offsetBytes": offset})
}

func outputFrame(offset int64, text string) []byte {
	return marshalFrame(map[string]any{"type": "output", "offsetBytes": offset, "text": text})
}

func errorFrame(msg string) []byte {
	return marshalFrame(map[string]any{"type": "error", "error": msg})
}

func pongFrame() []byte {
	return marshalFrame(map[string]any{"type": "pong"})
}

func marshalFrame(m map[string]any) []byte {
	data, _ := json.Marshal(m)
	return data
}
