// Package origin implements the origin session host: it validates trusted
// forwarded upgrades from the gateway, allocates a sandbox container per
// session, bridges it to the client through a PTY, and guarantees idempotent
// cleanup on every termination path.
package origin

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/termlab/termgate/internal/container"
	"github.com/termlab/termgate/internal/logging"
	"github.com/termlab/termgate/internal/ptybridge"
)

// Trusted headers set by the gateway. Requests missing the correct secret
// are rejected before any other processing.
const (
	headerOriginSecret = "X-Origin-Secret"
	headerUserID       = "X-User-Id"
	headerUserEmail    = "X-User-Email"
	headerClientIP     = "X-Client-Ip"
	headerRequestID    = "X-Request-Id"
)

// timeoutGrace is how long the timeout warning frame is given to reach the
// client before the session is cut.
const timeoutGrace = time.Second

const maxMessageSize = 1024 * 1024

// Containers is the container lifecycle surface the host drives. Satisfied
// by *container.Manager; tests substitute a fake.
type Containers interface {
	Start(userID string) *container.Handle
	Stop(ctx context.Context, name string)
	CleanupStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Host owns the session map and every session's state machine.
type Host struct {
	containers Containers
	secret     string
	timeout    time.Duration

	// spawnCommand is the binary the PTY bridge executes with the
	// handle's argv. Tests substitute a shell.
	spawnCommand string

	mu       sync.Mutex
	sessions map[string]*Session

	cron      *cron.Cron
	wg        sync.WaitGroup
	startedAt time.Time
}

func NewHost(containers Containers, originSecret string, sessionTimeout time.Duration) *Host {
	return &Host{
		containers:   containers,
		secret:       originSecret,
		timeout:      sessionTimeout,
		spawnCommand: "docker",
		sessions:     make(map[string]*Session),
		startedAt:    time.Now(),
	}
}

// StartSweeper schedules the reconciliation sweep: every interval, stop any
// managed container older than the session timeout. This is the backstop for
// containers orphaned by a crash, which never reached Terminate.
func (h *Host) StartSweeper(interval time.Duration) {
	h.cron = cron.New()
	h.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		n, err := h.containers.CleanupStale(ctx, h.timeout)
		if err != nil {
			log.Printf("[origin] reconciliation sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[origin] reconciliation sweep stopped %d stale containers", n)
		}
	})
	h.cron.Start()
}

// Terminal handles a forwarded terminal upgrade.
func (h *Host) Terminal(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(headerOriginSecret)), []byte(h.secret)) != 1 {
		log.Printf("[origin] rejected request without valid origin secret from %s", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	userID := r.Header.Get(headerUserID)
	if userID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}
	clientIP := r.Header.Get(headerClientIP)
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	cols, rows := parseGeometry(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[origin] [%s] accept failed: %v", requestID, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	log.Printf("[origin] [%s] session start user=%s ip=%s", requestID, logging.Sanitize(userID), clientIP)

	handle := h.containers.Start(userID)

	session := &Session{
		ID:            requestID,
		UserID:        userID,
		ContainerName: handle.Name,
		CreatedAt:     time.Now(),
		conn:          conn,
		state:         SessionActive,
	}

	// The bridge runs the docker CLI under a PTY; the container's lifetime
	// is the lifetime of this process tree.
	writer := &wsBinaryWriter{conn: conn, ctx: context.Background()}
	bridge, err := ptybridge.New(writer, h.spawnCommand, handle.Args, ptybridge.Options{
		Cols: cols,
		Rows: rows,
		OnExit: func(code int) {
			log.Printf("[origin] [%s] container exited with code %d", requestID, code)
			h.Terminate(requestID, ReasonExit)
		},
	})
	if err != nil {
		log.Printf("[origin] [%s] container spawn failed: %v", requestID, err)
		h.stopContainer(handle.Name)
		conn.Close(4500, "Failed to start shell")
		return
	}
	session.bridge = bridge

	// Absolute timeout: armed once at session start and never renewed by
	// activity. Busy sessions are cut at the same wall-clock deadline.
	session.timer = time.AfterFunc(h.timeout, func() {
		log.Printf("[origin] [%s] session timeout user=%s", requestID, logging.Sanitize(userID))
		writer.WriteBinary([]byte("\r\n\x1b[31m[Session timeout - disconnecting...]\x1b[0m\r\n"))
		time.Sleep(timeoutGrace)
		h.Terminate(requestID, ReasonTimeout)
	})

	h.mu.Lock()
	h.sessions[requestID] = session
	h.mu.Unlock()

	// The process may have exited before the session was registered, which
	// makes the OnExit Terminate a no-op. Re-check so a dead session cannot
	// linger in the map until the absolute timeout.
	select {
	case <-bridge.Done():
		h.Terminate(requestID, ReasonExit)
		return
	default:
	}

	h.sendBanner(writer, handle.Name)

	// Client -> bridge. Read errors are the close/error trigger.
	reason := ReasonClose
	for {
		msgType, data, err := conn.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && r.Context().Err() == nil {
				reason = ReasonError
			}
			break
		}
		if err := bridge.HandleMessage(msgType == websocket.MessageBinary, data); err != nil {
			reason = ReasonError
			break
		}
	}

	h.Terminate(requestID, reason)
}

// Terminate runs the idempotent cleanup path. Every trigger (transport
// close, transport error, PTY exit, timeout, shutdown) funnels here, and
// only the first invocation per session has any effect.
func (h *Host) Terminate(sessionID string, reason Reason) {
	h.mu.Lock()
	session, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	if !session.beginTerminate() {
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	if session.timer != nil {
		session.timer.Stop()
	}

	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	if session.bridge != nil {
		session.bridge.Kill()
	}
	h.stopContainer(session.ContainerName)

	session.conn.Close(closeCode(reason), string(reason))
	session.finishTerminate()

	log.Printf("[origin] [%s] session terminated reason=%s user=%s container=%s",
		sessionID, reason, logging.Sanitize(session.UserID), session.ContainerName)
}

// Shutdown terminates every live session with the shutdown reason, waits for
// the terminations to finish, and stops the sweeper. After it returns no
// managed container owned by this process is left running.
func (h *Host) Shutdown(ctx context.Context) {
	if h.cron != nil {
		h.cron.Stop()
	}

	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.Terminate(id, ReasonShutdown)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[origin] shutdown timed out with sessions still terminating")
	}
}

// SessionCount returns the number of live sessions.
func (h *Host) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Health reports liveness, session count and process uptime.
func (h *Host) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"sessionCount": h.SessionCount(),
		"uptime":       int(time.Since(h.startedAt).Seconds()),
	})
}

// Stats lists live sessions. Read-only; informational.
func (h *Host) Stats(w http.ResponseWriter, r *http.Request) {
	type sessionStat struct {
		UserID        string `json:"userId"`
		ContainerName string `json:"containerName"`
		UptimeMs      int64  `json:"uptimeMs"`
	}

	h.mu.Lock()
	stats := make([]sessionStat, 0, len(h.sessions))
	for _, s := range h.sessions {
		stats = append(stats, sessionStat{
			UserID:        s.UserID,
			ContainerName: s.ContainerName,
			UptimeMs:      time.Since(s.CreatedAt).Milliseconds(),
		})
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": stats})
}

// sendBanner writes the informational connect banner. Best-effort; banner
// failures never fail the session.
func (h *Host) sendBanner(w *wsBinaryWriter, containerName string) {
	lines := []string{
		"\x1b[32m[Connected to sandbox terminal]\x1b[0m\r\n",
		fmt.Sprintf("\x1b[90mContainer: %s\x1b[0m\r\n", containerName),
		fmt.Sprintf("\x1b[90mTimeout: %ds\x1b[0m\r\n\r\n", int(h.timeout.Seconds())),
	}
	for _, line := range lines {
		if err := w.WriteBinary([]byte(line)); err != nil {
			return
		}
	}
}

func parseGeometry(r *http.Request) (uint16, uint16) {
	cols := parseDim(r.URL.Query().Get("cols"), 80)
	rows := parseDim(r.URL.Query().Get("rows"), 24)
	return cols, rows
}

func parseDim(s string, fallback uint16) uint16 {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return fallback
	}
	return uint16(n)
}

// stopContainer stops with a bounded context independent of any client
// connection, so a dead transport cannot strand a container.
func (h *Host) stopContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.containers.Stop(ctx, name)
}

// wsBinaryWriter adapts a WebSocket connection to the bridge's Transport.
type wsBinaryWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsBinaryWriter) WriteBinary(p []byte) error {
	return w.conn.Write(w.ctx, websocket.MessageBinary, p)
}
