package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/termlab/termgate/internal/auth"
	"github.com/termlab/termgate/internal/logging"
)

// Trusted headers attached to forwarded upgrades. The origin rejects any
// request whose secret header does not match.
const (
	HeaderOriginSecret = "X-Origin-Secret"
	HeaderUserID       = "X-User-Id"
	HeaderUserEmail    = "X-User-Email"
	HeaderClientIP     = "X-Client-Ip"
	HeaderRequestID    = "X-Request-Id"
)

const originDialTimeout = 10 * time.Second

// Handler performs admission control and forwards admitted upgrades to the
// origin session host.
type Handler struct {
	Limiter  *RateLimiter
	Registry *Registry
	Policy   *Policy

	JWTSecret    string
	OriginSecret string
	OriginURL    string
	nowFn        func() time.Time
}

func NewHandler(limiter *RateLimiter, registry *Registry, policy *Policy, jwtSecret, originSecret, originURL string) *Handler {
	return &Handler{
		Limiter:      limiter,
		Registry:     registry,
		Policy:       policy,
		JWTSecret:    jwtSecret,
		OriginSecret: originSecret,
		OriginURL:    strings.TrimSuffix(originURL, "/"),
		nowFn:        time.Now,
	}
}

// Terminal is the admission pipeline for the terminal WebSocket path. Checks
// run in order and short-circuit: upgrade, token, rate limit, single
// session, policy. Every failure is answered before any upgrade happens, so
// a rejected client never holds partial connection state.
func (h *Handler) Terminal(w http.ResponseWriter, r *http.Request) {
	if !isUpgradeRequest(r) {
		writeError(w, http.StatusUpgradeRequired, "WebSocket upgrade required")
		return
	}

	token := auth.ExtractToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing token")
		return
	}
	claims, err := auth.VerifyToken(token, h.JWTSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	userID := claims.Subject
	safeUser := logging.Sanitize(userID)
	clientIP := clientIP(r)

	limit := h.Limiter.Check(r.Context(), clientIP)
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", limit.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", limit.ResetAt.Unix()))
	if !limit.Allowed {
		w.Header().Set("Retry-After", limit.RetryAfter(h.nowFn()))
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	acquired, err := h.Registry.Acquire(r.Context(), userID, clientIP)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry unavailable")
		return
	}
	if !acquired {
		writeError(w, http.StatusConflict, "Session already active")
		return
	}

	// Past this point the user holds the single-session lock; every failure
	// path must release it.
	if h.Policy.Blocked(r.Header.Get(countryHeader)) {
		h.release(userID)
		writeError(w, http.StatusForbidden, "Access not available in your region")
		return
	}

	requestID := uuid.NewString()
	log.Printf("[gateway] [%s] admitted user=%s ip=%s", requestID, safeUser, clientIP)

	originConn, err := h.dialOrigin(r, claims, clientIP, requestID)
	if err != nil {
		log.Printf("[gateway] [%s] origin dial failed: %v", requestID, err)
		h.release(userID)
		writeError(w, http.StatusBadGateway, "Origin unavailable")
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] [%s] accept failed: %v", requestID, err)
		originConn.Close(websocket.StatusGoingAway, "client gone")
		h.release(userID)
		return
	}
	defer clientConn.CloseNow()
	defer originConn.CloseNow()
	defer h.release(userID)

	clientConn.SetReadLimit(MaxMessageSize)
	originConn.SetReadLimit(MaxMessageSize)

	relay(r.Context(), clientConn, originConn)
	log.Printf("[gateway] [%s] session ended user=%s", requestID, safeUser)
}

// MaxMessageSize bounds a single relayed frame in either direction.
const MaxMessageSize = 1024 * 1024

// dialOrigin forwards the upgrade to the origin with the trusted headers.
// The token never crosses this boundary; identity travels in headers only.
func (h *Handler) dialOrigin(r *http.Request, claims *auth.Claims, clientIP, requestID string) (*websocket.Conn, error) {
	q := url.Values{}
	if cols := r.URL.Query().Get("cols"); cols != "" {
		q.Set("cols", cols)
	}
	if rows := r.URL.Query().Get("rows"); rows != "" {
		q.Set("rows", rows)
	}
	originURL := h.OriginURL + r.URL.Path
	if len(q) > 0 {
		originURL += "?" + q.Encode()
	}

	header := http.Header{}
	header.Set(HeaderOriginSecret, h.OriginSecret)
	header.Set(HeaderUserID, claims.Subject)
	header.Set(HeaderUserEmail, claims.Email)
	header.Set(HeaderClientIP, clientIP)
	header.Set(HeaderRequestID, requestID)

	dialCtx, cancel := context.WithTimeout(r.Context(), originDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, originURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial origin %s: %w", originURL, err)
	}
	return conn, nil
}

// release rolls back or retires the registry entry. Uses a fresh context so
// a dead client connection cannot strand the lock.
func (h *Handler) release(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Registry.Release(ctx, userID); err != nil {
		log.Printf("[gateway] release session slot for %s: %v", logging.Sanitize(userID), err)
	}
}

// relay pipes frames both ways until either side closes. A close frame from
// the origin is replayed to the client with its status and reason intact, so
// the reason-specific codes (exit, timeout, error) reach the client unchanged.
func relay(ctx context.Context, clientConn, originConn *websocket.Conn) {
	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Client -> Origin
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := originConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	// Origin -> Client
	var originClose websocket.CloseError
	originClosed := false
	func() {
		defer relayCancel()
		for {
			msgType, data, err := originConn.Read(relayCtx)
			if err != nil {
				originClosed = errors.As(err, &originClose)
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	if originClosed {
		clientConn.Close(originClose.Code, originClose.Reason)
	} else {
		clientConn.Close(websocket.StatusNormalClosure, "")
	}
	originConn.Close(websocket.StatusNormalClosure, "")
}

// Health reports gateway liveness and the store backend in use.
func (h *Handler) Health(backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"store":  backend,
		})
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware has already rewritten RemoteAddr from
	// X-Forwarded-For / X-Real-Ip when present.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
