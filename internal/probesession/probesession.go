// Package probesession tracks connected probe clients: registration,
// bearer-token authentication against a hot-reloadable credentials
// file, and routing of inbound task-result frames back to whoever is
// waiting on them.
//
// The mutex-guarded registry and forcibly-replace-on-duplicate-id
// pattern follow the connection bookkeeping style of a long-running
// process manager: register, look up, tear down the old one before
// the new one takes its place.
package probesession

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mcprobe/controller/internal/applog"
)

// Close codes sent to a probe's WebSocket connection when it is
// rejected, matching RFC 6455's private-use range.
const (
	CloseUnauthorized  = 4001
	CloseMissingParams = 4002
)

// Channel abstracts the transport a probe session is reachable
// through, so the registry and dispatcher never depend on a concrete
// WebSocket type.
type Channel interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one connected probe.
type Session struct {
	ID       string
	Region   string
	Conn     Channel
	LastSeen time.Time
}

// Send delivers a task (or any JSON-encodable frame) to the probe.
func (s *Session) Send(v any) error {
	return s.Conn.WriteJSON(v)
}

// Touch records that the probe is still responsive.
func (s *Session) Touch() {
	s.LastSeen = time.Now()
}

// AuthError is returned by Authenticate and carries the WebSocket
// close code the caller should send before dropping the connection.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// ReplyHandler receives a decoded task-result frame from any session.
type ReplyHandler func(taskID string, success bool, data json.RawMessage, errMsg string)

// Manager owns the set of connected probe sessions and the credential
// store used to authenticate new ones.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	creds   *CredentialStore
	onReply ReplyHandler
}

// NewManager builds a Manager backed by creds. creds.Load should be
// called, and creds.Watch started, by the caller before serving
// traffic.
func NewManager(creds *CredentialStore) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		creds:    creds,
	}
}

// SetReplyHandler wires the function invoked whenever a session
// forwards a task-result frame. Typically a *dispatch.Dispatcher's
// Resolve method.
func (m *Manager) SetReplyHandler(h ReplyHandler) {
	m.onReply = h
}

// Authenticate validates a probe's connection request. id and region
// are taken from query parameters, authHeader from the Authorization
// header.
func (m *Manager) Authenticate(id, region, authHeader string) *AuthError {
	if id == "" || region == "" {
		return &AuthError{Code: CloseMissingParams, Message: "missing id or region"}
	}

	secret, ok := m.creds.Secret(id)
	if !ok {
		return &AuthError{Code: CloseUnauthorized, Message: "unknown probe id"}
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return &AuthError{Code: CloseUnauthorized, Message: "missing bearer token"}
	}
	token := strings.TrimPrefix(authHeader, prefix)
	if token != secret {
		return &AuthError{Code: CloseUnauthorized, Message: "invalid token"}
	}

	return nil
}

// Register adds a session under id, forcibly closing and replacing
// any session already registered under that id.
func (m *Manager) Register(id, region string, conn Channel) *Session {
	log := applog.For("probesession")

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		log.WithField("probe", id).Warn("duplicate probe id, replacing existing session")
		existing.Conn.Close()
	}
	session := &Session{ID: id, Region: region, Conn: conn, LastSeen: time.Now()}
	m.sessions[id] = session
	m.mu.Unlock()

	log.WithFields(map[string]any{"probe": id, "region": region}).Info("probe registered")
	return session
}

// Unregister removes sess from the registry, but only if it is still
// the session currently registered under its id — a stale Unregister
// call from an already-replaced session is a no-op.
func (m *Manager) Unregister(sess *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[sess.ID]; ok && current == sess {
		delete(m.sessions, sess.ID)
	}
	m.mu.Unlock()
}

// Get returns the currently registered session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Snapshot returns a point-in-time copy of all registered sessions,
// safe to range over without holding the registry lock during I/O.
func (m *Manager) Snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count reports how many probes are currently connected.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type inboundFrame struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// HandleFrame decodes a raw inbound message from sess and forwards it
// to the reply handler, if any. Malformed frames are logged and
// dropped rather than closing the connection.
func (m *Manager) HandleFrame(sess *Session, raw []byte) {
	sess.Touch()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		applog.For("probesession").WithError(err).WithField("probe", sess.ID).Warn("dropping malformed frame")
		return
	}
	if frame.ID == "" || m.onReply == nil {
		return
	}
	m.onReply(frame.ID, frame.Success, frame.Data, frame.Error)
}
