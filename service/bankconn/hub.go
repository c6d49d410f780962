package bankconn

import "sync"

// Widget message types.
const (
	MessageSuccess = "link.success"
	MessageExit    = "link.exit"
	MessageError   = "link.error"
)

// Message is a completion callback posted by the embedded linking widget.
// Origin is where the message came from and must be checked before use.
type Message struct {
	Origin      string `json:"-"`
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	PublicToken string `json:"public_token,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

type listener struct {
	fn func(Message)
}

// Hub routes widget messages to the flow waiting on the link session.
// There is at most one listener per session.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]*listener
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]*listener)}
}

// Register installs fn as the listener for sessionID, replacing any previous
// one. The returned func removes it and is safe to call more than once.
func (h *Hub) Register(sessionID string, fn func(Message)) (unregister func()) {
	l := &listener{fn: fn}

	h.mu.Lock()
	h.listeners[sessionID] = l
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.listeners[sessionID] == l {
			delete(h.listeners, sessionID)
		}
	}
}

// Dispatch delivers msg to the listener for msg.SessionID. It reports
// whether a listener was registered.
func (h *Hub) Dispatch(msg Message) bool {
	h.mu.RLock()
	l, ok := h.listeners[msg.SessionID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	l.fn(msg)
	return true
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
