package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/agentledger/internal/audit"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
)

// AuditStream fans out audit entries as they are recorded.
type AuditStream interface {
	Subscribe(buffer int) (<-chan audit.Entry, func())
}

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 256
)

// Origin is not checked; the route already requires an admin bearer token.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleAuditStream pushes matching audit entries to an admin websocket.
// Query parameters narrow the stream like GET /audit.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, s.log, svcerrors.New(svcerrors.CodeInternal, "audit stream is not configured"))
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		EventType: audit.EventType(q.Get("event_type")),
		UserID:    q.Get("user_id"),
		AdminID:   q.Get("admin_id"),
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		writeError(w, s.log, svcerrors.InvalidArgument("unknown audit event type %q", filter.EventType))
		return
	}

	// Subscribe before the handshake completes so nothing recorded after the
	// client sees the upgrade is missed.
	entries, cancel := s.stream.Subscribe(streamBuffer)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("audit stream upgrade failed")
		return
	}
	defer conn.Close()

	// The reader only services control frames and notices client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-entries:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "audit trail stopped"),
					time.Now().Add(streamWriteWait))
				return
			}
			if !filter.Matches(e) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
