package httpapi

import (
	"encoding/json"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/frostbyte73/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// subscriber is one websocket connection receiving snapshots.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	closed core.Fuse
	log    *zap.Logger
}

// serveWS upgrades the request and streams every snapshot, starting with the
// current one.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, s.buffer),
		log:  s.log.With(zap.String("remote", c.Request.RemoteAddr)),
	}
	sub.push(s.ctrl.Snapshot())
	unsubscribe := s.ctrl.OnStateChange(sub.push)
	defer unsubscribe()
	defer sub.closed.Break()

	go sub.writePump()
	sub.readPump()
}

// push never blocks the controller; a slow subscriber loses snapshots.
func (sub *subscriber) push(snap callsession.Snapshot) {
	if sub.closed.IsBroken() {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		sub.log.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	select {
	case sub.send <- data:
	default:
		sub.log.Debug("subscriber backlog full, dropping snapshot", zap.String("attempt_id", snap.AttemptID))
	}
}

// readPump only services control frames and notices disconnects.
func (sub *subscriber) readPump() {
	defer func() {
		_ = sub.conn.Close()
	}()
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sub.log.Debug("read error", zap.Error(err))
			}
			return
		}
	}
}

func (sub *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case data := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.closed.Watch():
			return
		}
	}
}
