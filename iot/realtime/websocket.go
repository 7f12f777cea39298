package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/logger"
)

const (
	pongWait     = 75 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024
)

var errNotUpgraded = errors.New("connection not upgraded yet")

// Handler upgrades authenticated HTTP requests to dashboard WebSocket sessions.
//
// The bearer token is taken from the Authorization header or the token query
// parameter and verified before the upgrade; an invalid token is answered with 401.
// An optional device query parameter subscribes the session right after the
// handshake.
type Handler struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
}

// NewHandler returns a handler for hub. Sessions authenticate with bearer tokens, not
// cookies, therefore any origin is accepted.
func NewHandler(hub *Hub) *Handler {
	return &Handler{
		Hub: hub,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// wsWriter serializes all writes to one websocket connection
type wsWriter struct {
	mutex sync.Mutex
	conn  *websocket.Conn
}

func (w *wsWriter) setConn(conn *websocket.Conn) {
	w.mutex.Lock()
	w.conn = conn
	w.mutex.Unlock()
}

// WriteFrame implements FrameWriter
func (w *wsWriter) WriteFrame(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.conn == nil {
		return errNotUpgraded
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWriter) ping() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.conn == nil {
		return errNotUpgraded
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writer := &wsWriter{}
	session := h.Hub.NewSession(writer)
	if err := session.Authenticate(access.TokenFromRequest(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(session.Context()).WithError(err).Warnln("upgrade failed")
		session.Close()
		return
	}
	writer.setConn(conn)
	logger.FromContext(session.Context()).Infoln("dashboard connected")

	h.run(session, writer, conn, r.URL.Query().Get("device"))
}

// run serves the connection until either side closes it
func (h *Handler) run(session *Session, writer *wsWriter, conn *websocket.Conn, device string) {
	ctx := session.Context()
	rlog := logger.FromContext(ctx)

	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		session.Close()
		rlog.Infoln("dashboard disconnected")
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	if len(device) > 0 {
		if err := session.Subscribe(ctx, device); err != nil {
			rlog.WithError(err).Debugln("initial subscribe failed")
		}
	}

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rlog.WithError(err).Debugln("read failed")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := session.HandleMessage(ctx, message); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			rlog.WithError(err).Debugln("frame rejected")
		}
	}
}
