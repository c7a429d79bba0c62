package httpserver

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-relay/internal/envelope"
	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
)

// RelayPath is where clients open the relay WebSocket.
const RelayPath = "/v1/relay"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type relayEndpoint struct {
	server *Server
}

func newRelayEndpoint(server *Server) protocol.Endpoint {
	return &relayEndpoint{server: server}
}

func (e *relayEndpoint) Name() string { return "relay" }

func (e *relayEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: RelayPath, Handler: http.HandlerFunc(e.server.handleRelay)},
	}
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Printf("relay upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	t := newWSTransport(conn, s.maxMessageBytes)
	go t.keepAlive(ctx)

	s.debugf("relay session opened from %s", r.RemoteAddr)
	if err := s.relay.Serve(ctx, t); err != nil {
		s.logger.Printf("relay session from %s ended: %v", r.RemoteAddr, err)
	}
	t.close()
	s.debugf("relay session closed from %s", r.RemoteAddr)
}

// wsTransport adapts a gorilla connection to gateway.Transport. Gorilla
// allows one concurrent reader and one concurrent writer; control frames may
// be written from any goroutine.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn, maxBytes int64) *wsTransport {
	conn.SetReadLimit(maxBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteEnvelope(env envelope.Envelope) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
