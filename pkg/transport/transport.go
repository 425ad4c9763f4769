// Package transport upgrades incoming HTTP requests to WebSocket
// connections and adapts them to the session.Conn interface, the only
// point in the server that knows about the wire protocol's framing.
package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"pieshare/pkg/broadcast"
	"pieshare/pkg/config"
	"pieshare/pkg/orderstate"
	"pieshare/pkg/protocol"
	"pieshare/pkg/session"
	"pieshare/pkg/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Pizza night is run for a closed group behind a reverse proxy; there
	// is no cross-origin browser client to defend against.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a *websocket.Conn to session.Conn. Every gorilla/websocket
// connection is single-reader, single-writer. Session.Run issues one
// ReadFrame at a time, but both of its halves call WriteFrame, so writeMu
// serializes writes.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, session.ErrBinaryFrame
	}
	return data, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// Server owns the upgrade handler and the shared state every session
// dispatches against.
type Server struct {
	state      *orderstate.State
	bus        *broadcast.Bus[protocol.ServerFrame]
	health     *telemetry.Health
	cfgWatcher *config.Watcher
}

// New constructs a transport Server. cfgWatcher is handed to every session
// so a config reload reaches already-open connections, not just new ones.
func New(state *orderstate.State, bus *broadcast.Bus[protocol.ServerFrame], health *telemetry.Health, cfgWatcher *config.Watcher) *Server {
	return &Server{
		state:      state,
		bus:        bus,
		health:     health,
		cfgWatcher: cfgWatcher,
	}
}

// ServeHTTP upgrades the connection and runs a session on it until the
// client disconnects or the server shuts down.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.ErrorS(err, "transport: upgrade failed", "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	conn := &wsConn{ws: ws}
	sess := session.New(id, conn, srv.state, srv.bus, srv.health, srv.cfgWatcher)

	klog.V(2).InfoS("transport: session connected", "sessionID", id, "remote", r.RemoteAddr)

	if err := sess.Run(r.Context()); err != nil {
		klog.V(2).InfoS("transport: session ended", "sessionID", id, "error", err)
	}
	conn.Close()
}

// Mux builds the HTTP handler serving the WebSocket upgrade route.
func (srv *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	return mux
}
