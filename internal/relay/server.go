package relay

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vcall/vcall/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are native, not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay's HTTP surface: the websocket endpoint plus a health
// check.
type Server struct {
	hub *Hub
	log zerolog.Logger
}

func NewServer(hub *Hub, log zerolog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// wsConn guards writes with a mutex: gorilla allows one concurrent writer,
// and the hub may deliver to this socket from any routing goroutine.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// serveWS upgrades the connection and pumps envelopes into the hub until
// the socket closes. The user id is not known at upgrade time; it arrives
// with the client's announce-online.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	l := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	l.Info().Msg("client connected")

	c := &wsConn{conn: conn}
	defer func() {
		s.hub.Disconnect(c)
		conn.Close()
		l.Info().Msg("client disconnected")
	}()

	for {
		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		s.hub.HandleEnvelope(c, env)
	}
}
