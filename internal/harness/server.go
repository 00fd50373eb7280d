package harness

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Frame types exchanged on the report socket.
const (
	FrameReport = "report"
	FrameStop   = "stop"
)

// ReportPath is where the master accepts worker connections.
const ReportPath = "/report"

// MaxFrameSize is the largest frame the master reads. Reporters split reports to stay
// under it.
const MaxFrameSize = 4 << 20

// ServerStats counts frames received by a Server.
type ServerStats struct {
	Connections int64 `json:"connections"`
	Reports     int64 `json:"reports"`
	Rejected    int64 `json:"rejected_frames"`
}

// Server accepts worker websocket connections and emits their frames on a Bus.
type Server struct {
	bus      *Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader
	maxFrame int64

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool

	connections atomic.Int64
	reports     atomic.Int64
	rejected    atomic.Int64
}

func NewServer(bus *Bus, log zerolog.Logger) *Server {
	return &Server{
		bus: bus,
		log: log.With().Str("component", "report_server").Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		maxFrame: MaxFrameSize,
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and reads frames until the worker disconnects.
// A frame is {"type": "report"|"stop", "client_id": "...", "data": {...}}; the
// client_id query parameter is used when a frame omits it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	s.connections.Add(1)
	conn.SetReadLimit(s.maxFrame)
	defaultClient := r.URL.Query().Get("client_id")
	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Str("client_id", defaultClient).Msg("worker connected")

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("worker connection ended")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !gjson.ValidBytes(data) {
			s.rejected.Add(1)
			log.Warn().Int("bytes", len(data)).Msg("discarding malformed frame")
			continue
		}

		frame := gjson.ParseBytes(data)
		clientID := frame.Get("client_id").String()
		if clientID == "" {
			clientID = defaultClient
		}

		switch frame.Get("type").String() {
		case FrameReport:
			payload := frame.Get("data")
			if clientID == "" || !payload.IsObject() {
				s.rejected.Add(1)
				log.Warn().Str("client_id", clientID).Msg("discarding report without client id or data")
				continue
			}
			s.reports.Add(1)
			s.bus.EmitWorkerReport(ctx, clientID, []byte(payload.Raw))
		case FrameStop:
			log.Info().Str("client_id", clientID).Msg("worker requested test stop")
			// The drain must not be cut short by this worker disconnecting.
			s.bus.EmitTestStop(context.WithoutCancel(ctx))
		default:
			s.rejected.Add(1)
			log.Warn().Str("type", frame.Get("type").String()).Msg("discarding frame of unknown type")
		}
	}
}

// Close disconnects every worker and refuses new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "master shutting down"), deadline)
		_ = c.Close()
	}
	return nil
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Connections: s.connections.Load(),
		Reports:     s.reports.Load(),
		Rejected:    s.rejected.Load(),
	}
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}
