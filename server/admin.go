package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/guseggert/nailgun/protocol"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// AliasInfo is the JSON form of an alias.
type AliasInfo struct {
	Name        string `json:"name"`
	Nail        string `json:"nail"`
	Description string `json:"description,omitempty"`
}

// AdminHandler serves introspection endpoints and the websocket transport.
func (s *Server) AdminHandler() http.Handler {
	router := httprouter.New()
	router.GET("/health", s.health)
	router.GET("/stats", s.stats)
	router.GET("/aliases", s.aliases)
	router.GET("/nail", s.nailWS)
	router.Handler(http.MethodGet, "/metrics", s.metrics.handler())
	return router
}

// ListenAndServeAdmin serves AdminHandler on the configured admin address until Shutdown.
// It returns nil immediately if no admin address was configured.
func (s *Server) ListenAndServeAdmin() error {
	if s.adminAddr == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.adminAddr)
	if err != nil {
		return fmt.Errorf("listening on admin address: %w", err)
	}
	return s.ServeAdmin(l)
}

// ServeAdmin serves AdminHandler on l until Shutdown.
func (s *Server) ServeAdmin(l net.Listener) error {
	httpServer := &http.Server{Handler: s.AdminHandler()}
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.adminServer = httpServer
	s.mu.Unlock()

	s.log.Infow("admin server started", "addr", l.Addr().String())
	err := httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.IsRunning() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{Status: "ok", Version: s.version})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.Stats())
}

func (s *Server) aliases(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list := s.registry.List()
	out := make([]AliasInfo, len(list))
	for i, a := range list {
		out[i] = AliasInfo{Name: a.Name, Nail: a.Entry.Name(), Description: a.Description}
	}
	writeJSON(w, out)
}

// nailWS runs one session over a websocket, carrying frames in binary messages.
func (s *Server) nailWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("nail WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(int64(s.limits.MaxPayloadBytes) + protocol.HeaderLen)
	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	s.ServeConn(r.Context(), conn)
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
