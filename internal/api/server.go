// Package api exposes the read/operator HTTP and WebSocket surface.
// Operator commands call TradingState, the broker adapter and the position
// manager directly; they do not pass through the risk gate. The engine's
// own loops remain the sole source of entries.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/position"
	"github.com/riverrun/daytrader-engine/internal/state"
)

// Server is the HTTP/WS API surface.
type Server struct {
	router  *mux.Router
	httpSrv *http.Server
	hub     *Hub
	state   *state.TradingState
	adapter broker.Adapter
	posMgr  *position.Manager
	log     *zap.Logger
}

// New constructs a Server listening on addr.
func New(addr string, st *state.TradingState, adapter broker.Adapter, posMgr *position.Manager, log *zap.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		state:   st,
		adapter: adapter,
		posMgr:  posMgr,
		log:     log,
	}
	s.routes()
	s.hub.SetSnapshotFunc(s.snapshotFrame)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: c.Handler(s.router),
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/orders", s.handleOrders).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/opportunities", s.handleOpportunities).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/flatten", s.handleFlatten).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/close/{symbol}", s.handleCloseSymbol).Methods(http.MethodPost)

	s.router.HandleFunc("/stream", s.hub.ServeWS)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed writing JSON response", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	allowed, reason := s.state.IsTradingAllowed()
	s.writeJSON(w, map[string]any{
		"trading_allowed": allowed,
		"disabled_reason": reason,
		"metrics":         s.state.Metrics(),
		"regime":          s.state.Regime(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.AllPositions())
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.AllOrders())
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.Opportunities())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.state.DisableTrading("operator_pause")
	operatorCommands.WithLabelValues("pause").Inc()
	s.writeJSON(w, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.state.EnableTrading()
	operatorCommands.WithLabelValues("resume").Inc()
	s.writeJSON(w, map[string]string{"status": "resumed"})
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	operatorCommands.WithLabelValues("flatten").Inc()
	for _, p := range s.state.AllPositions() {
		if err := s.adapter.ClosePosition(ctx, p.Symbol); err != nil {
			s.log.Error("operator flatten failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	s.writeJSON(w, map[string]string{"status": "flattening"})
}

func (s *Server) handleCloseSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	operatorCommands.WithLabelValues("close").Inc()
	if err := s.adapter.ClosePosition(ctx, symbol); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "closing", "symbol": symbol})
}

// snapshotFrame builds the initial frame a stream client receives on
// connect: the full current state, before any incremental event frames.
func (s *Server) snapshotFrame() []byte {
	allowed, reason := s.state.IsTradingAllowed()
	frame := map[string]any{
		"type": "snapshot",
		"data": map[string]any{
			"trading_allowed": allowed,
			"disabled_reason": reason,
			"metrics":         s.state.Metrics(),
			"regime":          s.state.Regime(),
			"positions":       s.state.AllPositions(),
			"orders":          s.state.AllOrders(),
			"opportunities":   s.state.Opportunities(),
		},
	}
	b, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("failed to marshal snapshot frame", zap.Error(err))
		return nil
	}
	return b
}

// Broadcast pushes a message to every connected WS client.
func (s *Server) Broadcast(msg []byte) {
	eventsBroadcast.Inc()
	s.hub.Broadcast(msg)
}

// Router exposes the mux router for httptest servers.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and WS hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpSrv.Shutdown(ctx)
}
