// Package api exposes gateway operations over a small REST surface for
// local tooling and dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaygate/config"
	"relaygate/gateway"
	"relaygate/logging"
	"relaygate/relay"
)

// RelayController is the relay surface the API serves.
type RelayController interface {
	Enabled() bool
	ReadAllChannels() ([relay.ChannelCount]bool, error)
	SetChannelState(channel int, on bool) error
	SetAllChannels(states []bool) error
}

// PlcController is the controller surface the API serves.
type PlcController interface {
	Enabled() bool
	State() gateway.State
	ReadStatus() []byte
	WriteControlBit(bitIndex int, value bool) error
	WriteControlBits(values []bool) error
}

// Server is the REST API server.
type Server struct {
	cfg       *config.APIConfig
	namespace string
	relay     RelayController
	plc       PlcController

	router chi.Router

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates an API server over the given controllers.
func NewServer(cfg *config.APIConfig, namespace string, relayCtl RelayController, plcCtl PlcController) *Server {
	s := &Server{
		cfg:       cfg,
		namespace: namespace,
		relay:     relayCtl,
		plc:       plcCtl,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/relay", func(r chi.Router) {
			r.Get("/channels", s.handleGetChannels)
			r.Put("/channels", s.handleSetChannels)
			r.Put("/channels/{channel}", s.handleSetChannel)
		})
		r.Route("/plc", func(r chi.Router) {
			r.Get("/status", s.handlePlcStatus)
			r.Post("/control", s.handlePlcControl)
		})
	})

	s.router = r
}

// Router exposes the handler for tests and mounting.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. Disabled configurations are a no-op.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("api", "listening on %s", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace":     s.namespace,
		"relay_enabled": s.relay.Enabled(),
		"plc_enabled":   s.plc.Enabled(),
		"plc_state":     s.plc.State().String(),
	})
}

func (s *Server) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	states, err := s.relay.ReadAllChannels()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": states[:]})
}

func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel must be an integer"})
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	if err := s.relay.SetChannelState(channel, body.On); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channel": channel, "on": body.On})
}

func (s *Server) handleSetChannels(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channels []bool `json:"channels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	if err := s.relay.SetAllChannels(body.Channels); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": body.Channels})
}

func (s *Server) handlePlcStatus(w http.ResponseWriter, r *http.Request) {
	data := s.plc.ReadStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":     s.plc.State().String(),
		"reachable": len(data) > 0,
		"hex":       fmt.Sprintf("% x", data),
	})
}

func (s *Server) handlePlcControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bits  string `json:"bits"`
		Bit   *int   `json:"bit"`
		Value bool   `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	switch {
	case body.Bit != nil:
		if err := s.plc.WriteControlBit(*body.Bit, body.Value); err != nil {
			writeError(w, err)
			return
		}
	case body.Bits != "":
		values, err := gateway.DecodeBitString(body.Bits)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.plc.WriteControlBits(values); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body needs bits or bit"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// writeError maps the error taxonomy to HTTP codes: bad arguments are the
// caller's fault, a disabled subsystem is unavailable, retryable transport
// failures are upstream problems, the rest is internal.
func writeError(w http.ResponseWriter, err error) {
	var relayArg *relay.ArgumentError
	var gwArg *gateway.ArgumentError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &relayArg), errors.As(err, &gwArg):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrDisabled):
		status = http.StatusServiceUnavailable
	case relay.IsRetryable(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
