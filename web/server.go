// Package web provides a web interface for monitoring and controlling the
// bridged air conditioners.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kradalby/esphome-homekit/climate"
	"github.com/kradalby/esphome-homekit/config"
	"github.com/kradalby/esphome-homekit/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

const sourceWeb = "web"

// Server manages the web interface.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *events.Bus
	client  *eventbus.Client
	server  *http.Server
	mux     *http.ServeMux
	metrics http.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	devices []config.Device
	byID    map[string]config.Device

	// Current state per accessory for SSE clients
	mu         sync.RWMutex
	states     map[string]events.StateUpdateEvent
	sseClients map[chan events.StateUpdateEvent]struct{}
}

// New creates a new web server. metrics serves /metrics; when nil the
// default prometheus registry is served.
func New(cfg *config.Config, logger *zap.Logger, bus *events.Bus, metrics http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Get eventbus client
	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	mux := http.NewServeMux()

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		client:     client,
		mux:        mux,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
		devices:    cfg.Devices,
		byID:       make(map[string]config.Device, len(cfg.Devices)),
		states:     bus.LastState(),
		sseClients: make(map[chan events.StateUpdateEvent]struct{}),
	}
	for _, d := range cfg.Devices {
		s.byID[d.UniqueID] = d
	}

	// Create HTTP server
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.WebBindAddress, strconv.Itoa(cfg.WebPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup routes
	s.setupRoutes()

	logger.Info("web server created",
		zap.String("addr", s.server.Addr),
		zap.Int("accessories", len(s.devices)),
	)

	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Status page
	s.mux.HandleFunc("/", s.handleIndex)

	// SSE for real-time updates
	s.mux.HandleFunc("/events", s.handleSSE)

	// HTMX API endpoints
	s.mux.HandleFunc("/api/active", s.handleSetActive)
	s.mux.HandleFunc("/api/mode", s.handleSetMode)
	s.mux.HandleFunc("/api/temperature", s.handleSetTemperature)
	s.mux.HandleFunc("/api/fan", s.handleSetFan)
	s.mux.HandleFunc("/api/swing", s.handleSetSwing)

	// EventBus debugger
	s.mux.HandleFunc("/debug/eventbus", s.handleEventBusDebug)

	// Prometheus metrics
	s.mux.Handle("/metrics", s.metrics)

	// Health check
	s.mux.HandleFunc("/health", s.handleHealth)
}

// Start starts the web server and begins handling events.
func (s *Server) Start() error {
	s.logger.Info("starting web server")

	// Subscribe before returning so no update is missed
	sub := eventbus.Subscribe[events.StateUpdateEvent](s.client)
	go s.handleStateUpdates(sub)

	// Start HTTP server in background
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server error", zap.Error(err))
			s.publishConnectionStatus(events.ConnectionStatusFailed, err.Error())
		}
	}()

	// Publish connection status
	s.publishConnectionStatus(events.ConnectionStatusConnected, "")

	s.logger.Info("web server started successfully")
	return nil
}

// handleStateUpdates broadcasts state update events to SSE clients.
func (s *Server) handleStateUpdates(sub *eventbus.Subscriber[events.StateUpdateEvent]) {
	defer sub.Close()

	s.logger.Info("subscribed to state update events")

	for {
		select {
		case event := <-sub.Events():
			s.updateState(event)
		case <-s.ctx.Done():
			s.logger.Info("stopping state update handler")
			return
		}
	}
}

// updateState updates the state of one accessory and broadcasts it to all
// SSE clients.
func (s *Server) updateState(event events.StateUpdateEvent) {
	s.mu.Lock()
	s.states[event.Accessory] = event

	// Broadcast to all SSE clients
	for client := range s.sseClients {
		select {
		case client <- event:
		default:
			// Client is slow or disconnected, skip
		}
	}
	s.mu.Unlock()

	s.logger.Debug("state updated",
		zap.String("accessory", event.Accessory),
		zap.String("mode", event.Mode),
		zap.Float64p("current_temp", event.CurrentTemperature),
		zap.Float64p("target_temp", event.TargetTemperature),
	)
}

// state returns the last known state of an accessory.
func (s *Server) state(id string) (events.StateUpdateEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	return st, ok
}

// handleIndex serves the status page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	html := s.renderIndex()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// handleSSE handles Server-Sent Events for real-time updates.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Register client and queue the current state of every accessory
	s.mu.Lock()
	clientChan := make(chan events.StateUpdateEvent, len(s.states)+10)
	for _, st := range s.states {
		clientChan <- st
	}
	s.sseClients[clientChan] = struct{}{}
	s.mu.Unlock()

	// Cleanup on disconnect
	defer func() {
		s.mu.Lock()
		delete(s.sseClients, clientChan)
		s.mu.Unlock()
	}()

	for {
		select {
		case event := <-clientChan:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// commandRequest parses a control form and resolves its accessory. It
// writes the error response and returns false on failure.
func (s *Server) commandRequest(w http.ResponseWriter, r *http.Request) (config.Device, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return config.Device{}, false
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return config.Device{}, false
	}

	dev, ok := s.byID[r.FormValue("accessory")]
	if !ok {
		http.Error(w, "Unknown accessory", http.StatusNotFound)
		return config.Device{}, false
	}
	return dev, true
}

// publishCommand publishes a command for dev and acknowledges the request.
func (s *Server) publishCommand(w http.ResponseWriter, dev config.Device, event events.CommandEvent) {
	event.Timestamp = time.Now()
	event.Source = sourceWeb
	event.Accessory = dev.UniqueID
	s.bus.PublishCommand(s.client, event)

	s.logger.Info("command issued via web",
		zap.String("device", dev.Name),
		zap.String("type", string(event.CommandType)),
	)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSetActive turns an accessory on or off.
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.commandRequest(w, r)
	if !ok {
		return
	}

	active, err := strconv.ParseBool(r.FormValue("active"))
	if err != nil {
		http.Error(w, "Invalid active value", http.StatusBadRequest)
		return
	}

	s.publishCommand(w, dev, events.CommandEvent{
		CommandType: events.CommandTypeSetActive,
		Active:      &active,
	})
}

// handleSetMode selects auto, heat or cool.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.commandRequest(w, r)
	if !ok {
		return
	}

	mode := r.FormValue("mode")
	target, err := climate.ParseTargetState(mode)
	if err != nil {
		http.Error(w, "Invalid mode (must be 'auto', 'heat' or 'cool')", http.StatusBadRequest)
		return
	}
	if m, _ := climate.ModeForTargetState(target); !dev.Capabilities().SupportsMode(m) {
		http.Error(w, "Mode not supported by device", http.StatusBadRequest)
		return
	}

	s.publishCommand(w, dev, events.CommandEvent{
		CommandType: events.CommandTypeSetTargetState,
		TargetState: &mode,
	})
}

// handleSetTemperature sets the cooling or heating threshold.
func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.commandRequest(w, r)
	if !ok {
		return
	}

	temp, err := strconv.ParseFloat(r.FormValue("temperature"), 64)
	if err != nil {
		http.Error(w, "Invalid temperature value", http.StatusBadRequest)
		return
	}

	// Validate temperature range
	if temp < dev.VisualMinTemperature || temp > dev.VisualMaxTemperature {
		http.Error(w, fmt.Sprintf("Temperature out of range (%.0f-%.0f°C)",
			dev.VisualMinTemperature, dev.VisualMaxTemperature), http.StatusBadRequest)
		return
	}

	caps := dev.Capabilities()
	var commandType events.CommandType
	switch r.FormValue("threshold") {
	case "cooling":
		if !caps.ExposesCooling() {
			http.Error(w, "Device does not cool", http.StatusBadRequest)
			return
		}
		commandType = events.CommandTypeSetCoolingThreshold
	case "heating":
		if !caps.ExposesHeating() {
			http.Error(w, "Device does not heat", http.StatusBadRequest)
			return
		}
		commandType = events.CommandTypeSetHeatingThreshold
	default:
		http.Error(w, "Invalid threshold (must be 'cooling' or 'heating')", http.StatusBadRequest)
		return
	}

	s.publishCommand(w, dev, events.CommandEvent{
		CommandType: commandType,
		Temperature: &temp,
	})
}

// handleSetFan sets the fan speed in percent.
func (s *Server) handleSetFan(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.commandRequest(w, r)
	if !ok {
		return
	}

	speed, err := strconv.ParseFloat(r.FormValue("speed"), 64)
	if err != nil || speed < 0 || speed > 100 {
		http.Error(w, "Invalid fan speed (0-100)", http.StatusBadRequest)
		return
	}

	s.publishCommand(w, dev, events.CommandEvent{
		CommandType: events.CommandTypeSetFanSpeed,
		FanSpeed:    &speed,
	})
}

// handleSetSwing enables or disables swing.
func (s *Server) handleSetSwing(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.commandRequest(w, r)
	if !ok {
		return
	}

	if _, ok := dev.Capabilities().SwingOnValue(); !ok {
		http.Error(w, "Device does not swing", http.StatusBadRequest)
		return
	}

	swing, err := strconv.ParseBool(r.FormValue("swing"))
	if err != nil {
		http.Error(w, "Invalid swing value", http.StatusBadRequest)
		return
	}

	s.publishCommand(w, dev, events.CommandEvent{
		CommandType: events.CommandTypeSetSwing,
		Swing:       &swing,
	})
}

// handleEventBusDebug shows EventBus statistics and the last state of
// every accessory.
func (s *Server) handleEventBusDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	html := s.renderEventBusDebug()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// publishConnectionStatus publishes a connection status event.
func (s *Server) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	event := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    status,
		Error:     errMsg,
	}
	s.bus.PublishConnectionStatus(s.client, event)
}

// Close gracefully shuts down the web server.
func (s *Server) Close() error {
	s.logger.Info("shutting down web server")

	s.publishConnectionStatus(events.ConnectionStatusDisconnected, "")

	// Cancel context to stop background goroutines and SSE streams
	s.cancel()

	// Gracefully shutdown HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown error", zap.Error(err))
	}

	s.logger.Info("web server shut down complete")
	return nil
}
