package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"printwatch/internal/alerts"
	"printwatch/internal/config"
	"printwatch/internal/events"
	"printwatch/internal/ingest"
	"printwatch/internal/live"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

// Commander is the connection manager surface the API drives.
type Commander interface {
	SendCommand(deviceID string, cmd ingest.Command) error
	IsConnected(deviceID string) bool
}

type RuleLoader interface {
	Load(ctx context.Context) error
}

type Deps struct {
	Config    *config.Manager
	Store     storage.Store
	Live      *live.Store
	Events    *events.Store
	Commander Commander
	Rules     RuleLoader
	WS        http.Handler
	Relay     http.Handler
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	Deps
	started time.Time
}

type statusResponse struct {
	Status        string       `json:"status"`
	Time          string       `json:"time"`
	Version       string       `json:"version"`
	ConfigPath    string       `json:"config_path,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Printers      int          `json:"printers"`
	Connected     int          `json:"connected"`
	Ingest        ingestStatus `json:"ingest"`
}

type ingestStatus struct {
	MQTT  bool `json:"mqtt"`
	Kafka bool `json:"kafka"`
	REST  bool `json:"rest"`
}

type printerView struct {
	model.Printer
	Live      *model.Snapshot `json:"live"`
	Connected bool            `json:"connected"`
}

type commandRequest struct {
	Command string          `json:"command"`
	Param   json.RawMessage `json:"param"`
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/printers", s.handlePrinters)
	mux.HandleFunc("GET /api/printers/{id}", s.handlePrinter)
	mux.HandleFunc("GET /api/printers/{id}/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/printers/{id}/events", s.handlePrinterEvents)
	mux.HandleFunc("POST /api/printers/{id}/command", s.handleCommand)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/alerts", s.handleListRules)
	mux.HandleFunc("POST /api/alerts", s.handleCreateRule)
	mux.HandleFunc("PUT /api/alerts/{id}", s.handleUpdateRule)
	if s.WS != nil {
		mux.Handle("/ws", s.WS)
	}
	if s.Relay != nil {
		mux.Handle("POST /api/ingest", s.Relay)
		mux.Handle("POST /api/ingest/{id}", s.Relay)
	}
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		if deps.Logger != nil {
			deps.Logger.Info("api disabled")
		}
		return nil
	}
	if deps.Logger != nil {
		deps.Logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(deps).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if deps.Logger != nil {
				deps.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "ok",
		Time:          time.Now().UTC().Format(time.RFC3339Nano),
		Version:       s.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.Config != nil {
		cfg := s.Config.Get()
		resp.ConfigPath = s.Config.Path()
		resp.Ingest = ingestStatus{MQTT: cfg.Ingest.MQTT.Enabled, Kafka: cfg.Ingest.Kafka.Enabled, REST: cfg.Ingest.REST.Enabled}
	}
	if s.Live != nil {
		for _, e := range s.Live.GetAll() {
			resp.Printers++
			if e.Connected {
				resp.Connected++
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) view(p model.Printer) printerView {
	v := printerView{Printer: p}
	if s.Live != nil {
		if e, ok := s.Live.Get(p.DeviceID); ok {
			v.Live = e.Snapshot
			v.Connected = e.Connected
		}
	}
	if s.Commander != nil {
		v.Connected = s.Commander.IsConnected(p.DeviceID)
	}
	return v
}

func (s *Server) handlePrinters(w http.ResponseWriter, r *http.Request) {
	printers, err := s.Store.ListPrinters(r.Context())
	if err != nil {
		s.fail(w, "list printers failed", err)
		return
	}
	out := make([]printerView, 0, len(printers))
	for _, p := range printers {
		out = append(out, s.view(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrinter(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPrinter(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "printer not found")
		return
	}
	if err != nil {
		s.fail(w, "get printer failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Store.ListJobs(r.Context(), r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		s.fail(w, "list jobs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handlePrinterEvents(w http.ResponseWriter, r *http.Request) {
	s.events(w, r, r.PathValue("id"), 200)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.events(w, r, "", 100)
}

// events serves from the in-memory buffer when a since filter is given and
// from the store otherwise.
func (s *Server) events(w http.ResponseWriter, r *http.Request, deviceID string, def int) {
	if since := r.URL.Query().Get("since"); since != "" && s.Events != nil {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		out := make([]model.Event, 0)
		for _, ev := range s.Events.Since(ts) {
			if deviceID == "" || ev.DeviceID == deviceID {
				out = append(out, ev)
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	list, err := s.Store.RecentEvents(r.Context(), deviceID, queryLimit(r, def))
	if err != nil {
		s.fail(w, "recent events failed", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.Commander == nil || !s.Commander.IsConnected(id) {
		writeError(w, http.StatusNotFound, "printer not found or not connected")
		return
	}
	var req commandRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cmd, err := ingest.ParseCommand(req.Command, paramString(req.Param))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Commander.SendCommand(id, cmd); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("send command failed", "device_id", id, "command", req.Command, "err", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// paramString accepts a JSON string or number.
func paramString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Store.ListAlertRules(r.Context())
	if err != nil {
		s.fail(w, "list alert rules failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule := model.AlertRule{Enabled: true, CooldownSec: 300}
	if err := readJSON(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	rule.ID = 0
	rule.LastFiredAt = nil
	if strings.TrimSpace(rule.Name) == "" || rule.ConditionType == "" {
		writeError(w, http.StatusBadRequest, "name and condition_type are required")
		return
	}
	normalizeRule(&rule)
	if _, err := alerts.ParseRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.Store.CreateAlertRule(r.Context(), rule)
	if err != nil {
		s.fail(w, "create alert rule failed", err)
		return
	}
	rule.ID = id
	s.reloadRules(r.Context())
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rules, err := s.Store.ListAlertRules(r.Context())
	if err != nil {
		s.fail(w, "list alert rules failed", err)
		return
	}
	var rule *model.AlertRule
	for i := range rules {
		if rules[i].ID == id {
			rule = &rules[i]
			break
		}
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	// Fields absent from the body keep their stored values.
	if err := readJSON(w, r, rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	rule.ID = id
	normalizeRule(rule)
	if _, err := alerts.ParseRule(*rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpdateAlertRule(r.Context(), *rule); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert rule not found")
			return
		}
		s.fail(w, "update alert rule failed", err)
		return
	}
	s.reloadRules(r.Context())
	writeJSON(w, http.StatusOK, rule)
}

func normalizeRule(r *model.AlertRule) {
	r.Name = strings.TrimSpace(r.Name)
	if strings.TrimSpace(r.ConditionConfig) == "" {
		r.ConditionConfig = "{}"
	}
	if strings.TrimSpace(r.NotifyConfig) == "" {
		r.NotifyConfig = "{}"
	}
	if r.NotifyVia == "" {
		r.NotifyVia = model.NotifyConsole
	}
}

func (s *Server) reloadRules(ctx context.Context) {
	if s.Rules == nil {
		return
	}
	if err := s.Rules.Load(ctx); err != nil && s.Logger != nil {
		s.Logger.Warn("reload alert rules failed", "err", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	if s.Logger != nil {
		s.Logger.Error(msg, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
