package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/gorilla/websocket"

	"github.com/jnesss/procwatch/database"
	"github.com/jnesss/procwatch/platform"
	"github.com/jnesss/procwatch/sigma"
	"github.com/jnesss/procwatch/types"
)

type Server struct {
	hub            *Hub
	journal        *database.DB
	sigmaDetector  *sigma.Detector
	sim            *platform.Simulated
	logger         *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

// NewServer serves hub over HTTP. journal and sigmaDetector may be nil; the
// routes that need them answer 503.
func NewServer(hub *Hub, journal *database.DB, sigmaDetector *sigma.Detector, allowedOrigins []string, logger *slog.Logger) *Server {
	s := &Server{
		hub:            hub,
		journal:        journal,
		sigmaDetector:  sigmaDetector,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// EnableSimulation adds POST /api/simulate, which reports a process
// creation to sim. Used with the sim backend.
func (s *Server) EnableSimulation(sim *platform.Simulated) {
	s.sim = sim
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/monitor", s.handleStatus)
	mux.HandleFunc("/api/monitor/start", s.handleStart)
	mux.HandleFunc("/api/monitor/stop", s.handleStop)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/rules", s.handleSigmaRules)
	mux.HandleFunc("/api/rules/toggle/", s.handleSigmaRuleToggle)
	mux.HandleFunc("/api/rules/matches", s.handleSigmaMatches)
	if s.sim != nil {
		mux.HandleFunc("/api/simulate", s.handleSimulate)
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting web server", "addr", addr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "error", err)
		return
	}

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	if err := s.hub.attach(conn, r.RemoteAddr); err != nil {
		s.logger.Warn("websocket client rejected", "remote", r.RemoteAddr, "error", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var args map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrProcessNameRequired)
		return
	}
	s.call(w, r, types.Message{Channel: types.Channel, Method: types.MethodStartMonitoring, Arguments: args})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.call(w, r, types.Message{Channel: types.Channel, Method: types.MethodStopMonitoring})
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, msg types.Message) {
	reply, err := s.hub.Call(r.Context(), msg)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error calling %s: %v", msg.Method, err), http.StatusServiceUnavailable)
		return
	}
	if reply.Error != nil {
		writeJSON(w, http.StatusBadRequest, reply.Error)
		return
	}
	writeJSON(w, http.StatusOK, reply.Result)
}

func limitParam(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}

	events, err := s.journal.RecentEvents(limitParam(r, 100))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching events: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSigmaMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}

	matches, err := s.journal.RecentMatches(limitParam(r, 100))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || len(request.Names()) == 0 {
		http.Error(w, "processName or processNames required", http.StatusBadRequest)
		return
	}
	s.sim.Emit(request.Names()...)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sigmaDetector == nil {
		http.Error(w, "rules disabled", http.StatusServiceUnavailable)
		return
	}

	enabledRules, err := readRulesFromDir(filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules"), true)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading enabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	disabledRules, err := readRulesFromDir(filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules"), false)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading disabled rules: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, append(enabledRules, disabledRules...))
}

// readRulesFromDir reads and parses Sigma rules from a directory
func readRulesFromDir(dir string, enabled bool) ([]RuleInfo, error) {
	rules := []RuleInfo{}

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || !(strings.HasSuffix(file.Name(), ".yml") || strings.HasSuffix(file.Name(), ".yaml")) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		rules = append(rules, RuleInfo{
			ID:          rule.ID,
			Title:       rule.Title,
			Description: rule.Description,
			Level:       rule.Level,
			Tags:        rule.Tags,
			Filename:    file.Name(),
			Enabled:     enabled,
		})
	}
	return rules, nil
}

// handleSigmaRuleToggle moves a rule between enabled_rules and
// disabled_rules. The detector's watcher picks the change up.
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sigmaDetector == nil {
		http.Error(w, "rules disabled", http.StatusServiceUnavailable)
		return
	}

	ruleID := strings.TrimPrefix(r.URL.Path, "/api/rules/toggle/")
	if ruleID == "" {
		http.Error(w, "Rule ID required", http.StatusBadRequest)
		return
	}

	enabledDir := filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules")
	disabledDir := filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")

	sourceDir, targetDir, nowEnabled := enabledDir, disabledDir, false
	info, found := findRule(enabledDir, ruleID)
	if !found {
		sourceDir, targetDir, nowEnabled = disabledDir, enabledDir, true
		info, found = findRule(disabledDir, ruleID)
	}
	if !found {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	if err := os.Rename(filepath.Join(sourceDir, info.Filename), filepath.Join(targetDir, info.Filename)); err != nil {
		http.Error(w, fmt.Sprintf("Error moving rule file: %v", err), http.StatusInternalServerError)
		return
	}
	s.logger.Info("toggled rule", "rule", ruleID, "enabled", nowEnabled)

	info.Enabled = nowEnabled
	writeJSON(w, http.StatusOK, info)
}

func findRule(dir, ruleID string) (RuleInfo, bool) {
	rules, err := readRulesFromDir(dir, false)
	if err != nil {
		return RuleInfo{}, false
	}
	for _, rule := range rules {
		if rule.ID == ruleID {
			return rule, true
		}
	}
	return RuleInfo{}, false
}
