// Package gateway is the daemon's viewer-facing surface: the websocket
// session channel plus the small HTTP API around it. It is deliberately
// thin; all orchestration lives in the project package.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/history"
	"github.com/atelier-dev/atelier/internal/logger"
	"github.com/atelier-dev/atelier/internal/ports"
	"github.com/atelier-dev/atelier/internal/project"
	"github.com/atelier-dev/atelier/internal/protocol"
)

// inbound rate limits per connection: sustained, burst.
const (
	inboundRate  = 50
	inboundBurst = 100
)

type Server struct {
	Hub      *Hub
	Registry *project.Registry
	Settings *config.Settings
	History  *history.Store // optional
	Alloc    *ports.Allocator

	mux *http.ServeMux
}

func NewServer(hub *Hub, reg *project.Registry, settings *config.Settings, hist *history.Store, alloc *ports.Allocator) *Server {
	s := &Server{
		Hub:      hub,
		Registry: reg,
		Settings: settings,
		History:  hist,
		Alloc:    alloc,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("POST /api/config", s.handleSetConfig)
	s.mux.HandleFunc("GET /api/browse", s.handleBrowse)
	s.mux.HandleFunc("GET /api/port/{project}", s.handlePort)
	s.mux.HandleFunc("GET /api/history/{project}", s.handleHistory)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWS upgrades a viewer connection, replays current state for every
// known project, then dispatches inbound messages until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local daemon, viewers come from file:// and localhost
	})
	if err != nil {
		logger.Warn("websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(16 * 1024 * 1024) // image attachments arrive base64-encoded
	c := &client{id: uuid.NewString(), conn: conn}
	s.Hub.add(c)
	defer func() {
		s.Hub.remove(c.id)
		conn.CloseNow()
	}()
	logger.Info("viewer connected", "client", c.id)

	s.replayState(c)

	ctx := r.Context()
	limiter := rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("viewer disconnected", "client", c.id)
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Hub.SendTo(c.id, protocol.ClaudeOutput("", "Malformed message.\n"))
			continue
		}
		s.dispatch(c, msg)
	}
}

// replayState brings a newly attached viewer up to date on every project
// the registry knows about.
func (s *Server) replayState(c *client) {
	for _, name := range s.Registry.Names() {
		p := s.Registry.Get(name)
		s.Hub.SendTo(c.id, protocol.ProjectState(name, p.State()))
	}
}

// dispatch routes one inbound message. The message vocabulary is closed;
// anything else gets a notice rather than silent acceptance.
func (s *Server) dispatch(c *client, msg protocol.Inbound) {
	if msg.Type == "" {
		return
	}
	if err := validProjectName(msg.Project); err != nil {
		s.Hub.SendTo(c.id, protocol.ClaudeOutput(msg.Project, "Invalid project name.\n"))
		return
	}
	p := s.Registry.Get(msg.Project)

	switch msg.Type {
	case protocol.MsgStartClaude:
		p.StartSession()
	case protocol.MsgSendCommand:
		// NotReady already produced a viewer notice inside Submit.
		_ = p.Submit(msg.Command, msg.Files, c.id)
	case protocol.MsgStartNetlify:
		// StartDev blocks on the install step; don't stall this
		// connection's read loop.
		go p.StartDev()
	case protocol.MsgStopClaude:
		p.StopSession()
	case protocol.MsgStopCurrentCommand:
		p.StopCurrent()
	case protocol.MsgStopNetlify:
		p.StopDev()
	case protocol.MsgGetProjectState:
		s.Hub.SendTo(c.id, protocol.ProjectState(msg.Project, p.State()))
	default:
		s.Hub.SendTo(c.id, protocol.ClaudeOutput(msg.Project,
			fmt.Sprintf("Unknown message type %q.\n", msg.Type)))
	}
}

func validProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("empty project name")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("project name %q contains path elements", name)
	}
	return nil
}

// --- HTTP collaborator surface ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	base := s.Settings.ProjectsPath()
	if base == "" {
		writeError(w, http.StatusBadRequest, "no projects path configured")
		return
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projects := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	path := s.Settings.ProjectsPath()
	var v any
	if path != "" {
		v = path
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectsPath": v})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectsPath string `json:"projectsPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !filepath.IsAbs(req.ProjectsPath) {
		writeError(w, http.StatusBadRequest, "projectsPath must be absolute")
		return
	}
	info, err := os.Stat(req.ProjectsPath)
	if err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "projectsPath is not a directory")
		return
	}
	if err := s.Settings.SetProjectsPath(req.ProjectsPath); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"projectsPath": req.ProjectsPath})
}

// handleBrowse lists the directories under ?path= for the path picker.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		path = home
	}
	if !filepath.IsAbs(path) {
		writeError(w, http.StatusBadRequest, "path must be absolute")
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dirs := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   path,
		"parent": filepath.Dir(path),
		"dirs":   dirs,
	})
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("project")
	if err := validProjectName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	port, fallback, err := s.Alloc.Assign(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": name, "port": port, "fallback": fallback})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	name := r.PathValue("project")
	if err := validProjectName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.History.RecentRuns(name, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
