package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings is the durable daemon state: the configured projects directory
// and the port assignment table. The on-disk layout is a single JSON
// document rewritten synchronously on every mutation, so a restart always
// sees the last completed write.
type Settings struct {
	mu   sync.Mutex
	path string
	doc  settingsDoc
}

type settingsDoc struct {
	ProjectsPath *string        `json:"projectsPath"`
	ProjectPorts map[string]int `json:"projectPorts"`
}

// OpenSettings loads the settings document at path, creating an empty one
// if the file does not exist yet.
func OpenSettings(path string) (*Settings, error) {
	s := &Settings{
		path: path,
		doc:  settingsDoc{ProjectPorts: make(map[string]int)},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.doc.ProjectPorts == nil {
		s.doc.ProjectPorts = make(map[string]int)
	}
	return s, nil
}

// ProjectsPath returns the configured base directory for projects, or ""
// when none has been set.
func (s *Settings) ProjectsPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.ProjectsPath == nil {
		return ""
	}
	return *s.doc.ProjectsPath
}

func (s *Settings) SetProjectsPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ProjectsPath = &path
	return s.save()
}

// PortFor returns the port assigned to project, if any.
func (s *Settings) PortFor(project string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	port, ok := s.doc.ProjectPorts[project]
	return port, ok
}

// ClaimPort records a port for a project. The first write for a project
// wins; a second claim for the same project is rejected so an assignment
// can never silently change.
func (s *Settings) ClaimPort(project string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.doc.ProjectPorts[project]; ok && existing != port {
		return fmt.Errorf("project %s already has port %d", project, existing)
	}
	s.doc.ProjectPorts[project] = port
	return s.save()
}

// Ports returns a copy of the full assignment table.
func (s *Settings) Ports() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.doc.ProjectPorts))
	for k, v := range s.doc.ProjectPorts {
		out[k] = v
	}
	return out
}

// save writes the document through a temp file and rename so a crash
// mid-write never truncates the table. Caller holds s.mu.
func (s *Settings) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
