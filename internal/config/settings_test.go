package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := OpenSettings(path)
	if err != nil {
		t.Fatalf("OpenSettings: %v", err)
	}
	if got := s.ProjectsPath(); got != "" {
		t.Errorf("ProjectsPath = %q, want empty", got)
	}

	if err := s.SetProjectsPath("/srv/projects"); err != nil {
		t.Fatalf("SetProjectsPath: %v", err)
	}
	if err := s.ClaimPort("demo", 4001); err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}

	// Reopen from disk: the mutation must already be there.
	s2, err := OpenSettings(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.ProjectsPath(); got != "/srv/projects" {
		t.Errorf("ProjectsPath = %q, want /srv/projects", got)
	}
	port, ok := s2.PortFor("demo")
	if !ok || port != 4001 {
		t.Errorf("PortFor(demo) = %d, %v; want 4001, true", port, ok)
	}
}

func TestClaimPortFirstWriteWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := OpenSettings(path)
	if err != nil {
		t.Fatalf("OpenSettings: %v", err)
	}

	if err := s.ClaimPort("demo", 4001); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.ClaimPort("demo", 4002); err == nil {
		t.Error("reclaim with a different port should fail")
	}
	// Same port again is idempotent.
	if err := s.ClaimPort("demo", 4001); err != nil {
		t.Errorf("idempotent claim: %v", err)
	}
	if port, _ := s.PortFor("demo"); port != 4001 {
		t.Errorf("port changed to %d", port)
	}
}

func TestOpenSettingsMissingFile(t *testing.T) {
	s, err := OpenSettings(filepath.Join(t.TempDir(), "nope", "settings.json"))
	if err != nil {
		t.Fatalf("OpenSettings on missing file: %v", err)
	}
	if len(s.Ports()) != 0 {
		t.Error("fresh settings should have no ports")
	}
}

func TestOpenSettingsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSettings(path); err == nil {
		t.Error("expected parse error")
	}
}
