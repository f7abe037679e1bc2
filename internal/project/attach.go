package project

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atelier-dev/atelier/internal/logger"
	"github.com/atelier-dev/atelier/internal/protocol"
)

const (
	tempDirName = ".atelier-tmp"
	tempMaxAge  = time.Hour
)

func tempDir(projectDir string) string {
	return filepath.Join(projectDir, tempDirName)
}

// materialize builds the final command text: text attachments are inlined
// verbatim, images are written to the project's gitignored temp directory
// and referenced by absolute path.
func materialize(projectDir, text string, files []protocol.Attachment) (string, error) {
	if len(files) == 0 {
		return text, nil
	}
	var b strings.Builder
	b.WriteString(text)
	for _, f := range files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", f.Name, err)
		}
		if f.IsImage {
			path, err := writeTempFile(projectDir, f.Name, data)
			if err != nil {
				return "", fmt.Errorf("attachment %s: %w", f.Name, err)
			}
			fmt.Fprintf(&b, "\n\nAttached image: %s", path)
		} else {
			fmt.Fprintf(&b, "\n\n--- %s ---\n%s", f.Name, data)
		}
	}
	return b.String(), nil
}

func writeTempFile(projectDir, name string, data []byte) (string, error) {
	dir := tempDir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	// Keep the whole directory out of version control.
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		os.WriteFile(ignore, []byte("*\n"), 0o644)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().Unix(), filepath.Base(name)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// sweepTemp removes attachment temp files older than an hour. Called at
// each session start; errors only get logged.
func sweepTemp(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-tempMaxAge)
	for _, e := range entries {
		if e.IsDir() || e.Name() == ".gitignore" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				logger.Warn("temp sweep", "file", e.Name(), "err", err)
			}
		}
	}
}
