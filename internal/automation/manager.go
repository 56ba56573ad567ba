//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ErrScriptNotFound is returned for IDs with no file on disk.
var ErrScriptNotFound = errors.New("automation: script not found")

// ErrInvalidScriptID rejects IDs that are unsafe as a filename.
var ErrInvalidScriptID = errors.New("automation: invalid script id")

func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Manager loads and saves automation scripts in a directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// List returns every parsable script, sorted by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := []*Script{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	slices.SortFunc(scripts, func(a, b *Script) int { return strings.Compare(a.ID, b.ID) })
	return scripts, nil
}

// Get returns a single script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parseFile(filepath.Join(m.dir, id+".lua"))
}

// Save writes a script to disk. A script without an ID gets one derived
// from its name.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = slugify(s.Meta.Name)
		if s.ID == "" {
			s.ID = "script"
		}
		base := s.ID
		for i := 1; ; i++ {
			if _, err := os.Stat(filepath.Join(m.dir, s.ID+".lua")); errors.Is(err, fs.ErrNotExist) {
				break
			}
			s.ID = fmt.Sprintf("%s_%d", base, i)
		}
	} else if !validScriptID(s.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptID, s.ID)
	}

	s.FilePath = filepath.Join(m.dir, s.ID+".lua")
	if err := writeFileAtomic(s.FilePath, []byte(serializeScript(s))); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	m.logger.Debug("script saved", "id", s.ID, "enabled", s.Meta.Enabled)
	return s, nil
}

// writeFileAtomic replaces path through a temp file in the same directory,
// so a running engine never reads a half-written script.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".script-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delete removes a script file by ID.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(filepath.Join(m.dir, id+".lua")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

const metaPrefix = "-- {"

func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, filepath.Base(path))
		}
		return nil, err
	}

	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), ".lua"),
		FilePath: path,
	}

	content := string(data)
	first, rest, _ := strings.Cut(content, "\n")
	if strings.HasPrefix(first, metaPrefix) {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err != nil {
			m.logger.Warn("script metadata parse error", "file", path, "err", err)
		}
		content = rest
	}
	s.LuaCode = strings.TrimLeft(content, "\n")
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	return s, nil
}

func serializeScript(s *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
