package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads and holds the active config, optionally watching the file
// for hot reloads.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
	logger   *slog.Logger

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader preloaded with defaults.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// Load reads and parses a YAML config file. Environment references like
// ${ENGINE_DB_DSN} or ${PORT:-7171} are substituted before parsing.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Get returns the current config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, empty before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references.
func substituteEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarRe.FindStringSubmatch(m)
		name := parts[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if parts[2] != "" {
			return strings.TrimPrefix(parts[2], ":-")
		}
		return ""
	})
}

// Watch starts an fsnotify watcher on the loaded config file. On change
// the file is reloaded and onReload invoked with the fresh config. Watch
// follows the containing directory to survive editor rename-and-replace.
func (l *Loader) Watch(onReload func(*Config)) error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = w
	l.watchDone = make(chan struct{})
	l.mu.Unlock()

	go l.watchLoop(w, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, targetPath string, onReload func(*Config)) {
	done := l.watchDone
	defer close(done)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := l.Reload(); err != nil {
					l.logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				l.logger.Info("config reloaded", "path", targetPath)
				if onReload != nil {
					onReload(l.Get())
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	w, done := l.watcher, l.watchDone
	l.watcher, l.watchDone = nil, nil
	l.mu.Unlock()

	if w != nil {
		_ = w.Close()
		<-done
	}
}

const defaultConfigTemplate = `# Engine configuration
server:
  port: 7171
  log_level: info
  cors: false

storage:
  driver: sqlite
  path: ./engine.db
  # driver: postgres
  # dsn: ${ENGINE_DB_DSN}

tenancy:
  single_tenant: false
  default_org:
    slug: default
    name: Default Organization
    plan: self-hosted

lifecycle:
  health_check_interval: 30s

workforce:
  tick_interval: 60s

approvals:
  default_timeout_minutes: 30

comms:
  ring_size: 2000
`

// GenerateDefault writes a commented starter config to path.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0644)
}
