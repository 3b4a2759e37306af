package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/corelog"
)

// Registry owns the in-memory set of sessions and their persisted form.
// Its mutex guards only the session map and list order; the sessions it
// returns are changed both by internal/engine (under the engine's mutex)
// and by the supervisor's stream goroutine (without it).
type Registry struct {
	mu sync.RWMutex
	configDir string
	agents *agent.Registry
	log *corelog.Logger
	sessions map[string]*Session
	order []string // preserves insertion/list order across save/load
}

// NewRegistry creates a registry backed by files under configDir.
func NewRegistry(configDir string, agents *agent.Registry, log *corelog.Logger) *Registry {
	return &Registry{
		configDir: configDir,
		agents: agents,
		log: log,
		sessions: make(map[string]*Session),
	}
}

// Create validates the workspace path and agent kind and adds a new
// session.
func (r *Registry) Create(workDir, displayName string, kind agent.Kind) (*Session, error) {
	info, err := os.Stat(workDir)
	if err != nil || !info.IsDir() {
		return nil, ErrInvalidPath
	}
	if r.agents != nil && !r.agents.Exists(kind) {
		return nil, ErrUnknownAgent
	}

	s := New(workDir, displayName, kind)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.mu.Unlock()

	if err := r.Save(); err != nil {
		r.logWarn("persist after create", err)
	}
	return s, nil
}

// Delete terminates via terminate (caller supplies the live-process
// teardown, typically the supervisor), drops the session, and removes its
// playbook file. A missing playbook file is not an error.
func (r *Registry) Delete(id string, terminate func(sessionID string) error) error {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if terminate != nil {
		if err := terminate(id); err != nil {
			r.logWarn("terminate live process on delete", err)
		}
	}

	path := r.playbookPath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logWarn("remove playbook file", err)
	}

	return r.Save()
}

// UpdateWorkDir atomically replaces cwd; a live child process is
// undisturbed until its next spawn.
func (r *Registry) UpdateWorkDir(id, workDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.WorkDir = workDir
	return nil
}

// Rename updates a session's display name.
func (r *Registry) Rename(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.DisplayName = name
	return nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all sessions in stable order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) logWarn(action string, err error) {
	if r.log != nil {
		r.log.Warn("session persistence warning", zap.String("action", action), zap.Error(err))
	}
}

// --- Persistence ---
//
// sessions.json is a whole-file replace; readers tolerate a missing or
// malformed file by treating it as empty.

func (r *Registry) sessionsPath() string {
	return filepath.Join(r.configDir, "sessions.json")
}

func (r *Registry) playbookPath(sessionID string) string {
	return filepath.Join(r.configDir, "playbooks", sessionID+".json")
}

// Save whole-file-replaces sessions.json with the current in-memory set.
func (r *Registry) Save() error {
	r.mu.RLock()
	records := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			records = append(records, s)
		}
	}
	r.mu.RUnlock()

	if err := os.MkdirAll(r.configDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	data, err := json.MarshalIndent(records, "", " ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	tmp := r.sessionsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	if err := os.Rename(tmp, r.sessionsPath()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// Load reads sessions.json, tolerating a missing or malformed file as
// empty.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.sessionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		r.logWarn("load sessions.json", err)
		return nil
	}

	var records []*Session
	if err := json.Unmarshal(data, &records); err != nil {
		r.logWarn("parse sessions.json", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session, len(records))
	r.order = r.order[:0]
	for _, s := range records {
		r.sessions[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return nil
}

// Reconcile re-scans each session's VCS/Auto Run state via the supplied
// hooks, clears transient fields, and drops any in-flight BatchRunState
// reference.
// Tabs and logs are kept intact.
func (r *Registry) Reconcile(scanVCS func(workDir string) VCSState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if scanVCS != nil {
			s.VCS = scanVCS(s.WorkDir)
		}
		s.AutoRun.BatchRef = ""
		for _, t := range s.Tabs {
			t.MarkIdle()
			t.LastError = nil
		}
	}
}

// ErrPersistenceFailure wraps persistence I/O errors: in-memory state
// remains authoritative on any write failure, the error is only
// surfaced.
var ErrPersistenceFailure = fmt.Errorf("persistence failure")
