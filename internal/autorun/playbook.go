// Package autorun implements the Auto Run batch scheduler: parses
// playbook markdown, drives documents x tasks x loops through the
// supervisor, marks checkboxes atomically, and tracks badges/usage.
package autorun

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// WorktreeSettings configures an isolated git worktree for a run.
type WorktreeSettings struct {
	BranchTemplate string `json:"branchTemplate"`
	CreatePR       bool   `json:"createPr"`
	TargetBranch   string `json:"targetBranch"`
}

// Playbook is a user-authored batch specification.
type Playbook struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Documents   []string          `json:"documents"` // relative paths within the Auto Run folder
	LoopEnabled bool              `json:"loopEnabled"`
	MaxLoops    *int              `json:"maxLoops"` // nil = unbounded
	Prompt      string            `json:"prompt"`
	Worktree    *WorktreeSettings `json:"worktree,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// NewPlaybook creates a playbook with a fresh id and timestamps.
func NewPlaybook(displayName string, documents []string) *Playbook {
	now := time.Now()
	return &Playbook{
		ID: uuid.NewString(),
		DisplayName: displayName,
		Documents: documents,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store persists playbooks for every session under configDir/playbooks
//.
type Store struct {
	configDir string
}

// NewStore creates a Store rooted at configDir.
func NewStore(configDir string) *Store {
	return &Store{configDir: configDir}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.configDir, "playbooks", sessionID+".json")
}

// Load reads a session's playbooks, tolerating a missing or malformed
// file as empty.
func (s *Store) Load(sessionID string) ([]*Playbook, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}
	var playbooks []*Playbook
	if err := json.Unmarshal(data, &playbooks); err != nil {
		return nil, nil
	}
	return playbooks, nil
}

// Save whole-file-replaces a session's playbook file.
func (s *Store) Save(sessionID string, playbooks []*Playbook) error {
	if err := os.MkdirAll(filepath.Dir(s.path(sessionID)), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(playbooks, "", " ")
	if err != nil {
		return err
	}
	tmp := s.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(sessionID))
}

// Delete removes a session's playbook file; a missing file is not an
// error.
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
