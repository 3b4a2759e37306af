// Package history implements the append-only work history log, one
// JSONL file per workspace under the configuration directory's
// history/ subfolder. Writes are side effects of the scheduler and
// slash-commands; a failed write must never fail the underlying
// action.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/maestro/engine/internal/corelog"
)

// EntryType discriminates an automated Auto Run entry from a manual one.
type EntryType string

const (
	TypeAuto EntryType = "AUTO"
	TypeUser EntryType = "USER"
)

// UsageSnapshot is the optional per-entry usage snapshot.
type UsageSnapshot struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Entry is a synopsized record of past work.
type Entry struct {
	ID                string         `json:"id"`
	Type              EntryType      `json:"type"`
	Timestamp         time.Time      `json:"timestamp"`
	Summary           string         `json:"summary"`
	FullResponse      string         `json:"fullResponse,omitempty"`
	UpstreamSessionID string         `json:"upstreamSessionId,omitempty"`
	Usage             *UsageSnapshot `json:"usage,omitempty"`
	WorkspacePath     string         `json:"workspacePath"`
	SessionID         string         `json:"sessionId"`
}

// Writer appends Entry records to per-workspace JSONL files under the
// configuration directory's history/ subfolder.
type Writer struct {
	historyDir string
	log        *corelog.Logger
}

// NewWriter creates a Writer rooted at configDir/history.
func NewWriter(configDir string, log *corelog.Logger) *Writer {
	return &Writer{historyDir: filepath.Join(configDir, "history"), log: log}
}

// pathFor returns the JSONL file for a workspace path, named by its
// sha256 hash.
func (w *Writer) pathFor(workspacePath string) string {
	sum := sha256.Sum256([]byte(workspacePath))
	return filepath.Join(w.historyDir, hex.EncodeToString(sum[:])+".jsonl")
}

// Append writes one entry, assigning an id and timestamp if unset.
// Errors are logged, never returned — a failed history write must never
// fail the underlying action.
func (w *Writer) Append(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := w.appendLine(entry); err != nil && w.log != nil {
		w.log.WithError(err).Warn("history append failed")
	}
}

func (w *Writer) appendLine(entry Entry) error {
	if err := os.MkdirAll(w.historyDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(w.pathFor(entry.WorkspacePath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// ReadAll loads every entry recorded for a workspace, tolerating a
// missing file as empty and skipping any malformed line.
func (w *Writer) ReadAll(workspacePath string) ([]Entry, error) {
	data, err := os.ReadFile(w.pathFor(workspacePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			if w.log != nil {
				w.log.Warn("skipping malformed history line")
			}
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
