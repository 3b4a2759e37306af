package autorun

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the root of an exported playbook zip.
type Manifest struct {
	Version     int               `json:"version"`
	Name        string            `json:"name"`
	Documents   []string          `json:"documents"`
	LoopEnabled bool              `json:"loopEnabled"`
	MaxLoops    *int              `json:"maxLoops"`
	Prompt      string            `json:"prompt"`
	Worktree    *WorktreeSettings `json:"worktreeSettings"`
	ExportedAt  int64             `json:"exportedAt"`
}

// Export writes a playbook plus its referenced documents (read from
// autoRunFolder) into a zip at destPath.
func Export(p *Playbook, autoRunFolder, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	manifest := Manifest{
		Version: 1,
		Name: p.DisplayName,
		Documents: p.Documents,
		LoopEnabled: p.LoopEnabled,
		MaxLoops: p.MaxLoops,
		Prompt: p.Prompt,
		Worktree: p.Worktree,
		ExportedAt: time.Now().UnixMilli(),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", " ")
	if err != nil {
		return err
	}
	mw, err := zw.Create("manifest.json")
	if err != nil {
		return err
	}
	if _, err := mw.Write(manifestBytes); err != nil {
		return err
	}

	for _, doc := range p.Documents {
		data, err := os.ReadFile(filepath.Join(autoRunFolder, doc))
		if err != nil {
			return fmt.Errorf("read document %s: %w", doc, err)
		}
		dw, err := zw.Create("documents/" + filepath.Base(doc))
		if err != nil {
			return err
		}
		if _, err := dw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// ImportResult reports any documents the manifest referenced that were
// not present in the zip; those are treated as silently dropped at
// import time.
type ImportResult struct {
	Playbook        *Playbook
	DroppedRefCount int
}

// Import reads a playbook zip, regenerates its id, copies document files
// into the target session's Auto Run folder (overwriting), and returns a
// fresh Playbook ready to be appended to the session's playbook list.
func Import(zipPath, targetAutoRunFolder string) (*ImportResult, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var manifest Manifest
	var present = make(map[string]bool)

	for _, f := range zr.File {
		if f.Name == "manifest.json" {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &manifest); err != nil {
				return nil, fmt.Errorf("parse manifest.json: %w", err)
			}
		}
	}

	if err := os.MkdirAll(targetAutoRunFolder, 0o755); err != nil {
		return nil, err
	}

	for _, f := range zr.File {
		base := filepath.Base(f.Name)
		if filepath.Dir(f.Name) != "documents" {
			continue
		}
		present[base] = true
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(targetAutoRunFolder, base), data, 0o644); err != nil {
			return nil, err
		}
	}

	var kept []string
	dropped := 0
	for _, doc := range manifest.Documents {
		if present[filepath.Base(doc)] {
			kept = append(kept, filepath.Base(doc))
		} else {
			dropped++
		}
	}

	pb := NewPlaybook(manifest.Name, kept)
	pb.LoopEnabled = manifest.LoopEnabled
	pb.MaxLoops = manifest.MaxLoops
	pb.Prompt = manifest.Prompt
	pb.Worktree = manifest.Worktree

	return &ImportResult{Playbook: pb, DroppedRefCount: dropped}, nil
}
