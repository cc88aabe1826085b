// Package file provides file-based run persistence, one JSON document per
// session under a root directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"runlog/pkg/persistence"
)

type Persistence struct {
	root string
	mu   sync.RWMutex
}

func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

func (fp *Persistence) SaveRun(_ context.Context, run *persistence.RunRecord) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if err := os.MkdirAll(fp.runsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run %s: %w", run.SessionID, err)
	}

	if err := os.WriteFile(fp.runPath(run.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.SessionID, err)
	}

	return nil
}

func (fp *Persistence) RunBySessionID(_ context.Context, sessionID string) (*persistence.RunRecord, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	data, err := os.ReadFile(fp.runPath(sessionID))
	if os.IsNotExist(err) {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", sessionID, err)
	}

	var run persistence.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", sessionID, err)
	}

	return &run, nil
}

func (fp *Persistence) Runs(_ context.Context) ([]*persistence.RunRecord, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	entries, err := os.ReadDir(fp.runsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*persistence.RunRecord, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fp.runsDir(), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read run %s: %w", entry.Name(), err)
		}

		var run persistence.RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("failed to parse run %s: %w", entry.Name(), err)
		}

		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	return runs, nil
}

func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

func (fp *Persistence) runsDir() string {
	return filepath.Join(fp.root, "runs")
}

func (fp *Persistence) runPath(sessionID string) string {
	return filepath.Join(fp.runsDir(), sessionID+".json")
}
