package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/utils"
)

const (
	failedFileName    = "failed.osc"
	remainingFileName = "remaining.osc"
)

// loadStore merges every file into one store and repairs it.
func loadStore(files []string) (*changeset.Store, error) {
	store := changeset.NewStore()
	for _, f := range files {
		if err := store.LoadFile(f); err != nil {
			return nil, err
		}
	}
	repairs := store.Repair()
	slog.Info("changes loaded", "files", len(files), "changes", store.Len(), "repairs", len(repairs))
	for _, r := range repairs {
		slog.Debug("repair", "ids", r.IDs, "action", r.Action, "class", r.Class, "message", r.Message)
	}
	return store, nil
}

func writeOSC(path string, data []byte) error {
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Debug("wrote", "path", path, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

// writeFailures writes the failure document, even when it is empty.
func writeFailures(dir string, store *changeset.Store) error {
	body, err := changeset.NewSerializer(store).RenderFailures(store.Failures())
	if err != nil {
		return err
	}
	return writeOSC(filepath.Join(dir, failedFileName), body)
}

// writeResults writes the failure document and, when changes were not
// uploaded, a document holding what is left.
func writeResults(dir string, store *changeset.Store) error {
	if err := writeFailures(dir, store); err != nil {
		return err
	}
	st := store.Stats()
	if st.Total-st.Processed-st.Failed == 0 {
		return nil
	}
	body, err := changeset.NewSerializer(store).RenderAll()
	if err != nil {
		return err
	}
	return writeOSC(filepath.Join(dir, remainingFileName), body)
}
