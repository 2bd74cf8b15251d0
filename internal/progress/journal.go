package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/db"
	"github.com/geopush/geopush/internal/utils"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
)

var ErrJournalLocked = errors.New("journal is locked by another run")

var journalSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    started_at TEXT NOT NULL, -- RFC3339
    finished_at TEXT
);`,
	`CREATE TABLE IF NOT EXISTS finished (
    element TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    changeset_id INTEGER NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS remaps (
    element TEXT PRIMARY KEY,
    new_id INTEGER NOT NULL,
    new_version INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_finished_run ON finished(run_id);`,
}

type dbRemap struct {
	Element    string `db:"element"`
	NewID      int64  `db:"new_id"`
	NewVersion int64  `db:"new_version"`
}

// RunInfo is one row of the runs table.
type RunInfo struct {
	ID         string  `db:"id"`
	Source     string  `db:"source"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

// Journal persists applied changes and server ids so an aborted run can be
// resumed without uploading anything twice. It is an Observer of the driver.
type Journal struct {
	path  string
	db    *sqlx.DB
	flock *flock.Flock
	runID string

	mu  sync.Mutex
	err error
}

func NewJournal(path string) *Journal {
	return &Journal{
		path:  path,
		flock: flock.New(path + ".lock"),
	}
}

// Open locks the journal and creates its tables.
func (j *Journal) Open() error {
	if j.db != nil {
		return fmt.Errorf("journal already open")
	}
	if err := utils.EnsureParent(j.path); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	locked, err := j.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock journal: %w", err)
	}
	if !locked {
		return ErrJournalLocked
	}

	database, err := db.NewSqliteDB(
		db.WithPath(j.path),
		db.WithMaxOpenConns(1),
		db.WithSchema(journalSchema...),
	)
	if err != nil {
		_ = j.flock.Unlock()
		return fmt.Errorf("failed to open journal: %w", err)
	}
	j.db = database
	return nil
}

// Close releases the database and the lock.
func (j *Journal) Close() error {
	if j.db == nil {
		return fmt.Errorf("journal not open")
	}
	err := j.db.Close()
	j.db = nil
	if uerr := j.flock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	if err != nil {
		slog.Error("journal close", "error", err)
	}
	return err
}

// Begin records a new run. Later events are attributed to it.
func (j *Journal) Begin(runID, source string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`INSERT INTO runs (id, source, started_at) VALUES (?, ?, ?)`,
		runID, source, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to begin run %s: %w", runID, err)
	}
	j.runID = runID
	return nil
}

// Finish stamps the current run as finished.
func (j *Journal) Finish() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), j.runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", j.runID, err)
	}
	return j.err
}

// Runs lists every run recorded, oldest first.
func (j *Journal) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	if err := j.db.Select(&runs, `SELECT id, source, started_at, finished_at FROM runs ORDER BY started_at, id`); err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return runs, nil
}

// Record stores applied ids and their remaps in one transaction.
func (j *Journal) Record(sequence, changesetID int64, applied []changeset.ElementID, remaps map[changeset.ElementID]changeset.Remap) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range applied {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO finished (element, run_id, sequence, changeset_id) VALUES (?, ?, ?, ?)`,
			id.String(), j.runID, sequence, changesetID); err != nil {
			return fmt.Errorf("failed to record %s: %w", id, err)
		}
	}
	for id, m := range remaps {
		row := dbRemap{Element: id.String(), NewID: m.NewID, NewVersion: m.NewVersion}
		if _, err := tx.NamedExec(`INSERT OR IGNORE INTO remaps (element, new_id, new_version) VALUES (:element, :new_id, :new_version)`, row); err != nil {
			return fmt.Errorf("failed to record remap %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Observe implements Observer. Write errors are logged and reported by Finish.
func (j *Journal) Observe(e Event) {
	if e.Kind != EventBatch || len(e.Applied) == 0 {
		return
	}
	if err := j.Record(e.Sequence, e.ChangesetID, e.Applied, e.Remaps); err != nil {
		slog.Error("journal record", "batch", e.Sequence, "error", err)
		j.mu.Lock()
		if j.err == nil {
			j.err = err
		}
		j.mu.Unlock()
	}
}

// Finished returns every id recorded as applied.
func (j *Journal) Finished() ([]changeset.ElementID, error) {
	var raw []string
	if err := j.db.Select(&raw, `SELECT element FROM finished`); err != nil {
		return nil, fmt.Errorf("failed to query finished: %w", err)
	}
	ids := make([]changeset.ElementID, 0, len(raw))
	for _, r := range raw {
		id, err := changeset.ParseElementID(r)
		if err != nil {
			slog.Warn("journal skipping bad id", "element", r, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remaps returns the stored server ids of created elements.
func (j *Journal) Remaps() (map[changeset.ElementID]changeset.Remap, error) {
	var rows []dbRemap
	if err := j.db.Select(&rows, `SELECT element, new_id, new_version FROM remaps`); err != nil {
		return nil, fmt.Errorf("failed to query remaps: %w", err)
	}
	out := make(map[changeset.ElementID]changeset.Remap, len(rows))
	for _, r := range rows {
		id, err := changeset.ParseElementID(r.Element)
		if err != nil {
			slog.Warn("journal skipping bad id", "element", r.Element, "error", err)
			continue
		}
		out[id] = changeset.Remap{NewID: r.NewID, NewVersion: r.NewVersion}
	}
	return out, nil
}

// Restore replays the journal into store and returns how many changes were
// already done.
func (j *Journal) Restore(store *changeset.Store) (int, error) {
	finished, err := j.Finished()
	if err != nil {
		return 0, err
	}
	remaps, err := j.Remaps()
	if err != nil {
		return 0, err
	}
	n := store.Restore(finished, remaps)
	slog.Info("journal restore", "finished", n, "remaps", len(remaps))
	return n, nil
}
