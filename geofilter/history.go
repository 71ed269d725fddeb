package geofilter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gferr "github.com/geofilter/geofilter/geofilter/errors"
	"github.com/geofilter/geofilter/geofilter/storage/sqlbuilder"

	// History rows live in a local sqlite file; the pure-Go driver
	// keeps the engine linkable without cgo.
	_ "modernc.org/sqlite"
)

// historyDDL holds one row per applied subset change. The sequence
// number is per (project, layer); rows are append-only except for the
// whole-layer delete issued when a layer is removed.
const historyDDL = `
CREATE TABLE IF NOT EXISTS filter_history (
  project_id    TEXT NOT NULL,
  layer_id      TEXT NOT NULL,
  seq           INTEGER NOT NULL,
  subset        TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  PRIMARY KEY (project_id, layer_id, seq)
);
`

// HistoryEntry is one applied change.
type HistoryEntry struct {
	ProjectID   string
	LayerID     string
	Seq         int64
	Subset      string
	CreatedAtMS int64
}

// HistoryStore is the append-only change log, kept in a local sqlite
// database via the pure-Go driver.
type HistoryStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenHistory opens (and initializes) the history database. Pass
// ":memory:" for an ephemeral store.
func OpenHistory(ctx context.Context, path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, gferr.Wrap(gferr.ErrIO, "open history store", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, gferr.Wrap(gferr.ErrIO, "open history store", err)
	}
	if _, err := db.ExecContext(ctx, historyDDL); err != nil {
		_ = db.Close()
		return nil, gferr.Wrap(gferr.ErrExecution, "create history table", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	return &HistoryStore{db: db, now: time.Now}, nil
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// Append records a subset change under the next sequence number.
func (h *HistoryStore) Append(ctx context.Context, projectID, layerID, subset string) (HistoryEntry, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return HistoryEntry{}, gferr.Wrap(gferr.ErrExecution, "begin history append", err)
	}
	defer tx.Rollback()

	var seq int64
	qb := sqlbuilder.New(sqlbuilder.Question)
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM filter_history WHERE project_id = %s AND layer_id = %s",
		qb.Arg(projectID), qb.Arg(layerID)), qb.Args()...)
	if err := row.Scan(&seq); err != nil {
		return HistoryEntry{}, gferr.Wrap(gferr.ErrExecution, "next history sequence", err)
	}

	entry := HistoryEntry{
		ProjectID:   projectID,
		LayerID:     layerID,
		Seq:         seq,
		Subset:      subset,
		CreatedAtMS: h.now().UnixMilli(),
	}
	ins := sqlbuilder.New(sqlbuilder.Question)
	stmt := fmt.Sprintf(
		"INSERT INTO filter_history (project_id, layer_id, seq, subset, created_at_ms) VALUES (%s, %s, %s, %s, %s)",
		ins.Arg(entry.ProjectID), ins.Arg(entry.LayerID), ins.Arg(entry.Seq), ins.Arg(entry.Subset), ins.Arg(entry.CreatedAtMS))
	_, err = tx.ExecContext(ctx, stmt, ins.Args()...)
	if err != nil {
		return HistoryEntry{}, gferr.Wrap(gferr.ErrExecution, "append history", err)
	}
	if err := tx.Commit(); err != nil {
		return HistoryEntry{}, gferr.Wrap(gferr.ErrExecution, "commit history append", err)
	}
	return entry, nil
}

// ListForLayer returns the change log for a layer in sequence order.
func (h *HistoryStore) ListForLayer(ctx context.Context, projectID, layerID string) ([]HistoryEntry, error) {
	qb := sqlbuilder.New(sqlbuilder.Question)
	query := fmt.Sprintf(
		"SELECT project_id, layer_id, seq, subset, created_at_ms FROM filter_history WHERE project_id = %s AND layer_id = %s ORDER BY seq",
		qb.Arg(projectID), qb.Arg(layerID))
	rows, err := h.db.QueryContext(ctx, query, qb.Args()...)
	if err != nil {
		return nil, gferr.Wrap(gferr.ErrExecution, "list history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ProjectID, &e.LayerID, &e.Seq, &e.Subset, &e.CreatedAtMS); err != nil {
			return nil, gferr.Wrap(gferr.ErrExecution, "scan history row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteForLayer removes every history row for a layer; issued when
// the layer itself is removed.
func (h *HistoryStore) DeleteForLayer(ctx context.Context, projectID, layerID string) (int64, error) {
	qb := sqlbuilder.New(sqlbuilder.Question)
	stmt := fmt.Sprintf("DELETE FROM filter_history WHERE project_id = %s AND layer_id = %s",
		qb.Arg(projectID), qb.Arg(layerID))
	res, err := h.db.ExecContext(ctx, stmt, qb.Args()...)
	if err != nil {
		return 0, gferr.Wrap(gferr.ErrExecution, "delete layer history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, gferr.Wrap(gferr.ErrExecution, "count deleted history rows", err)
	}
	return n, nil
}
