// Package fts maintains a self-healing SQLite FTS5 external-content
// index over the memories table: value/summary columns, sync triggers,
// bm25 ranking with a matchinfo('pcx') fallback when the bm25 UDF is
// unavailable, and periodic segment optimization.
package fts

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/metrics"
	"github.com/barthlab/kernel/pkg/types"
)

const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	value,
	summary,
	content='memories',
	content_rowid='id',
	tokenize='%s'
);

CREATE TABLE IF NOT EXISTS memory_fts_map (
	memory_id INTEGER PRIMARY KEY,
	indexed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE TRIGGER IF NOT EXISTS memory_fts_insert AFTER INSERT ON memories
BEGIN
	INSERT INTO memory_fts(rowid, value, summary) VALUES (new.id, new.value, new.summary);
	INSERT OR IGNORE INTO memory_fts_map(memory_id) VALUES (new.id);
END;

CREATE TRIGGER IF NOT EXISTS memory_fts_update AFTER UPDATE ON memories
BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, value, summary) VALUES ('delete', old.id, old.value, old.summary);
	INSERT INTO memory_fts(rowid, value, summary) VALUES (new.id, new.value, new.summary);
END;

CREATE TRIGGER IF NOT EXISTS memory_fts_delete AFTER DELETE ON memories
BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, value, summary) VALUES ('delete', old.id, old.value, old.summary);
	DELETE FROM memory_fts_map WHERE memory_id = old.id;
END;
`

// DefaultTokenizer matches the original kernel's default when no
// retrieval.fts_tokenizer override is configured.
const DefaultTokenizer = "porter"

// ErrFeatureUnavailable is returned by New when the linked SQLite lacks
// FTS5; it is distinct from the vector extension's own error.
var ErrFeatureUnavailable = errors.New("fts: SQLite FTS5 extension is not available in this build")

// ConsentGate optionally post-filters search results before they reach
// the caller, e.g. to drop memories the caller hasn't consented to see.
type ConsentGate func(ctx context.Context, results []Result) ([]Result, error)

// Index wraps the FTS5 virtual table and its housekeeping.
type Index struct {
	db          *sql.DB
	tokenizer   string
	ConsentGate ConsentGate
}

// New creates an Index bound to db using tokenizer (DefaultTokenizer if
// empty) and ensures its schema exists.
func New(ctx context.Context, db *sql.DB, tokenizer string) (*Index, error) {
	if tokenizer == "" {
		tokenizer = DefaultTokenizer
	}
	idx := &Index{db: db, tokenizer: tokenizer}

	if !fts5Available(db) {
		return nil, ErrFeatureUnavailable
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, tokenizer)); err != nil {
		return nil, fmt.Errorf("fts: ensure schema: %w", err)
	}
	if err := idx.selfHeal(ctx); err != nil {
		log.WithComponent("fts").Warn().Err(err).Msg("self-heal check failed")
	}
	return idx, nil
}

func fts5Available(db *sql.DB) bool {
	_, err := db.Exec("CREATE VIRTUAL TABLE temp.__fts5_probe USING fts5(x)")
	if err != nil {
		return false
	}
	db.Exec("DROP TABLE temp.__fts5_probe")
	return true
}

// selfHeal detects rowid drift between memory_fts and memories (e.g. from
// a partially-applied migration or an external restore) and rebuilds the
// index from scratch when it finds any.
func (idx *Index) selfHeal(ctx context.Context) error {
	var dummy int
	err := idx.db.QueryRowContext(ctx, `
		SELECT 1 FROM memory_fts f
		LEFT JOIN memories m ON f.rowid = m.id
		WHERE m.id IS NULL LIMIT 1
	`).Scan(&dummy)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	log.WithComponent("fts").Warn().Msg("fts rowid mismatch detected, rebuilding index")
	_, err = idx.Rebuild(ctx)
	return err
}

// Upsert manually (re-)indexes one memory. The sync triggers already
// handle normal inserts/updates; this exists for backfills and repair.
func (idx *Index) Upsert(ctx context.Context, memoryID int64, value, summary string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_fts_map(memory_id) VALUES (?)`, memoryID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_fts(memory_fts, rowid, value, summary)
		SELECT 'delete', rowid, value, summary FROM memory_fts WHERE rowid = ?`, memoryID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts(rowid, value, summary) VALUES (?, ?, ?)`, memoryID, value, summary); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a memory's FTS index entry.
func (idx *Index) Delete(ctx context.Context, memoryID int64) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM memory_fts WHERE rowid = ?`, memoryID); err != nil {
		return err
	}
	_, err := idx.db.ExecContext(ctx, `DELETE FROM memory_fts_map WHERE memory_id = ?`, memoryID)
	return err
}

// Result is one ranked search hit.
type Result struct {
	Memory  types.Memory
	Rank    float64
	Snippet string
}

// forceBM25Fallback lets tests and BARTHO_FORCE_BM25_FALLBACK=1
// exercise the matchinfo('pcx') code path even when bm25() is present.
func forceBM25Fallback() bool {
	return os.Getenv("BARTHO_FORCE_BM25_FALLBACK") == "1"
}

// Search runs an FTS5 MATCH query and returns up to limit ranked
// results. It prefers the bm25() ranking function and transparently
// falls back to a matchinfo('pcx')-derived score when bm25 is not
// compiled into the linked SQLite.
func (idx *Index) Search(ctx context.Context, query string, limit, offset int) ([]Result, error) {
	timer := metrics.NewTimer()
	strategy := "bm25"
	defer func() { timer.ObserveDurationVec(metrics.KernelFTSSearchDuration, strategy) }()

	fetchLimit := limit
	if idx.ConsentGate != nil {
		fetchLimit = limit * 3
	}

	var results []Result
	var err error
	if !forceBM25Fallback() {
		results, err = idx.searchBM25(ctx, query, fetchLimit, offset)
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "no such function: bm25") {
			return nil, err
		}
		if err != nil {
			strategy = "matchinfo_fallback"
			results, err = idx.searchFallback(ctx, query, fetchLimit, offset)
		}
	} else {
		strategy = "matchinfo_fallback"
		results, err = idx.searchFallback(ctx, query, fetchLimit, offset)
	}
	if err != nil {
		return nil, err
	}

	if idx.ConsentGate == nil {
		return results, nil
	}

	filtered, err := idx.ConsentGate(ctx, results)
	if err != nil {
		return nil, fmt.Errorf("fts: consent gate: %w", err)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (idx *Index) searchBM25(ctx context.Context, query string, limit, offset int) ([]Result, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT m.id, m.kind, m.key, m.value, m.summary, m.ts, m.source, m.tags, m.pinned, m.created_at, m.updated_at,
		       bm25(memory_fts) as rank,
		       snippet(memory_fts, 0, '[', ']', ' … ', 8) as snip
		FROM memory_fts
		JOIN memories m ON memory_fts.rowid = m.id
		WHERE memory_fts MATCH ?
		ORDER BY rank ASC
		LIMIT ? OFFSET ?`, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

func (idx *Index) searchFallback(ctx context.Context, query string, limit, offset int) ([]Result, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT m.id, m.kind, m.key, m.value, m.summary, m.ts, m.source, m.tags, m.pinned, m.created_at, m.updated_at,
		       matchinfo(memory_fts, 'pcx') as mi,
		       snippet(memory_fts, 0, '[', ']', ' … ', 8) as snip
		FROM memory_fts
		JOIN memories m ON memory_fts.rowid = m.id
		WHERE memory_fts MATCH ?
		LIMIT ? OFFSET ?`, query, limit*3, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var tagsJSON, createdAt, updatedAt string
		var pinned int
		var matchinfo []byte
		var snip sql.NullString
		if err := rows.Scan(&r.Memory.ID, &r.Memory.Kind, &r.Memory.Key, &r.Memory.Value, &r.Memory.Summary, &r.Memory.TS, &r.Memory.Source,
			&tagsJSON, &pinned, &createdAt, &updatedAt, &matchinfo, &snip); err != nil {
			return nil, err
		}
		r.Memory.Pinned = pinned != 0
		populateMemoryExtras(&r.Memory, tagsJSON, createdAt, updatedAt)
		r.Rank = -rankPCX(matchinfo)
		if snip.Valid {
			r.Snippet = snip.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Lower rank is "better" in both strategies; matchinfo gives higher
	// for better, so negate then sort ascending like bm25.
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j].Rank < out[j-1].Rank {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	var out []Result
	for rows.Next() {
		var r Result
		var tagsJSON, createdAt, updatedAt string
		var pinned int
		var snip sql.NullString
		if err := rows.Scan(&r.Memory.ID, &r.Memory.Kind, &r.Memory.Key, &r.Memory.Value, &r.Memory.Summary, &r.Memory.TS, &r.Memory.Source,
			&tagsJSON, &pinned, &createdAt, &updatedAt, &r.Rank, &snip); err != nil {
			return nil, err
		}
		r.Memory.Pinned = pinned != 0
		populateMemoryExtras(&r.Memory, tagsJSON, createdAt, updatedAt)
		if snip.Valid {
			r.Snippet = snip.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func populateMemoryExtras(m *types.Memory, tagsJSON, createdAt, updatedAt string) {
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
}

// rankPCX computes an approximate BM25-like score from a matchinfo('pcx')
// blob: for each phrase/column pair, term frequency in this row weighted
// by the inverse of how many documents contain the term at all.
func rankPCX(blob []byte) float64 {
	if len(blob) < 8 {
		return 0
	}
	ints := make([]uint32, len(blob)/4)
	for i := range ints {
		ints[i] = binary.LittleEndian.Uint32(blob[i*4 : i*4+4])
	}
	if len(ints) < 2 {
		return 0
	}
	p, c := ints[0], ints[1]
	idx := 2
	var score float64
	for i := uint32(0); i < p; i++ {
		for j := uint32(0); j < c; j++ {
			if idx+2 >= len(ints) {
				break
			}
			hitsThisRow := ints[idx]
			docsWithHits := ints[idx+2]
			idx += 3
			if docsWithHits > 0 {
				score += float64(hitsThisRow) / float64(docsWithHits+1)
			}
		}
	}
	return score
}

// Snippet returns a highlighted excerpt of column ("value" or "summary")
// for one memory, or sql.ErrNoRows if the memory isn't indexed.
func (idx *Index) Snippet(ctx context.Context, memoryID int64, column string, tokens int) (string, error) {
	colIdx := 0
	if column == "summary" {
		colIdx = 1
	}
	var out sql.NullString
	err := idx.db.QueryRowContext(ctx, `
		SELECT snippet(memory_fts, ?, '<b>', '</b>', '…', ?)
		FROM memory_fts WHERE rowid = ?`, colIdx, tokens, memoryID).Scan(&out)
	if err != nil {
		return "", err
	}
	return out.String, nil
}

// Rebuild clears and repopulates the entire index from the memories
// table, returning the number of memories indexed.
func (idx *Index) Rebuild(ctx context.Context) (int, error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts`); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts_map`); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts(rowid, value, summary) SELECT id, value, summary FROM memories`); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts_map(memory_id) SELECT id FROM memories`); err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_fts_map`).Scan(&count); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Optimize merges FTS5 segments, reducing search-time fragmentation.
// The fts_optimize drive calls this on a slow cadence.
func (idx *Index) Optimize(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `INSERT INTO memory_fts(memory_fts) VALUES ('optimize')`)
	return err
}
