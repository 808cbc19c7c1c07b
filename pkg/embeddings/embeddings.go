// Package embeddings manages the optional vector shadow table backing
// semantic lookups over memories. It is the one part of the kernel that
// depends on the sqlite-vec extension rather than SQLite's built-ins, and
// it is expected to be unavailable on some builds: every entry point
// reports that distinctly from a missing FTS5.
package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/barthlab/kernel/pkg/log"
)

// ErrExtensionUnavailable is returned when the sqlite-vec extension could
// not be loaded into the current process.
var ErrExtensionUnavailable = errors.New("embeddings: sqlite-vec extension unavailable")

// Dims is the dimensionality of the placeholder embedding vectors this
// kernel build writes. No embedding model is wired into the kernel itself;
// the vector table exists so a downstream collaborator can populate real
// embeddings later, and so the shadow-table sync mechanics have somewhere
// to live and be tested.
const Dims = 32

func init() {
	sqlite_vec.Auto()
}

// Manager owns the optional vec0 virtual table mirroring memories.
type Manager struct {
	db *sql.DB
}

// New returns a Manager bound to db. It does not probe for the vec0
// module; Available, Stats and RebuildVSS do that on each call.
func New(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Available reports whether the sqlite-vec extension loaded successfully
// by attempting to create (and immediately drop) a throwaway vec0 table.
func (m *Manager) Available(ctx context.Context) bool {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[%d])`, Dims))
	if err != nil {
		return false
	}
	_, _ = m.db.ExecContext(ctx, `DROP TABLE IF EXISTS vec_probe`)
	return true
}

// Stats is the snapshot reported by `embeddings stats`.
type Stats struct {
	ExtensionAvailable bool
	Dims               int
	MemoryCount        int
	VectorCount        int
}

// Stats reports the current memory count, vector shadow table row count,
// and whether the extension is usable at all.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Dims: Dims}

	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&stats.MemoryCount); err != nil {
		return Stats{}, fmt.Errorf("count memories: %w", err)
	}

	stats.ExtensionAvailable = m.Available(ctx)
	if !stats.ExtensionAvailable {
		return stats, nil
	}

	row := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vec_memories`)
	if err := row.Scan(&stats.VectorCount); err != nil {
		// Table not created yet is not an error for stats purposes.
		stats.VectorCount = 0
	}
	return stats, nil
}

// RebuildVSS (re)creates the vector shadow table and repopulates it with
// one placeholder embedding per memory. It returns ErrExtensionUnavailable
// if the vec0 module cannot be loaded, distinct from any other failure.
func (m *Manager) RebuildVSS(ctx context.Context) (int, error) {
	if !m.Available(ctx) {
		return 0, ErrExtensionUnavailable
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS vec_memories`); err != nil {
		return 0, fmt.Errorf("drop vec_memories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE VIRTUAL TABLE vec_memories USING vec0(embedding float[%d])`, Dims)); err != nil {
		return 0, fmt.Errorf("create vec_memories: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, value FROM memories`)
	if err != nil {
		return 0, fmt.Errorf("list memories: %w", err)
	}

	type pending struct {
		id    int64
		value string
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range items {
		vec := placeholderEmbedding(p.value)
		blob, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			return 0, fmt.Errorf("serialize embedding for memory %d: %w", p.id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_memories(rowid, embedding) VALUES (?, ?)`, p.id, blob); err != nil {
			return 0, fmt.Errorf("insert embedding for memory %d: %w", p.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	log.WithComponent("embeddings").Info().Int("count", len(items)).Msg("rebuilt vector shadow table")
	return len(items), nil
}

// placeholderEmbedding derives a deterministic, content-sensitive vector
// from a SHA-256 digest of text. It is not a semantic embedding; it exists
// so the shadow table has stable, reproducible content to sync and rebuild
// against until a real embedding model is wired in upstream.
func placeholderEmbedding(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, Dims)
	for i := 0; i < Dims; i++ {
		byteIdx := (i * 4) % len(sum)
		bits := binary.LittleEndian.Uint32(rotate(sum[:], byteIdx))
		vec[i] = float32(math.Sin(float64(bits)))
	}
	return vec
}

func rotate(b []byte, n int) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[(i+n)%len(b)]
	}
	return out
}
