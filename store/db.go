package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite index of self-play output: which episodes landed in which
// parquet batch, with row counts and episode returns. It is the bookkeeping
// layer trainers query to find fresh data; the rows themselves live in
// parquet.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Batch is a finalized parquet batch file.
type Batch struct {
	Path      string
	Rows      int64
	Episodes  int64
	ModelPath string
	CreatedAt time.Time
}

// Episode is one recorded self-play episode.
type Episode struct {
	ID        string
	BatchPath string
	Steps     int64
	Return    float64
	CreatedAt time.Time
}

// NewDB opens (or creates) the index database and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		path TEXT PRIMARY KEY,
		rows INTEGER NOT NULL,
		episodes INTEGER NOT NULL,
		model_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		batch_path TEXT,
		steps INTEGER NOT NULL,
		return REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(batch_path) REFERENCES batches(path)
	);

	CREATE INDEX IF NOT EXISTS idx_episodes_batch_path ON episodes(batch_path);
	`

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// InsertBatch records a finalized parquet batch and its episodes in a single
// transaction.
func (db *DB) InsertBatch(batch Batch, episodes []Episode) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR IGNORE INTO batches (path, rows, episodes, model_path) VALUES (?, ?, ?, ?)",
		batch.Path, batch.Rows, batch.Episodes, batch.ModelPath,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO episodes (id, batch_path, steps, return) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare episode statement: %w", err)
	}
	defer stmt.Close()

	for _, ep := range episodes {
		_, err = stmt.Exec(ep.ID, batch.Path, ep.Steps, ep.Return)
		if err != nil {
			return fmt.Errorf("failed to insert episode %s: %w", ep.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// EpisodeExists checks whether an episode has already been indexed.
func (db *DB) EpisodeExists(episodeID string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var exists int
	err := db.conn.QueryRow("SELECT 1 FROM episodes WHERE id = ?", episodeID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListBatches returns the most recently created batches, newest first.
func (db *DB) ListBatches(limit int) ([]Batch, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT path, rows, episodes, COALESCE(model_path, ''), created_at FROM batches ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.Path, &b.Rows, &b.Episodes, &b.ModelPath, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}

	return batches, rows.Err()
}

// Totals returns the cumulative row and episode counts across all batches.
func (db *DB) Totals() (rows int64, episodes int64, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	err = db.conn.QueryRow("SELECT COALESCE(SUM(rows), 0), COALESCE(SUM(episodes), 0) FROM batches").Scan(&rows, &episodes)
	if err != nil {
		return 0, 0, err
	}
	return rows, episodes, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
