// Command stats summarises generated training data. It reads the parquet
// batches directly with DuckDB and cross-checks against the SQLite index.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/brensch/amped/store"
	_ "github.com/duckdb/duckdb-go/v2"
)

func main() {
	dataDir := flag.String("data-dir", filepath.Join("data", "generated"), "Directory holding training parquet batches")
	dbPath := flag.String("db", filepath.Join("data", "selfplay.db"), "SQLite index written by cmd/selfplay")
	episodes := flag.Int("episodes", 10, "Number of recent episodes to list")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := openDuckDB(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open duckdb over %s: %v", *dataDir, err)
	}
	defer db.Close()

	var rows, eps int64
	var meanValue, meanPolicyLen float64
	err = db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COUNT(DISTINCT episode_id),
			COALESCE(AVG(value), 0),
			COALESCE(AVG(len(policy_probs)), 0)
		FROM steps`).Scan(&rows, &eps, &meanValue, &meanPolicyLen)
	if err != nil {
		log.Fatalf("Summary query failed: %v", err)
	}

	fmt.Printf("Parquet data in %s\n", *dataDir)
	fmt.Printf("  Steps:         %d\n", rows)
	fmt.Printf("  Episodes:      %d\n", eps)
	fmt.Printf("  Mean value:    %.4f\n", meanValue)
	fmt.Printf("  Actions:       %.0f\n", meanPolicyLen)

	if err := printSources(ctx, db); err != nil {
		log.Fatalf("Source breakdown failed: %v", err)
	}
	if err := printRecentEpisodes(ctx, db, *episodes); err != nil {
		log.Fatalf("Episode listing failed: %v", err)
	}

	index, err := store.NewDB(*dbPath)
	if err != nil {
		log.Printf("Skipping index cross-check, could not open %s: %v", *dbPath, err)
		return
	}
	defer index.Close()

	idxRows, idxEpisodes, err := index.Totals()
	if err != nil {
		log.Fatalf("Index totals failed: %v", err)
	}
	fmt.Printf("\nSQLite index %s\n", *dbPath)
	fmt.Printf("  Steps:    %d\n", idxRows)
	fmt.Printf("  Episodes: %d\n", idxEpisodes)
	if idxRows != rows || idxEpisodes != eps {
		fmt.Println("  WARNING: index disagrees with parquet contents")
	}
}

// openDuckDB builds an in-memory DuckDB with a `steps` view over every
// parquet batch under dataDir, excluding in-progress tmp directories.
func openDuckDB(dataDir string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	_, _ = db.Exec("PRAGMA threads=4")

	glob := filepath.Join(dataDir, "**", "*.parquet")
	glob = strings.ReplaceAll(glob, "'", "''")

	sqlText := `CREATE OR REPLACE VIEW steps AS
		SELECT * FROM read_parquet(['` + glob + `'], filename=true, union_by_name=true)
		WHERE NOT contains(filename, '/tmp/')`
	if _, err := db.Exec(sqlText); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func printSources(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT
			source,
			COALESCE(model_path, '') AS model_path,
			COUNT(*) AS steps,
			COUNT(DISTINCT episode_id) AS episodes
		FROM steps
		GROUP BY source, model_path
		ORDER BY steps DESC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Println("\nBy source:")
	for rows.Next() {
		var source, modelPath string
		var steps, eps int64
		if err := rows.Scan(&source, &modelPath, &steps, &eps); err != nil {
			return err
		}
		if modelPath == "" {
			modelPath = "-"
		}
		fmt.Printf("  %-12s %-32s steps=%-8d episodes=%d\n", source, modelPath, steps, eps)
	}
	return rows.Err()
}

func printRecentEpisodes(ctx context.Context, db *sql.DB, limit int) error {
	if limit <= 0 {
		return nil
	}
	rows, err := db.QueryContext(ctx, `SELECT
			episode_id,
			MAX(step) + 1 AS steps,
			FIRST(value ORDER BY step) AS discounted_return
		FROM steps
		GROUP BY episode_id
		ORDER BY MAX(filename) DESC, episode_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Println("\nRecent episodes:")
	for rows.Next() {
		var id string
		var steps int64
		var ret float64
		if err := rows.Scan(&id, &steps, &ret); err != nil {
			return err
		}
		fmt.Printf("  %s steps=%-6d return=%.3f\n", id, steps, ret)
	}
	return rows.Err()
}
