package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(host, port, user, password, dbname string) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL,
		source TEXT NOT NULL,
		state VARCHAR(20) NOT NULL,
		attempt INT NOT NULL DEFAULT 0,
		progress INT NOT NULL DEFAULT 0,
		last_error TEXT,
		artifact_path TEXT,
		artifact_key TEXT,
		request_id VARCHAR(64),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner_id ON jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

	CREATE TABLE IF NOT EXISTS job_history (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID NOT NULL,
		owner_id VARCHAR(64) NOT NULL,
		source TEXT NOT NULL,
		state VARCHAR(20) NOT NULL,
		attempt INT NOT NULL,
		last_error TEXT,
		completed_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_history_owner_id ON job_history(owner_id);
	CREATE INDEX IF NOT EXISTS idx_job_history_completed_at ON job_history(completed_at);

	CREATE TABLE IF NOT EXISTS system_stats (
		id BIGSERIAL PRIMARY KEY,
		memory_used_pct DOUBLE PRECISION NOT NULL,
		memory_total_bytes BIGINT NOT NULL,
		disk_free_bytes BIGINT NOT NULL,
		active_jobs INT NOT NULL,
		goroutines INT NOT NULL,
		collected_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_system_stats_collected_at ON system_stats(collected_at);

	CREATE TABLE IF NOT EXISTS credentials (
		owner_id VARCHAR(64) PRIMARY KEY,
		password_hash BYTEA NOT NULL,
		salt BYTEA NOT NULL,
		iterations INT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS blocked_owners (
		owner_id VARCHAR(64) PRIMARY KEY,
		reason TEXT,
		blocked_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
