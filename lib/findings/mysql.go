package findings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const createFindingsTable = `CREATE TABLE IF NOT EXISTS findings (
	id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
	host VARCHAR(255) NOT NULL,
	port SMALLINT UNSIGNED NOT NULL,
	protocol VARCHAR(16) NOT NULL,
	module VARCHAR(64) NOT NULL,
	title VARCHAR(255) NOT NULL,
	evidence TEXT NOT NULL,
	refs TEXT NOT NULL,
	found_at DATETIME(6) NOT NULL
)`

const insertFinding = `INSERT INTO findings
	(host, port, protocol, module, title, evidence, refs, found_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// MySQLSink stores records in the findings table of a MySQL or MariaDB
// database, creating the table if needed.
type MySQLSink struct {
	db *sql.DB
}

// OpenMySQL connects to the database named by dsn, in go-sql-driver format
// (user:password@tcp(host:3306)/dbname).
func OpenMySQL(ctx context.Context, dsn string) (*MySQLSink, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid findings DSN: %w", err)
	}
	// found_at is scanned back into time.Time
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("findings database not reachable: %w", err)
	}
	if _, err := db.ExecContext(ctx, createFindingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create findings table: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

// Write inserts r.
func (s *MySQLSink) Write(ctx context.Context, r *Record) error {
	refs, err := json.Marshal(r.References)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertFinding,
		r.Host, r.Port, r.Protocol, r.Module, r.Title, r.Evidence, string(refs), r.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("could not insert finding for %s: %w", r.Host, err)
	}
	return nil
}

// Records returns the stored records for host, oldest first.
func (s *MySQLSink) Records(ctx context.Context, host string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT host, port, protocol, module, title, evidence, refs, found_at FROM findings WHERE host = ? ORDER BY id", host)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []Record
	for rows.Next() {
		var r Record
		var refs string
		if err := rows.Scan(&r.Host, &r.Port, &r.Protocol, &r.Module, &r.Title, &r.Evidence, &refs, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &r.References); err != nil {
			return nil, fmt.Errorf("invalid references for %s: %w", r.Host, err)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// Close closes the database handle.
func (s *MySQLSink) Close() error {
	return s.db.Close()
}
