package mailguard

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	sqliteCreateTable string = `
	create table if not exists blocked_emails (
    id text primary key,
    sender text not null,
    subject text not null default '',
    body text not null default '',
    threat_probability integer not null,
    created_at datetime not null default CURRENT_TIMESTAMP
	)`
	sqliteCreateIndex string = `create index if not exists idx_blocked_emails_created_at on blocked_emails (created_at)`
)

func openSqlite(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("[sqlite] sql.Open error: %w", err)
	}

	// one writer at a time; this also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("[sqlite] enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("[sqlite] setting busy timeout: %w", err)
	}

	return newSQLStore(db, "sqlite", []string{sqliteCreateTable, sqliteCreateIndex}), nil
}
