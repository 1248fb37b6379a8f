package mailguard

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	postgresCreateTable string = `
	create table if not exists blocked_emails (
    id text primary key,
    sender text not null,
    subject text not null default '',
    body text not null default '',
    threat_probability smallint not null,
    created_at timestamptz not null default now()
	)`
	postgresCreateIndex string = `create index if not exists idx_blocked_emails_created_at on blocked_emails (created_at)`
)

func openPostgres(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("[postgres] sql.Open error: %w", err)
	}

	return newSQLStore(db, "postgres", []string{postgresCreateTable, postgresCreateIndex}), nil
}
