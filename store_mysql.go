package mailguard

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

const mysqlCreateTable string = `
	create table if not exists blocked_emails (
    id varchar(26) primary key,
    sender varchar(255) not null,
    subject text not null,
    body mediumtext not null,
    threat_probability tinyint not null,
    created_at datetime(6) not null default CURRENT_TIMESTAMP(6),
    index idx_blocked_emails_created_at (created_at)
	)`

// mysqlDSN makes sure DATETIME columns come back as time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("[mysql] parse dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func openMysql(dsn string) (*SQLStore, error) {
	dsn, err := mysqlDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("[mysql] sql.Open error: %w", err)
	}

	return newSQLStore(db, "mysql", []string{mysqlCreateTable}), nil
}
