package mailguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	storeInsertQuery    string = "insert into blocked_emails (id, sender, subject, body, threat_probability, created_at) values (?, ?, ?, ?, ?, ?)"
	storeListQuery      string = "select id, sender, subject, body, threat_probability, created_at from blocked_emails order by created_at desc, id desc limit ? offset ?"
	storeGetQuery       string = "select id, sender, subject, body, threat_probability, created_at from blocked_emails where id = ?"
	storeDeleteQuery    string = "delete from blocked_emails where id = ?"
	storeDeleteAllQuery string = "delete from blocked_emails"
	storeCountQuery     string = "select count(*) from blocked_emails"
)

// SQLStore is a Store on top of any database/sql driver; the driver only
// decides the schema and the placeholder style.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	schema []string
}

// OpenStore connects to the given driver and makes sure the schema exists.
func OpenStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if len(dsn) == 0 {
		return nil, fmt.Errorf("missing dsn for %s, please set `store.dsn`", driver)
	}

	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case "sqlite":
		s, err = openSqlite(dsn)
	case "mysql":
		s, err = openMysql(dsn)
	case "postgres":
		s, err = openPostgres(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sqlx.DB, driver string, schema []string) *SQLStore {
	return &SQLStore{db: db, driver: driver, schema: schema}
}

func (s *SQLStore) Name() string {
	return s.driver
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("[%s] create schema: %w", s.driver, err)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, rec *BlockedEmail) (string, error) {
	if rec.ID == "" {
		rec.ID = GenID().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(storeInsertQuery),
		rec.ID,
		rec.Sender,
		rec.Subject,
		rec.Body,
		rec.ThreatProbability,
		rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("[%s] insert blocked email: %w", s.driver, err)
	}
	return rec.ID, nil
}

func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]BlockedEmail, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("[%s] list blocked emails: limit must be positive, got %d", s.driver, limit)
	}
	if offset < 0 {
		offset = 0
	}

	recs := []BlockedEmail{}
	if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(storeListQuery), limit, offset); err != nil {
		return nil, fmt.Errorf("[%s] list blocked emails: %w", s.driver, err)
	}
	return recs, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*BlockedEmail, error) {
	var rec BlockedEmail
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(storeGetQuery), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] get blocked email %s: %w", s.driver, id, err)
	}
	return &rec, nil
}

// Delete reports false without error when there is nothing to delete.
func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(storeDeleteQuery), id)
	if err != nil {
		return false, fmt.Errorf("[%s] delete blocked email %s: %w", s.driver, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("[%s] delete blocked email %s: %w", s.driver, id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, storeDeleteAllQuery)
	if err != nil {
		return 0, fmt.Errorf("[%s] delete all blocked emails: %w", s.driver, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("[%s] delete all blocked emails: %w", s.driver, err)
	}
	return n, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, storeCountQuery); err != nil {
		return 0, fmt.Errorf("[%s] count blocked emails: %w", s.driver, err)
	}
	return n, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
