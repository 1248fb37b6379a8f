package mailguard

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("blocked email not found")
	ErrUnknownDriver = errors.New("unknown store driver")
)

// BlockedEmail is the audit record of a rejected message. It is written
// once and never updated.
type BlockedEmail struct {
	ID                string    `db:"id" json:"id"`
	Sender            string    `db:"sender" json:"sender"`
	Subject           string    `db:"subject" json:"subject"`
	Body              string    `db:"body" json:"body"`
	ThreatProbability int       `db:"threat_probability" json:"threat_probability"`
	CreatedAt         time.Time `db:"created_at" json:"timestamp"`
}

// Store keeps blocked emails. Each call is its own transaction.
type Store interface {
	Insert(ctx context.Context, rec *BlockedEmail) (string, error)
	List(ctx context.Context, limit, offset int) ([]BlockedEmail, error)
	Get(ctx context.Context, id string) (*BlockedEmail, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
