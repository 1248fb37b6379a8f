package mailguard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisPushTimeout = 5 * time.Second

// HookRedis pushes an event for every blocked message onto a Redis list,
// where downstream workers can pick it up with BRPOP.
type HookRedis struct {
	URL   string
	Queue string
	Log   logrus.FieldLogger

	client *redis.Client
}

// BlockEvent is the payload pushed by HookRedis.
type BlockEvent struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	OccurredAt string   `json:"occurred_at"`
	SessionID  string   `json:"session_id"`
	RecordID   string   `json:"record_id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
}

func NewHookRedis(client *redis.Client, queue string) *HookRedis {
	return &HookRedis{Queue: queue, client: client}
}

func (h *HookRedis) Name() string {
	return "redis"
}

func (h *HookRedis) AfterInit() {
	if h.Queue == "" {
		h.Queue = "blocked"
	}
	if h.client != nil {
		return
	}

	opts, err := redis.ParseURL(h.URL)
	if err != nil {
		hookLog(h.Log, h).WithError(err).Error("invalid `hooks.redis.url`")
		return
	}
	h.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPushTimeout)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		hookLog(h.Log, h).WithError(err).Warn("redis not reachable yet")
	}
}

func (h *HookRedis) event(d *DecisionData) BlockEvent {
	return BlockEvent{
		ID:         uuid.NewString(),
		Type:       "blocked_email",
		OccurredAt: d.OccurredAt.UTC().Format(time.RFC3339Nano),
		SessionID:  d.SessionID,
		RecordID:   d.RecordID,
		From:       d.MailFrom,
		To:         d.RcptTo,
		Subject:    d.Subject,
	}
}

func (h *HookRedis) AfterDecision(d *DecisionData) {
	if d.Status != StatusBlocked || h.client == nil {
		return
	}

	payload, err := json.Marshal(h.event(d))
	if err != nil {
		hookLog(h.Log, h).WithError(err).Error("marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPushTimeout)
	defer cancel()

	if err := h.client.LPush(ctx, h.Queue, payload).Err(); err != nil {
		hookLog(h.Log, h).WithError(err).Error("push event")
	}
}

func (h *HookRedis) Close() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
