package mailguard

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Hook receives every decision after the reply has been determined. Hooks
// run in their own goroutine and cannot change the outcome.
type Hook interface {
	Name() string
	AfterInit()
	AfterDecision(*DecisionData)
}

type DecisionData struct {
	SessionID  string
	OccurredAt time.Time
	MailFrom   string
	RcptTo     []string
	Subject    string
	Verdict    Verdict
	Status     Status
	RecordID   string
	Elapse
}

// NewHooks builds the configured built-in hooks plus any plugin hooks and
// calls AfterInit on each of them.
func NewHooks(cfg HooksConfig, log logrus.FieldLogger) ([]Hook, error) {
	var hooks []Hook
	if cfg.File.Path != "" {
		hooks = append(hooks, &HookFile{Path: cfg.File.Path, Log: log})
	}
	if cfg.Slack.Token != "" || cfg.Slack.Channel != "" {
		hooks = append(hooks, &HookSlack{Token: cfg.Slack.Token, Channel: cfg.Slack.Channel, Log: log})
	}
	if cfg.Redis.URL != "" {
		hooks = append(hooks, &HookRedis{URL: cfg.Redis.URL, Queue: cfg.Redis.Queue, Log: log})
	}

	plugins, err := LoadPlugins(cfg.PluginPath, log)
	if err != nil {
		return nil, err
	}
	hooks = append(hooks, plugins...)

	for _, h := range hooks {
		h.AfterInit()
	}
	return hooks, nil
}

// CloseHooks releases whatever the hooks hold open.
func CloseHooks(hooks []Hook) {
	for _, h := range hooks {
		if c, ok := h.(io.Closer); ok {
			c.Close()
		}
	}
}
