package mailguard

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/slack"
	"github.com/sirupsen/logrus"
)

const slackNotifyTimeout = 10 * time.Second

// HookSlack posts a line to a channel for every blocked message.
type HookSlack struct {
	Token    string
	Channel  string
	Username string
	Log      logrus.FieldLogger

	client *slack.Client
}

func (h *HookSlack) Name() string {
	return "slack"
}

func (h *HookSlack) AfterInit() {
	if len(h.Token) == 0 || len(h.Channel) == 0 {
		hookLog(h.Log, h).Error("missing token or channel, please set `hooks.slack.token` and `hooks.slack.channel`")
		return
	}
	h.client = slack.New(h.Token)
}

func (h *HookSlack) message(d *DecisionData) string {
	return fmt.Sprintf(":no_entry: blocked `%s` => `%s` %q (record %s, %s)",
		d.MailFrom, joinAddrs(d.RcptTo), d.Subject, d.RecordID, d.Elapse)
}

func (h *HookSlack) AfterDecision(d *DecisionData) {
	if d.Status != StatusBlocked || h.client == nil {
		return
	}

	username := h.Username
	if username == "" {
		username = "mailguard"
	}

	ctx, cancel := context.WithTimeout(context.Background(), slackNotifyTimeout)
	defer cancel()

	_, err := h.client.Chat().PostMessage(h.Channel).Username(username).Text(h.message(d)).Do(ctx)
	if err != nil {
		hookLog(h.Log, h).WithError(err).Error("notify error")
	}
}
