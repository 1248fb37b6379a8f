package mailguard

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HookFile appends one JSON line per decision.
type HookFile struct {
	Path string
	Log  logrus.FieldLogger

	mu   sync.Mutex
	file io.Writer
}

type fileDecisionLine struct {
	Type       string   `json:"type"`
	OccurredAt string   `json:"occurred_at"`
	SessionID  string   `json:"session_id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	Verdict    string   `json:"verdict"`
	Status     string   `json:"status"`
	RecordID   string   `json:"record_id,omitempty"`
	Elapse     string   `json:"elapse"`
}

func (h *HookFile) Name() string {
	return "file"
}

func (h *HookFile) writer() (io.Writer, error) {
	if h.file != nil {
		return h.file, nil
	}

	if len(h.Path) == 0 {
		return nil, fmt.Errorf("missing path for file, please set `hooks.file.path`")
	}

	f, err := os.OpenFile(h.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile error: %w", err)
	}
	h.file = f

	return h.file, nil
}

func (h *HookFile) AfterInit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.writer(); err != nil {
		hookLog(h.Log, h).WithError(err).Error("hook disabled until the file can be opened")
	}
}

func (h *HookFile) AfterDecision(d *DecisionData) {
	h.mu.Lock()
	defer h.mu.Unlock()

	writer, err := h.writer()
	if err != nil {
		hookLog(h.Log, h).WithError(err).Error("file open error")
		return
	}

	line := fileDecisionLine{
		Type:       "decision",
		OccurredAt: d.OccurredAt.UTC().Format(time.RFC3339),
		SessionID:  d.SessionID,
		From:       d.MailFrom,
		To:         d.RcptTo,
		Subject:    d.Subject,
		Verdict:    d.Verdict.String(),
		Status:     d.Status.String(),
		RecordID:   d.RecordID,
		Elapse:     d.Elapse.String(),
	}
	if line.To == nil {
		line.To = []string{}
	}

	if err := json.NewEncoder(writer).Encode(line); err != nil {
		hookLog(h.Log, h).WithError(err).Error("file append error")
	}
}

func (h *HookFile) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.file.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func hookLog(l logrus.FieldLogger, h Hook) logrus.FieldLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("hook", h.Name())
}
