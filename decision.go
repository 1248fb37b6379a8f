package mailguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// Status is the terminal state of one message.
type Status int

const (
	StatusAccepted         Status = iota // forwarded downstream
	StatusBlocked                        // rejected as a threat
	StatusTemporaryFailure               // safe, but the downstream hop failed
)

const defaultStoreTimeout = 5 * time.Second

var (
	errBlocked = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "message rejected: policy violation",
	}
	errForwarding = &smtp.SMTPError{
		Code:         450,
		EnhancedCode: smtp.EnhancedCode{4, 4, 0},
		Message:      "temporary failure, forwarding error",
	}
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusBlocked:
		return "blocked"
	case StatusTemporaryFailure:
		return "tempfail"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Err is what the DATA command returns for this status; nil means 250.
func (s Status) Err() error {
	switch s {
	case StatusBlocked:
		return errBlocked
	case StatusTemporaryFailure:
		return errForwarding
	}
	return nil
}

// Reply renders the status line sent for the DATA command.
func (s Status) Reply() string {
	if err, ok := s.Err().(*smtp.SMTPError); ok {
		return fmt.Sprintf("%d %s", err.Code, err.Message)
	}
	return "250 OK"
}

// Engine turns a received envelope into exactly one Status.
type Engine struct {
	Classifier   *Classifier
	Store        Store
	Relay        Relay
	Hooks        []Hook
	StoreTimeout time.Duration
	Log          logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	hooks  sync.WaitGroup
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

func (e *Engine) storeTimeout() time.Duration {
	if e.StoreTimeout <= 0 {
		return defaultStoreTimeout
	}
	return e.StoreTimeout
}

// Budget is the longest a single Decide call may run.
func (e *Engine) Budget(relayTimeout time.Duration) time.Duration {
	return e.Classifier.Budget() + relayTimeout + e.storeTimeout()
}

func (e *Engine) Decide(ctx context.Context, env *Envelope) Status {
	start := time.Now()
	log := e.log().WithFields(logrus.Fields{
		"session": env.SessionID,
		"from":    env.MailFrom,
		"to":      joinAddrs(env.RcptTo),
	})

	text := Extract(env.Data)
	verdict := e.Classifier.Classify(ctx, text.ClassifierInput())

	var (
		status   Status
		recordID string
	)
	if verdict == VerdictThreat {
		recordID = e.persist(ctx, log, env, text)
		status = StatusBlocked
	} else {
		status = e.forward(ctx, log, env)
	}

	elapsed := time.Since(start)
	metricDecisions.WithLabelValues(status.String()).Inc()
	metricDecisionDuration.Observe(elapsed.Seconds())

	log.WithFields(logrus.Fields{
		"verdict": verdict.String(),
		"status":  status.String(),
		"record":  recordID,
		"elapse":  Elapse(elapsed.Milliseconds()).String(),
	}).Info("message decided")

	e.runHooks(&DecisionData{
		SessionID:  env.SessionID,
		OccurredAt: time.Now(),
		MailFrom:   env.MailFrom,
		RcptTo:     append([]string(nil), env.RcptTo...),
		Subject:    text.Subject,
		Verdict:    verdict,
		Status:     status,
		RecordID:   recordID,
		Elapse:     Elapse(elapsed.Milliseconds()),
	})

	return status
}

// persist stores the audit record. A failure is logged only: the message
// is rejected either way.
func (e *Engine) persist(ctx context.Context, log logrus.FieldLogger, env *Envelope, text ExtractedText) string {
	if e.Store == nil {
		metricStoreErrors.Inc()
		log.Error("no store configured, blocked email not recorded")
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout())
	defer cancel()

	id, err := e.Store.Insert(ctx, &BlockedEmail{
		Sender:            env.MailFrom,
		Subject:           text.Subject,
		Body:              text.Body,
		ThreatProbability: VerdictThreat.ThreatProbability(),
	})
	if err != nil {
		metricStoreErrors.Inc()
		log.WithError(err).Error("failed to record blocked email")
		return ""
	}
	return id
}

func (e *Engine) forward(ctx context.Context, log logrus.FieldLogger, env *Envelope) Status {
	if err := e.Relay.Forward(ctx, env); err != nil {
		metricRelay.WithLabelValues("error").Inc()
		log.WithError(err).Warn("forwarding failed")
		return StatusTemporaryFailure
	}
	metricRelay.WithLabelValues("ok").Inc()
	return StatusAccepted
}

func (e *Engine) runHooks(d *DecisionData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		if len(e.Hooks) > 0 {
			e.log().WithField("session", d.SessionID).Warn("engine closed, hooks skipped")
		}
		return
	}

	for _, h := range e.Hooks {
		e.hooks.Add(1)
		go func(h Hook) {
			defer e.hooks.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log().WithField("hook", h.Name()).Errorf("hook panic: %v", r)
				}
			}()
			h.AfterDecision(d)
		}(h)
	}
}

// Wait blocks until every hook started so far has returned.
func (e *Engine) Wait() {
	e.hooks.Wait()
}

// Close stops starting hooks for later decisions and waits for the
// running ones. Decide keeps working after Close.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.hooks.Wait()
}
