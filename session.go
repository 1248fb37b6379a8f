package mailguard

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// Session is one inbound SMTP connection. Sender and recipients are
// accepted as given; the policy decision waits until the content is known.
type Session struct {
	id       string
	remote   string
	mailFrom string
	rcptTo   []string
	server   *Server
	log      logrus.FieldLogger
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

// Rcpt keeps recipients in order, once each.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !slices.Contains(s.rcptTo, to) {
		s.rcptTo = append(s.rcptTo, to)
	}
	return nil
}

// Data reads the whole message and replies with the decision. When the
// content cannot be read completely the engine is never called.
func (s *Session) Data(r io.Reader) error {
	received := time.Now()
	data, err := io.ReadAll(r)
	if err != nil {
		s.log.WithError(err).Warn("message not fully received, skipping decision")
		return err
	}

	env := &Envelope{
		SessionID:  s.id,
		MailFrom:   s.mailFrom,
		RcptTo:     append([]string(nil), s.rcptTo...),
		Data:       data,
		ReceivedAt: received,
	}

	// detached from the connection and the listener: a decision that has
	// started runs to completion or to its budget
	ctx, cancel := context.WithTimeout(context.Background(), s.server.decisionBudget())
	defer cancel()

	status := s.server.Engine.Decide(ctx, env)
	s.log.WithField("status", status.String()).Debug(status.Reply())
	return status.Err()
}

func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) Logout() error {
	s.log.Debug("disconnected")
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("%s from %s", s.id, s.remote)
}
