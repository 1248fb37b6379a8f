package mailguard

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

const defaultRelayTimeout = 30 * time.Second

// Relay hands an accepted envelope to the downstream sink.
type Relay interface {
	Forward(ctx context.Context, env *Envelope) error
}

// SMTPRelay submits envelopes to a downstream SMTP server, one connection
// per message.
type SMTPRelay struct {
	Addr    string
	Helo    string
	Timeout time.Duration
}

func (r *SMTPRelay) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultRelayTimeout
	}
	return r.Timeout
}

func (r *SMTPRelay) Forward(ctx context.Context, env *Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", r.Addr)
	if err != nil {
		return fmt.Errorf("[relay] dial %s: %w", r.Addr, err)
	}

	// the whole exchange shares one deadline
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := smtp.NewClient(conn)
	defer c.Close()

	helo := r.Helo
	if helo == "" {
		helo = "localhost"
	}
	if err := c.Hello(helo); err != nil {
		return fmt.Errorf("[relay] hello: %w", err)
	}
	if err := c.Mail(env.MailFrom, nil); err != nil {
		return fmt.Errorf("[relay] mail from <%s>: %w", env.MailFrom, err)
	}
	for _, rcpt := range env.RcptTo {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("[relay] rcpt to <%s>: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("[relay] data: %w", err)
	}
	if _, err := w.Write(env.Data); err != nil {
		w.Close()
		return fmt.Errorf("[relay] write data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("[relay] end data: %w", err)
	}

	if err := c.Quit(); err != nil {
		return fmt.Errorf("[relay] quit: %w", err)
	}
	return nil
}
