package mailguard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// ReceivedMessage is what the sink got for one completed DATA command.
type ReceivedMessage struct {
	ID       string
	MailFrom string
	RcptTo   []string
	Data     []byte
}

// Sink is a small SMTP server that accepts everything and hands each message
// to OnMessage. It stands in for the downstream mail server during
// development and in tests.
type Sink struct {
	Hostname string
	// DataReply, when set, is sent instead of the 250 after DATA and the
	// message is dropped. Used to simulate a failing downstream.
	DataReply string
	OnMessage func(*ReceivedMessage) error
	Log       logrus.FieldLogger

	mu     sync.Mutex
	ln     net.Listener
	srv    *smtp.Server
	closed bool
}

func (s *Sink) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Sink) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("net.Listen(tcp) error: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections until Close is called.
func (s *Sink) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	srv := smtp.NewServer(s)
	srv.Domain = s.Hostname
	if srv.Domain == "" {
		srv.Domain = "localhost"
	}
	srv.ErrorLog = s.log()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	s.log().Infof("sink is listening on %s", ln.Addr())

	err := srv.Serve(ln)
	if err == nil || errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr is the listening address, or nil before Serve.
func (s *Sink) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and drops every open connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	srv, ln := s.srv, s.ln
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Close()
	if errors.Is(err, smtp.ErrServerClosed) {
		err = nil
	}
	// Serve may not have registered the listener with srv yet
	ln.Close()
	return err
}

// NewSession implements smtp.Backend.
func (s *Sink) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &sinkSession{sink: s}, nil
}

type sinkSession struct {
	sink *Sink
	from string
	rcpt []string
}

func (ss *sinkSession) Mail(from string, opts *smtp.MailOptions) error {
	ss.from = from
	ss.rcpt = nil
	return nil
}

func (ss *sinkSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	ss.rcpt = append(ss.rcpt, to)
	return nil
}

func (ss *sinkSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return ss.sink.deliver(&ReceivedMessage{
		MailFrom: ss.from,
		RcptTo:   append([]string(nil), ss.rcpt...),
		Data:     data,
	})
}

func (ss *sinkSession) Reset() {
	ss.from = ""
	ss.rcpt = nil
}

func (ss *sinkSession) Logout() error {
	return nil
}

func (s *Sink) deliver(msg *ReceivedMessage) error {
	if s.DataReply != "" {
		return parseReply(s.DataReply)
	}

	msg.ID = GenID().String()
	if s.OnMessage != nil {
		if err := s.OnMessage(msg); err != nil {
			s.log().WithError(err).Error("message handler error")
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Error: local processing failed",
			}
		}
	}
	s.log().WithField("id", msg.ID).Debug("queued")
	return nil
}

// parseReply turns a reply line such as "451 4.3.0 try again" into an
// SMTPError. A line without a valid code becomes a 451.
func parseReply(line string) *smtp.SMTPError {
	e := &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCodeNotSet}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return e
	}
	if code, err := strconv.Atoi(fields[0]); err == nil && code >= 200 && code <= 599 {
		e.Code = code
		fields = fields[1:]
	}
	if len(fields) > 0 {
		if ec, ok := parseEnhancedCode(fields[0]); ok {
			e.EnhancedCode = ec
			fields = fields[1:]
		}
	}
	e.Message = strings.Join(fields, " ")
	return e
}

func parseEnhancedCode(s string) (smtp.EnhancedCode, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return smtp.EnhancedCode{}, false
	}
	var ec smtp.EnhancedCode
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return smtp.EnhancedCode{}, false
		}
		ec[i] = n
	}
	return ec, true
}

// SaveToDir returns an OnMessage handler writing each message to
// dir/<id>.eml.
func SaveToDir(dir string) (func(*ReceivedMessage) error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	return func(m *ReceivedMessage) error {
		p := filepath.Join(dir, m.ID+".eml")
		return os.WriteFile(p, m.Data, 0o644)
	}, nil
}
