package mailguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxMessageBytes = 10 << 20
	defaultMaxRecipients   = 50
)

// Server is the inbound SMTP listener. Every DATA command ends in one call
// to Engine.Decide.
type Server struct {
	Addr            string
	Port            int
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
	// DecisionBudget bounds a single decision; zero derives it from the engine.
	DecisionBudget time.Duration
	Engine         *Engine
	Log            logrus.FieldLogger

	once sync.Once
	smtp *smtp.Server
}

func (s *Server) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) decisionBudget() time.Duration {
	if s.DecisionBudget > 0 {
		return s.DecisionBudget
	}
	return s.Engine.Budget(defaultRelayTimeout)
}

func (s *Server) server() *smtp.Server {
	s.once.Do(func() {
		srv := smtp.NewServer(s)
		srv.Addr = fmt.Sprintf("%s:%d", s.Addr, s.Port)
		srv.Domain = s.Domain
		if srv.Domain == "" {
			srv.Domain = "localhost"
		}
		srv.ReadTimeout = s.ReadTimeout
		srv.WriteTimeout = s.WriteTimeout
		srv.MaxMessageBytes = s.MaxMessageBytes
		if srv.MaxMessageBytes <= 0 {
			srv.MaxMessageBytes = defaultMaxMessageBytes
		}
		srv.MaxRecipients = s.MaxRecipients
		if srv.MaxRecipients <= 0 {
			srv.MaxRecipients = defaultMaxRecipients
		}
		srv.ErrorLog = s.log()
		s.smtp = srv
	})
	return s.smtp
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	id := GenID().String()
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}
	log := s.log().WithFields(logrus.Fields{"session": id, "remote": remote})
	log.Debug("connected")

	return &Session{
		id:     id,
		remote: remote,
		server: s,
		log:    log,
	}, nil
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.Addr, s.Port))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. A shut down server
// returns nil.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.server()
	s.log().WithField("budget", s.decisionBudget().String()).Infof("mailguard listens to %s", ln.Addr())

	err := srv.Serve(ln)
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting, waits for open sessions, then for hooks.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server().Shutdown(ctx)
	if s.Engine != nil {
		done := make(chan struct{})
		go func() {
			s.Engine.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	return err
}
