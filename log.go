package mailguard

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg LogConfig, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stdout
	}

	l := logrus.New()
	l.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	l.SetLevel(lv)

	switch cfg.Format {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("log.format must be json or text, got %q", cfg.Format)
	}

	return l, nil
}
