package mailguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	ErrMalformedResponse   = errors.New("malformed response")
)

const defaultPreflightTimeout = 5 * time.Second

const classifyPrompt string = `You are a security expert. Classify this text as threat (1) or safe (0).

Threats contain: explosives, bombs, violence, terrorism, killing, attacks
Safe texts: normal messages, work emails, friendly chat

Examples:
"I will bomb the building" → 1
"Meeting at 2pm" → 0
"Kill everyone" → 1
"Hello, how are you?" → 0

Text: "%s"

Answer (only 0 or 1):`

// Endpoint is one model tried by the classifier chain.
type Endpoint struct {
	Model    string        `mapstructure:"model"`
	Priority int           `mapstructure:"priority"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Inference is a synchronous classification service.
type Inference interface {
	Ping(ctx context.Context) error
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Classifier tries its endpoints in priority order until one of them gives
// a usable 0/1 answer. When none does, the message is considered safe.
type Classifier struct {
	inference        Inference
	endpoints        []Endpoint
	preflightTimeout time.Duration
	log              logrus.FieldLogger
}

func NewClassifier(inf Inference, endpoints []Endpoint, preflightTimeout time.Duration, log logrus.FieldLogger) *Classifier {
	eps := make([]Endpoint, len(endpoints))
	copy(eps, endpoints)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

	if preflightTimeout <= 0 {
		preflightTimeout = defaultPreflightTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Classifier{
		inference:        inf,
		endpoints:        eps,
		preflightTimeout: preflightTimeout,
		log:              log,
	}
}

// Endpoints returns a copy of the chain in the order it is tried.
func (c *Classifier) Endpoints() []Endpoint {
	eps := make([]Endpoint, len(c.endpoints))
	copy(eps, c.endpoints)
	return eps
}

// Budget is the longest time a single Classify call can take.
func (c *Classifier) Budget() time.Duration {
	d := c.preflightTimeout
	for _, ep := range c.endpoints {
		d += ep.Timeout
	}
	return d
}

func (c *Classifier) Classify(ctx context.Context, text string) Verdict {
	if err := c.preflight(ctx); err != nil {
		c.log.WithError(err).Warn("inference service unreachable, message treated as safe")
		recordVerdict(VerdictSafe, "preflight")
		return VerdictSafe
	}

	prompt := fmt.Sprintf(classifyPrompt, text)

	for i, ep := range c.endpoints {
		v, err := c.try(ctx, ep, prompt)
		recordAttempt(ep.Model, err)
		if err == nil {
			c.log.WithFields(logrus.Fields{"model": ep.Model, "verdict": v.String()}).Debug("endpoint answered")
			recordVerdict(v, ep.Model)
			return v
		}

		l := c.log.WithFields(logrus.Fields{"model": ep.Model, "attempt": i + 1}).WithError(err)
		switch {
		case errors.Is(err, ErrEndpointUnavailable), errors.Is(err, ErrMalformedResponse):
			l.Warn("endpoint inconclusive, trying next")
		default:
			l.Error("unexpected classifier error, trying next")
		}
	}

	c.log.Warn("all endpoints inconclusive, message treated as safe")
	recordVerdict(VerdictSafe, "exhausted")
	return VerdictSafe
}

func (c *Classifier) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.preflightTimeout)
	defer cancel()
	return c.inference.Ping(ctx)
}

func (c *Classifier) try(ctx context.Context, ep Endpoint, prompt string) (Verdict, error) {
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	answer, err := c.inference.Generate(ctx, ep.Model, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return VerdictSafe, fmt.Errorf("%w: %s", ErrEndpointUnavailable, err)
		}
		return VerdictSafe, err
	}

	v, ok := ScanVerdict(answer)
	if !ok {
		return VerdictSafe, fmt.Errorf("%w: no verdict digit in %q", ErrMalformedResponse, answer)
	}
	return v, nil
}

// ScanVerdict returns the verdict for the first '0' or '1' in s.
func ScanVerdict(s string) (Verdict, bool) {
	for _, r := range s {
		switch r {
		case '0':
			return VerdictSafe, true
		case '1':
			return VerdictThreat, true
		}
	}
	return VerdictSafe, false
}
