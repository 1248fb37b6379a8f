package mailguard

import (
	"fmt"
	"strings"
	"time"
)

// Envelope is one mail transaction as submitted by a client.
type Envelope struct {
	SessionID  string
	MailFrom   string
	RcptTo     []string
	Data       []byte
	ReceivedAt time.Time
}

type ExtractedText struct {
	Subject string
	Body    string
}

// ClassifierInput is what gets embedded into the classification prompt.
func (t ExtractedText) ClassifierInput() string {
	return t.Subject + "\n" + t.Body
}

type Verdict int

const (
	VerdictSafe Verdict = iota
	VerdictThreat
)

func (v Verdict) String() string {
	if v == VerdictThreat {
		return "threat"
	}
	return "safe"
}

// ThreatProbability is the stored 0/1 form of a verdict.
func (v Verdict) ThreatProbability() int {
	if v == VerdictThreat {
		return 1
	}
	return 0
}

type Elapse int

func (e Elapse) String() string {
	return fmt.Sprintf("%d msec", e)
}

func joinAddrs(addrs []string) string {
	return strings.Join(addrs, ",")
}
