package mailguard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	records   map[string]BlockedEmail
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]BlockedEmail{}}
}

func (m *memStore) Insert(ctx context.Context, rec *BlockedEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return "", m.insertErr
	}
	if rec.ID == "" {
		rec.ID = GenID().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[rec.ID] = *rec
	return rec.ID, nil
}

func (m *memStore) List(ctx context.Context, limit, offset int) ([]BlockedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := []BlockedEmail{}
	for _, r := range m.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if offset >= len(recs) {
		return []BlockedEmail{}, nil
	}
	recs = recs[offset:]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *memStore) Get(ctx context.Context, id string) (*BlockedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *memStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

func (m *memStore) DeleteAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.records))
	m.records = map[string]BlockedEmail{}
	return n, nil
}

func (m *memStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) all() []BlockedEmail {
	recs, _ := m.List(context.Background(), 1000, 0)
	return recs
}

type fakeRelay struct {
	mu        sync.Mutex
	err       error
	forwarded []*Envelope
}

func (r *fakeRelay) Forward(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, env)
	return r.err
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forwarded)
}

type recordingHook struct {
	mu    sync.Mutex
	calls []*DecisionData
}

func (h *recordingHook) Name() string { return "recording" }
func (h *recordingHook) AfterInit()   {}

func (h *recordingHook) AfterDecision(d *DecisionData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, d)
}

type panicHook struct{}

func (h panicHook) Name() string                { return "panic" }
func (h panicHook) AfterInit()                  {}
func (h panicHook) AfterDecision(*DecisionData) { panic("hook exploded") }

func testEnvelope(subject, body string) *Envelope {
	return &Envelope{
		SessionID:  "01H00000000000000000000000",
		MailFrom:   "alice@example.test",
		RcptTo:     []string{"bob@example.local"},
		Data:       []byte("From: alice@example.test\r\nTo: bob@example.local\r\nSubject: " + subject + "\r\n\r\n" + body),
		ReceivedAt: time.Now(),
	}
}

func newTestEngine(inf *fakeInference, store Store, relay Relay, hooks ...Hook) *Engine {
	return &Engine{
		Classifier:   NewClassifier(inf, testEndpoints, time.Second, testLogger()),
		Store:        store,
		Relay:        relay,
		Hooks:        hooks,
		StoreTimeout: time.Second,
		Log:          testLogger(),
	}
}

func TestStatusReply(t *testing.T) {
	var tests = []struct {
		status Status
		expect string
		name   string
	}{
		{status: StatusAccepted, expect: "250 OK", name: "accepted"},
		{status: StatusBlocked, expect: "550 message rejected: policy violation", name: "blocked"},
		{status: StatusTemporaryFailure, expect: "450 temporary failure, forwarding error", name: "tempfail"},
	}

	for _, v := range tests {
		if got := v.status.Reply(); got != v.expect {
			t.Errorf("expected %s, got %s", v.expect, got)
		}
		if got := v.status.String(); got != v.name {
			t.Errorf("expected %s, got %s", v.name, got)
		}
	}
	if StatusAccepted.Err() != nil {
		t.Errorf("expected nil error for accepted, got %v", StatusAccepted.Err())
	}
}

func TestEngineDecide(t *testing.T) {
	t.Run("safe message is forwarded", func(t *testing.T) {
		inf := &fakeInference{answers: map[string]fakeAnswer{"primary": {text: "0"}}}
		store, relay, hook := newMemStore(), &fakeRelay{}, &recordingHook{}
		e := newTestEngine(inf, store, relay, hook)

		env := testEnvelope("Lunch", "Meeting at 2pm")
		if got := e.Decide(context.Background(), env); got != StatusAccepted {
			t.Errorf("expected %s, got %s", StatusAccepted, got)
		}
		e.Wait()

		if relay.count() != 1 || relay.forwarded[0] != env {
			t.Errorf("expected the envelope to be forwarded once, got %d", relay.count())
		}
		if n := len(store.all()); n != 0 {
			t.Errorf("expected no record, got %d", n)
		}
		if len(hook.calls) != 1 || hook.calls[0].Status != StatusAccepted || hook.calls[0].Subject != "Lunch" {
			t.Errorf("unexpected hook calls %+v", hook.calls)
		}
	})

	t.Run("threat is blocked and recorded", func(t *testing.T) {
		inf := &fakeInference{answers: map[string]fakeAnswer{"primary": {text: "1"}}}
		store, relay, hook := newMemStore(), &fakeRelay{}, &recordingHook{}
		e := newTestEngine(inf, store, relay, hook)

		got := e.Decide(context.Background(), testEnvelope("Plan", "I will bomb the building tomorrow"))
		if got != StatusBlocked {
			t.Errorf("expected %s, got %s", StatusBlocked, got)
		}
		e.Wait()

		if relay.count() != 0 {
			t.Errorf("expected no forwarding, got %d", relay.count())
		}
		recs := store.all()
		if len(recs) != 1 {
			t.Fatalf("expected 1 record, got %d", len(recs))
		}
		r := recs[0]
		if r.Sender != "alice@example.test" || r.Subject != "Plan" || r.Body != "I will bomb the building tomorrow" || r.ThreatProbability != 1 {
			t.Errorf("unexpected record %+v", r)
		}
		if len(hook.calls) != 1 || hook.calls[0].RecordID != r.ID {
			t.Errorf("expected hook to see record %s, got %+v", r.ID, hook.calls)
		}
	})

	t.Run("all endpoints unreachable fails open", func(t *testing.T) {
		inf := &fakeInference{}
		store, relay := newMemStore(), &fakeRelay{}
		e := newTestEngine(inf, store, relay)

		got := e.Decide(context.Background(), testEnvelope("Plan", "I will bomb the building tomorrow"))
		if got != StatusAccepted {
			t.Errorf("expected %s, got %s", StatusAccepted, got)
		}
		if relay.count() != 1 {
			t.Errorf("expected one forwarding attempt, got %d", relay.count())
		}
		if n := len(store.all()); n != 0 {
			t.Errorf("expected no record, got %d", n)
		}
	})

	t.Run("store failure still blocks", func(t *testing.T) {
		inf := &fakeInference{answers: map[string]fakeAnswer{"primary": {text: "1"}}}
		store, relay := newMemStore(), &fakeRelay{}
		store.insertErr = errors.New("database is locked")
		e := newTestEngine(inf, store, relay)

		got := e.Decide(context.Background(), testEnvelope("Plan", "I will bomb the building tomorrow"))
		if got != StatusBlocked {
			t.Errorf("expected %s, got %s", StatusBlocked, got)
		}
		if relay.count() != 0 {
			t.Errorf("expected no forwarding, got %d", relay.count())
		}
	})

	t.Run("relay failure is temporary", func(t *testing.T) {
		inf := &fakeInference{answers: map[string]fakeAnswer{"primary": {text: "0"}}}
		relay := &fakeRelay{err: errors.New("connection refused")}
		e := newTestEngine(inf, newMemStore(), relay)

		got := e.Decide(context.Background(), testEnvelope("Lunch", "Meeting at 2pm"))
		if got != StatusTemporaryFailure {
			t.Errorf("expected %s, got %s", StatusTemporaryFailure, got)
		}
	})

	t.Run("hook panic does not change the outcome", func(t *testing.T) {
		inf := &fakeInference{answers: map[string]fakeAnswer{"primary": {text: "0"}}}
		e := newTestEngine(inf, newMemStore(), &fakeRelay{}, panicHook{})

		if got := e.Decide(context.Background(), testEnvelope("Lunch", "Meeting at 2pm")); got != StatusAccepted {
			t.Errorf("expected %s, got %s", StatusAccepted, got)
		}
		e.Wait()
	})
}

func TestEngineClose(t *testing.T) {
	inf := &fakeInference{answers: map[string]fakeAnswer{"primary": {text: "0"}}}
	hook := &recordingHook{}
	e := newTestEngine(inf, newMemStore(), &fakeRelay{}, hook)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Decide(context.Background(), testEnvelope("Lunch", "Meeting at 2pm"))
		}()
	}
	e.Close()
	wg.Wait()

	hook.mu.Lock()
	before := len(hook.calls)
	hook.mu.Unlock()

	if got := e.Decide(context.Background(), testEnvelope("Lunch", "Meeting at 2pm")); got != StatusAccepted {
		t.Errorf("expected %s after Close, got %s", StatusAccepted, got)
	}
	e.Wait()

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.calls) != before {
		t.Errorf("expected no hooks after Close, got %d more", len(hook.calls)-before)
	}
}

func TestEngineBudget(t *testing.T) {
	e := newTestEngine(&fakeInference{}, newMemStore(), &fakeRelay{})
	// preflight 1s + 3 endpoints of 1s + relay 2s + store 1s
	expect := 7 * time.Second
	if got := e.Budget(2 * time.Second); got != expect {
		t.Errorf("expected %s, got %s", expect, got)
	}
}
