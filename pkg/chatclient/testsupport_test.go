package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

type sentRecord struct {
	SessionKey     string
	Message        string
	IdempotencyKey string
}

// fakeTransport implements Transport in-memory. Behavior is steered through
// the function fields; the zero value is a healthy transport that accepts
// everything.
type fakeTransport struct {
	mu sync.Mutex

	connectErr error
	unhealthy  bool

	sendFn    func(sessionKey, message string, opts gateway.SendOptions) (string, error)
	historyFn func(sessionKey string) ([]gateway.HistoryMessage, error)
	sessions  []gateway.SessionEntry

	sends        []sentRecord
	historyCalls int
	disconnects  int

	chatHandlers  map[int]func(gateway.ChatEvent)
	eventHandlers map[string]map[int]func(json.RawMessage)
	subSeq        int
	runSeq        int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		chatHandlers:  map[int]func(gateway.ChatEvent){},
		eventHandlers: map[string]map[int]func(json.RawMessage){},
	}
}

func (f *fakeTransport) Connect(ctx context.Context, url string, opts gateway.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) SubscribeChatEvent(handler func(gateway.ChatEvent)) func() {
	f.mu.Lock()
	f.subSeq++
	id := f.subSeq
	f.chatHandlers[id] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.chatHandlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) SubscribeEvent(name string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	f.subSeq++
	id := f.subSeq
	if f.eventHandlers[name] == nil {
		f.eventHandlers[name] = map[int]func(json.RawMessage){}
	}
	f.eventHandlers[name][id] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.eventHandlers[name], id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) emit(ev gateway.ChatEvent) {
	f.mu.Lock()
	handlers := make([]func(gateway.ChatEvent), 0, len(f.chatHandlers))
	for _, h := range f.chatHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) ChatSend(ctx context.Context, sessionKey, message string, opts gateway.SendOptions) (string, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sentRecord{SessionKey: sessionKey, Message: message, IdempotencyKey: opts.IdempotencyKey})
	sendFn := f.sendFn
	f.runSeq++
	runID := fmt.Sprintf("run-%d", f.runSeq)
	f.mu.Unlock()
	if sendFn != nil {
		return sendFn(sessionKey, message, opts)
	}
	return runID, nil
}

func (f *fakeTransport) ChatHistory(ctx context.Context, sessionKey string, opts gateway.HistoryOptions) ([]gateway.HistoryMessage, error) {
	f.mu.Lock()
	f.historyCalls++
	historyFn := f.historyFn
	f.mu.Unlock()
	if historyFn != nil {
		return historyFn(sessionKey)
	}
	return nil, nil
}

func (f *fakeTransport) CheckHealth(ctx context.Context, opts gateway.HealthOptions) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy
}

func (f *fakeTransport) RefreshSessions(ctx context.Context) ([]gateway.SessionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeTransport) PatchSession(ctx context.Context, sessionKey string, patch gateway.SessionPatch) error {
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeClock is an adjustable clock for WithClock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRuntime(t interface{ Fatalf(string, ...any) }, transport Transport, clock *fakeClock) *Runtime {
	cfg := DefaultConfig()
	cfg.GatewayURL = "ws://gateway.test/ws"
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	rt, err := NewRuntime(cfg, transport, nil, opts...)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

// connectTestRuntime connects and waits for the initial history refresh so
// tests observe a settled runtime before injecting events.
func connectTestRuntime(t interface{ Fatalf(string, ...any) }, rt *Runtime, transport *fakeTransport) {
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		n := transport.historyCalls
		transport.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("initial history refresh never ran")
}

// fakeStore implements Store in-memory.
type fakeStore struct {
	mu     sync.Mutex
	active string
	outbox []OutboxItem
	prefs  map[string]SessionPrefs
}

func newFakeStore() *fakeStore {
	return &fakeStore{prefs: map[string]SessionPrefs{}}
}

func (s *fakeStore) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeStore) SetActiveSession(sessionKey string) error {
	s.mu.Lock()
	s.active = sessionKey
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) LoadOutbox() []OutboxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxItem(nil), s.outbox...)
}

func (s *fakeStore) SaveOutbox(items []OutboxItem) error {
	s.mu.Lock()
	s.outbox = append([]OutboxItem(nil), items...)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Prefs(sessionKey string) SessionPrefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs[sessionKey]
}

func (s *fakeStore) SetPrefs(sessionKey string, prefs SessionPrefs) error {
	s.mu.Lock()
	s.prefs[sessionKey] = prefs
	s.mu.Unlock()
	return nil
}
