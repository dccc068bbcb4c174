package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/events"
	"github.com/kalambet/fieldsync/internal/metadata"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/scheduler"
	"github.com/kalambet/fieldsync/internal/storage"
)

// --- Fake remote ---

type sentEntry struct {
	path string
	body map[string]any
}

type fakeRemote struct {
	mu sync.Mutex

	noToken    bool
	categories map[string]string // path -> JSON body; missing path = transport failure
	fetchGate  chan struct{}     // when set, FetchCategory waits for it or ctx
	fetches    atomic.Int32

	// sendReply returns the reply for one posted entry; nil means {ok:true}.
	sendReply func(path string, body map[string]any) (remote.Ack, error)
	sent      []sentEntry
	routes    [][]map[string]any
	routesErr error

	forced      remote.Forced
	forcedErr   error
	clearErr    error
	cleared     []string
	registered  []string
	validate    remote.Verdict
	validateErr error
	validations []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		categories: map[string]string{
			remote.CategoryRoute.Path:         `{"ok":true,"roteiro":[{"id":1},{"id":2}]}`,
			remote.CategoryCustomers.Path:     `{"ok":true,"clientes":[{"id":"c1"}]}`,
			remote.CategoryCoordinates.Path:   `{"ok":true,"coordenadas":[{"lat":1},{"lat":2},{"lat":3}]}`,
			remote.CategoryDocumentTypes.Path: `{"ok":true,"tiposDocumento":[]}`,
			remote.CategoryExpenseTypes.Path:  `{"ok":true,"tiposGasto":[{"id":9}]}`,
		},
		validate: remote.Verdict{OK: true, Valid: true},
	}
}

func (f *fakeRemote) HasToken(context.Context) bool { return !f.noToken }

func (f *fakeRemote) FetchCategory(ctx context.Context, cat remote.Category) ([]json.RawMessage, error) {
	f.fetches.Add(1)
	if f.fetchGate != nil {
		select {
		case <-f.fetchGate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", remote.ErrUnreachable, ctx.Err())
		}
	}
	f.mu.Lock()
	body, ok := f.categories[cat.Path]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("GET %s: %w", cat.Path, remote.ErrUnreachable)
	}
	var m map[string]json.RawMessage
	json.Unmarshal([]byte(body), &m)
	if string(m["ok"]) != "true" {
		return nil, fmt.Errorf("%s: %w", cat.Path, remote.ErrMalformed)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(m[cat.Field], &rows); err != nil || rows == nil {
		return nil, fmt.Errorf("%s: %w", cat.Path, remote.ErrMalformed)
	}
	return rows, nil
}

func toMap(v any) map[string]any {
	b, _ := json.Marshal(v)
	var m map[string]any
	json.Unmarshal(b, &m)
	return m
}

func (f *fakeRemote) SendEntry(ctx context.Context, path string, entry any) (remote.Ack, error) {
	body := toMap(entry)
	f.mu.Lock()
	f.sent = append(f.sent, sentEntry{path: path, body: body})
	reply := f.sendReply
	f.mu.Unlock()
	if reply != nil {
		return reply(path, body)
	}
	return remote.Ack{Raw: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeRemote) SendRoutes(ctx context.Context, routes any) (remote.Ack, error) {
	b, _ := json.Marshal(routes)
	var batch []map[string]any
	json.Unmarshal(b, &batch)
	f.mu.Lock()
	f.routes = append(f.routes, batch)
	err := f.routesErr
	f.mu.Unlock()
	if err != nil {
		return remote.Ack{}, err
	}
	return remote.Ack{Raw: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeRemote) RegisterSync(ctx context.Context, kind string, at time.Time, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, kind)
	return nil
}

func (f *fakeRemote) ForcedFlags(context.Context) (remote.Forced, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced, f.forcedErr
}

func (f *fakeRemote) ClearForced(ctx context.Context, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, kind)
	return f.clearErr
}

func (f *fakeRemote) ValidateTime(ctx context.Context, op string, at time.Time) (remote.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations = append(f.validations, op)
	return f.validate, f.validateErr
}

func (f *fakeRemote) sentPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.path)
	}
	return out
}

func (f *fakeRemote) registeredKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...)
}

// --- Fake clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Event recorder ---

type eventLog struct {
	mu     sync.Mutex
	events []events.Type
}

func (l *eventLog) Publish(typ events.Type, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, typ)
}

func (l *eventLog) has(typ events.Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == typ {
			return true
		}
	}
	return false
}

// --- Fake scheduler ---

type fakeRearmer struct {
	mu    sync.Mutex
	times []scheduler.TimeOfDay
	calls int
}

func (r *fakeRearmer) Reconfigure(times []scheduler.TimeOfDay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = times
	r.calls++
}

// --- Harness ---

type harness struct {
	o      *Orchestrator
	store  *storage.Store
	meta   *metadata.Manager
	remote *fakeRemote
	clock  *fakeClock
	events *eventLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	st.SetClock(clock.Now)
	meta := metadata.NewManagerWithClock(st, clock, 0)
	rem := newFakeRemote()
	evs := &eventLog{}

	o := New(Deps{Store: st, Remote: rem, Metadata: meta, Events: evs, Clock: clock}, cfg)
	t.Cleanup(o.Wait)
	return &harness{o: o, store: st, meta: meta, remote: rem, clock: clock, events: evs}
}

// goOnline flips the flag without starting the background drain.
func (h *harness) goOnline() {
	h.o.online.Store(true)
}

func (h *harness) enqueue(t *testing.T, queue, payload string) int64 {
	t.Helper()
	id, err := h.store.Enqueue(queue, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", queue, err)
	}
	return id
}
