package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/five82/keel/internal/asyncthunk"
	"github.com/five82/keel/internal/selector"
	"github.com/five82/keel/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTimer struct {
	s       *fakeScheduler
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) fire() {
	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type env struct {
	st      *store.Store
	api     *Api
	sched   *fakeScheduler
	pending atomic.Int32
	// beforeRemoval runs once, ahead of the next entry removal.
	beforeRemoval func()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{sched: &fakeScheduler{}}
	e.st = store.New(store.Options{Middleware: []store.Middleware{
		func(_ store.API, next store.DispatchFunc) store.DispatchFunc {
			return func(d store.Dispatchable) (any, error) {
				if a, ok := d.(store.Action); ok && asyncthunk.IsPending(a) {
					e.pending.Add(1)
				}
				if a, ok := d.(store.Action); ok && e.beforeRemoval != nil && e.api.removed.Match(a) {
					f := e.beforeRemoval
					e.beforeRemoval = nil
					f()
				}
				return next(d)
			}
		},
	}})
	a, err := New(e.st, Options{Scheduler: e.sched})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.api = a
	t.Cleanup(func() {
		a.Close()
		e.st.Close()
	})
	return e
}

func (e *env) entry(t *testing.T, key string) Entry {
	t.Helper()
	en, ok := e.api.Entry(e.st.State(), key)
	if !ok {
		t.Fatalf("no entry for %s", key)
	}
	return en
}

type user struct {
	ID   string
	Name string
}

func await[R any](t *testing.T, op *Operation[R]) (R, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := op.Await(ctx)
	if ctx.Err() != nil {
		t.Fatalf("operation %s did not settle", op.CacheKey())
	}
	return v, err
}

// gatedRunner blocks every call until release is closed or the flight is
// cancelled.
func gatedRunner(calls *atomic.Int32, release <-chan struct{}) asyncthunk.Runner[string, user] {
	return func(ctx context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		calls.Add(1)
		select {
		case <-release:
			return user{ID: id, Name: "user-" + id}, nil
		case <-ctx.Done():
			return user{}, ctx.Err()
		}
	}
}

func TestQuery_DeduplicatesConcurrentInvocations(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	release := make(chan struct{})
	getUser, err := DefineQuery(e.api, "getUser", gatedRunner(&calls, release), QueryOptions[string, user]{})
	if err != nil {
		t.Fatalf("DefineQuery: %v", err)
	}

	first := getUser.Invoke(context.Background(), "42")
	second := getUser.Invoke(context.Background(), "42")
	if first.CacheKey() != `getUser("42")` || second.CacheKey() != first.CacheKey() {
		t.Fatalf("keys = %q, %q", first.CacheKey(), second.CacheKey())
	}
	close(release)

	for _, op := range []*Operation[user]{first, second} {
		got, err := await(t, op)
		if err != nil || got.Name != "user-42" {
			t.Fatalf("Await = %+v, %v", got, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("runner calls = %d, want 1", n)
	}
	if n := e.pending.Load(); n != 1 {
		t.Fatalf("pending actions = %d, want 1", n)
	}

	cached := getUser.Invoke(context.Background(), "42")
	if got, err := await(t, cached); err != nil || got.Name != "user-42" {
		t.Fatalf("cached Await = %+v, %v", got, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("runner calls after cache hit = %d, want 1", n)
	}
}

func TestOperation_SubscribeIsSymmetric(t *testing.T) {
	e := newEnv(t)
	getUser, _ := DefineQuery(e.api, "getUser", func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		return user{ID: id}, nil
	}, QueryOptions[string, user]{})

	op := getUser.Invoke(context.Background(), "42")
	if _, err := await(t, op); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if n := e.sched.active(); n != 1 {
		t.Fatalf("armed timers after unsubscribed fetch = %d, want 1", n)
	}

	for range 3 {
		op.Subscribe()
	}
	if got := e.entry(t, op.CacheKey()).SubscriberCount; got != 3 {
		t.Fatalf("SubscriberCount = %d, want 3", got)
	}
	if n := e.sched.active(); n != 0 {
		t.Fatalf("armed timers while subscribed = %d, want 0", n)
	}

	for range 4 {
		op.Unsubscribe()
	}
	if got := e.entry(t, op.CacheKey()).SubscriberCount; got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
	if n := e.sched.active(); n != 1 {
		t.Fatalf("armed timers = %d, want 1", n)
	}

	e.sched.fire()
	if _, ok := e.api.Entry(e.st.State(), op.CacheKey()); ok {
		t.Fatalf("entry survived eviction")
	}
}

func TestOperation_EvictionDiscardsInFlightResult(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	release := make(chan struct{})
	getUser, _ := DefineQuery(e.api, "getUser", gatedRunner(&calls, release), QueryOptions[string, user]{})

	op := getUser.Invoke(context.Background(), "1")
	op.Subscribe()
	op.Unsubscribe()
	e.sched.fire()
	if _, ok := e.api.Entry(e.st.State(), op.CacheKey()); ok {
		t.Fatalf("entry survived eviction")
	}

	close(release)
	if got, err := await(t, op); err != nil || got.ID != "1" {
		t.Fatalf("Await = %+v, %v; want the finished result", got, err)
	}
	if _, ok := e.api.Entry(e.st.State(), op.CacheKey()); ok {
		t.Fatalf("evicted entry was recreated by the late result")
	}

	again := getUser.Invoke(context.Background(), "1")
	if _, err := await(t, again); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("runner calls = %d, want 2", n)
	}
}

func TestOperation_SubscribeAfterEvictionRecreatesEntry(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	getUser, _ := DefineQuery(e.api, "getUser", func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		n := calls.Add(1)
		return user{ID: id, Name: strings.Repeat("x", int(n))}, nil
	}, QueryOptions[string, user]{})

	op := getUser.Invoke(context.Background(), "7")
	if _, err := await(t, op); err != nil {
		t.Fatalf("Await: %v", err)
	}
	e.sched.fire()
	if _, ok := e.api.Entry(e.st.State(), op.CacheKey()); ok {
		t.Fatalf("entry survived eviction")
	}

	op.Subscribe()
	if got := e.entry(t, op.CacheKey()).SubscriberCount; got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
	got, err := await(t, op)
	if err != nil || got.Name != "xx" {
		t.Fatalf("Await after resubscribe = %+v, %v; want a second fetch", got, err)
	}
	if r := op.Result(); !r.IsSuccess || r.Data.Name != "xx" {
		t.Fatalf("Result = %+v", r)
	}
	if n := e.sched.active(); n != 0 {
		t.Fatalf("armed timers while subscribed = %d, want 0", n)
	}

	op.Unsubscribe()
	if got := e.entry(t, op.CacheKey()).SubscriberCount; got != 0 {
		t.Fatalf("SubscriberCount after Unsubscribe = %d, want 0", got)
	}
	if n := e.sched.active(); n != 1 {
		t.Fatalf("armed timers = %d, want 1", n)
	}
}

func TestOperation_InvokeDuringEvictionKeepsEntry(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	getUser, _ := DefineQuery(e.api, "getUser", func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		calls.Add(1)
		return user{ID: id}, nil
	}, QueryOptions[string, user]{})

	op := getUser.Invoke(context.Background(), "3")
	if _, err := await(t, op); err != nil {
		t.Fatalf("Await: %v", err)
	}

	var revived *Operation[user]
	e.beforeRemoval = func() {
		revived = getUser.Invoke(context.Background(), "3", ForceRefetch())
	}
	e.sched.fire()
	if revived == nil {
		t.Fatalf("eviction did not dispatch a removal")
	}
	if _, err := await(t, revived); err != nil {
		t.Fatalf("Await revived: %v", err)
	}
	if en := e.entry(t, op.CacheKey()); !en.IsSuccess() {
		t.Fatalf("entry status = %v, want fulfilled", en.Status)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("runner calls = %d, want 2", n)
	}

	cached := getUser.Invoke(context.Background(), "3")
	if _, err := await(t, cached); err != nil {
		t.Fatalf("cached Await: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("runner calls after revive = %d, want 2 (record kept)", n)
	}
}

func TestMutation_InvalidatesProvidedTags(t *testing.T) {
	e := newEnv(t)
	var mu sync.Mutex
	names := map[string]string{"42": "ada", "7": "bob"}

	getUser, err := DefineQuery(e.api, "getUser", func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		mu.Lock()
		defer mu.Unlock()
		return user{ID: id, Name: names[id]}, nil
	}, QueryOptions[string, user]{
		ProvidesTags: func(u user, _ error, id string) []Tag { return []Tag{{Type: "user", ID: id}} },
	})
	if err != nil {
		t.Fatalf("DefineQuery getUser: %v", err)
	}
	listUsers, err := DefineQuery(e.api, "listUsers", func(context.Context, struct{}, *asyncthunk.API[int]) (int, error) {
		return 2, nil
	}, QueryOptions[struct{}, int]{Tags: []Tag{{Type: "user"}}})
	if err != nil {
		t.Fatalf("DefineQuery listUsers: %v", err)
	}
	rename, err := DefineMutation(e.api, "rename", func(_ context.Context, u user, _ *asyncthunk.API[user]) (user, error) {
		mu.Lock()
		defer mu.Unlock()
		names[u.ID] = u.Name
		return u, nil
	}, MutationOptions[user, user]{
		InvalidatesTagsFor: func(_ user, u user) []Tag { return []Tag{{Type: "user", ID: u.ID}} },
	})
	if err != nil {
		t.Fatalf("DefineMutation: %v", err)
	}

	watched := getUser.Invoke(context.Background(), "42")
	watched.Subscribe()
	defer watched.Unsubscribe()
	other := getUser.Invoke(context.Background(), "7")
	list := listUsers.Invoke(context.Background(), struct{}{})
	for _, op := range []*Operation[user]{watched, other} {
		if _, err := await(t, op); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}
	if _, err := await(t, list); err != nil {
		t.Fatalf("Await list: %v", err)
	}
	before := e.entry(t, watched.CacheKey()).RequestID
	otherID := e.entry(t, other.CacheKey()).RequestID

	if _, err := await(t, rename.Invoke(context.Background(), user{ID: "42", Name: "grace"})); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if got := e.entry(t, watched.CacheKey()).RequestID; got == before {
		t.Fatalf("subscribed entry was not refetched")
	}
	if got := e.entry(t, other.CacheKey()).RequestID; got != otherID {
		t.Fatalf("entry with another id was refetched")
	}
	if _, ok := e.api.Entry(e.st.State(), list.CacheKey()); ok {
		t.Fatalf("unsubscribed entry providing the tag was kept")
	}

	got, err := await(t, getUser.Invoke(context.Background(), "42"))
	if err != nil || got.Name != "grace" {
		t.Fatalf("after rename = %+v, %v; want grace", got, err)
	}
}

func TestInvalidateTags_InFlightEntryRefetchesAfterSettle(t *testing.T) {
	e := newEnv(t)
	started := make(chan int, 4)
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	var calls atomic.Int32
	getUser, _ := DefineQuery(e.api, "getUser", func(ctx context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		n := int(calls.Add(1))
		started <- n
		select {
		case <-gates[n-1]:
			return user{ID: id, Name: strings.Repeat("x", n)}, nil
		case <-ctx.Done():
			return user{}, ctx.Err()
		}
	}, QueryOptions[string, user]{Tags: []Tag{{Type: "user", ID: "42"}}})

	op := getUser.Invoke(context.Background(), "42")
	op.Subscribe()
	defer op.Unsubscribe()
	waitStarted(t, started, 1)

	if err := e.api.InvalidateTags(Tag{Type: "user", ID: "42"}); err != nil {
		t.Fatalf("InvalidateTags: %v", err)
	}
	close(gates[0])
	if _, err := await(t, op); err != nil {
		t.Fatalf("Await: %v", err)
	}
	waitStarted(t, started, 2)
	close(gates[1])

	got, err := await(t, getUser.Invoke(context.Background(), "42"))
	if err != nil || got.Name != "xx" {
		t.Fatalf("Await = %+v, %v; want the second fetch", got, err)
	}
}

func waitStarted(t *testing.T, started <-chan int, want int) {
	t.Helper()
	select {
	case n := <-started:
		if n != want {
			t.Fatalf("fetch %d started, want %d", n, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch %d never started", want)
	}
}

func TestQuery_FailedRefetchKeepsData(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	getUser, _ := DefineQuery(e.api, "getUser", func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		if calls.Add(1) > 1 {
			return user{}, errors.New("backend down")
		}
		return user{ID: id, Name: "ada"}, nil
	}, QueryOptions[string, user]{SuppressErrorLog: true})

	if _, err := await(t, getUser.Invoke(context.Background(), "42")); err != nil {
		t.Fatalf("first Await: %v", err)
	}
	op := getUser.Invoke(context.Background(), "42", ForceRefetch())
	if _, err := await(t, op); err == nil || err.Error() != "backend down" {
		t.Fatalf("refetch error = %v, want backend down", err)
	}

	res := op.Result()
	if !res.IsError || res.IsSuccess {
		t.Fatalf("flags = error:%v success:%v", res.IsError, res.IsSuccess)
	}
	if !res.HasData || res.Data.Name != "ada" {
		t.Fatalf("data = %+v (has %v), want previous result", res.Data, res.HasData)
	}
	if res.Error != "backend down" {
		t.Fatalf("Error = %q", res.Error)
	}
}

func TestQuery_ProgressIsVisible(t *testing.T) {
	e := newEnv(t)
	reported := make(chan struct{})
	release := make(chan struct{})
	upload, _ := DefineQuery(e.api, "upload", func(ctx context.Context, _ string, api *asyncthunk.API[int]) (int, error) {
		if err := api.SetProgress(50); err != nil {
			return 0, err
		}
		close(reported)
		select {
		case <-release:
			return 100, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}, QueryOptions[string, int]{})

	op := upload.Invoke(context.Background(), "a.bin")
	<-reported
	res := op.Result()
	if res.Progress != 50 || !res.IsLoading || !res.IsFetching {
		t.Fatalf("result = %+v, want loading at 50", res)
	}
	close(release)
	if v, err := await(t, op); err != nil || v != 100 {
		t.Fatalf("Await = %d, %v", v, err)
	}
}

func TestQuery_StartOnAwait(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	lazy, _ := DefineQuery(e.api, "lazy", func(_ context.Context, n int, _ *asyncthunk.API[int]) (int, error) {
		calls.Add(1)
		return n * n, nil
	}, QueryOptions[int, int]{StartOnAwait: true})

	op := lazy.Invoke(context.Background(), 3)
	if res := op.Result(); !res.IsUninitialized {
		t.Fatalf("status = %s, want uninitialized", res.Status)
	}
	if calls.Load() != 0 || e.pending.Load() != 0 {
		t.Fatalf("fetch started before Await")
	}
	if v, err := await(t, op); err != nil || v != 9 {
		t.Fatalf("Await = %d, %v", v, err)
	}
	if e.pending.Load() != 1 {
		t.Fatalf("pending actions = %d, want 1", e.pending.Load())
	}
}

func TestQuery_OmitEndpointFromKeySharesEntries(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	run := func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		calls.Add(1)
		return user{ID: id}, nil
	}
	getUser, _ := DefineQuery(e.api, "getUser", run, QueryOptions[string, user]{OmitEndpointFromKey: true})
	alias, _ := DefineQuery(e.api, "userByID", run, QueryOptions[string, user]{OmitEndpointFromKey: true})

	if _, err := await(t, getUser.Invoke(context.Background(), "42")); err != nil {
		t.Fatalf("Await: %v", err)
	}
	op := alias.Invoke(context.Background(), "42")
	if op.CacheKey() != `"42"` {
		t.Fatalf("key = %q", op.CacheKey())
	}
	if _, err := await(t, op); err != nil {
		t.Fatalf("Await alias: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("runner calls = %d, want 1", n)
	}
}

func TestQuery_MaxAgeExpires(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	q, _ := DefineQuery(e.api, "clock", func(context.Context, struct{}, *asyncthunk.API[int32]) (int32, error) {
		return calls.Add(1), nil
	}, QueryOptions[struct{}, int32]{MaxAge: time.Nanosecond})

	if _, err := await(t, q.Invoke(context.Background(), struct{}{})); err != nil {
		t.Fatalf("Await: %v", err)
	}
	time.Sleep(time.Millisecond)
	if v, err := await(t, q.Invoke(context.Background(), struct{}{})); err != nil || v != 2 {
		t.Fatalf("Await = %d, %v; want a second fetch", v, err)
	}
}

func TestOperation_CancelRejects(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	getUser, _ := DefineQuery(e.api, "getUser", gatedRunner(&calls, make(chan struct{})), QueryOptions[string, user]{})

	op := getUser.Invoke(context.Background(), "42")
	op.Cancel()
	_, err := await(t, op)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Await error = %v, want context.Canceled", err)
	}
	if res := op.Result(); !res.IsError {
		t.Fatalf("status = %s, want rejected", res.Status)
	}
}

func TestApi_DuplicateEndpointAndReset(t *testing.T) {
	e := newEnv(t)
	run := func(_ context.Context, n int, _ *asyncthunk.API[int]) (int, error) { return n, nil }
	q, err := DefineQuery(e.api, "echo", run, QueryOptions[int, int]{})
	if err != nil {
		t.Fatalf("DefineQuery: %v", err)
	}
	if _, err := DefineMutation(e.api, "echo", run, MutationOptions[int, int]{}); !errors.Is(err, ErrDuplicateEndpoint) {
		t.Fatalf("duplicate define error = %v, want ErrDuplicateEndpoint", err)
	}

	if _, err := await(t, q.Invoke(context.Background(), 1)); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := e.api.ResetState(); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	if n := len(e.api.Entries(e.st.State())); n != 0 {
		t.Fatalf("entries after reset = %d, want 0", n)
	}
	if err := e.api.Refetch(`echo(1)`); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("Refetch after reset = %v, want ErrUnknownEntry", err)
	}
}

func TestQuery_SelectWithUse(t *testing.T) {
	e := newEnv(t)
	getUser, _ := DefineQuery(e.api, "getUser", func(_ context.Context, id string, _ *asyncthunk.API[user]) (user, error) {
		return user{ID: id, Name: "ada"}, nil
	}, QueryOptions[string, user]{})

	var mu sync.Mutex
	var statuses []Status
	unsub := selector.Use(e.st, getUser.Select("42"), func(r Result[user]) {
		mu.Lock()
		statuses = append(statuses, r.Status)
		mu.Unlock()
	})
	defer unsub()

	if _, err := await(t, getUser.Invoke(context.Background(), "42")); err != nil {
		t.Fatalf("Await: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusUninitialized, StatusPending, StatusFulfilled}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}
