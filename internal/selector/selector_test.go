package selector

import (
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/store"
)

var (
	add     = store.NewCreator[int]("counter/add")
	setTags = store.NewCreator[[]string]("tags/set")
	poke    = store.NewCreator[struct{}]("other/poke")
)

type fixture struct {
	st      *store.Store
	counter *store.Slice[int]
	tags    *store.Slice[[]string]
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, start int) fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	s := store.New(store.Options{Reporter: diag.NewZap(zap.New(core))})
	counter, err := store.CreateSlice(s, store.SliceConfig[int]{
		Name:    "counter",
		Initial: start,
		Reducers: func(b *store.Builder[int]) {
			store.Handle(b, add, func(n, d int) int { return n + d })
		},
	})
	if err != nil {
		t.Fatalf("CreateSlice counter: %v", err)
	}
	tags, err := store.CreateSlice(s, store.SliceConfig[[]string]{
		Name: "tags",
		Reducers: func(b *store.Builder[[]string]) {
			store.Handle(b, setTags, func(_ []string, v []string) []string { return v })
		},
		ExtraReducers: func(b *store.Builder[[]string]) {
			store.Handle(b, poke, func(v []string, _ struct{}) []string { return v })
		},
	})
	if err != nil {
		t.Fatalf("CreateSlice tags: %v", err)
	}
	return fixture{st: s, counter: counter, tags: tags, logs: logs}
}

func (f fixture) dispatch(t *testing.T, a store.Action) {
	t.Helper()
	if _, err := f.st.Dispatch(a); err != nil {
		t.Fatalf("Dispatch(%s): %v", a.Type, err)
	}
}

func TestUse_SelectImmediately(t *testing.T) {
	f := newFixture(t, 5)
	var got []int
	unsub := Use(f.st, f.counter.Get, func(v int) { got = append(got, v) })
	defer unsub()

	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("callbacks = %v, want [5]", got)
	}
}

func TestUse_OnlyFiresOnChange(t *testing.T) {
	f := newFixture(t, 0)
	var got []int
	unsub := Use(f.st, f.counter.Get, func(v int) { got = append(got, v) }, SelectImmediately[int](false))
	defer unsub()

	f.dispatch(t, poke.New())
	f.dispatch(t, add.With(2))
	f.dispatch(t, add.With(0))
	f.dispatch(t, add.With(1))

	want := []int{2, 3}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("callbacks = %v, want %v", got, want)
	}
}

func TestUse_SequenceComparerIgnoresFreshAllocation(t *testing.T) {
	f := newFixture(t, 0)
	calls := 0
	sel := func(st store.State) []string {
		return append([]string(nil), f.tags.Get(st)...)
	}
	unsub := Use(f.st, sel, func([]string) { calls++ },
		WithComparer(SequenceEqual[string]), SelectImmediately[[]string](false))
	defer unsub()

	f.dispatch(t, setTags.With([]string{"a", "b"}))
	f.dispatch(t, setTags.With([]string{"a", "b"}))
	f.dispatch(t, poke.New())

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestUse_SameComparerSeesNewAllocation(t *testing.T) {
	f := newFixture(t, 0)
	calls := 0
	type box struct{ n int }
	sel := func(st store.State) *box { return &box{n: f.counter.Get(st)} }
	unsub := Use(f.st, sel, func(*box) { calls++ },
		WithComparer(Same[*box]), SelectImmediately[*box](false))
	defer unsub()

	f.dispatch(t, poke.New())
	f.dispatch(t, poke.New())

	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestUse_WaitForValue(t *testing.T) {
	f := newFixture(t, 0)
	var got []int
	unsub := Use(f.st, f.counter.Get, func(v int) { got = append(got, v) }, WaitForValue(0))
	defer unsub()

	if len(got) != 0 {
		t.Fatalf("callbacks before value = %v, want none", got)
	}
	f.dispatch(t, poke.New())
	f.dispatch(t, add.With(4))
	f.dispatch(t, add.With(-4))

	want := []int{4, 0}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("callbacks = %v, want %v", got, want)
	}
}

func TestUse_SelectorPanicIsReportedAndContained(t *testing.T) {
	f := newFixture(t, 0)
	var got []int
	sel := func(st store.State) int {
		n := f.counter.Get(st)
		if n == 1 {
			panic("one is not allowed")
		}
		return n
	}
	unsub := Use(f.st, sel, func(v int) { got = append(got, v) }, WithLabel[int]("counter"))
	defer unsub()

	f.dispatch(t, add.With(1))
	f.dispatch(t, poke.New())
	f.dispatch(t, add.With(1))

	want := []int{0, 2}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("callbacks = %v, want %v", got, want)
	}
	entries := f.logs.FilterMessage("selector panicked").All()
	if len(entries) != 2 {
		t.Fatalf("reported %d panics, want 2", len(entries))
	}
	if label := entries[0].ContextMap()["selector"]; label != "counter" {
		t.Fatalf("selector field = %v, want counter", label)
	}
}

func TestUse_UnsubscribeIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	calls := 0
	unsub := Use(f.st, f.counter.Get, func(int) { calls++ })

	unsub()
	unsub()
	f.dispatch(t, add.With(1))
	f.st.Close()
	unsub()

	if calls != 1 {
		t.Fatalf("calls = %d, want only the immediate call", calls)
	}
}

func TestUse_CallbackMayDispatch(t *testing.T) {
	f := newFixture(t, 0)
	var seen []int
	unsub := Use(f.st, f.counter.Get, func(v int) {
		seen = append(seen, v)
		if v < 3 {
			f.dispatch(t, add.With(1))
		}
	})
	defer unsub()

	if got := f.counter.Get(f.st.State()); got != 3 {
		t.Fatalf("counter = %d, want 3", got)
	}
	want := []int{0, 1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("callbacks = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("callbacks = %v, want %v", seen, want)
		}
	}
}

func TestEqual_ComparesUnexportedFieldsAndErrors(t *testing.T) {
	type hidden struct{ n int }
	if !Equal(hidden{1}, hidden{1}) {
		t.Fatalf("Equal(hidden{1}, hidden{1}) = false")
	}
	if Equal(hidden{1}, hidden{2}) {
		t.Fatalf("Equal(hidden{1}, hidden{2}) = true")
	}
	if !Equal(map[string][]int{"a": {1}}, map[string][]int{"a": {1}}) {
		t.Fatalf("Equal on maps = false")
	}

	type result struct {
		Status string
		Err    error
		seen   int
	}
	failed := result{Status: "rejected", Err: io.ErrUnexpectedEOF, seen: 1}
	// cmp panics on these values without the options; nothing recovers here.
	if !cmp.Equal(failed, failed, equalOptions...) {
		t.Fatalf("cmp.Equal(failed, failed) = false")
	}
	if cmp.Equal(failed, result{Status: "rejected", Err: io.EOF, seen: 1}, equalOptions...) {
		t.Fatalf("different errors compared equal")
	}
	if cmp.Equal(failed, result{Status: "rejected", Err: io.ErrUnexpectedEOF, seen: 2}, equalOptions...) {
		t.Fatalf("different unexported fields compared equal")
	}
}

func TestSequenceEqualFunc(t *testing.T) {
	eq := SequenceEqualFunc(func(a, b float64) bool { return int(a) == int(b) })
	if !eq([]float64{1.2, 2.9}, []float64{1.7, 2.1}) {
		t.Fatalf("truncated sequences differ")
	}
	if eq([]float64{1}, []float64{1, 2}) {
		t.Fatalf("sequences of different length equal")
	}
}
