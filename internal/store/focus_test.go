package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type assetRef string

type assetSettings struct {
	Prompt string
	Steps  int
}

var (
	setPrompt = NewCreator[string]("settings/setPrompt")
	setSteps  = NewCreator[int]("settings/setSteps")
)

func newSettings(t *testing.T, s *Store) *Slice[map[assetRef]assetSettings] {
	t.Helper()
	sl, err := CreateSlice(s, SliceConfig[map[assetRef]assetSettings]{
		Name:    "settings",
		Initial: map[assetRef]assetSettings{},
		Reducers: func(b *Builder[map[assetRef]assetSettings]) {
			FocusMap(b, func(assetRef) assetSettings { return assetSettings{Steps: 20} }, ContextKey[assetRef], func(sub *Builder[assetSettings]) {
				Handle(sub, setPrompt, func(st assetSettings, p string) assetSettings {
					st.Prompt = p
					return st
				})
				Handle(sub, setSteps, func(st assetSettings, n int) assetSettings {
					st.Steps = n
					return st
				})
			})
		},
	})
	if err != nil {
		t.Fatalf("CreateSlice: %v", err)
	}
	return sl
}

func TestFocus_ScopesUpdatesByContextKey(t *testing.T) {
	s := New(Options{})
	settings := newSettings(t, s)

	mustDispatch(t, s, setPrompt.WithContext("a cat", assetRef("tex-1")))
	before := s.State()
	mustDispatch(t, s, setSteps.WithContext(40, assetRef("tex-2")))
	mustDispatch(t, s, setPrompt.WithContext("a dog", assetRef("tex-2")))

	want := map[assetRef]assetSettings{
		"tex-1": {Prompt: "a cat", Steps: 20},
		"tex-2": {Prompt: "a dog", Steps: 40},
	}
	if diff := cmp.Diff(want, settings.Get(s.State())); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[assetRef]assetSettings{"tex-1": {Prompt: "a cat", Steps: 20}}, settings.Get(before)); diff != "" {
		t.Fatalf("earlier snapshot changed (-want +got):\n%s", diff)
	}
}

func TestFocus_MissingKeyIsNoop(t *testing.T) {
	s := New(Options{})
	settings := newSettings(t, s)

	mustDispatch(t, s, setPrompt.With("orphan"))
	mustDispatch(t, s, setPrompt.WithContext("wrong type", 17))

	if got := settings.Get(s.State()); len(got) != 0 {
		t.Fatalf("settings = %v, want empty", got)
	}
}

func TestFocus_WithoutInitIgnoresUnknownKeys(t *testing.T) {
	type doc struct{ Pages map[string]int }
	bump := NewCreator[struct{}]("doc/bump")
	lens := Lens[doc, string, int]{
		Get: func(d doc, k string) (int, bool) {
			v, ok := d.Pages[k]
			return v, ok
		},
		Set: func(d doc, k string, v int) doc {
			pages := make(map[string]int, len(d.Pages))
			for pk, pv := range d.Pages {
				pages[pk] = pv
			}
			pages[k] = v
			return doc{Pages: pages}
		},
	}
	s := New(Options{})
	sl, err := CreateSlice(s, SliceConfig[doc]{
		Name:    "doc",
		Initial: doc{Pages: map[string]int{"intro": 1}},
		Reducers: func(b *Builder[doc]) {
			Focus(b, lens, ContextKey[string], func(sub *Builder[int]) {
				Handle(sub, bump, func(n int, _ struct{}) int { return n + 1 })
			})
		},
	})
	if err != nil {
		t.Fatalf("CreateSlice: %v", err)
	}

	mustDispatch(t, s, bump.WithContext(struct{}{}, "intro"))
	mustDispatch(t, s, bump.WithContext(struct{}{}, "appendix"))

	if diff := cmp.Diff(map[string]int{"intro": 2}, sl.Get(s.State()).Pages); diff != "" {
		t.Fatalf("pages mismatch (-want +got):\n%s", diff)
	}
}

func TestFocus_SubBuilderErrorsSurface(t *testing.T) {
	s := New(Options{})
	_, err := CreateSlice(s, SliceConfig[map[assetRef]assetSettings]{
		Name: "bad",
		Reducers: func(b *Builder[map[assetRef]assetSettings]) {
			FocusMap(b, nil, ContextKey[assetRef], func(sub *Builder[assetSettings]) {
				Handle(sub, setSteps, func(st assetSettings, _ int) assetSettings { return st })
				Handle(sub, setSteps, func(st assetSettings, _ int) assetSettings { return st })
			})
		},
	})
	if err == nil {
		t.Fatalf("CreateSlice returned nil error for duplicate focused case")
	}
}
