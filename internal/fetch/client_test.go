package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/five82/keel/internal/asyncthunk"
	"github.com/five82/keel/internal/store"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestParseBaseURL_DefaultsAndNormalizes(t *testing.T) {
	u, err := parseBaseURL("")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Scheme != "http" {
		t.Fatalf("scheme = %q, want http", u.Scheme)
	}
	if u.Host != defaultBaseURL {
		t.Fatalf("host = %q, want %q", u.Host, defaultBaseURL)
	}

	u, err = parseBaseURL("https://example.com:1234/path?x=1#frag")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Scheme != "https" {
		t.Fatalf("scheme = %q, want https", u.Scheme)
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		t.Fatalf("url not normalized: %q", u.String())
	}
}

func TestClient_GetJSONSendsHeadersAndQuery(t *testing.T) {
	t.Parallel()

	var gotQuery url.Values
	var gotUserAgent, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotUserAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		if r.URL.Path != "/users/7" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(user{ID: "7", Name: "ada"})
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got user
	if err := c.GetJSON(ctx, "/users/7", url.Values{"fields": {"name"}}, &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if diff := cmp.Diff(user{ID: "7", Name: "ada"}, got); diff != "" {
		t.Fatalf("decoded user mismatch (-want +got):\n%s", diff)
	}
	if gotQuery.Get("fields") != "name" {
		t.Fatalf("fields query = %q, want name", gotQuery.Get("fields"))
	}
	if !strings.HasPrefix(gotUserAgent, "keel/") {
		t.Fatalf("User-Agent = %q, want keel/*", gotUserAgent)
	}
	if gotAccept != "application/json" {
		t.Fatalf("Accept = %q", gotAccept)
	}
}

func TestClient_StatusErrorCarriesBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = c.GetJSON(context.Background(), "/users/x", nil, &user{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Body != "no such user" {
		t.Fatalf("status error = %+v", se)
	}
	if !strings.Contains(err.Error(), "returned status 404") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestClient_DoEncodesBody(t *testing.T) {
	t.Parallel()

	var gotBody user
	var gotMethod, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Do(context.Background(), http.MethodPut, "/users/1", nil, user{ID: "1", Name: "bo"}, nil, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotMethod != http.MethodPut || gotType != "application/json" {
		t.Fatalf("method=%q content-type=%q", gotMethod, gotType)
	}
	if gotBody.Name != "bo" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestClient_DecodeErrorIsWrapped(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = c.GetJSON(context.Background(), "/", nil, &user{})
	if err == nil || !strings.HasPrefix(err.Error(), "decode response:") {
		t.Fatalf("err = %v, want decode response error", err)
	}
}

type progressLog struct {
	mu   sync.Mutex
	seen []Progress
}

func (p *progressLog) middleware(_ store.API, next store.DispatchFunc) store.DispatchFunc {
	return func(d store.Dispatchable) (any, error) {
		if a, ok := d.(store.Action); ok && asyncthunk.IsProgress(a) {
			if pr, ok := a.Payload.(Progress); ok {
				p.mu.Lock()
				p.seen = append(p.seen, pr)
				p.mu.Unlock()
			}
		}
		return next(d)
	}
}

func TestJSON_RunsThroughAsyncThunk(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/users/")
		_ = json.NewEncoder(w).Encode(user{ID: id, Name: "user-" + id})
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	plog := &progressLog{}
	st := store.New(store.Options{Middleware: []store.Middleware{plog.middleware}})
	t.Cleanup(st.Close)

	getUser := asyncthunk.New("users/get", JSON[string, user](c, Endpoint[string]{
		Path:           func(id string) string { return "/users/" + id },
		ReportProgress: true,
	}), asyncthunk.Options[string]{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := getUser.Dispatch(ctx, st, "9").Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if diff := cmp.Diff(user{ID: "9", Name: "user-9"}, got); diff != "" {
		t.Fatalf("user mismatch (-want +got):\n%s", diff)
	}

	plog.mu.Lock()
	defer plog.mu.Unlock()
	if len(plog.seen) == 0 {
		t.Fatalf("expected progress actions")
	}
	if last := plog.seen[len(plog.seen)-1]; last.Read == 0 {
		t.Fatalf("last progress = %+v, want bytes read", last)
	}
}

func TestJSON_StatusErrorRejects(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	st := store.New(store.Options{})
	t.Cleanup(st.Close)

	thunk := asyncthunk.New("users/broken", JSON[string, user](c, Endpoint[string]{
		Path: Static[string]("/users"),
	}), asyncthunk.Options[string]{SuppressErrorLog: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = thunk.Dispatch(ctx, st, "").Await(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500 StatusError", err)
	}
}
