package fetch

import (
	"context"
	"net/http"
	"net/url"

	"github.com/five82/keel/internal/asyncthunk"
)

// Endpoint maps an argument to an HTTP request.
type Endpoint[A any] struct {
	// Method defaults to GET.
	Method string
	Path   func(A) string
	Query  func(A) url.Values
	// Body, when set, is encoded as the JSON request body.
	Body func(A) any
	// ReportProgress dispatches a Progress action while the body is read.
	ReportProgress bool
}

// JSON returns an async thunk runner that performs ep's request with c and
// decodes the response into R.
func JSON[A, R any](c *Client, ep Endpoint[A]) asyncthunk.Runner[A, R] {
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	return func(ctx context.Context, arg A, api *asyncthunk.API[R]) (R, error) {
		var out R
		path := "/"
		if ep.Path != nil {
			path = ep.Path(arg)
		}
		var query url.Values
		if ep.Query != nil {
			query = ep.Query(arg)
		}
		var body any
		if ep.Body != nil {
			body = ep.Body(arg)
		}
		var progress func(Progress)
		if ep.ReportProgress && api != nil {
			progress = func(p Progress) { _ = api.SetProgress(p) }
		}
		if err := c.Do(ctx, method, path, query, body, &out, progress); err != nil {
			var zero R
			return zero, err
		}
		return out, nil
	}
}

// Static is a Path func for endpoints whose path does not depend on the
// argument.
func Static[A any](path string) func(A) string {
	return func(A) string { return path }
}
