package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prbarcelon/crmbridge/internal/auth"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	CType  string
	Body   string
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    []capturedRequest
	count    atomic.Int64
	status   int
	response string
}

func newFakeBackend(t *testing.T, status int, response string) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{status: status, response: response}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.calls = append(fb.calls, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			CType:  r.Header.Get("Content-Type"),
			Body:   string(data),
		})
		fb.mu.Unlock()
		fb.count.Add(1)
		w.WriteHeader(fb.status)
		if fb.response != "" {
			_, _ = w.Write([]byte(fb.response))
		}
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func (f *fakeBackend) last(t *testing.T) capturedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("expected at least one backend call")
	}
	return f.calls[len(f.calls)-1]
}

func marshal(t *testing.T, r Result) string {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return string(data)
}

func TestCallWithoutTokenMakesNoRequest(t *testing.T) {
	fb, srv := newFakeBackend(t, http.StatusOK, `{}`)
	c := New(Options{BaseURL: srv.URL})

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete} {
		res := c.Call(context.Background(), Request{Method: method, Endpoint: "tasks/"})
		if got := marshal(t, res); got != `{"error":"Authentication required."}` {
			t.Errorf("%s: unexpected result %s", method, got)
		}
	}
	if n := fb.count.Load(); n != 0 {
		t.Fatalf("expected zero backend calls, got %d", n)
	}
}

func TestCallUsesFallbackToken(t *testing.T) {
	fb, srv := newFakeBackend(t, http.StatusOK, `[]`)
	c := New(Options{BaseURL: srv.URL, FallbackToken: "service-token"})

	res := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "tasks/latest/"})
	if !res.OK() {
		t.Fatalf("unexpected failure: %s", res.Err)
	}
	if got := fb.last(t).Auth; got != "Bearer service-token" {
		t.Errorf("expected fallback bearer, got %q", got)
	}

	ctx := auth.WithToken(context.Background(), "user-token")
	c.Call(ctx, Request{Method: http.MethodGet, Endpoint: "tasks/latest/"})
	if got := fb.last(t).Auth; got != "Bearer user-token" {
		t.Errorf("expected request token to win, got %q", got)
	}
}

func TestURLJoin(t *testing.T) {
	cases := []struct {
		base, endpoint, want string
	}{
		{"http://crm/api/v1", "tasks/", "http://crm/api/v1/tasks/"},
		{"http://crm/api/v1/", "tasks/", "http://crm/api/v1/tasks/"},
		{"http://crm/api/v1/", "/tasks/", "http://crm/api/v1/tasks/"},
		{"http://crm/api/v1///", "//tasks/5/", "http://crm/api/v1/tasks/5/"},
	}
	for _, tc := range cases {
		c := New(Options{BaseURL: tc.base})
		if got := c.URL(tc.endpoint); got != tc.want {
			t.Errorf("URL(%q, %q) = %q, want %q", tc.base, tc.endpoint, got, tc.want)
		}
	}
}

func TestGetSendsQueryOnly(t *testing.T) {
	fb, srv := newFakeBackend(t, http.StatusOK, `{"results":[]}`)
	c := New(Options{BaseURL: srv.URL + "/api/v1/"})
	ctx := auth.WithToken(context.Background(), "tok")

	c.Call(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "/tasks/",
		Query:    url.Values{"limit": {"5"}, "status": {"to-do"}},
		Body:     map[string]string{"ignored": "yes"},
	})
	got := fb.last(t)
	if got.Path != "/api/v1/tasks/" {
		t.Errorf("unexpected path %q", got.Path)
	}
	if got.Query != "limit=5&status=to-do" {
		t.Errorf("unexpected query %q", got.Query)
	}
	if got.Body != "" {
		t.Errorf("expected empty GET body, got %q", got.Body)
	}
	if got.CType != "application/json" {
		t.Errorf("expected json content type, got %q", got.CType)
	}
}

func TestPostSendsJSONBody(t *testing.T) {
	fb, srv := newFakeBackend(t, http.StatusCreated, `{"id": 5, "title": "Follow up", "priority": "high"}`)
	c := New(Options{BaseURL: srv.URL})
	ctx := auth.WithToken(context.Background(), "tok")

	res := c.Call(ctx, Request{
		Method:   http.MethodPost,
		Endpoint: "tasks/",
		Query:    url.Values{"dropped": {"1"}},
		Body:     map[string]any{"title": "Follow up", "priority": "high"},
	})
	got := fb.last(t)
	if got.Method != http.MethodPost || got.Query != "" {
		t.Errorf("unexpected request %+v", got)
	}
	if got.Body != `{"priority":"high","title":"Follow up"}` {
		t.Errorf("unexpected body %q", got.Body)
	}
	if out := marshal(t, res); out != `{"id":5,"priority":"high","title":"Follow up"}` {
		t.Errorf("unexpected result %s", out)
	}
}

func TestDeleteSendsNothing(t *testing.T) {
	fb, srv := newFakeBackend(t, http.StatusNoContent, "")
	c := New(Options{BaseURL: srv.URL})
	ctx := auth.WithToken(context.Background(), "tok")

	res := c.Call(ctx, Request{
		Method:   http.MethodDelete,
		Endpoint: "contacts/9/",
		Query:    url.Values{"x": {"1"}},
		Body:     map[string]any{"x": 1},
	})
	got := fb.last(t)
	if got.Query != "" || got.Body != "" {
		t.Errorf("expected bare DELETE, got %+v", got)
	}
	if out := marshal(t, res); out != `{"success":true}` {
		t.Errorf("unexpected result %s", out)
	}
}

func TestNoContentIsSuccessForEveryMethod(t *testing.T) {
	_, srv := newFakeBackend(t, http.StatusNoContent, "")
	c := New(Options{BaseURL: srv.URL, FallbackToken: "tok"})
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		res := c.Call(context.Background(), Request{Method: method, Endpoint: "x/", Body: map[string]any{}})
		if out := marshal(t, res); out != `{"success":true}` {
			t.Errorf("%s: unexpected result %s", method, out)
		}
	}
}

func TestNon2xxBecomesErrorResult(t *testing.T) {
	cases := []struct {
		status int
		prefix string
	}{
		{http.StatusNotFound, "Client error '404 Not Found' for url '"},
		{http.StatusUnauthorized, "Client error '401 Unauthorized' for url '"},
		{http.StatusBadGateway, "Server error '502 Bad Gateway' for url '"},
	}
	for _, tc := range cases {
		fb, srv := newFakeBackend(t, tc.status, `{"detail":"nope"}`)
		c := New(Options{BaseURL: srv.URL, FallbackToken: "tok"})
		res := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "tasks/"})
		if res.OK() {
			t.Fatalf("%d: expected failure", tc.status)
		}
		if !strings.HasPrefix(res.Err, tc.prefix) || !strings.Contains(res.Err, srv.URL+"/tasks/") {
			t.Errorf("%d: unexpected error %q", tc.status, res.Err)
		}
		if res.Value != nil {
			t.Errorf("%d: failure must not carry a value", tc.status)
		}
		if n := fb.count.Load(); n != 1 {
			t.Errorf("%d: expected exactly one attempt, got %d", tc.status, n)
		}
	}
}

func TestInvalidJSONIsError(t *testing.T) {
	_, srv := newFakeBackend(t, http.StatusOK, `<html>oops</html>`)
	c := New(Options{BaseURL: srv.URL, FallbackToken: "tok"})
	res := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "tasks/"})
	if res.OK() || !strings.Contains(res.Err, "invalid JSON") {
		t.Fatalf("expected invalid JSON failure, got %+v", res)
	}
}

func TestTimeoutIsErrorResult(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Options{BaseURL: srv.URL, FallbackToken: "tok", Timeout: 50 * time.Millisecond})
	started := time.Now()
	res := c.Call(context.Background(), Request{Method: http.MethodGet, Endpoint: "tasks/"})
	if res.OK() || !strings.Contains(res.Err, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestConcurrentTokensNeverCross(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen[r.URL.Query().Get("who")] = r.Header.Get("Authorization")
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, FallbackToken: "fallback"})
	var wg sync.WaitGroup
	for _, tok := range []string{"A", "B", "C", "D", "E", "F"} {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			ctx := auth.WithToken(context.Background(), tok)
			c.Call(ctx, Request{Method: http.MethodGet, Endpoint: "tasks/", Query: url.Values{"who": {tok}}})
		}(tok)
	}
	wg.Wait()

	for _, tok := range []string{"A", "B", "C", "D", "E", "F"} {
		if got := seen[tok]; got != "Bearer "+tok {
			t.Errorf("call for %s carried %q", tok, got)
		}
	}
}

func TestUnsupportedMethod(t *testing.T) {
	fb, srv := newFakeBackend(t, http.StatusOK, `{}`)
	c := New(Options{BaseURL: srv.URL, FallbackToken: "tok"})
	res := c.Call(context.Background(), Request{Method: "TRACE", Endpoint: "tasks/"})
	if res.OK() {
		t.Fatal("expected failure for unsupported method")
	}
	if fb.count.Load() != 0 {
		t.Fatal("expected no backend call")
	}
}
