package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"habitkeep/backend"
	"habitkeep/internal/credentials"
	"habitkeep/internal/ratelimit"
)

// fakeTokens is an in-memory TokenProvider
type fakeTokens struct {
	mu         sync.Mutex
	token      string
	fresh      string
	refreshErr error
	tokenErr   error
	refreshes  int
	signedOut  bool
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.fresh
	return f.token, nil
}

func (f *fakeTokens) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut = true
	f.token = ""
	return nil
}

func mustNewClient(t *testing.T, url string, tokens credentials.TokenProvider) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    url,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		Retry:      ratelimit.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, tokens)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("New() without base URL should fail")
	}
}

// TestDoSendsBearerAndJSON verifies auth header, path and body of a create call
func TestDoSendsBearerAndJSON(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok-1"})
	ep, _ := Route(backend.EntitySpace, backend.OpUpdate)
	resp, err := c.Do(context.Background(), ep, "sp-1", backend.SpacePayload{ID: "sp-1", Name: "Work"})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if !resp.Success() || resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotMethod != http.MethodPut || gotPath != "/spaces/sp-1" {
		t.Errorf("request = %s %s, want PUT /spaces/sp-1", gotMethod, gotPath)
	}
	if gotBody["name"] != "Work" {
		t.Errorf("body = %v", gotBody)
	}
}

// TestDoDeleteHasNoBody verifies delete calls carry no JSON body
func TestDoDeleteHasNoBody(t *testing.T) {
	var bodyLen int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodyLen = len(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok"})
	ep, _ := Route(backend.EntitySpace, backend.OpDelete)
	resp, err := c.Do(context.Background(), ep, "sp-1", backend.DeletePayload{Kind: backend.EntitySpace, ID: "sp-1"})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if bodyLen != 0 {
		t.Errorf("delete body length = %d, want 0", bodyLen)
	}
}

// TestDoRetriesRateLimit verifies a 429 is retried and counted
func TestDoRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok"})
	resp, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", map[string]string{"id": "t1"})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if c.Stats().RateLimitCount() != 1 {
		t.Errorf("rate limit count = %d, want 1", c.Stats().RateLimitCount())
	}
}

// TestDoRateLimitExhausted verifies the final 429 is returned as a response
func TestDoRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok"})
	resp, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", map[string]string{})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

// TestDoDoesNotRetryServerErrors verifies 5xx is left to the outbox backoff
func TestDoDoesNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok"})
	resp, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", map[string]string{})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Excerpt() != "maintenance" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Excerpt())
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// TestDoTransportError verifies an unreachable server yields an error and no response
func TestDoTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := mustNewClient(t, url, &fakeTokens{token: "tok"})
	resp, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", map[string]string{})
	if err == nil {
		t.Fatal("Do() against a closed server should fail")
	}
	if resp != nil {
		t.Errorf("response = %+v, want nil", resp)
	}
}

// TestDoWithoutToken verifies a missing session is reported as unauthorized
func TestDoWithoutToken(t *testing.T) {
	c := mustNewClient(t, "http://127.0.0.1:1", &fakeTokens{tokenErr: credentials.ErrSignedOut})
	_, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

// TestDoRefreshesOn401 verifies one refresh and a retried call with the new token
func TestDoRefreshesOn401(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", fresh: "fresh"}
	c := mustNewClient(t, server.URL, tokens)
	resp, err := c.Do(context.Background(), Endpoint{http.MethodPut, "/tasks/:id"}, "t1", map[string]string{})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
	if len(seen) != 2 || seen[0] != "Bearer stale" || seen[1] != "Bearer fresh" {
		t.Errorf("authorization sequence = %v", seen)
	}
}

// TestDoRefreshFailureSignsOut verifies the 401 is returned after a failed refresh
func TestDoRefreshFailureSignsOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", refreshErr: errors.New("refresh token revoked")}
	c := mustNewClient(t, server.URL, tokens)
	resp, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", map[string]string{})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if !tokens.signedOut {
		t.Error("failed refresh should sign out")
	}
}

// TestConcurrent401sShareOneRefresh verifies queued callers reuse the refreshed token
func TestConcurrent401sShareOneRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", fresh: "fresh"}
	c := mustNewClient(t, server.URL, tokens)

	var wg sync.WaitGroup
	statuses := make([]int, 5)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Do(context.Background(), Endpoint{http.MethodPost, "/tasks"}, "", map[string]string{})
			if err != nil {
				t.Errorf("Do() error: %v", err)
				return
			}
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i, s := range statuses {
		if s != http.StatusOK {
			t.Errorf("call %d status = %d, want 200", i, s)
		}
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
}

// TestRefreshToken verifies the refresh call is unauthenticated and decoded
func TestRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/refresh" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("refresh call carried Authorization %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "r-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"a-2","refresh_token":"r-2"}`))
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, nil)
	tokens, err := c.RefreshToken(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("RefreshToken() error: %v", err)
	}
	if tokens.AccessToken != "a-2" || tokens.RefreshToken != "r-2" {
		t.Errorf("tokens = %+v", tokens)
	}

	if _, err := c.RefreshToken(context.Background(), "wrong"); err == nil {
		t.Error("RefreshToken() with a rejected token should fail")
	}
}

// TestFetchChanges verifies the since watermark and change decoding
func TestFetchChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/changes" || r.URL.Query().Get("since") != "7" {
			t.Errorf("request = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"changes":[{"id":8,"entity":"space","op":"create","data":{"id":"sp-1","name":"Home"}}],"next":8}`))
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok"})
	set, err := c.FetchChanges(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchChanges() error: %v", err)
	}
	if set.Next != 8 || len(set.Changes) != 1 {
		t.Fatalf("change set = %+v", set)
	}
	ch := set.Changes[0]
	if ch.Entity != backend.EntitySpace || ch.Op != backend.OpCreate {
		t.Errorf("change = %+v", ch)
	}
	var sp backend.SpacePayload
	if err := json.Unmarshal(ch.Data, &sp); err != nil || sp.Name != "Home" {
		t.Errorf("data = %s, %v", ch.Data, err)
	}
}

// TestFetchChangesServerError verifies a failed feed is an error
func TestFetchChangesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := mustNewClient(t, server.URL, &fakeTokens{token: "tok"})
	if _, err := c.FetchChanges(context.Background(), 0); err == nil {
		t.Error("FetchChanges() should fail on 500")
	}
}

func TestExcerptTruncates(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = 'x'
	}
	r := &Response{StatusCode: 400, Body: body}
	if got := r.Excerpt(); len(got) != 203 {
		t.Errorf("Excerpt length = %d, want 203", len(got))
	}
}
