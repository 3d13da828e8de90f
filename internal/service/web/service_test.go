package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/EddyLabs/eddy/config"
	"github.com/EddyLabs/eddy/internal/store"
	"github.com/EddyLabs/eddy/models"
)

// downBackend refuses everything, standing in for an unreachable store.
type downBackend struct{}

func (downBackend) Read(context.Context, string) (models.Document, error) {
	return models.Document{}, store.ErrUnavailable
}

func (downBackend) Write(context.Context, string, json.RawMessage, store.WriteOptions) (int64, error) {
	return 0, store.ErrUnavailable
}

func (downBackend) Changes(context.Context, store.Cursor) (store.ChangeFeed, error) {
	return nil, store.ErrUnavailable
}

func (downBackend) Ping(context.Context) error { return store.ErrUnavailable }

func (downBackend) Close(context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{
		WebBinding: "127.0.0.1:0",
		RateLimiters: config.RateLimiters{
			Reads:   config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Writes:  config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Default: config.RateLimiterConfig{Limit: 1000, Burst: 1000},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestServer(t *testing.T, backend store.Backend, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	logger := testLogger()
	if backend == nil {
		local, err := store.NewLocal(store.LocalConfig{Logger: logger, Directory: t.TempDir()})
		if err != nil {
			t.Fatalf("Failed to create local store: %v", err)
		}
		t.Cleanup(func() { local.Close(context.Background()) })
		backend = local
	}

	gateway := store.NewGateway(logger, backend, config.Retry{Attempts: 2, Backoff: 5 * time.Millisecond})
	svc := NewService(context.Background(), logger, testConfig(mutate), gateway)
	server := httptest.NewServer(svc.Routes())
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestService_ReadWrite(t *testing.T) {
	server := newTestServer(t, nil, nil)

	t.Run("write then read round trip", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/board-1", `{"title":"hello"}`, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
		}
		var wr models.WriteResult
		if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
			t.Fatalf("Failed to decode write result: %v", err)
		}
		if wr.Resource != "board-1" || wr.Revision != 1 {
			t.Errorf("write result = %+v, want {board-1 1}", wr)
		}

		resp = doJSON(t, http.MethodGet, server.URL+"/api/v1/r/board-1", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET status = %d, want 200", resp.StatusCode)
		}
		var doc models.Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("Failed to decode document: %v", err)
		}
		if doc.Revision != 1 || string(doc.Payload) != `{"title":"hello"}` {
			t.Errorf("document = %+v", doc)
		}
	})

	t.Run("revisions increase per write", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/counter",
				fmt.Sprintf(`{"n":%d}`, want), nil)
			var wr models.WriteResult
			json.NewDecoder(resp.Body).Decode(&wr)
			if wr.Revision != want {
				t.Errorf("revision = %d, want %d", wr.Revision, want)
			}
		}
	})

	t.Run("missing resource is 404", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/no-such-thing", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		var er models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			t.Fatalf("Failed to decode error body: %v", err)
		}
		if er.ErrorType != "not_found" {
			t.Errorf("error_type = %q, want not_found", er.ErrorType)
		}
	})

	t.Run("invalid JSON body is 400", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/x", `{"broken":`, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestService_ConditionalWrites(t *testing.T) {
	server := newTestServer(t, nil, nil)

	doJSON(t, http.MethodPut, server.URL+"/api/v1/r/doc", `{"v":1}`, nil)

	t.Run("matching If-Match succeeds", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/doc", `{"v":2}`,
			map[string]string{"If-Match": "1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var wr models.WriteResult
		json.NewDecoder(resp.Body).Decode(&wr)
		if wr.Revision != 2 {
			t.Errorf("revision = %d, want 2", wr.Revision)
		}
	})

	t.Run("stale If-Match is 409", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/doc", `{"v":99}`,
			map[string]string{"If-Match": "1"})
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", resp.StatusCode)
		}
		var er models.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&er)
		if er.ErrorType != "conflict" {
			t.Errorf("error_type = %q, want conflict", er.ErrorType)
		}
	})

	t.Run("garbage If-Match is 400", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/doc", `{"v":3}`,
			map[string]string{"If-Match": "latest"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestService_FormWrites(t *testing.T) {
	server := newTestServer(t, nil, nil)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/v1/r/board",
		"author=ada&text=first+post",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", resp.StatusCode)
	}

	read := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/board", "", nil)
	var doc models.Document
	if err := json.NewDecoder(read.Body).Decode(&doc); err != nil {
		t.Fatalf("Failed to decode document: %v", err)
	}

	var fields map[string]string
	if err := json.Unmarshal(doc.Payload, &fields); err != nil {
		t.Fatalf("Failed to decode form payload: %v", err)
	}
	if fields["author"] != "ada" || fields["text"] != "first post" {
		t.Errorf("fields = %+v", fields)
	}

	// The server stamps a date field in the classic fractional-seconds form.
	if _, err := time.Parse("2006-01-02 15:04:05.000000", fields["date"]); err != nil {
		t.Errorf("date field %q does not parse: %v", fields["date"], err)
	}
}

func TestService_StoreOutage(t *testing.T) {
	server := newTestServer(t, downBackend{}, nil)

	t.Run("reads are 503 with Retry-After", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/anything", "", nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
		if resp.Header.Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}
		var er models.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&er)
		if er.ErrorType != "unavailable" {
			t.Errorf("error_type = %q, want unavailable", er.ErrorType)
		}
	})

	t.Run("writes are 503", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/anything", `{}`, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("health reports the store as down", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/healthz", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("health status = %d, want 200", resp.StatusCode)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		if body["status"] != "ok" || body["store"] != "unavailable" {
			t.Errorf("health body = %+v", body)
		}
	})
}

func TestService_Auth(t *testing.T) {
	const secret = "test-instance-secret"
	server := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.InstanceSecret = secret
	})

	digest := sha256.Sum256([]byte(secret))
	token := hex.EncodeToString(digest[:])

	t.Run("no token is 401", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/x", "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("wrong token is 401", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/x", "",
			map[string]string{"Authorization": "nope"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("derived token is accepted", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/x", `{"ok":true}`,
			map[string]string{"Authorization": token})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("health needs no token", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/healthz", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestService_RateLimitPerClass(t *testing.T) {
	server := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimiters.Reads = config.RateLimiterConfig{Limit: 1000, Burst: 1000}
		cfg.RateLimiters.Writes = config.RateLimiterConfig{Limit: 1, Burst: 1}
	})

	// A read first: the write budget must not be built from, or drawn
	// against, the read class's limiter.
	resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/x", "", nil)
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("read was limited under reads{1000,1000}")
	}

	limited := false
	for i := 0; i < 10; i++ {
		resp := doJSON(t, http.MethodPut, server.URL+"/api/v1/r/x", `{"n":1}`, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of writes under writes{limit:1,burst:1} was never rate limited")
	}

	// Exhausting the write budget must leave reads untouched.
	resp = doJSON(t, http.MethodGet, server.URL+"/api/v1/r/x", "", nil)
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Error("read was limited after the write budget was exhausted")
	}
}

func TestService_LimiterJanitorStopsOnShutdown(t *testing.T) {
	logger := testLogger()
	gateway := store.NewGateway(logger, downBackend{}, config.Retry{Attempts: 1, Backoff: time.Millisecond})

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 8; i++ {
		NewService(ctx, logger, testConfig(nil), gateway)
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("goroutines did not drain after shutdown: before=%d now=%d", before, runtime.NumGoroutine())
}

func TestService_RateLimit(t *testing.T) {
	server := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimiters.Reads = config.RateLimiterConfig{Limit: 1, Burst: 2}
	})

	limited := false
	for i := 0; i < 10; i++ {
		resp := doJSON(t, http.MethodGet, server.URL+"/api/v1/r/x", "", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			if resp.Header.Get("Retry-After") == "" {
				t.Error("429 without Retry-After header")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of reads was never rate limited")
	}
}
