package http_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	quotahttp "github.com/planpilot/metering/middleware/http"
	"github.com/planpilot/metering/pkg/entitlement"
	"github.com/planpilot/metering/storage/memory"
)

func newTestMiddleware(t *testing.T) func(http.Handler) http.Handler {
	t.Helper()

	store := memory.New()
	manager, err := entitlement.NewManager(store, entitlement.Config{
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	return quotahttp.Middleware(quotahttp.Config{
		Manager:   manager,
		GetUserID: quotahttp.FromHeader("X-User-ID"),
		GetEmail:  quotahttp.EmailExtractor(quotahttp.FromHeader("X-User-Email")),
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddleware_Unauthenticated(t *testing.T) {
	handler := newTestMiddleware(t)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMiddleware_ConsumesThenBlocks(t *testing.T) {
	handler := newTestMiddleware(t)(okHandler())

	call := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
		req.Header.Set("X-User-ID", "user-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := call(); code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", code)
	}

	// Free tier is exhausted after one unit; further calls get the
	// upgrade prompt, not the wrapped handler.
	if code := call(); code != http.StatusPaymentRequired {
		t.Errorf("second call status = %d, want 402", code)
	}
}

func TestMiddleware_CustomCallbacks(t *testing.T) {
	store := memory.New()
	manager, err := entitlement.NewManager(store, entitlement.Config{
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	exceeded := false
	handler := quotahttp.Middleware(quotahttp.Config{
		Manager:   manager,
		GetUserID: quotahttp.FromHeader("X-User-ID"),
		OnQuotaExceeded: func(w http.ResponseWriter, r *http.Request, res *entitlement.ConsumeResult) {
			exceeded = true
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
		req.Header.Set("X-User-ID", "user-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if i == 1 && w.Code != http.StatusTooManyRequests {
			t.Errorf("custom callback status = %d, want 429", w.Code)
		}
	}
	if !exceeded {
		t.Error("OnQuotaExceeded was not invoked")
	}
}

func TestMiddleware_ContextExtractor(t *testing.T) {
	mw := quotahttp.Middleware(quotahttp.Config{
		Manager:   mustManager(t),
		GetUserID: quotahttp.FromContext(quotahttp.UserIDKey),
	})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	req = req.WithContext(quotahttp.WithUserID(req.Context(), "user-ctx"))
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func mustManager(t *testing.T) *entitlement.Manager {
	t.Helper()
	manager, err := entitlement.NewManager(memory.New(), entitlement.Config{
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return manager
}
