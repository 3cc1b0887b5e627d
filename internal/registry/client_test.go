package registry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avelio/fleetwatch/internal/testutil"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 2*time.Second, NewBreaker(0, 0))
}

func TestClient_GetDevice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices/d1" {
			t.Errorf("path = %q, want /devices/d1", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"d1","name":"Truck 1","active":true,"last_activity_at":"2024-06-01T10:00:00Z"}`))
	})

	got, err := client.GetDevice(testutil.TestContext(t), "d1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.ID != "d1" || got.Name != "Truck 1" || !got.Active {
		t.Errorf("unexpected detail: %+v", got)
	}
	if got.LastActivityAt == nil {
		t.Error("LastActivityAt should be set")
	}
}

func TestClient_GetLocations_SendsLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "7" {
			t.Errorf("limit = %q, want 7", got)
		}
		w.Write([]byte(`[{"latitude":45.5,"longitude":-73.6},{"latitude":45.6,"longitude":-73.7}]`))
	})

	samples, err := client.GetLocations(testutil.TestContext(t), "d1", 7)
	if err != nil {
		t.Fatalf("GetLocations: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("len(samples) = %d, want 2", len(samples))
	}
}

func TestClient_NotFoundIsStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	_, err := client.GetDevice(testutil.TestContext(t), "ghost")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", statusErr.StatusCode)
	}
}

func TestClient_BreakerShortCircuits(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, 2*time.Second, NewBreaker(2, time.Minute))
	ctx := testutil.TestContext(t)

	for i := 0; i < 2; i++ {
		if _, err := client.GetDevice(ctx, "d1"); err == nil {
			t.Fatal("expected error from 500 response")
		}
	}

	_, err := client.GetDevice(ctx, "d1")
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if calls != 2 {
		t.Errorf("server calls = %d, want 2 (third attempt must not reach the server)", calls)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server error", &StatusError{StatusCode: 503}, "5xx"},
		{"not found", &StatusError{StatusCode: 404}, "4xx"},
		{"breaker", ErrBreakerOpen, "breaker_open"},
		{"other", errors.New("dial tcp: connection refused"), "connection_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
