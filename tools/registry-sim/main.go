// registry-sim is a development stand-in for the device registry API.
// It serves a small fixed fleet with optional injected latency and error
// rates so the breaker, cache, and timeout paths can be exercised locally.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type device struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Active         bool       `json:"active"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

type location struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	RecordedAt string  `json:"recorded_at"`
}

var (
	mu      sync.Mutex
	devices []device
	calls   int64

	latency   time.Duration
	errorRate float64 // 0..1, applied per request
)

func main() {
	addr := ":9000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("LATENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			latency = d
		}
	}
	if v := os.Getenv("ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			errorRate = f
		}
	}

	seedFleet()

	http.HandleFunc("/devices", listHandler)
	http.HandleFunc("/devices/", deviceHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		n := calls
		mu.Unlock()
		fmt.Fprintf(w, `{"calls":%d}`+"\n", n)
	})

	log.Printf("registry-sim listening on %s (latency=%s, error_rate=%.2f)", addr, latency, errorRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func seedFleet() {
	now := time.Now().UTC()
	recent := now.Add(-20 * time.Minute)
	stale := now.Add(-48 * time.Hour)
	devices = []device{
		{ID: "truck-001", Name: "Truck 001", Active: true, LastActivityAt: &recent},
		{ID: "truck-002", Name: "Truck 002", Active: true, LastActivityAt: &recent},
		{ID: "truck-003", Name: "Truck 003", Active: false, LastActivityAt: &stale},
		{ID: "van-007", Name: "Van 007", Active: true},
	}
}

// interfere applies configured latency and the error rate. Returns true if
// the request was already answered with an error.
func interfere(w http.ResponseWriter) bool {
	mu.Lock()
	calls++
	mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if errorRate > 0 && rand.Float64() < errorRate {
		http.Error(w, `{"error":"injected failure"}`, http.StatusInternalServerError)
		return true
	}
	return false
}

func listHandler(w http.ResponseWriter, _ *http.Request) {
	if interfere(w) {
		return
	}
	writeJSON(w, devices)
}

func deviceHandler(w http.ResponseWriter, r *http.Request) {
	if interfere(w) {
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// /devices/{id} or /devices/{id}/locations
	switch {
	case len(parts) == 2:
		if d, ok := find(parts[1]); ok {
			writeJSON(w, d)
			return
		}
	case len(parts) == 3 && parts[2] == "locations":
		if d, ok := find(parts[1]); ok {
			writeJSON(w, locationsFor(d, limitFrom(r)))
			return
		}
	}
	http.Error(w, `{"error":"device not found"}`, http.StatusNotFound)
}

func find(id string) (device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return device{}, false
}

func locationsFor(d device, limit int) []location {
	if !d.Active {
		return []location{}
	}
	if limit <= 0 || limit > 25 {
		limit = 10
	}
	out := make([]location, 0, limit)
	base := time.Now().UTC()
	for i := 0; i < limit; i++ {
		out = append(out, location{
			Latitude:   45.5 + rand.Float64()*0.1,
			Longitude:  -73.6 + rand.Float64()*0.1,
			RecordedAt: base.Add(-time.Duration(i) * 5 * time.Minute).Format(time.RFC3339),
		})
	}
	return out
}

func limitFrom(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 10
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("registry-sim: encode error: %v", err)
	}
}
