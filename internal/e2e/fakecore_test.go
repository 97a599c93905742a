package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// fakeCore is an in-memory coordination service.
type fakeCore struct {
	mu sync.Mutex

	// pending is served one entry per fetch; the last entry repeats.
	pending    []fetchReply
	fetches    int
	registers  []map[string]any
	subscribes int
	interests  map[string]float64
	results    map[string]map[string]any
	// failResults makes the first n result submissions return 500.
	failResults int

	subscribeStatus int
	// Hooks run before the reply is written.
	onFetch     func(n int)
	onSubscribe func(n int)
}

type fetchReply struct {
	status int
	body   string
}

func newFakeCore(t *testing.T, pending ...fetchReply) (*fakeCore, *httptest.Server) {
	t.Helper()
	fc := &fakeCore{
		pending:         pending,
		interests:       make(map[string]float64),
		results:         make(map[string]map[string]any),
		subscribeStatus: http.StatusNotFound,
	}

	r := chi.NewRouter()
	r.Post("/api/agents/register", fc.handleRegister)
	r.Post("/api/agents/subscribe", fc.handleSubscribe)
	r.Get("/api/messages/pending", fc.handlePending)
	r.Post("/api/messages/{id}/interest", fc.handleInterest)
	r.Post("/api/messages/{id}/process", fc.handleResult)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeCore) hooks(onFetch, onSubscribe func(n int)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onFetch = onFetch
	fc.onSubscribe = onSubscribe
}

func (fc *fakeCore) failNextResults(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failResults = n
}

func decodeBody(r *http.Request) map[string]any {
	var m map[string]any
	b, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(b, &m)
	return m
}

func (fc *fakeCore) handleRegister(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	fc.registers = append(fc.registers, decodeBody(r))
	fc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (fc *fakeCore) handleSubscribe(w http.ResponseWriter, _ *http.Request) {
	fc.mu.Lock()
	fc.subscribes++
	n, status, hook := fc.subscribes, fc.subscribeStatus, fc.onSubscribe
	fc.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	w.WriteHeader(status)
}

func (fc *fakeCore) handlePending(w http.ResponseWriter, _ *http.Request) {
	fc.mu.Lock()
	fc.fetches++
	n := fc.fetches
	reply := fetchReply{status: http.StatusOK, body: "[]"}
	if len(fc.pending) > 0 {
		idx := min(n-1, len(fc.pending)-1)
		reply = fc.pending[idx]
	}
	hook := fc.onFetch
	fc.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	w.WriteHeader(reply.status)
	_, _ = w.Write([]byte(reply.body))
}

func (fc *fakeCore) handleInterest(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	score, _ := body["score"].(float64)

	fc.mu.Lock()
	fc.interests[chi.URLParam(r, "id")] = score
	fc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (fc *fakeCore) handleResult(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.failResults > 0 {
		fc.failResults--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	result, _ := body["result"].(map[string]any)
	fc.results[chi.URLParam(r, "id")] = result
	w.WriteHeader(http.StatusOK)
}

func (fc *fakeCore) snapshot() (interests map[string]float64, results map[string]map[string]any, registers, subscribes, fetches int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	interests = make(map[string]float64, len(fc.interests))
	for k, v := range fc.interests {
		interests[k] = v
	}
	results = make(map[string]map[string]any, len(fc.results))
	for k, v := range fc.results {
		results[k] = v
	}
	return interests, results, len(fc.registers), fc.subscribes, fc.fetches
}
