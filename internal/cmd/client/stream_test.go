package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// captureServer records the last request body per path and answers with
// the canned response for that path.
type captureServer struct {
	mu        sync.Mutex
	bodies    map[string]map[string]any
	queries   map[string]string
	responses map[string]string
	status    map[string]int
}

func newCaptureServer(t *testing.T) (*captureServer, *httptest.Server) {
	t.Helper()
	cs := &captureServer{
		bodies:    map[string]map[string]any{},
		queries:   map[string]string{},
		responses: map[string]string{},
		status:    map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if r.Body != nil && r.ContentLength != 0 {
			var m map[string]any
			_ = json.NewDecoder(r.Body).Decode(&m)
			cs.bodies[key] = m
		}
		cs.queries[key] = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		if code, ok := cs.status[key]; ok {
			w.WriteHeader(code)
		}
		resp, ok := cs.responses[key]
		if !ok {
			resp = "{}"
		}
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return cs, srv
}

func (cs *captureServer) body(key string) (map[string]any, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	m, ok := cs.bodies[key]
	return m, ok
}

func (cs *captureServer) query(key string) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.queries[key]
}

func (cs *captureServer) respond(key string, status int, resp string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if status != 0 {
		cs.status[key] = status
	}
	cs.responses[key] = resp
}

func execute(t *testing.T, baseURL string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(func() string { return baseURL })
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestStreamAppendSendsEvents(t *testing.T) {
	cs, srv := newCaptureServer(t)
	cs.respond("POST /v1/streams/append", 0, `{"firstEventNumber":0,"lastEventNumber":1,"positions":[10,80]}`)

	out, err := execute(t, srv.URL, "stream", "append", "--stream", "orders", "--data", "a", "--data", "b")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	body, _ := cs.body("POST /v1/streams/append")
	if body["stream"] != "orders" {
		t.Fatalf("stream: %v", body["stream"])
	}
	if evs, _ := body["events"].([]any); len(evs) != 2 {
		t.Fatalf("events: %v", body["events"])
	}
	if _, ok := body["expectedVersion"]; ok {
		t.Fatalf("expectedVersion should be omitted when not given")
	}
	if !strings.Contains(out, `"lastEventNumber": 1`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestStreamAppendExpectedVersion(t *testing.T) {
	cs, srv := newCaptureServer(t)
	if _, err := execute(t, srv.URL, "stream", "append", "--stream", "s", "--data", "x", "--expected=-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	body, _ := cs.body("POST /v1/streams/append")
	if v := body["expectedVersion"]; v != float64(-1) {
		t.Fatalf("expectedVersion: %v", v)
	}
}

func TestStreamMetadataFlags(t *testing.T) {
	cs, srv := newCaptureServer(t)
	if _, err := execute(t, srv.URL, "stream", "metadata", "--stream", "orders", "--max-count", "5", "--max-age", "2m"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	body, _ := cs.body("POST /v1/streams/metadata")
	if body["maxCount"] != float64(5) {
		t.Fatalf("maxCount: %v", body["maxCount"])
	}
	if body["maxAgeSeconds"] != float64(120) {
		t.Fatalf("maxAgeSeconds: %v", body["maxAgeSeconds"])
	}
	if _, ok := body["truncateBefore"]; ok {
		t.Fatalf("truncateBefore should be omitted")
	}
}

func TestStreamDeleteRequiresConfirm(t *testing.T) {
	cs, srv := newCaptureServer(t)
	if _, err := execute(t, srv.URL, "stream", "delete", "--stream", "temp"); err == nil {
		t.Fatalf("expected error without --confirm")
	}
	if _, ok := cs.body("POST /v1/streams/delete"); ok {
		t.Fatalf("request sent without --confirm")
	}
	cs.respond("POST /v1/streams/delete", 0, `{"position":4096}`)
	out, err := execute(t, srv.URL, "stream", "delete", "--stream", "temp", "--confirm")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "position 4096") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestStreamReadDecodesPayloads(t *testing.T) {
	cs, srv := newCaptureServer(t)
	// "eyJhIjoxfQ==" is {"a":1}, "aGk=" is hi.
	cs.respond("GET /v1/streams/read", 0, `{"events":[
		{"stream":"s","eventNumber":0,"type":"e","position":10,"time":"2024-01-01T00:00:00Z","data":"eyJhIjoxfQ=="},
		{"stream":"s","eventNumber":1,"type":"e","position":80,"time":"2024-01-01T00:00:00Z","data":"aGk="}]}`)
	out, err := execute(t, srv.URL, "stream", "read", "--stream", "s", "--from", "0", "--limit", "2")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if q := cs.query("GET /v1/streams/read"); !strings.Contains(q, "stream=s") || !strings.Contains(q, "limit=2") {
		t.Fatalf("query: %s", q)
	}
	if !strings.Contains(out, `"payload_json"`) || !strings.Contains(out, `"payload_text": "hi"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestAPIErrorIsReturned(t *testing.T) {
	cs, srv := newCaptureServer(t)
	cs.respond("POST /v1/streams/append", http.StatusConflict, `{"error":"wrong expected version"}`)
	_, err := execute(t, srv.URL, "stream", "append", "--stream", "s", "--data", "x", "--expected", "3")
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "wrong expected version") {
		t.Fatalf("expected 409 api error, got %v", err)
	}
}

func TestDecodedPayload(t *testing.T) {
	if m := decodedPayload([]byte(`{"a":1}`)); m["payload_json"] == nil {
		t.Fatalf("json payload: %v", m)
	}
	if m := decodedPayload([]byte("plain")); m["payload_text"] != "plain" {
		t.Fatalf("text payload: %v", m)
	}
	if m := decodedPayload([]byte{0xff, 0xfe}); m["payload_b64"] != "//4=" {
		t.Fatalf("binary payload: %v", m)
	}
}
