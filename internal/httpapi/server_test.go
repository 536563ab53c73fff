package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/focuslens/internal/classifier"
	"github.com/antoniostano/focuslens/internal/config"
	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/focus"
	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/observability"
	"github.com/antoniostano/focuslens/internal/sampler"
	"github.com/antoniostano/focuslens/internal/session"
	"github.com/antoniostano/focuslens/internal/store"
)

type alwaysFocused struct{}

func (alwaysFocused) Evaluate(frame.Frame) focus.Result {
	return focus.Result{Status: events.FocusFocused, Faces: 1, Eyes: 2}
}

type happyClassifier struct{}

func (happyClassifier) ClassifyEmotion(context.Context, frame.Frame) (classifier.Result, error) {
	return classifier.Result{Label: events.EmotionHappy, Confidence: 0.9}, nil
}

func (happyClassifier) Name() string { return "happy" }

type fixture struct {
	ts       *httptest.Server
	sessions *session.Manager
	store    store.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := config.Config{
		ShutdownTimeout:     5 * time.Second,
		SamplerFrameTimeout: 50 * time.Millisecond,
		SessionIdleTimeout:  time.Minute,
	}
	st := store.NewInMemoryStore()
	sessions := session.NewManager(st, session.Options{CloseRetries: 1})
	metrics := observability.NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	runner := sampler.NewRunner(sampler.RunnerConfig{
		Sessions:   sessions,
		Store:      st,
		Detector:   alwaysFocused{},
		Classifier: happyClassifier{},
		Cadence: sampler.Cadence{
			FocusEvery:       1,
			EmotionEvery:     1,
			FrameBackoffBase: time.Millisecond,
			FrameBackoffCap:  5 * time.Millisecond,
		},
		Metrics: metrics,
	})
	srv := New(cfg, sessions, runner, st, metrics, "happy")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		runner.StopAll(context.Background())
		ts.Close()
	})
	return fixture{ts: ts, sessions: sessions, store: st}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestCreateAndEndSession(t *testing.T) {
	fx := newFixture(t)

	res, created := postJSON(t, fx.ts.URL+"/v1/sessions", map[string]string{"subject_id": "student-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, created)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["capture"] != "push" {
		t.Fatalf("capture = %v, want push", created["capture"])
	}

	res, _ = postJSON(t, fx.ts.URL+"/v1/sessions", map[string]string{"subject_id": "student-1"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	res, live := getJSON(t, fx.ts.URL+"/v1/sessions/"+sessionID+"/live")
	if res.StatusCode != http.StatusOK || live["session_id"] != sessionID {
		t.Fatalf("live status = %d body = %v", res.StatusCode, live)
	}

	res, ended := postJSON(t, fx.ts.URL+"/v1/sessions/"+sessionID+"/end", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d (%v)", res.StatusCode, http.StatusOK, ended)
	}
	sess, _ := ended["session"].(map[string]any)
	if sess["state"] != string(session.StateClosed) {
		t.Fatalf("ended state = %v, want closed", sess["state"])
	}
	if score, ok := sess["productivity_score"].(float64); !ok || score != 0 {
		t.Fatalf("productivity_score = %v, want 0", sess["productivity_score"])
	}

	res, _ = postJSON(t, fx.ts.URL+"/v1/sessions/"+sessionID+"/end", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second end status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	res, got := getJSON(t, fx.ts.URL+"/v1/sessions/"+sessionID)
	if res.StatusCode != http.StatusOK || got["state"] != string(session.StateClosed) {
		t.Fatalf("get status = %d body = %v", res.StatusCode, got)
	}

	res, summary := getJSON(t, fx.ts.URL+"/v1/subjects/student-1/summary")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("subject summary status = %d", res.StatusCode)
	}
	if summary["completed_sessions"] != float64(1) {
		t.Fatalf("completed_sessions = %v, want 1", summary["completed_sessions"])
	}
}

func TestCreateSessionValidation(t *testing.T) {
	fx := newFixture(t)

	res, _ := postJSON(t, fx.ts.URL+"/v1/sessions", map[string]string{"subject_id": " "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank subject status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res, _ = postJSON(t, fx.ts.URL+"/v1/sessions", map[string]string{"subject_id": "s", "source_url": "file:///etc/passwd"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad source status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	fx := newFixture(t)
	for _, path := range []string{
		"/v1/sessions/missing",
		"/v1/sessions/missing/summary",
		"/v1/sessions/missing/events",
		"/v1/sessions/missing/live",
	} {
		res, _ := getJSON(t, fx.ts.URL+path)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusNotFound)
		}
	}
	res, _ := postJSON(t, fx.ts.URL+"/v1/sessions/missing/end", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for x := 0; x < 32; x++ {
		img.Set(x, x%24, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSessionWebsocketStreamsUpdatesAndCloses(t *testing.T) {
	fx := newFixture(t)
	_, created := postJSON(t, fx.ts.URL+"/v1/sessions", map[string]string{"subject_id": "student-ws"})
	sessionID := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	frameMsg := map[string]any{
		"type":         "client_frame",
		"session_id":   sessionID,
		"seq":          1,
		"image_base64": pngBase64(t),
	}
	if err := conn.WriteJSON(frameMsg); err != nil {
		t.Fatalf("WriteJSON(frame) error = %v", err)
	}

	var sawFocus, sawEmotion bool
	for !(sawFocus && sawEmotion) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		switch msg["type"] {
		case "focus_update":
			sawFocus = msg["status"] == "Focused"
		case "emotion_update":
			sawEmotion = msg["label"] == "happy"
		}
	}

	stop := map[string]any{"type": "client_control", "session_id": sessionID, "action": "stop"}
	if err := conn.WriteJSON(stop); err != nil {
		t.Fatalf("WriteJSON(stop) error = %v", err)
	}

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() before session_closed error = %v", err)
		}
		if msg["type"] != "session_closed" {
			continue
		}
		if msg["reason"] != string(sampler.StopRequested) {
			t.Fatalf("reason = %v, want %q", msg["reason"], sampler.StopRequested)
		}
		if msg["productivity_score"] != float64(100) {
			t.Fatalf("productivity_score = %v, want 100", msg["productivity_score"])
		}
		break
	}

	stored, err := fx.store.ReadSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ReadSession() error = %v", err)
	}
	if !stored.Closed() {
		t.Fatalf("stored session not closed: %+v", stored)
	}
}

func TestSessionWebsocketRejectsForeignOrigin(t *testing.T) {
	fx := newFixture(t)
	_, created := postJSON(t, fx.ts.URL+"/v1/sessions", map[string]string{"subject_id": "student-origin"})
	sessionID := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("Dial() with foreign origin succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	fx := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/v1/reconcile", "/v1/subjects", "/v1/sessions"} {
		res, body := getJSON(t, fx.ts.URL+path)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200 (%v)", path, res.StatusCode, body)
		}
	}

	res, health := getJSON(t, fx.ts.URL+"/healthz")
	if res.StatusCode != http.StatusOK || health["store_mode"] != "in-memory" || health["classifier"] != "happy" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	res, reconciled := postJSON(t, fx.ts.URL+"/v1/reconcile", nil)
	if res.StatusCode != http.StatusOK || reconciled["closed"] != float64(0) {
		t.Fatalf("reconcile status = %d body = %v", res.StatusCode, reconciled)
	}
}

func TestCapturePageIsServed(t *testing.T) {
	fx := newFixture(t)

	res, err := http.Get(fx.ts.URL + "/ui/")
	if err != nil {
		t.Fatalf("GET /ui/ error = %v", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /ui/ status = %d, want 200", res.StatusCode)
	}
	if got := res.Header.Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q, want no-cache", got)
	}
	if !strings.Contains(string(body), "client_frame") {
		t.Fatalf("capture page does not push frames: %.200s", body)
	}
}
