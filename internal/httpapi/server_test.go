package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fcasoni/cadence/internal/config"
	"github.com/fcasoni/cadence/internal/engine"
	"github.com/fcasoni/cadence/internal/notify"
	"github.com/fcasoni/cadence/internal/observability"
	"github.com/fcasoni/cadence/internal/protocol"
	"github.com/fcasoni/cadence/internal/routine"
)

var metricsSeq atomic.Int64

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	routines := routine.NewInMemoryStore()
	coordinator := engine.NewCoordinator(routines, engine.NewInMemorySessionStore(), nil, engine.DriftCumulative)
	// Unique namespace per test: promauto registers against the global registry.
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	srv := New(config.Config{}, coordinator, routines, metrics)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createRoutine(t *testing.T, baseURL string) string {
	t.Helper()
	res := postJSON(t, baseURL+"/v1/routines", map[string]any{
		"name": "morning",
		"activities": []map[string]any{
			{"name": "A", "duration_minutes": 10},
			{"name": "B", "duration_minutes": 5},
			{"name": "C", "duration_minutes": 15},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create routine status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created routine.Routine
	decodeBody(t, res, &created)
	if created.ID == "" || len(created.Activities) != 3 {
		t.Fatalf("unexpected created routine: %+v", created)
	}
	return created.ID
}

func TestCreateRoutineRejectsEmptyActivities(t *testing.T) {
	ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/v1/routines", map[string]any{"name": "empty"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSchedulePreview(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)

	res, err := http.Get(ts.URL + "/v1/routines/" + routineID + "/schedule")
	if err != nil {
		t.Fatalf("GET schedule error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var preview struct {
		TotalSeconds int64                       `json:"total_seconds"`
		Scheduled    []routine.ScheduledActivity `json:"scheduled_activities"`
	}
	decodeBody(t, res, &preview)
	if preview.TotalSeconds != 1800 {
		t.Fatalf("TotalSeconds = %d, want 1800", preview.TotalSeconds)
	}
	if len(preview.Scheduled) != 3 || preview.Scheduled[1].StartOffsetSeconds != 600 {
		t.Fatalf("unexpected schedule: %+v", preview.Scheduled)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)

	res := postJSON(t, ts.URL+"/v1/routines/"+routineID+"/sessions", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var started struct {
		Session  engine.Session          `json:"session"`
		Snapshot engine.ProgressSnapshot `json:"snapshot"`
	}
	decodeBody(t, res, &started)
	if started.Session.ID == "" || started.Session.Status != engine.StatusRunning {
		t.Fatalf("unexpected started session: %+v", started.Session)
	}
	if started.Snapshot.CurrentActivityName != "A" || started.Snapshot.TotalCount != 3 {
		t.Fatalf("unexpected start snapshot: %+v", started.Snapshot)
	}

	// Double start is rejected and reported, not silently ignored.
	dup := postJSON(t, ts.URL+"/v1/routines/"+routineID+"/sessions", nil)
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want %d", dup.StatusCode, http.StatusConflict)
	}

	sessionID := started.Session.ID

	snapRes, err := http.Get(ts.URL + "/v1/sessions/" + sessionID + "/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot error = %v", err)
	}
	if snapRes.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d, want %d", snapRes.StatusCode, http.StatusOK)
	}
	var snap engine.ProgressSnapshot
	decodeBody(t, snapRes, &snap)
	if snap.CurrentActivityName != "A" || snap.TimeRemainingSeconds > 600 || snap.TimeRemainingSeconds < 590 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	var last struct {
		Session  engine.Session          `json:"session"`
		Snapshot engine.ProgressSnapshot `json:"snapshot"`
	}
	for i := 0; i < 3; i++ {
		doneRes := postJSON(t, ts.URL+"/v1/sessions/"+sessionID+"/done", nil)
		if doneRes.StatusCode != http.StatusOK {
			t.Fatalf("done %d status = %d, want %d", i, doneRes.StatusCode, http.StatusOK)
		}
		decodeBody(t, doneRes, &last)
	}
	if last.Session.Status != engine.StatusCompleted {
		t.Fatalf("final status = %q, want %q", last.Session.Status, engine.StatusCompleted)
	}
	if last.Snapshot.CompletedCount != 3 || last.Snapshot.TimeRemainingSeconds != 0 {
		t.Fatalf("unexpected final snapshot: %+v", last.Snapshot)
	}

	// Events against a finished session surface SessionNotActive.
	again := postJSON(t, ts.URL+"/v1/sessions/"+sessionID+"/done", nil)
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("done after completion status = %d, want %d", again.StatusCode, http.StatusConflict)
	}
}

func TestDriftStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)

	res := postJSON(t, ts.URL+"/v1/routines/"+routineID+"/sessions", nil)
	var started struct {
		Session engine.Session `json:"session"`
	}
	decodeBody(t, res, &started)
	done := postJSON(t, ts.URL+"/v1/sessions/"+started.Session.ID+"/done", nil)
	done.Body.Close()

	statsRes, err := http.Get(ts.URL + "/v1/stats/drift")
	if err != nil {
		t.Fatalf("GET drift stats error = %v", err)
	}
	if statsRes.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", statsRes.StatusCode, http.StatusOK)
	}
	var stats observability.DriftWindowSnapshot
	decodeBody(t, statsRes, &stats)
	if len(stats.Routines) != 1 || stats.Routines[0].RoutineID != routineID {
		t.Fatalf("unexpected drift stats: %+v", stats)
	}
	if stats.Events["started"] != 1 || stats.Events["done"] != 1 {
		t.Fatalf("unexpected event counts: %+v", stats.Events)
	}
	// Both the start and done observations land in the window.
	if stats.Routines[0].Samples != 2 {
		t.Fatalf("Samples = %d, want 2", stats.Routines[0].Samples)
	}
}

func TestCancelSessionOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)

	res := postJSON(t, ts.URL+"/v1/routines/"+routineID+"/sessions", nil)
	var started struct {
		Session engine.Session `json:"session"`
	}
	decodeBody(t, res, &started)

	cancelRes := postJSON(t, ts.URL+"/v1/sessions/"+started.Session.ID+"/cancel", nil)
	if cancelRes.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want %d", cancelRes.StatusCode, http.StatusOK)
	}
	var cancelled struct {
		Session engine.Session `json:"session"`
	}
	decodeBody(t, cancelRes, &cancelled)
	if cancelled.Session.Status != engine.StatusCancelled {
		t.Fatalf("status = %q, want %q", cancelled.Session.Status, engine.StatusCancelled)
	}

	// Cancelling frees the routine for a fresh run.
	restart := postJSON(t, ts.URL+"/v1/routines/"+routineID+"/sessions", nil)
	defer restart.Body.Close()
	if restart.StatusCode != http.StatusCreated {
		t.Fatalf("restart status = %d, want %d", restart.StatusCode, http.StatusCreated)
	}
}

func dialSessionWS(t *testing.T, baseURL, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s error = %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startSession(t *testing.T, baseURL, routineID string) engine.Session {
	t.Helper()
	res := postJSON(t, baseURL+"/v1/routines/"+routineID+"/sessions", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var started struct {
		Session engine.Session `json:"session"`
	}
	decodeBody(t, res, &started)
	return started.Session
}

func TestSessionWebSocketControlAdvancesAndStreams(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)
	sess := startSession(t, ts.URL, routineID)

	conn := dialSessionWS(t, ts.URL, sess.ID)

	// The first frame primes the display with the current snapshot.
	var prime protocol.SnapshotEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&prime); err != nil {
		t.Fatalf("read prime frame error = %v", err)
	}
	if prime.Type != protocol.TypeSnapshotEvent || prime.Snapshot.CurrentActivityName != "A" {
		t.Fatalf("unexpected prime frame: %+v", prime)
	}

	if err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sess.ID,
		Action:    protocol.ActionDone,
	}); err != nil {
		t.Fatalf("write control error = %v", err)
	}

	// The applied event publishes a fresh snapshot back over the stream.
	var next protocol.SnapshotEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read snapshot after control error = %v", err)
	}
	if next.Snapshot.CurrentActivityIndex != 1 || next.Snapshot.CurrentActivityName != "B" {
		t.Fatalf("control did not advance the session: %+v", next.Snapshot)
	}
	if next.Snapshot.CompletedCount != 1 {
		t.Fatalf("CompletedCount = %d, want 1", next.Snapshot.CompletedCount)
	}
}

func TestSessionWebSocketCancelClosesWithTerminalEvent(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)
	sess := startSession(t, ts.URL, routineID)

	conn := dialSessionWS(t, ts.URL, sess.ID)

	var prime protocol.SnapshotEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&prime); err != nil {
		t.Fatalf("read prime frame error = %v", err)
	}

	if err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sess.ID,
		Action:    protocol.ActionCancel,
	}); err != nil {
		t.Fatalf("write control error = %v", err)
	}

	var snap protocol.SnapshotEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read cancelled snapshot error = %v", err)
	}
	if snap.Snapshot.Status != engine.StatusCancelled || snap.Snapshot.TimeRemainingSeconds != 0 {
		t.Fatalf("unexpected cancelled snapshot: %+v", snap.Snapshot)
	}

	// The stream announces the terminal transition before closing.
	var event protocol.SessionEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read terminal event error = %v", err)
	}
	if event.Type != protocol.TypeSessionEvent || event.Status != engine.StatusCancelled {
		t.Fatalf("unexpected terminal event: %+v", event)
	}
	if event.SessionID != sess.ID || event.RoutineID != routineID {
		t.Fatalf("terminal event ids mismatch: %+v", event)
	}
}

func TestSessionWebSocketRejectsUnknownAction(t *testing.T) {
	ts := newTestServer(t)
	routineID := createRoutine(t, ts.URL)
	sess := startSession(t, ts.URL, routineID)

	conn := dialSessionWS(t, ts.URL, sess.ID)

	var prime protocol.SnapshotEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&prime); err != nil {
		t.Fatalf("read prime frame error = %v", err)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":       "client_control",
		"session_id": sess.ID,
		"action":     "pause",
	}); err != nil {
		t.Fatalf("write control error = %v", err)
	}

	var frame protocol.ErrorEvent
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read error frame error = %v", err)
	}
	if frame.Type != protocol.TypeErrorEvent || frame.Code != "invalid_client_message" {
		t.Fatalf("unexpected error frame: %+v", frame)
	}
}

func TestSnapshotMetricsCountOncePerPublish(t *testing.T) {
	routines := routine.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))

	delivered := make(chan engine.ProgressSnapshot, 8)
	notifier := notify.FuncNotifier(func(snap engine.ProgressSnapshot) {
		metrics.ObserveSnapshot(time.Duration(snap.DriftSeconds) * time.Second)
		delivered <- snap
	})
	coordinator := engine.NewCoordinator(routines, nil, notifier, engine.DriftCumulative)
	srv := New(config.Config{}, coordinator, routines, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	routineID := createRoutine(t, ts.URL)
	sess := startSession(t, ts.URL, routineID)
	done := postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/done", nil)
	done.Body.Close()

	// Two published snapshots: start and done.
	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatalf("snapshot %d not delivered", i)
		}
	}
	if got := testutil.ToFloat64(metrics.SnapshotsDelivered); got != 2 {
		t.Fatalf("snapshots_delivered_total = %v, want 2 (one per published snapshot)", got)
	}
}

func TestUnknownSessionAndRoutine(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/sessions/nope/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	start := postJSON(t, ts.URL+"/v1/routines/nope/sessions", nil)
	defer start.Body.Close()
	if start.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown routine status = %d, want %d", start.StatusCode, http.StatusNotFound)
	}
}
