package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jnesss/procwatch/database"
	"github.com/jnesss/procwatch/sigma"
	"github.com/jnesss/procwatch/types"
)

const notepadRule = `title: Notepad Started
id: 9c1d7a52-1111-4a6b-8f00-00000000beef
status: experimental
level: medium
logsource:
  category: process_creation
detection:
  selection:
    OriginalFileName: 'notepad.exe'
  condition: selection
`

func newTestServer(t *testing.T, detector *sigma.Detector) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, detector)
	srv := NewServer(env.hub, env.journal, detector, nil, discardLogger())
	srv.EnableSimulation(env.sim)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return env, ts
}

func newTestDetector(t *testing.T) *sigma.Detector {
	t.Helper()
	dir := t.TempDir()
	enabled := filepath.Join(dir, "enabled_rules")
	if err := os.MkdirAll(enabled, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(enabled, "notepad.yml"), []byte(notepadRule), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := sigma.NewDetector(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg types.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebsocketMethodChannel(t *testing.T) {
	env, ts := newTestServer(t, newTestDetector(t))
	conn := dialWS(t, ts)

	call := types.Message{
		ID:        1,
		Channel:   types.Channel,
		Method:    types.MethodStartMonitoring,
		Arguments: map[string]interface{}{"processName": "notepad.exe"},
	}
	if err := conn.WriteJSON(call); err != nil {
		t.Fatal(err)
	}
	reply := readMessage(t, conn)
	if reply.ID != 1 || reply.Error != nil {
		t.Fatalf("reply = %+v", reply)
	}
	waitFor(t, "subscription", func() bool { return env.sim.Subscribers() == 1 })

	resp := postJSON(t, ts.URL+"/api/simulate", SimulateRequest{ProcessNames: []string{"calc.exe", "notepad.exe"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("simulate status %d", resp.StatusCode)
	}

	started := readMessage(t, conn)
	if started.Method != types.MethodProcessStarted || started.Arguments["processName"] != "notepad.exe" {
		t.Fatalf("got %+v, want onProcessStarted notepad.exe", started)
	}
	matched := readMessage(t, conn)
	if matched.Method != types.MethodRuleMatched || matched.Arguments["level"] != "medium" {
		t.Fatalf("got %+v, want onRuleMatched", matched)
	}

	res, err := http.Get(ts.URL + "/api/rules/matches")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var matches []database.MatchRecord
	if err := json.NewDecoder(res.Body).Decode(&matches); err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Name != "notepad.exe" {
		t.Fatalf("matches = %+v", matches)
	}

	bad := types.Message{ID: 2, Channel: types.Channel, Method: types.MethodStartMonitoring}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatal(err)
	}
	reply = readMessage(t, conn)
	if reply.ID != 2 || reply.Error == nil || reply.Error.Message != "Process name required" {
		t.Fatalf("reply = %+v", reply)
	}
	if env.session.Target() != "notepad.exe" {
		t.Fatalf("rejected call changed target to %q", env.session.Target())
	}
}

func TestHTTPStartStop(t *testing.T) {
	env, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/monitor/start", map[string]interface{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start without name: status %d", resp.StatusCode)
	}
	var argErr types.ArgumentError
	if err := json.NewDecoder(resp.Body).Decode(&argErr); err != nil {
		t.Fatal(err)
	}
	if argErr.Code != types.CodeInvalidArguments {
		t.Fatalf("error = %+v", argErr)
	}

	resp = postJSON(t, ts.URL+"/api/monitor/start", map[string]interface{}{"processName": "calc.exe"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	var status MonitorStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != "monitoring" || status.Target != "calc.exe" {
		t.Fatalf("status = %+v", status)
	}

	waitFor(t, "subscription", func() bool { return env.sim.Subscribers() == 1 })
	env.sim.Emit("calc.exe")
	waitFor(t, "delivery", func() bool { return env.hub.Status().Delivered == 1 })

	res, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var events []database.EventRecord
	if err := json.NewDecoder(res.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Name != "calc.exe" {
		t.Fatalf("events = %+v", events)
	}

	resp = postJSON(t, ts.URL+"/api/monitor/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d", resp.StatusCode)
	}

	res, err = http.Get(ts.URL + "/api/monitor")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != "idle" || status.Target != "" {
		t.Fatalf("status after stop = %+v", status)
	}
}

func TestRulesDisabledWithoutDetector(t *testing.T) {
	_, ts := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/api/rules")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestRuleToggle(t *testing.T) {
	detector := newTestDetector(t)
	_, ts := newTestServer(t, detector)

	resp := postJSON(t, ts.URL+"/api/rules/toggle/9c1d7a52-1111-4a6b-8f00-00000000beef", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d", resp.StatusCode)
	}
	var info RuleInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Enabled {
		t.Fatal("rule still enabled after toggle")
	}
	waitFor(t, "rule reload", func() bool { return detector.RuleCount() == 0 })

	if resp := postJSON(t, ts.URL+"/api/rules/toggle/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing rule status %d", resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(nil, nil, nil, []string{"https://app.example.com"}, discardLogger())
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	open := NewServer(nil, nil, nil, nil, discardLogger())
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	if !open.checkOrigin(r) {
		t.Error("localhost rejected without allowed origins")
	}
}
