package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/bindery/pkg/snapshot"
	"github.com/vango-go/bindery/pkg/state"
	"github.com/vango-go/bindery/pkg/statepath"
	"github.com/vango-go/bindery/pkg/update"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	acc := state.New(state.WithInitial(map[string]any{"title": "cart"}))
	hub := NewHub(nil)
	u := update.New(acc, update.WithOpSink(hub))
	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(update.NewValueBinding(acc, titleRef, hub))

	s := New(acc, u, hub, nil, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestApplyStreamsFrameToClient(t *testing.T) {
	s, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, s.hub, 1)

	body := bytes.NewBufferString(`[{"path":"title","value":"basket"}]`)
	resp, err := http.Post(ts.URL+"/state", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	frame := readFrame(t, conn)
	if len(frame.Ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(frame.Ops))
	}
	op := frame.Ops[0]
	if op.Kind != update.OpSet || op.Pattern != "title" || op.Value != "basket" {
		t.Errorf("unexpected op: %+v", op)
	}
}

func TestSocketCommandsApplyWrites(t *testing.T) {
	s, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, s.hub, 1)

	cmd := []byte(`[{"path":"title","value":"socketed"}]`)
	if err := conn.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if len(frame.Ops) != 1 || frame.Ops[0].Value != "socketed" {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestApplyRejectsBadPath(t *testing.T) {
	_, ts := newTestServer(t)

	body := bytes.NewBufferString(`[{"path":"","value":1}]`)
	resp, err := http.Post(ts.URL+"/state", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGetStateReflectsWrites(t *testing.T) {
	_, ts := newTestServer(t)

	body := bytes.NewBufferString(`[{"path":"title","value":"updated"}]`)
	resp, err := http.Post(ts.URL+"/state", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var tree map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		t.Fatal(err)
	}
	if tree["title"] != "updated" {
		t.Errorf("state title = %v", tree["title"])
	}
}

func TestSnapshotEndpointPersistsTree(t *testing.T) {
	store := snapshot.NewMemoryStore()
	_, ts := newTestServer(t, WithSnapshotStore(store))

	resp, err := http.Post(ts.URL+"/snapshot", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	tree, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tree["title"] != "cart" {
		t.Errorf("persisted title = %v", tree["title"])
	}
}
