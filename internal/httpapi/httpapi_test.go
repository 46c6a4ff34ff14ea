package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/broadcast"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/ledger"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// mockNode implements broadcast.RaftNode for testing. Proposals on a leader
// are delivered immediately unless hold is set.
type mockNode struct {
	mu         sync.Mutex
	leader     bool
	leaderHint types.LeaderHint
	hold       bool
	next       uint64
	deliveries chan types.Delivery
}

func (m *mockNode) Propose(_ context.Context, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leader {
		return 0, &raft.NotLeaderError{Leader: m.leaderHint.LeaderID, Term: 1}
	}
	index := m.next
	m.next++
	if !m.hold {
		m.deliveries <- types.Delivery{Index: index, Term: 1, Payload: payload}
	}
	return index, nil
}

func (m *mockNode) Deliveries() <-chan types.Delivery { return m.deliveries }

func (m *mockNode) IsLeader() bool { return m.leader }

func (m *mockNode) LeaderHint() types.LeaderHint { return m.leaderHint }

func (m *mockNode) Status() types.NodeStatus {
	role := types.RoleFollower
	if m.leader {
		role = types.RoleLeader
	}
	return types.NodeStatus{ID: "n1", Role: role, Term: 1, LeaderHint: m.leaderHint}
}

func setup(t *testing.T, node *mockNode) (*httptest.Server, *Server) {
	t.Helper()
	node.deliveries = make(chan types.Delivery, 64)
	svc := broadcast.New(node, ledger.NewMemLedger(), broadcast.Config{
		WriteMode: types.WriteModeSync,
		Addrs:     map[types.NodeID]string{"leader": "http://leader:8080"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	srv := New(svc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return ts, srv
}

func setupLeader(t *testing.T) *httptest.Server {
	ts, _ := setup(t, &mockNode{leader: true})
	return ts
}

func setupFollower(t *testing.T) *httptest.Server {
	ts, _ := setup(t, &mockNode{
		leader:     false,
		leaderHint: types.LeaderHint{LeaderID: "leader"},
	})
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postBroadcast(t *testing.T, client *http.Client, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := client.Post(url+"/broadcast", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHTTPAPI_Healthz(t *testing.T) {
	ts := setupLeader(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHTTPAPI_Status(t *testing.T) {
	ts := setupFollower(t)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&st)
	if st["role"] != "follower" || st["id"] != "n1" {
		t.Fatalf("unexpected status: %v", st)
	}
	hint := st["leader_hint"].(map[string]interface{})
	if hint["leader_addr"] != "http://leader:8080" {
		t.Fatalf("expected leader address in status, got %v", hint)
	}
}

func TestHTTPAPI_BroadcastThenDeliveries(t *testing.T) {
	ts := setupLeader(t)
	client := ts.Client()

	for _, msg := range []string{"one", "two", "three"} {
		resp, body := postBroadcast(t, client, ts.URL, map[string]interface{}{"data": []byte(msg)})
		if resp.StatusCode != 200 {
			t.Fatalf("broadcast %s: expected 200, got %d (%v)", msg, resp.StatusCode, body)
		}
		if body["ok"] != true || body["delivered"] != true {
			t.Fatalf("broadcast %s: unexpected body %v", msg, body)
		}
		if _, err := uuid.Parse(body["id"].(string)); err != nil {
			t.Fatalf("expected uuid id, got %v", body["id"])
		}
	}

	resp, err := http.Get(ts.URL + "/deliveries?from=1&limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Ok      bool            `json:"ok"`
		Records []ledger.Record `json:"records"`
		Next    uint64          `json:"next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 2 || string(out.Records[0].Data) != "two" || string(out.Records[1].Data) != "three" {
		t.Fatalf("unexpected records: %+v", out.Records)
	}
	if out.Next != 3 {
		t.Fatalf("expected next 3, got %d", out.Next)
	}
}

func TestHTTPAPI_BroadcastWithIDIsIdempotent(t *testing.T) {
	ts := setupLeader(t)
	id := uuid.New().String()

	_, first := postBroadcast(t, ts.Client(), ts.URL, map[string]interface{}{"id": id, "data": []byte("x")})
	resp, again := postBroadcast(t, ts.Client(), ts.URL, map[string]interface{}{"id": id, "data": []byte("x")})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if again["duplicate"] != true || again["index"] != first["index"] {
		t.Fatalf("expected duplicate of %v, got %v", first, again)
	}
}

func TestHTTPAPI_BroadcastBadRequests(t *testing.T) {
	ts := setupLeader(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{invalid"},
		{"missing data", `{}`},
		{"data not base64", `{"data":"%%%"}`},
		{"bad id", `{"id":"nope","data":"eA=="}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/broadcast", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != 400 {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestHTTPAPI_BroadcastToFollower_Returns307(t *testing.T) {
	ts := setupFollower(t)

	resp, body := postBroadcast(t, noRedirectClient(), ts.URL, map[string]interface{}{"data": []byte("x")})
	if resp.StatusCode != 307 {
		t.Fatalf("broadcast to follower: expected 307, got %d", resp.StatusCode)
	}
	if body["error"] != "not_leader" {
		t.Fatalf("expected not_leader, got %v", body["error"])
	}
	hint := body["leader_hint"].(map[string]interface{})
	if hint["leader_id"] != "leader" || hint["leader_addr"] != "http://leader:8080" {
		t.Fatalf("expected leader hint, got %v", hint)
	}
	if loc := resp.Header.Get("Location"); loc != "http://leader:8080/broadcast" {
		t.Fatalf("expected Location header, got %q", loc)
	}
}

func TestHTTPAPI_BroadcastTimesOut(t *testing.T) {
	ts, srv := setup(t, &mockNode{leader: true, hold: true})
	srv.PublishTimeout = 50 * time.Millisecond

	resp, body := postBroadcast(t, ts.Client(), ts.URL, map[string]interface{}{"data": []byte("x")})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d (%v)", resp.StatusCode, body)
	}
}

func TestHTTPAPI_DeliveriesBadQuery(t *testing.T) {
	ts := setupLeader(t)

	for _, q := range []string{"from=-1", "from=abc", "limit=0", "limit=x"} {
		resp, err := http.Get(ts.URL + "/deliveries?" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != 400 {
			t.Fatalf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestHTTPAPI_DeliveriesEmpty(t *testing.T) {
	ts := setupFollower(t)

	resp, err := http.Get(ts.URL + "/deliveries")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	if recs, ok := out["records"].([]interface{}); !ok || len(recs) != 0 {
		t.Fatalf("expected empty records array, got %v", out["records"])
	}
}

func TestHTTPAPI_UI(t *testing.T) {
	ts := setupFollower(t)

	resp, err := http.Get(ts.URL + "/ui")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("expected html page, got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}
