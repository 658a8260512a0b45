package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/byfrost/internal/auth"
	"github.com/steveyegge/byfrost/internal/protocol"
	filesync "github.com/steveyegge/byfrost/internal/sync"
	"github.com/steveyegge/byfrost/internal/syncpath"
)

const testSecret = "test-channel-secret"

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestVerifiers(t *testing.T) *auth.VerifierSet {
	t.Helper()
	guard := auth.NewGuard(&auth.GuardConfig{Logger: testLogger()})
	v := auth.NewVerifierSet(guard, nil, &auth.Config{Logger: testLogger()})
	v.SetSecrets([]auth.Secret{{Value: testSecret}})
	return v
}

func newTestEngine(t *testing.T) (*filesync.Engine, string) {
	t.Helper()
	root := t.TempDir()
	for _, dir := range syncpath.CoordinationDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}
	policy, err := syncpath.Coordination(root)
	if err != nil {
		t.Fatalf("Coordination failed: %v", err)
	}
	engine, err := filesync.NewEngine(&filesync.Config{
		Policy:        policy,
		DebounceDelay: 10 * time.Millisecond,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine, root
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	engine, _ := newTestEngine(t)
	return startTestServerWith(t, engine)
}

func startTestServerWith(t *testing.T, engine *filesync.Engine) *Server {
	t.Helper()
	server := NewServer(&ServerConfig{
		Host:      "127.0.0.1",
		Port:      0,
		Verifiers: newTestVerifiers(t),
		Engine:    engine,
		Logger:    testLogger(),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	time.Sleep(100 * time.Millisecond)
	return server
}

func dialTestServer(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

// readMessage reads one frame and parses it as a JSON object.
func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	fields, err := auth.ParseObject(raw)
	if err != nil {
		t.Fatalf("reply is not a JSON object: %v", err)
	}
	return fields
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestServer_StartStop(t *testing.T) {
	server := startTestServer(t)

	if server.GetAddr() == "" {
		t.Errorf("expected a listening address")
	}
	if server.Connected() {
		t.Errorf("expected no session before any peer connects")
	}
	if err := server.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	server := startTestServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestServer_RejectsUnsignedMessage(t *testing.T) {
	server := startTestServer(t)
	conn := dialTestServer(t, server)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reply := readMessage(t, conn)
	if reply["type"] != protocol.KindError {
		t.Fatalf("expected error reply, got %v", reply["type"])
	}
	msg, _ := reply["message"].(string)
	if msg != "authentication failed" {
		t.Errorf("expected generic auth error, got %q", msg)
	}
	// The reply must not reveal which check failed.
	if strings.Contains(strings.ToUpper(msg), "SIGNATURE") {
		t.Errorf("error reply leaks the failure reason: %q", msg)
	}
}

func TestServer_LockedOutRepliesAreIndistinguishable(t *testing.T) {
	server := startTestServer(t)
	conn := dialTestServer(t, server)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Five failures trigger the lockout; the sixth is rejected while
	// locked. Every reply reads the same off the wire.
	for i := 0; i < 6; i++ {
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		reply := readMessage(t, conn)
		msg, _ := reply["message"].(string)
		if msg != "authentication failed" {
			t.Errorf("reply %d differs: %q", i, msg)
		}
	}
}

func TestSession_SignedPingGetsPong(t *testing.T) {
	server := startTestServer(t)
	conn := dialTestServer(t, server)
	defer conn.Close(websocket.StatusNormalClosure, "")

	signer := auth.NewAuthenticator(testSecret, &auth.Config{Logger: testLogger()})
	raw, err := signer.Sign(protocol.Ping{Type: protocol.KindPing})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reply := readMessage(t, conn)
	if reply["type"] != protocol.KindPong {
		t.Fatalf("expected pong, got %v", reply["type"])
	}
	// The reply is signed like everything else on the channel.
	if ok, reason := signer.Verify(reply); !ok {
		t.Errorf("pong failed verification: %s", reason)
	}
}

func TestSession_UnknownKindGetsErrorReply(t *testing.T) {
	server := startTestServer(t)
	conn := dialTestServer(t, server)
	defer conn.Close(websocket.StatusNormalClosure, "")

	signer := auth.NewAuthenticator(testSecret, &auth.Config{Logger: testLogger()})
	raw, err := signer.Sign(map[string]any{"type": "task.submit", "description": "x"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reply := readMessage(t, conn)
	if reply["type"] != protocol.KindError {
		t.Fatalf("expected error reply, got %v", reply["type"])
	}
	msg, _ := reply["message"].(string)
	if !strings.Contains(msg, "task.submit") {
		t.Errorf("expected the unknown kind to be named, got %q", msg)
	}
}

func TestServer_SupersedesOlderConnection(t *testing.T) {
	server := startTestServer(t)

	first := dialTestServer(t, server)
	defer first.Close(websocket.StatusNormalClosure, "")
	time.Sleep(100 * time.Millisecond)

	second := dialTestServer(t, server)
	defer second.Close(websocket.StatusNormalClosure, "")

	// The first connection is closed by the server.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, _, err := first.Read(ctx)
	cancel()
	if err == nil {
		t.Fatalf("expected first connection to be superseded")
	}

	// The second connection works.
	signer := auth.NewAuthenticator(testSecret, &auth.Config{Logger: testLogger()})
	raw, err := signer.Sign(protocol.Ping{Type: protocol.KindPing})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := second.Write(wctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write on second connection failed: %v", err)
	}
	reply := readMessage(t, second)
	if reply["type"] != protocol.KindPong {
		t.Errorf("expected pong on second connection, got %v", reply["type"])
	}
}

func TestClient_EndToEndSync(t *testing.T) {
	serverEngine, serverRoot := newTestEngine(t)
	server := startTestServerWith(t, serverEngine)

	clientEngine, clientRoot := newTestEngine(t)
	// A file that exists before the connection; the connect-time manifest
	// carries it over.
	preexisting := filepath.Join(clientRoot, "tasks", "plan.md")
	if err := os.WriteFile(preexisting, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client, err := NewClient(&ClientConfig{
		URL:            "ws://" + server.GetAddr() + "/ws",
		Verifiers:      newTestVerifiers(t),
		Engine:         clientEngine,
		InitialBackoff: 50 * time.Millisecond,
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("client did not shut down")
		}
	}()

	if !waitUntil(t, 5*time.Second, client.Connected) {
		t.Fatalf("client never connected")
	}

	// Manifest: the pre-existing client file lands on the server.
	serverCopy := filepath.Join(serverRoot, "tasks", "plan.md")
	if !waitUntil(t, 5*time.Second, func() bool {
		data, err := os.ReadFile(serverCopy)
		return err == nil && string(data) == "hello"
	}) {
		t.Fatalf("manifest file never arrived on the server")
	}

	// Live change: a new file on the server side flows to the client.
	serverFile := filepath.Join(serverRoot, "shared", "status.md")
	if err := os.WriteFile(serverFile, []byte("worker status"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	serverEngine.HandleEvent(serverFile)

	clientCopy := filepath.Join(clientRoot, "shared", "status.md")
	if !waitUntil(t, 5*time.Second, func() bool {
		data, err := os.ReadFile(clientCopy)
		return err == nil && string(data) == "worker status"
	}) {
		t.Fatalf("server change never arrived on the client")
	}

	// Deletion: removing the file on the server removes it on the client.
	if err := os.Remove(serverFile); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	serverEngine.HandleEvent(serverFile)
	if !waitUntil(t, 5*time.Second, func() bool {
		_, err := os.Stat(clientCopy)
		return os.IsNotExist(err)
	}) {
		t.Fatalf("deletion never propagated to the client")
	}
}

func TestNextBackoff(t *testing.T) {
	cases := []struct {
		cur  time.Duration
		want time.Duration
	}{
		{5 * time.Second, 10 * time.Second},
		{10 * time.Second, 20 * time.Second},
		{160 * time.Second, 5 * time.Minute},
		{5 * time.Minute, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := nextBackoff(tc.cur, 5*time.Minute); got != tc.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tc.cur, got, tc.want)
		}
	}
}

func TestClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(&ClientConfig{URL: "not a url", Logger: testLogger()})
	if err == nil {
		t.Errorf("expected error for unparseable URL")
	}
	_, err = NewClient(&ClientConfig{URL: "ws://", Logger: testLogger()})
	if err == nil {
		t.Errorf("expected error for URL without host")
	}
}

func ExampleNewClient() {
	guard := auth.NewGuard(nil)
	verifiers := auth.NewVerifierSet(guard, nil, nil)
	verifiers.SetSecrets([]auth.Secret{{Value: "shared-secret"}})

	policy, _ := syncpath.Coordination("/tmp/byfrost-example")
	engine, _ := filesync.NewEngine(&filesync.Config{Policy: policy})

	client, err := NewClient(&ClientConfig{
		URL:       fmt.Sprintf("ws://%s:%d/ws", "worker.local", DefaultPort),
		Verifiers: verifiers,
		Engine:    engine,
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	// client.Run(ctx) would now dial and keep the channel alive.
	fmt.Println(client.PeerSource())
	// Output: worker.local:9784
}
