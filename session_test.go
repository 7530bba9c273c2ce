package netsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jsonic/netsync/internal/lifecycle"
	"jsonic/netsync/internal/net/proto"
	"jsonic/netsync/internal/net/transport"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
	logginglifecycle "jsonic/netsync/logging/lifecycle"
	loggingnetwork "jsonic/netsync/logging/network"
	"jsonic/netsync/logging/sinks"
	"jsonic/netsync/state"
)

func quietLogger() telemetry.Logger {
	return telemetry.LoggerFunc(func(string, ...any) {})
}

func testTransport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.WriteWait = time.Second
	cfg.JoinRate = 0
	return cfg
}

func startHost(t *testing.T) (*HostSession, *sinks.MemorySink) {
	t.Helper()

	memory := sinks.NewMemorySink()
	host := NewHostSession(HostConfig{Transport: testTransport(), Logger: quietLogger(), Publisher: memory})
	if err := host.StartHosting("127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start hosting: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		host.Shutdown(ctx)
	})
	return host, memory
}

func newClient(t *testing.T) (*ClientSession, *sinks.MemorySink) {
	t.Helper()

	memory := sinks.NewMemorySink()
	client := NewClientSession(ClientConfig{Transport: testTransport(), Logger: quietLogger(), Publisher: memory, Metrics: &logging.Metrics{}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(ctx)
	})
	return client, memory
}

func connect(t *testing.T, client *ClientSession, addr string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.ConnectTo(ctx, addr); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForSequence(t *testing.T, client *ClientSession, seq uint64) state.GameState {
	t.Helper()
	var latest state.GameState
	waitFor(t, "client sequence", func() bool {
		s, ok := client.LatestState()
		latest = s
		return ok && s.SequenceNumber() == seq
	})
	return latest
}

func hostPlayers(x float64) []state.PlayerState {
	return []state.PlayerState{{ID: "host", X: x, Y: 2, FacingRight: true, Animation: "walk"}}
}

func TestClientReceivesLatestSnapshotOnJoinAndThenEveryTick(t *testing.T) {
	host, _ := startHost(t)
	ctx := context.Background()

	first, err := host.Tick(ctx, hostPlayers(1), nil)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	client, _ := newClient(t)
	connect(t, client, host.Addr())
	if client.Phase() != lifecycle.ClientConnected {
		t.Fatalf("expected connected, got %s", client.Phase())
	}

	got := waitForSequence(t, client, 1)
	if !got.Equal(first) {
		t.Fatalf("join snapshot differs: got %+v want %+v", got, first)
	}
	waitFor(t, "registration", func() bool { return host.ClientCount() == 1 })

	corruption := []state.CorruptionState{{TileX: 4, TileY: 5, Level: 3}}
	second, err := host.Tick(ctx, hostPlayers(2), corruption)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	got = waitForSequence(t, client, 2)
	if !got.Equal(second) {
		t.Fatalf("tick snapshot differs: got %+v want %+v", got, second)
	}
	tiles, present := got.Corruption()
	if !present || len(tiles) != 1 || tiles[0].Level != 3 {
		t.Fatalf("unexpected corruption overlay: %+v present=%v", tiles, present)
	}
}

func TestJoinBeforeFirstTickHasNoState(t *testing.T) {
	host, _ := startHost(t)
	client, _ := newClient(t)
	connect(t, client, host.Addr())
	waitFor(t, "registration", func() bool { return host.ClientCount() == 1 })

	if _, ok := client.LatestState(); ok {
		t.Fatalf("expected no state before the first tick")
	}

	host.Tick(context.Background(), hostPlayers(0), []state.CorruptionState{})
	got := waitForSequence(t, client, 1)
	tiles, present := got.Corruption()
	if !present || len(tiles) != 0 {
		t.Fatalf("expected an empty corruption overlay, got %+v present=%v", tiles, present)
	}
}

func TestEveryClientReceivesTheSameSnapshots(t *testing.T) {
	host, _ := startHost(t)

	clients := make([]*ClientSession, 3)
	for i := range clients {
		clients[i], _ = newClient(t)
		connect(t, clients[i], host.Addr())
	}
	waitFor(t, "registration", func() bool { return host.ClientCount() == len(clients) })

	var last state.GameState
	for i := 1; i <= 5; i++ {
		snapshot, err := host.Tick(context.Background(), hostPlayers(float64(i)), nil)
		if err != nil {
			t.Fatalf("tick %d failed: %v", i, err)
		}
		last = snapshot
	}
	for _, client := range clients {
		if got := waitForSequence(t, client, 5); !got.Equal(last) {
			t.Fatalf("client state differs: got %+v want %+v", got, last)
		}
	}
}

func TestHostShutdownNotifiesClients(t *testing.T) {
	host, hostEvents := startHost(t)
	client, clientEvents := newClient(t)

	var shutdowns atomic.Int32
	var disconnects atomic.Int32
	client.OnShutdown(func() { shutdowns.Add(1) })
	client.OnDisconnect(func(error) { disconnects.Add(1) })

	connect(t, client, host.Addr())
	waitFor(t, "registration", func() bool { return host.ClientCount() == 1 })
	host.Tick(context.Background(), hostPlayers(1), nil)
	waitForSequence(t, client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := host.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if host.Phase() != lifecycle.HostClosed {
		t.Fatalf("expected host closed, got %s", host.Phase())
	}
	if host.ClientCount() != 0 {
		t.Fatalf("expected no clients after shutdown, got %d", host.ClientCount())
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not observe the shutdown")
	}
	if !errors.Is(client.Err(), ErrHostShutdown) {
		t.Fatalf("expected ErrHostShutdown, got %v", client.Err())
	}
	if client.Phase() != lifecycle.ClientClosed {
		t.Fatalf("expected client closed, got %s", client.Phase())
	}
	if shutdowns.Load() != 1 || disconnects.Load() != 0 {
		t.Fatalf("expected one shutdown callback and no disconnect, got %d and %d", shutdowns.Load(), disconnects.Load())
	}

	broadcasts := hostEvents.OfType(logginglifecycle.EventShutdownBroadcast)
	if len(broadcasts) != 1 {
		t.Fatalf("expected one shutdown broadcast event, got %d", len(broadcasts))
	}
	if payload := broadcasts[0].Payload.(logginglifecycle.ShutdownBroadcastPayload); payload.Delivered != 1 {
		t.Fatalf("expected the notice to reach one client, got %+v", payload)
	}
	if len(clientEvents.OfType(logginglifecycle.EventHostDisconnected)) != 1 {
		t.Fatalf("expected a host disconnected event")
	}

	if _, err := host.Tick(context.Background(), hostPlayers(2), nil); !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing after shutdown, got %v", err)
	}
	if err := host.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown should be a no-op, got %v", err)
	}
	if err := client.ConnectTo(ctx, "127.0.0.1:1"); !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("expected a closed client to refuse rejoin, got %v", err)
	}
}

func TestConnectToUnreachableHostFails(t *testing.T) {
	client, events := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	unused, err := transport.Listen("127.0.0.1:0", testTransport())
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := unused.Addr()
	unused.Close()

	if err := client.ConnectTo(ctx, addr); !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("expected ErrJoinFailed, got %v", err)
	}
	if client.Phase() != lifecycle.ClientDisconnected {
		t.Fatalf("expected disconnected after a failed join, got %s", client.Phase())
	}
	if len(events.OfType(logginglifecycle.EventJoinFailed)) != 1 {
		t.Fatalf("expected a join failed event")
	}

	host, _ := startHost(t)
	connect(t, client, host.Addr())
	if client.Phase() != lifecycle.ClientConnected {
		t.Fatalf("expected connected after retry, got %s", client.Phase())
	}
}

func TestDroppedClientRejoinsNewHostFromScratch(t *testing.T) {
	first, _ := startHost(t)
	client, _ := newClient(t)

	disconnected := make(chan error, 1)
	client.OnDisconnect(func(err error) { disconnected <- err })

	connect(t, client, first.Addr())
	waitFor(t, "registration", func() bool { return first.ClientCount() == 1 })
	for i := 1; i <= 3; i++ {
		first.Tick(context.Background(), hostPlayers(float64(i)), nil)
	}
	waitForSequence(t, client, 3)

	// Closing the host's side without a shutdown notice looks like a crash.
	for _, conn := range first.registry.Drain() {
		conn.Close()
	}

	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not report the drop")
	}
	waitFor(t, "disconnected phase", func() bool { return client.Phase() == lifecycle.ClientDisconnected })
	if !errors.Is(client.Err(), ErrConnectionLost) {
		t.Fatalf("expected Err to report the drop, got %v", client.Err())
	}

	second, _ := startHost(t)
	restarted, err := second.Tick(context.Background(), hostPlayers(9), nil)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	connect(t, client, second.Addr())
	if got := waitForSequence(t, client, 1); !got.Equal(restarted) {
		t.Fatalf("expected the restarted host's snapshot, got %+v", got)
	}
}

func TestHostNoticesClientLeaving(t *testing.T) {
	host, _ := startHost(t)
	client, _ := newClient(t)
	connect(t, client, host.Addr())
	waitFor(t, "registration", func() bool { return host.ClientCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if client.Phase() != lifecycle.ClientClosed {
		t.Fatalf("expected client closed, got %s", client.Phase())
	}
	if client.Err() != nil {
		t.Fatalf("expected no error after a local close, got %v", client.Err())
	}
	waitFor(t, "unregistration", func() bool { return host.ClientCount() == 0 })
}

func TestMalformedMessageIsReportedAndSkipped(t *testing.T) {
	endpoint, err := transport.Listen("127.0.0.1:0", testTransport())
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { endpoint.Close() })

	client, memory := newClient(t)
	var mu sync.Mutex
	var reported []error
	client.OnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})
	connect(t, client, endpoint.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := endpoint.Accept(ctx)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	bad := []byte(`{"ver":99,"type":"state"}`)
	if err := conn.SendFrame(bad); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	good := state.MustGameState(hostPlayers(1), nil, 1)
	if err := conn.Send(proto.GameStateMessage{State: good}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if got := waitForSequence(t, client, 1); !got.Equal(good) {
		t.Fatalf("unexpected state after malformed frame: %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || !errors.Is(reported[0], ErrMalformedPayload) {
		t.Fatalf("expected one ErrMalformedPayload report, got %v", reported)
	}
	if client.Phase() != lifecycle.ClientConnected {
		t.Fatalf("expected the client to stay connected, got %s", client.Phase())
	}
	rejected := memory.OfType(loggingnetwork.EventMalformedPayload)
	if len(rejected) != 1 {
		t.Fatalf("expected one malformed payload event, got %d", len(rejected))
	}
	if payload := rejected[0].Payload.(loggingnetwork.MalformedPayload); payload.Bytes != len(bad) {
		t.Fatalf("expected %d bytes reported, got %d", len(bad), payload.Bytes)
	}
}

func TestStartHostingTwiceFails(t *testing.T) {
	host, _ := startHost(t)
	if err := host.StartHosting("127.0.0.1:0"); err == nil {
		t.Fatalf("expected a second StartHosting to fail")
	}
	if !host.IsHost() {
		t.Fatalf("expected IsHost to be true")
	}
}

func TestShutdownDuringStartReleasesListener(t *testing.T) {
	host := NewHostSession(HostConfig{Transport: testTransport(), Logger: quietLogger()})
	var bound string
	host.listened = func(addr string) {
		bound = addr
		if err := host.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown while listening failed: %v", err)
		}
	}

	if err := host.StartHosting("127.0.0.1:0"); err == nil {
		t.Fatalf("expected StartHosting to fail after a concurrent shutdown")
	}
	if host.Phase() != lifecycle.HostClosed {
		t.Fatalf("expected closed, got %s", host.Phase())
	}

	ln, err := net.Listen("tcp", bound)
	if err != nil {
		t.Fatalf("expected %s to be released, got %v", bound, err)
	}
	ln.Close()
}

func TestStartHostingOnBadAddressReturnsToIdle(t *testing.T) {
	host := NewHostSession(HostConfig{Transport: testTransport(), Logger: quietLogger()})
	if err := host.StartHosting("256.0.0.1:bad"); err == nil {
		t.Fatalf("expected an invalid address to fail")
	}
	if host.Phase() != lifecycle.HostIdle {
		t.Fatalf("expected idle after a failed start, got %s", host.Phase())
	}
	if _, err := host.Tick(context.Background(), hostPlayers(0), nil); !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
	if err := host.Close(context.Background()); err != nil {
		t.Fatalf("close of an idle host failed: %v", err)
	}
	if host.Phase() != lifecycle.HostClosed {
		t.Fatalf("expected closed, got %s", host.Phase())
	}
}

func TestDiagnosticsRouteReportsSession(t *testing.T) {
	host, _ := startHost(t)
	host.Tick(context.Background(), hostPlayers(1), nil)
	host.Tick(context.Background(), hostPlayers(2), nil)

	resp, err := http.Get("http://" + host.Addr() + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	var diag HostDiagnostics
	if err := json.Unmarshal(body, &diag); err != nil {
		t.Fatalf("failed to decode diagnostics %q: %v", body, err)
	}
	if diag.Phase != "serving" || diag.Sequence != 2 {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
	if diag.Telemetry[telemetry.CounterBroadcasts] != 2 {
		t.Fatalf("expected 2 broadcasts in telemetry, got %+v", diag.Telemetry)
	}
}

func TestSessionRoles(t *testing.T) {
	sessions := []Session{NewHostSession(DefaultHostConfig()), NewClientSession(DefaultClientConfig())}
	if !sessions[0].IsHost() || sessions[1].IsHost() {
		t.Fatalf("unexpected roles")
	}
	for _, s := range sessions {
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("close of an unused session failed: %v", err)
		}
	}
}
