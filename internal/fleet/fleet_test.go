package fleet

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hugoterelle/hyperletter/internal/channel"
	"github.com/hugoterelle/hyperletter/internal/letter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nodeID(b byte) letter.NodeID {
	var id letter.NodeID
	id[0] = b
	return id
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestFleet_BindConnect exercises scenario S1: a Bind side and a Connect
// side reach Ready, and the Connect side observes the Bind side's
// RemoteNodeId.
func TestFleet_BindConnect(t *testing.T) {
	addr := freeAddr(t)

	var serverReady, clientReady sync.WaitGroup
	serverReady.Add(1)
	clientReady.Add(1)

	server := New(nodeID(0x11), Callbacks{
		Initialized: func(ch *channel.Channel) { serverReady.Done() },
	}, testLogger(), time.Second, 200*time.Millisecond)
	defer server.Dispose()

	if err := server.Bind(addr); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	client := New(nodeID(0x22), Callbacks{
		Initialized: func(ch *channel.Channel) { clientReady.Done() },
	}, testLogger(), time.Second, 200*time.Millisecond)
	defer client.Dispose()

	binding, err := channel.ParseBinding(addr)
	if err != nil {
		t.Fatalf("ParseBinding: %v", err)
	}
	if err := client.Connect(binding); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitOrTimeout(t, &serverReady, 2*time.Second, "server channel never reached Ready")
	waitOrTimeout(t, &clientReady, 2*time.Second, "client channel never reached Ready")

	ready := client.Ready()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready channel on the client, got %d", len(ready))
	}
	if id, ok := ready[0].RemoteNodeID(); !ok || id != nodeID(0x11) {
		t.Errorf("client's remote node id = %v, %v; want %v, true", id, ok, nodeID(0x11))
	}
}

// TestFleet_Reconnect verifies that an Outbound channel disconnected by
// its peer going away reconnects and reaches Ready again once the peer
// comes back.
func TestFleet_Reconnect(t *testing.T) {
	addr := freeAddr(t)

	client := New(nodeID(0x33), Callbacks{}, testLogger(), time.Second, 50*time.Millisecond)
	defer client.Dispose()

	binding, err := channel.ParseBinding(addr)
	if err != nil {
		t.Fatalf("ParseBinding: %v", err)
	}
	if err := client.Connect(binding); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// No listener yet: the client keeps retrying. Now start one.
	var firstReady sync.WaitGroup
	firstReady.Add(1)
	server := New(nodeID(0x44), Callbacks{
		Initialized: func(ch *channel.Channel) { firstReady.Done() },
	}, testLogger(), time.Second, 50*time.Millisecond)
	if err := server.Bind(addr); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	waitOrTimeout(t, &firstReady, 3*time.Second, "first connection never reached Ready")

	// Tear the server down entirely (simulating a process kill) and
	// restart it on the same address; the client must reconnect.
	var reconnected sync.WaitGroup
	reconnected.Add(1)
	server.Dispose()

	server2 := New(nodeID(0x44), Callbacks{
		Initialized: func(ch *channel.Channel) { reconnected.Done() },
	}, testLogger(), time.Second, 50*time.Millisecond)
	defer server2.Dispose()
	if err := server2.Bind(addr); err != nil {
		t.Fatalf("Bind (second): %v", err)
	}

	waitOrTimeout(t, &reconnected, 5*time.Second, "client never reconnected after the peer restarted")
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}
