package session

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stallServer accepts connections and never answers, standing in for an
// endpoint that hangs mid-negotiation.
func stallServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	connC := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connC <- conn
		}
	}()
	return "http://" + ln.Addr().String(), func() {
		ln.Close()
		for {
			select {
			case conn := <-connC:
				conn.Close()
				continue
			default:
			}
			return
		}
	}
}

func newStalledConnectionManager(t *testing.T, baseURL string) *ConnectionManager {
	t.Helper()
	endpoint := EndpointConfig{
		BaseURL: baseURL,
		APIKey:  "sk-test",
		Model:   "gpt-realtime",
		Voice:   "marin",
	}
	profile := SessionProfile{ScenarioID: "cafe-ordering", Level: "beginner"}
	cm, err := NewConnectionManager(shared.NewNopLogger(), endpoint, buildSessionConfig(endpoint, profile), TransportCallbacks{})
	require.NoError(t, err)
	return cm
}

func TestNegotiateTimeoutDoesNotLeakSender(t *testing.T) {
	addr, shutdown := stallServer(t)
	defer shutdown()

	cm := newStalledConnectionManager(t, addr)
	defer cm.Close(context.Background())

	baseline := runtime.NumGoroutine()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Either the ctx branch or the sender's own deadline error wins the
	// select; both mean the negotiation was abandoned.
	_, err := cm.negotiate(ctx, "v=0")
	require.Error(t, err)

	// The abandoned request goroutine must wind down on its own once the
	// deadline bounds it; nothing may stay parked on the result channel.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 3*time.Second, 20*time.Millisecond, "negotiation sender goroutine did not exit")
}

func TestNegotiateTransportCancelUnblocks(t *testing.T) {
	addr, shutdown := stallServer(t)
	defer shutdown()

	cm := newStalledConnectionManager(t, addr)

	errC := make(chan error, 1)
	go func() {
		_, err := cm.negotiate(context.Background(), "v=0")
		errC <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cm.Close(context.Background()))

	select {
	case err := <-errC:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("negotiate did not return after the transport was closed")
	}
}
