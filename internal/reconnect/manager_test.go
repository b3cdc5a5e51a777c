package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	connected   atomic.Bool
	connectErr  error
	connectCalls atomic.Int32
}

func (f *fakeConn) IsConnected() bool { return f.connected.Load() }

func (f *fakeConn) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

type fakeSubs struct {
	recreated atomic.Int32
}

func (f *fakeSubs) RecreateAll(ctx context.Context) error {
	f.recreated.Add(1)
	return nil
}

func fastConfig() Config {
	return Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestReconnectRecoversAndRecreatesSubscriptions(t *testing.T) {
	conn := &fakeConn{}
	subs := &fakeSubs{}
	m := New(fastConfig(), conn, subs, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.IsConnected() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if !conn.IsConnected() {
		t.Fatal("expected connection to be restored")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if subs.recreated.Load() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected subscriptions to be recreated after reconnect")
}

func TestStopReturnsPromptly(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("connection refused")}
	m := New(fastConfig(), conn, &fakeSubs{}, zerolog.Nop())

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	m.Stop()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Stop took too long: %v", elapsed)
	}
}

func TestTriggerReconnectionIsNoOpWhenAlreadyConnected(t *testing.T) {
	conn := &fakeConn{}
	conn.connected.Store(true)
	m := New(fastConfig(), conn, &fakeSubs{}, zerolog.Nop())

	if err := m.TriggerReconnection(context.Background()); err != nil {
		t.Fatalf("expected no-op success when already connected, got %v", err)
	}
	if conn.connectCalls.Load() != 0 {
		t.Fatalf("expected Connect not to be called when already connected")
	}
}
