package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/roundtable/wire"
)

// fakeTransport records written frames and the close reason.
type fakeTransport struct {
	mu       sync.Mutex
	frames   []wire.ServerFrame
	closed   bool
	reason   string
	writeErr error
}

func (f *fakeTransport) WriteFrame(frame wire.ServerFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) closeReason() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAddSupersedesPriorSession(t *testing.T) {
	r := New(context.Background(), Options{})
	first := &fakeTransport{}
	second := &fakeTransport{}

	s1 := r.Add(context.Background(), "u1", first)
	r.Add(context.Background(), "u1", second)

	<-s1.Done()
	closed, reason := first.closeReason()
	require.True(t, closed)
	require.Equal(t, CloseReasonSuperseded, reason)
	require.Equal(t, 1, r.Len())
}

func TestSendToUser(t *testing.T) {
	r := New(context.Background(), Options{})
	tr := &fakeTransport{}
	r.Add(context.Background(), "u1", tr)

	ok := r.SendToUser("u1", wire.NewServerFrame(wire.ServerPong, "", nil))
	require.True(t, ok)
	waitFor(t, func() bool { return tr.frameCount() == 1 })

	require.False(t, r.SendToUser("nobody", wire.NewServerFrame(wire.ServerPong, "", nil)))
}

func TestWriteFailureDropsSession(t *testing.T) {
	r := New(context.Background(), Options{})
	tr := &fakeTransport{writeErr: errors.New("broken pipe")}
	s := r.Add(context.Background(), "u1", tr)

	// The pump hits the write error and terminates the session.
	require.True(t, r.SendToUser("u1", wire.NewServerFrame(wire.ServerPong, "", nil)))
	<-s.Done()

	// Subsequent sends observe the dead session and remove it.
	waitFor(t, func() bool {
		return !r.SendToUser("u1", wire.NewServerFrame(wire.ServerPong, "", nil))
	})
	require.Zero(t, r.Len())
}

func TestSubscribeIdempotent(t *testing.T) {
	r := New(context.Background(), Options{})
	r.Add(context.Background(), "u1", &fakeTransport{})

	r.Subscribe("u1", "c1")
	r.Subscribe("u1", "c1")
	require.Equal(t, []string{"u1"}, r.Subscribers("c1"))

	r.Unsubscribe("u1", "c1")
	r.Unsubscribe("u1", "c1")
	require.Empty(t, r.Subscribers("c1"))
}

func TestSubscribeRequiresSession(t *testing.T) {
	r := New(context.Background(), Options{})
	r.Subscribe("ghost", "c1")
	require.Empty(t, r.Subscribers("c1"))
}

func TestRemoveClearsSubscriptions(t *testing.T) {
	r := New(context.Background(), Options{})
	r.Add(context.Background(), "u1", &fakeTransport{})
	r.Add(context.Background(), "u2", &fakeTransport{})
	r.Subscribe("u1", "c1")
	r.Subscribe("u2", "c1")

	r.Remove("u1")
	require.Equal(t, []string{"u2"}, r.Subscribers("c1"))
	require.Equal(t, 1, r.Len())
}

func TestBroadcastReportsUnreachable(t *testing.T) {
	r := New(context.Background(), Options{})
	live := &fakeTransport{}
	r.Add(context.Background(), "u1", live)
	r.Add(context.Background(), "u2", &fakeTransport{})
	r.Subscribe("u1", "c1")
	r.Subscribe("u2", "c1")

	// u2 disconnects after subscribing.
	r.Remove("u2")
	r.mu.Lock()
	subs, ok := r.subscriptions["c1"]
	if !ok {
		subs = make(map[string]struct{})
		r.subscriptions["c1"] = subs
	}
	subs["u2"] = struct{}{}
	r.mu.Unlock()

	unreachable := r.Broadcast("c1", wire.ConversationUpdate("c1", wire.Update{Type: wire.UpdateMessage}))
	require.Equal(t, []string{"u2"}, unreachable)
	waitFor(t, func() bool { return live.frameCount() == 1 })
}

func TestIdleSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, Options{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	tr := &fakeTransport{}
	r.Add(ctx, "u1", tr)

	// Keep pinging: the session stays alive past the idle timeout.
	for i := 0; i < 5; i++ {
		r.Ping("u1")
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 1, r.Len())

	// Stop pinging: the sweeper evicts the session.
	waitFor(t, func() bool { return r.Len() == 0 })
	closed, _ := tr.closeReason()
	require.True(t, closed)
}
