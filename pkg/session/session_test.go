package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pieshare/pkg/broadcast"
	"pieshare/pkg/config"
	"pieshare/pkg/orderstate"
	"pieshare/pkg/protocol"
	"pieshare/pkg/telemetry"
)

// newTestWatcher returns a config.Watcher backed by a throwaway TOML file,
// loaded once and never reloaded, for tests that only need a live
// Watcher.Current() to satisfy Session.New.
func newTestWatcher(t *testing.T) *config.Watcher {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pieshare.toml")
	body := "session_rate_limit_per_second = 100\nsession_rate_limit_burst = 100\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		t.Fatalf("config.NewWatcher: %v", err)
	}
	return w
}

// fakeConn is an in-memory Conn for exercising Session.Run without a real
// socket: inbound frames are fed through in, outbound frames land on out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 8),
		out:    make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, context.Canceled
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	close(c.closed)
	return nil
}

func drainUntil(t *testing.T, out chan []byte, match func(protocol.ServerFrame) bool) protocol.ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-out:
			var frame protocol.ServerFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching server frame")
		}
	}
}

func TestSessionMakeOrderThenGetOrder(t *testing.T) {
	state := orderstate.New(15)
	bus := broadcast.New[protocol.ServerFrame]()
	health := telemetry.NewHealth(time.Now())
	conn := newFakeConn()

	s := New("sess-1", conn, state, bus, health, newTestWatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	makeOrder, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientMakeOrder,
		Name:      "bob",
		MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
	})
	conn.in <- makeOrder

	resp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder
	})
	if resp.Response.MakeOrder == nil || !resp.Response.MakeOrder.Success {
		t.Fatalf("expected successful MakeOrder response, got %+v", resp.Response.MakeOrder)
	}

	getOrder, _ := json.Marshal(protocol.ClientFrame{Type: protocol.ClientGetOrder, Name: "test-name"})
	conn.in <- getOrder

	getResp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseGetOrder
	})
	if getResp.Response.GetOrder == nil || !getResp.Response.GetOrder.NameNotFound {
		t.Fatalf("expected NameNotFound for an unregistered name, got %+v", getResp.Response.GetOrder)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSessionDuplicateMakeOrder(t *testing.T) {
	state := orderstate.New(15)
	bus := broadcast.New[protocol.ServerFrame]()
	health := telemetry.NewHealth(time.Now())
	conn := newFakeConn()

	s := New("sess-1", conn, state, bus, health, newTestWatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	frame, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientMakeOrder,
		Name:      "alice",
		MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
	})

	conn.in <- frame
	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder
	})

	conn.in <- frame
	resp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder
	})
	if resp.Response.MakeOrder == nil || !resp.Response.MakeOrder.NameAlreadyRegistered {
		t.Fatalf("expected NameAlreadyRegistered on re-registration, got %+v", resp.Response.MakeOrder)
	}
}

func TestSessionEditOrderUpdatesRequest(t *testing.T) {
	state := orderstate.New(15)
	bus := broadcast.New[protocol.ServerFrame]()
	health := telemetry.NewHealth(time.Now())
	conn := newFakeConn()

	s := New("sess-1", conn, state, bus, health, newTestWatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	makeOrder, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientMakeOrder,
		Name:      "alice",
		MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
	})
	conn.in <- makeOrder
	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder
	})

	editOrder, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientEditOrder,
		Name:      "alice",
		EditOrder: &protocol.OrderRequest{Amounts: [3]int{0, 5, 0}, Preference: 0.2},
	})
	conn.in <- editOrder
	resp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseEditOrder
	})
	if resp.Response.EditOrder == nil || !resp.Response.EditOrder.Success {
		t.Fatalf("expected successful EditOrder response, got %+v", resp.Response.EditOrder)
	}
	if got := state.Get("alice"); got.Full.Request.Amounts != [3]int{0, 5, 0} || got.Full.Request.Preference != 0.2 {
		t.Fatalf("alice's request after EditOrder = %+v, want amounts [0,5,0] preference 0.2", got.Full.Request)
	}

	editUnknown, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientEditOrder,
		Name:      "nobody",
		EditOrder: &protocol.OrderRequest{Amounts: [3]int{1, 0, 0}, Preference: 0.5},
	})
	conn.in <- editUnknown
	missResp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseEditOrder && f.Response.EditOrder.NameNotFound
	})
	if !missResp.Response.EditOrder.NameNotFound {
		t.Fatalf("expected NameNotFound editing an unregistered name, got %+v", missResp.Response.EditOrder)
	}
}

func TestSessionSubscribeThenUnsubscribeGatesUpdates(t *testing.T) {
	state := orderstate.New(15)
	bus := broadcast.New[protocol.ServerFrame]()
	health := telemetry.NewHealth(time.Now())
	conn := newFakeConn()

	s := New("sess-1", conn, state, bus, health, newTestWatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	subscribe, _ := json.Marshal(protocol.ClientFrame{Type: protocol.ClientSubscribeUpdates})
	conn.in <- subscribe
	subResp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseSubscription
	})
	if subResp.Response.Subscription == nil || subResp.Response.Subscription.Success == nil {
		t.Fatalf("expected a successful Subscription with full_data, got %+v", subResp.Response.Subscription)
	}

	conn.in <- subscribe
	dupResp := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseSubscription
	})
	if dupResp.Response.Subscription == nil || !dupResp.Response.Subscription.AlreadySubscribed {
		t.Fatalf("expected AlreadySubscribed on re-subscription, got %+v", dupResp.Response.Subscription)
	}

	makeOrder, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientMakeOrder,
		Name:      "carol",
		MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
	})
	conn.in <- makeOrder
	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerUpdate && f.Update != nil && f.Update.Order.Name == "carol"
	})

	unsubscribe, _ := json.Marshal(protocol.ClientFrame{Type: protocol.ClientUnsubscribeUpdates})
	conn.in <- unsubscribe

	// Unsubscribe is silent, so use the next MakeOrder's own Response frame
	// (which dispatch always sends regardless of subscription state) as a
	// synchronization point before checking for an absent Update broadcast.
	nextOrder, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientMakeOrder,
		Name:      "dana",
		MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
	})
	conn.in <- nextOrder
	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder &&
			f.Response.MakeOrder.Success
	})

	select {
	case raw := <-conn.out:
		var frame protocol.ServerFrame
		if err := json.Unmarshal(raw, &frame); err == nil && frame.Type == protocol.ServerUpdate {
			t.Fatalf("received an Update broadcast after unsubscribing: %+v", frame.Update)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionRequestAllReturnsSnapshotWithoutSubscribing(t *testing.T) {
	state := orderstate.New(15)
	bus := broadcast.New[protocol.ServerFrame]()
	health := telemetry.NewHealth(time.Now())
	conn := newFakeConn()

	s := New("sess-1", conn, state, bus, health, newTestWatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	makeOrder, _ := json.Marshal(protocol.ClientFrame{
		Type:      protocol.ClientMakeOrder,
		Name:      "dave",
		MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
	})
	conn.in <- makeOrder
	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder
	})

	requestAll, _ := json.Marshal(protocol.ClientFrame{Type: protocol.ClientRequestAll})
	conn.in <- requestAll
	all := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerAll
	})
	if all.All == nil || len(all.All.Orders) != 1 || all.All.Orders[0].Name != "dave" {
		t.Fatalf("expected All snapshot with one order for dave, got %+v", all.All)
	}
}

func TestSessionRemoveBroadcastsRemovedAndUpdate(t *testing.T) {
	state := orderstate.New(15)
	bus := broadcast.New[protocol.ServerFrame]()
	health := telemetry.NewHealth(time.Now())
	conn := newFakeConn()

	s := New("sess-1", conn, state, bus, health, newTestWatcher(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	subscribe, _ := json.Marshal(protocol.ClientFrame{Type: protocol.ClientSubscribeUpdates})
	conn.in <- subscribe
	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseSubscription
	})

	for _, name := range []string{"erin", "frank"} {
		makeOrder, _ := json.Marshal(protocol.ClientFrame{
			Type:      protocol.ClientMakeOrder,
			Name:      name,
			MakeOrder: &protocol.OrderRequest{Amounts: [3]int{5, 0, 0}, Preference: 0.5},
		})
		conn.in <- makeOrder
		drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
			return f.Type == protocol.ServerResponse && f.Response != nil && f.Response.Type == protocol.ResponseMakeOrder
		})
		drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
			return f.Type == protocol.ServerUpdate && f.Update != nil && f.Update.Order.Name == name
		})
	}

	removeOrder, _ := json.Marshal(protocol.ClientFrame{Type: protocol.ClientRemoveOrder, Name: "erin"})
	conn.in <- removeOrder

	drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerRemoved && f.Removed == "erin"
	})
	update := drainUntil(t, conn.out, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.ServerUpdate && f.Update != nil && f.Update.Order.Name == "erin"
	})
	if len(update.Update.Distributions) != 1 {
		t.Fatalf("expected distributions for the one remaining participant, got %d", len(update.Update.Distributions))
	}
}
