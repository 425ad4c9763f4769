// Package session drives one connected client end to end: it decodes
// frames, dispatches them against the order catalogue, replies, and
// forwards broadcast updates, all under a single cancellation scope shared
// by its reader and writer halves.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"pieshare/pkg/balancer"
	"pieshare/pkg/broadcast"
	"pieshare/pkg/config"
	"pieshare/pkg/kindvec"
	"pieshare/pkg/orderstate"
	"pieshare/pkg/protocol"
	"pieshare/pkg/telemetry"
)

// Conn is the minimal transport a session needs: read one text frame, or
// write one. transport.Conn implements this over a gorilla/websocket
// connection; tests implement it over in-memory channels.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// ErrBinaryFrame is returned by a Conn's ReadFrame when the transport saw a
// binary message. The wire protocol is text-only JSON, so a binary frame is
// a decode error to be dropped, not a reason to tear down the session.
var ErrBinaryFrame = errors.New("session: binary frame rejected")

// Session owns one client connection for its lifetime. It registers with
// no subscription: a client only starts receiving Update broadcasts after
// it sends SubscribeUpdates.
type Session struct {
	id         string
	conn       Conn
	state      *orderstate.State
	bus        *broadcast.Bus[protocol.ServerFrame]
	limiter    *rate.Limiter
	health     *telemetry.Health
	cfgWatcher *config.Watcher

	subscribed atomic.Bool
}

// New constructs a Session. cfgWatcher supplies the live, hot-reloadable
// rate-limit settings: the limiter is seeded from it at construction and
// re-synced on every inbound frame, so a config change takes effect on an
// already-open connection.
func New(id string, conn Conn, state *orderstate.State, bus *broadcast.Bus[protocol.ServerFrame], health *telemetry.Health, cfgWatcher *config.Watcher) *Session {
	cfg := cfgWatcher.Current()
	return &Session{
		id:         id,
		conn:       conn,
		state:      state,
		bus:        bus,
		limiter:    rate.NewLimiter(rate.Limit(cfg.SessionRateLimitPerSecond), cfg.SessionRateLimitBurst),
		health:     health,
		cfgWatcher: cfgWatcher,
	}
}

// Run drives the reader and writer halves concurrently until either
// errors, the connection closes, or ctx is cancelled. Closing either half
// cancels the other, mirroring the original's dual-task select.
func (s *Session) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	sub := s.bus.Subscribe()
	defer sub.Close()

	telemetry.RecordSessionOpened()
	s.health.SessionOpened()
	defer telemetry.RecordSessionClosed()
	defer s.health.SessionClosed()

	group.Go(func() error { return s.readLoop(ctx) })
	group.Go(func() error { return s.writeLoop(ctx, sub) })

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) syncLimiter() {
	cfg := s.cfgWatcher.Current()
	s.limiter.SetLimit(rate.Limit(cfg.SessionRateLimitPerSecond))
	s.limiter.SetBurst(cfg.SessionRateLimitBurst)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrBinaryFrame) {
				klog.V(2).InfoS("session: rejecting binary frame", "sessionID", s.id)
				continue
			}
			return err
		}

		s.syncLimiter()
		if !s.limiter.Allow() {
			klog.V(2).InfoS("session: dropping rate-limited frame", "sessionID", s.id)
			continue
		}

		frame, err := protocol.DecodeClient(data)
		if err != nil {
			klog.V(2).InfoS("session: dropping malformed frame", "sessionID", s.id, "error", err)
			continue
		}

		telemetry.RecordFrameReceived(frame.Type)
		reply, ok := s.dispatch(frame)
		if !ok {
			continue
		}
		payload, err := protocol.Encode(reply)
		if err != nil {
			return err
		}
		if err := s.conn.WriteFrame(ctx, payload); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, sub *broadcast.Subscription[protocol.ServerFrame]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.Frames():
			if !ok {
				return nil
			}
			if !s.subscribed.Load() {
				continue
			}
			payload, err := protocol.Encode(frame)
			if err != nil {
				return err
			}
			if err := s.conn.WriteFrame(ctx, payload); err != nil {
				return err
			}
		}
	}
}

func (s *Session) dispatch(frame protocol.ClientFrame) (protocol.ServerFrame, bool) {
	switch frame.Type {
	case protocol.ClientMakeOrder:
		resp := s.handleMakeOrder(frame.Name, *frame.MakeOrder)
		return protocol.ServerFrame{Type: protocol.ServerResponse, Response: &resp}, true
	case protocol.ClientEditOrder:
		resp := s.handleEditOrder(frame.Name, *frame.EditOrder)
		return protocol.ServerFrame{Type: protocol.ServerResponse, Response: &resp}, true
	case protocol.ClientGetOrder:
		resp := s.handleGetOrder(frame.Name)
		return protocol.ServerFrame{Type: protocol.ServerResponse, Response: &resp}, true
	case protocol.ClientRemoveOrder:
		resp := s.handleRemoveOrder(frame.Name)
		return protocol.ServerFrame{Type: protocol.ServerResponse, Response: &resp}, true
	case protocol.ClientSetPaid:
		resp := s.handleSetPaid(frame.Name, *frame.SetPaid)
		return protocol.ServerFrame{Type: protocol.ServerResponse, Response: &resp}, true
	case protocol.ClientRequestAll:
		data := fullDataFrom(s.state.Snapshot())
		return protocol.ServerFrame{Type: protocol.ServerAll, All: &data}, true
	case protocol.ClientSubscribeUpdates:
		resp := s.handleSubscribeUpdates()
		return protocol.ServerFrame{Type: protocol.ServerResponse, Response: &resp}, true
	case protocol.ClientUnsubscribeUpdates:
		s.subscribed.Store(false)
		return protocol.ServerFrame{}, false
	default:
		return protocol.ServerFrame{}, false
	}
}

// clock is overridden in tests that need deterministic balance timings.
var clock = time.Now

func (s *Session) handleMakeOrder(name string, req protocol.OrderRequest) protocol.Response {
	start := clock()
	result := s.state.Add(name, balancer.Request{Amounts: req.Amounts, Preference: req.Preference})
	s.recordBalance(start)

	if result.Duplicate {
		return protocol.Response{
			Type:      protocol.ResponseMakeOrder,
			MakeOrder: &protocol.MakeOrderResult{NameAlreadyRegistered: true},
		}
	}

	s.publishUpdate(name, result.Full)
	return protocol.Response{
		Type:      protocol.ResponseMakeOrder,
		MakeOrder: &protocol.MakeOrderResult{Success: true},
	}
}

func (s *Session) handleEditOrder(name string, req protocol.OrderRequest) protocol.Response {
	start := clock()
	result := s.state.Edit(name, balancer.Request{Amounts: req.Amounts, Preference: req.Preference})
	s.recordBalance(start)

	if result.NotFound {
		return protocol.Response{
			Type:      protocol.ResponseEditOrder,
			EditOrder: &protocol.EditOrderResult{NameNotFound: true},
		}
	}

	s.publishUpdate(name, result.Full)
	return protocol.Response{
		Type:      protocol.ResponseEditOrder,
		EditOrder: &protocol.EditOrderResult{Success: true},
	}
}

func (s *Session) handleGetOrder(name string) protocol.Response {
	result := s.state.Get(name)
	if result.NotFound {
		return protocol.Response{
			Type:     protocol.ResponseGetOrder,
			GetOrder: &protocol.GetOrderResult{NameNotFound: true},
		}
	}
	order := protocol.FullOrderFrom(name, result.Full)
	return protocol.Response{
		Type:     protocol.ResponseGetOrder,
		GetOrder: &protocol.GetOrderResult{Order: &order},
	}
}

func (s *Session) handleRemoveOrder(name string) protocol.Response {
	start := clock()
	result := s.state.Remove(name)
	s.recordBalance(start)

	if result.NotFound {
		return protocol.Response{
			Type:        protocol.ResponseRemoveOrder,
			RemoveOrder: &protocol.RemoveOrderResult{NameNotFound: true},
		}
	}

	// Removing a participant can re-balance every remaining participant's
	// allocation, so subscribers need both the removal itself and a fresh
	// Update carrying everyone's current distribution.
	s.bus.Publish(protocol.ServerFrame{Type: protocol.ServerRemoved, Removed: name})
	s.publishUpdate(name, result.Full)

	order := protocol.FullOrderFrom(name, result.Full)
	return protocol.Response{
		Type:        protocol.ResponseRemoveOrder,
		RemoveOrder: &protocol.RemoveOrderResult{Order: &order},
	}
}

func (s *Session) handleSetPaid(name string, body protocol.SetPaidBody) protocol.Response {
	result := s.state.SetPaid(name, body.Paid, body.PriceCents)
	if result.NotFound {
		return protocol.Response{
			Type:    protocol.ResponseSetPaid,
			SetPaid: &protocol.SetPaidResult{NameNotFound: true},
		}
	}

	s.publishUpdate(name, result.Full)
	order := protocol.FullOrderFrom(name, result.Full)
	return protocol.Response{
		Type:    protocol.ResponseSetPaid,
		SetPaid: &protocol.SetPaidResult{Order: &order},
	}
}

func (s *Session) handleSubscribeUpdates() protocol.Response {
	if !s.subscribed.CompareAndSwap(false, true) {
		return protocol.Response{
			Type:         protocol.ResponseSubscription,
			Subscription: &protocol.SubscriptionResult{AlreadySubscribed: true},
		}
	}
	data := fullDataFrom(s.state.Snapshot())
	return protocol.Response{
		Type:         protocol.ResponseSubscription,
		Subscription: &protocol.SubscriptionResult{Success: &data},
	}
}

func fullDataFrom(snap orderstate.Snapshot) protocol.FullData {
	orders := make([]protocol.FullOrder, 0, len(snap.Infos))
	for i, info := range snap.Infos {
		orders = append(orders, protocol.FullOrderFrom(info.Name, orderstate.Full{
			Info:       info,
			Request:    snap.Requests[i],
			Allocation: snap.Allocations[i],
		}))
	}
	return protocol.FullData{
		Version: int64(snap.Version),
		Orders:  orders,
		Config:  snap.Config,
		Valid:   snap.Valid,
	}
}

func (s *Session) publishUpdate(name string, full orderstate.Full) {
	snap := s.state.Snapshot()
	s.bus.Publish(protocol.ServerFrame{
		Type: protocol.ServerUpdate,
		Update: &protocol.Update{
			Order:         protocol.FullOrderFrom(name, full),
			Version:       int64(snap.Version),
			Config:        snap.Config,
			Distributions: append([]kindvec.Vec[int](nil), snap.Allocations...),
			Valid:         snap.Valid,
		},
	})
}

func (s *Session) recordBalance(start time.Time) {
	now := clock()
	s.health.RecordBalance(now)
	snap := s.state.Snapshot()
	telemetry.RecordBalance(now.Sub(start), len(snap.Infos), snap.Version)
}
