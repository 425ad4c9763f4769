// Package protocol defines the JSON wire frames exchanged over the
// text-framed session connection: what a client may ask for, and what the
// server sends back or broadcasts. Every frame is a tagged union
// discriminated by its "type" field, so a session can dispatch on the
// field alone before decoding the rest.
package protocol

import (
	"encoding/json"
	"fmt"

	"pieshare/pkg/kindvec"
	"pieshare/pkg/orderstate"
)

// OrderRequest is the amounts and preference a client submits.
type OrderRequest struct {
	Amounts    kindvec.Vec[int] `json:"amounts"`
	Preference float64          `json:"preference"`
}

// FullOrder mirrors orderstate.Full over the wire.
type FullOrder struct {
	Name       string           `json:"name"`
	HasPaid    bool             `json:"hasPaid"`
	PriceCents int              `json:"priceCents"`
	Amounts    kindvec.Vec[int] `json:"amounts"`
	Preference float64          `json:"preference"`
	Allocation kindvec.Vec[int] `json:"allocation"`
}

// FullOrderFrom converts an orderstate.Full. The wire Name is the name
// argument, not full.Info.Name.
func FullOrderFrom(name string, full orderstate.Full) FullOrder {
	return FullOrder{
		Name:       name,
		HasPaid:    full.Info.HasPaid,
		PriceCents: full.Info.PriceCents,
		Amounts:    full.Request.Amounts,
		Preference: full.Request.Preference,
		Allocation: full.Allocation,
	}
}

// FullData is a full catalogue snapshot: everything a client needs to
// rebuild its local copy of OrderState from scratch, carried by a
// Subscription success reply and by the standalone All frame.
type FullData struct {
	Version int64            `json:"version"`
	Orders  []FullOrder      `json:"orders"`
	Config  kindvec.Vec[int] `json:"config"`
	Valid   bool             `json:"valid"`
}

// ClientFrame is the envelope for every message a client may send. Type
// names the request; makeOrder, editOrder and setPaid also carry their
// matching pointer field, and every request except the three below carries
// Name. RequestAll, SubscribeUpdates and UnsubscribeUpdates carry no payload
// at all. DecodeClient checks only that the fields a Type needs are set;
// extra fields are not rejected.
type ClientFrame struct {
	Type string `json:"type"`

	MakeOrder *OrderRequest `json:"makeOrder,omitempty"`
	EditOrder *OrderRequest `json:"editOrder,omitempty"`
	Name      string        `json:"name,omitempty"`
	SetPaid   *SetPaidBody  `json:"setPaid,omitempty"`
}

// Client frame type discriminators.
const (
	ClientMakeOrder          = "makeOrder"
	ClientEditOrder          = "editOrder"
	ClientGetOrder           = "getOrder"
	ClientRemoveOrder        = "removeOrder"
	ClientSetPaid            = "setPaid"
	ClientRequestAll         = "requestAll"
	ClientSubscribeUpdates   = "subscribeUpdates"
	ClientUnsubscribeUpdates = "unsubscribeUpdates"
)

// SetPaidBody carries the billing fields for a SetPaid request. Name is
// carried on the outer ClientFrame since every client frame addresses a
// participant by name the same way.
type SetPaidBody struct {
	Paid       bool `json:"paid"`
	PriceCents int  `json:"priceCents"`
}

// DecodeClient unmarshals a raw client frame and validates that its Type
// matches a populated field, so downstream dispatch can trust Type alone.
func DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("protocol: decode client frame: %w", err)
	}
	switch f.Type {
	case ClientMakeOrder:
		if f.MakeOrder == nil || f.Name == "" {
			return ClientFrame{}, fmt.Errorf("protocol: %s frame missing name or body", ClientMakeOrder)
		}
	case ClientEditOrder:
		if f.EditOrder == nil || f.Name == "" {
			return ClientFrame{}, fmt.Errorf("protocol: %s frame missing name or body", ClientEditOrder)
		}
	case ClientGetOrder, ClientRemoveOrder:
		if f.Name == "" {
			return ClientFrame{}, fmt.Errorf("protocol: %s frame missing name", f.Type)
		}
	case ClientSetPaid:
		if f.Name == "" || f.SetPaid == nil {
			return ClientFrame{}, fmt.Errorf("protocol: %s frame missing name or body", ClientSetPaid)
		}
	case ClientRequestAll, ClientSubscribeUpdates, ClientUnsubscribeUpdates:
		// no payload to validate
	default:
		return ClientFrame{}, fmt.Errorf("protocol: unknown client frame type %q", f.Type)
	}
	return f, nil
}

// Update announces one mutation's result to every subscriber: the
// participant whose order prompted it, the new version and config, and
// every participant's current allocation, so a subscriber can patch its
// whole table from this one frame without waiting on a per-participant
// Update for each of them.
type Update struct {
	Order         FullOrder          `json:"order"`
	Version       int64              `json:"version"`
	Config        kindvec.Vec[int]   `json:"config"`
	Distributions []kindvec.Vec[int] `json:"distributions"`
	Valid         bool               `json:"valid"`
}

// ServerFrame is the envelope for every message the server may send:
// either a direct response to one session's request, an Update or Removed
// broadcast to every subscriber, or a standalone All snapshot.
type ServerFrame struct {
	Type string `json:"type"`

	Response *Response `json:"response,omitempty"`
	Update   *Update   `json:"update,omitempty"`
	Removed  string    `json:"removed,omitempty"`
	All      *FullData `json:"all,omitempty"`
}

// Server frame type discriminators.
const (
	ServerResponse = "response"
	ServerUpdate   = "update"
	ServerRemoved  = "removed"
	ServerAll      = "all"
)

// Response is the reply to a single client request, itself a tagged union
// over which request kind it answers.
type Response struct {
	Type string `json:"type"`

	MakeOrder    *MakeOrderResult    `json:"makeOrder,omitempty"`
	EditOrder    *EditOrderResult    `json:"editOrder,omitempty"`
	GetOrder     *GetOrderResult     `json:"getOrder,omitempty"`
	RemoveOrder  *RemoveOrderResult  `json:"removeOrder,omitempty"`
	SetPaid      *SetPaidResult      `json:"setPaid,omitempty"`
	Subscription *SubscriptionResult `json:"subscription,omitempty"`
}

// Response type discriminators.
const (
	ResponseMakeOrder    = "makeOrder"
	ResponseEditOrder    = "editOrder"
	ResponseGetOrder     = "getOrder"
	ResponseRemoveOrder  = "removeOrder"
	ResponseSetPaid      = "setPaid"
	ResponseSubscription = "subscription"
)

// MakeOrderResult answers ClientMakeOrder.
type MakeOrderResult struct {
	Success               bool `json:"success"`
	NameAlreadyRegistered bool `json:"nameAlreadyRegistered"`
}

// EditOrderResult answers ClientEditOrder.
type EditOrderResult struct {
	Success      bool `json:"success"`
	NameNotFound bool `json:"nameNotFound"`
}

// SubscriptionResult answers ClientSubscribeUpdates.
type SubscriptionResult struct {
	Success           *FullData `json:"success,omitempty"`
	AlreadySubscribed bool      `json:"alreadySubscribed"`
}

// GetOrderResult answers ClientGetOrder.
type GetOrderResult struct {
	Order        *FullOrder `json:"order,omitempty"`
	NameNotFound bool       `json:"nameNotFound"`
}

// RemoveOrderResult answers ClientRemoveOrder.
type RemoveOrderResult struct {
	Order        *FullOrder `json:"order,omitempty"`
	NameNotFound bool       `json:"nameNotFound"`
}

// SetPaidResult answers ClientSetPaid.
type SetPaidResult struct {
	Order        *FullOrder `json:"order,omitempty"`
	NameNotFound bool       `json:"nameNotFound"`
}

// Encode marshals a ServerFrame for transmission.
func Encode(f ServerFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode server frame: %w", err)
	}
	return data, nil
}
