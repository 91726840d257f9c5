// Package negotiation implements the client side of a two-party trade
// negotiation: the offer state machine, presence tracking, action gating and
// the session that ties them to a room channel.
package negotiation

import (
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// Status line texts.
const (
	StatusWaiting       = "Waiting for both participants in room"
	StatusOfferStage    = "Offer stage"
	StatusBuyerCanPay   = "Offer accepted. Now you can pay"
	StatusTraderWaiting = "Waiting for buyer to pay"
	StatusPaying        = "Buyer is paying for offer"
)

// Entry is one line of the session transcript.
type Entry struct {
	Type     protocol.Type
	FromRole domain.Role
	OfferID  string
	Text     string
	Diff     *domain.OfferDiff
	Item     *domain.Item
}

// State is the negotiation state held by one client. It is a value: the
// machine functions return a new State and never mutate their input.
type State struct {
	Role domain.Role

	// Presence is the last occupancy broadcast. PresenceKnown is false until
	// the first one arrives.
	Presence      domain.Presence
	PresenceKnown bool

	OfferID string
	Items   []domain.Item
	Flags   domain.Flags
	// Published is the last item snapshot put on the wire by either side.
	// A clean flag broadcast only vouches for these items.
	Published []domain.Item

	// Locked disables editing once payment started.
	Locked bool

	StatusLine string
	Transcript []Entry
	// Logged counts every entry ever appended, including those dropped
	// from the front of Transcript.
	Logged int
}

// NewState returns the state of a freshly connected client.
func NewState(role domain.Role) State {
	return State{Role: role, StatusLine: StatusWaiting}
}

// Status maps the state onto the offer lifecycle.
func (s State) Status() domain.OfferStatus {
	return s.Flags.Status()
}

// Item returns the item with key.
func (s State) Item(key string) (domain.Item, bool) {
	if i := s.indexOf(key); i >= 0 {
		return s.Items[i], true
	}
	return domain.Item{}, false
}

func (s State) indexOf(key string) int {
	for i, it := range s.Items {
		if it.Key == key {
			return i
		}
	}
	return -1
}

// clone copies the slices so a returned State shares nothing with s.
func (s State) clone() State {
	s.Items = domain.CloneItems(s.Items)
	s.Published = domain.CloneItems(s.Published)
	if s.Transcript != nil {
		t := make([]Entry, len(s.Transcript))
		copy(t, s.Transcript)
		s.Transcript = t
	}
	return s
}

// reset drops everything tied to a connection. The transcript survives.
func (s State) reset() State {
	return State{Role: s.Role, Transcript: s.Transcript, Logged: s.Logged}
}
