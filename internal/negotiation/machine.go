package negotiation

import (
	"slices"

	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// TranscriptLimit bounds the number of transcript entries kept in State.
const TranscriptLimit = 200

// EffectKind identifies what the session must do after a transition.
type EffectKind int

const (
	// EffectBroadcast sends Message on the room channel.
	EffectBroadcast EffectKind = iota
	// EffectAllocateOffer asks the offer store for a new offer id.
	EffectAllocateOffer
)

// Effect is a side effect requested by a pure transition.
type Effect struct {
	Kind    EffectKind
	Message protocol.Message
}

func broadcast(m protocol.Message) Effect {
	return Effect{Kind: EffectBroadcast, Message: m}
}

// AddItem puts a new item into the local offer.
func AddItem(s State, it domain.Item) (State, []Effect, error) {
	if !canEdit(s) {
		return s, nil, domain.ErrEditLocked
	}
	if _, err := domain.ParseItemKey(it.Key); err != nil {
		return s, nil, err
	}
	price, err := domain.NormalizePrice(it.Price)
	if err != nil {
		return s, nil, err
	}
	if s.indexOf(it.Key) >= 0 {
		return s, nil, domain.NewValidationError("item key", it.Key, domain.ErrDuplicateItem)
	}

	it.Price = price
	s = s.clone()
	s.Items = append(s.Items, it)
	s, effects := markDirty(s)
	return s, effects, nil
}

// RemoveItem drops an item from the local offer.
func RemoveItem(s State, key string) (State, []Effect, error) {
	if !canEdit(s) {
		return s, nil, domain.ErrEditLocked
	}
	i := s.indexOf(key)
	if i < 0 {
		return s, nil, domain.NewValidationError("item key", key, domain.ErrItemNotFound)
	}

	s = s.clone()
	s.Items = append(s.Items[:i], s.Items[i+1:]...)
	s, effects := markDirty(s)
	return s, effects, nil
}

// SetPrice changes the price of an item already in the offer. Setting the
// current price again is not an edit.
func SetPrice(s State, key, price string) (State, []Effect, error) {
	if !canEdit(s) {
		return s, nil, domain.ErrEditLocked
	}
	price, err := domain.NormalizePrice(price)
	if err != nil {
		return s, nil, err
	}
	i := s.indexOf(key)
	if i < 0 {
		return s, nil, domain.NewValidationError("item key", key, domain.ErrItemNotFound)
	}
	if s.Items[i].Price == price {
		return s, nil, nil
	}

	s = s.clone()
	s.Items[i].Price = price
	s, effects := markDirty(s)
	return s, effects, nil
}

// markDirty applies the local side of an edit. An edit of a clean offer that
// was already sent or accepted invalidates it for both parties, so the
// revocation is broadcast immediately.
func markDirty(s State) (State, []Effect) {
	wasClean := !s.Flags.Dirty
	published := s.Flags.Sent || s.Flags.Accepted
	s.Flags.Dirty = true
	s.Flags.Accepted = false

	if !wasClean || !published {
		return s, nil
	}
	return s, []Effect{dirtyOffer(s.OfferID)}
}

func dirtyOffer(offerID string) Effect {
	return broadcast(protocol.OfferState{
		Header:  protocol.Header{Type: protocol.TypeDirty},
		OfferID: offerID,
	})
}

// keepDirty re-marks the offer dirty when a clean flag broadcast arrives
// while the local items differ from the published snapshot. This covers
// edits made while a send was in flight and broadcasts that crossed a
// dirty_offer on the wire.
func keepDirty(s State) (State, []Effect) {
	f := s.Flags
	if !f.Sent || f.Dirty || f.Paid || slices.Equal(s.Items, s.Published) {
		return s, nil
	}
	s.Flags.Dirty = true
	s.Flags.Accepted = false
	return s, []Effect{dirtyOffer(s.OfferID)}
}

// Receive applies one inbound broadcast. echo is true when the message
// reflects an action of this very client.
//
//nolint:gocyclo // Single dispatcher over every inbound message type.
func Receive(s State, m protocol.Message, echo bool) (State, []Effect) {
	s = s.clone()

	switch msg := m.(type) {
	case protocol.Presence:
		return applyPresence(s, msg)

	case protocol.OfferState:
		switch msg.Type {
		case protocol.TypeClearOffer:
			s.OfferID = ""
			s.Flags = domain.Flags{}
			s.Published = nil
			s.Locked = false
			return s, nil
		case protocol.TypeSetOffer:
			s.Locked = false
		case protocol.TypePay:
			s.Locked = true
		}
		if msg.OfferID != "" {
			s.OfferID = msg.OfferID
		}
		s.Flags = msg.Flags
		if s.Flags.Paid {
			s.Locked = true
		}
		return keepDirty(s)

	case protocol.OfferItems:
		if msg.OfferID != "" {
			s.OfferID = msg.OfferID
		}
		if !echo {
			s.Items = domain.CloneItems(msg.Items)
			s.Published = domain.CloneItems(msg.Items)
		}

	case protocol.OfferLog:
		diff := msg.Diff
		s = appendEntry(s, Entry{Type: msg.Type, FromRole: msg.FromRole, OfferID: msg.OfferID, Diff: &diff})

	case protocol.OfferStep:
		s.StatusLine = stepStatus(s.Role, msg)
		if msg.Step == protocol.StepPay {
			s.Locked = true
		}

	case protocol.Text:
		if msg.Type == protocol.TypeOfferNote && msg.OfferID != "" {
			s.OfferID = msg.OfferID
		}
		s = appendEntry(s, Entry{Type: msg.Type, FromRole: msg.FromRole, OfferID: msg.OfferID, Text: msg.Text})

	case protocol.ItemAsking:
		item := msg.Item
		s = appendEntry(s, Entry{Type: msg.Type, FromRole: msg.FromRole, OfferID: msg.OfferID, Text: msg.Text, Item: &item})
	}
	return s, nil
}

func stepStatus(role domain.Role, m protocol.OfferStep) string {
	switch m.Step {
	case protocol.StepAccept:
		if role == domain.RoleBuyer {
			return StatusBuyerCanPay
		}
		return StatusTraderWaiting
	case protocol.StepPay:
		if m.Text != "" {
			return m.Text
		}
		return StatusPaying
	default:
		if m.Text != "" {
			return m.Text
		}
		return StatusOfferStage
	}
}

func appendEntry(s State, e Entry) State {
	s.Transcript = append(s.Transcript, e)
	s.Logged++
	if over := len(s.Transcript) - TranscriptLimit; over > 0 {
		s.Transcript = append([]Entry(nil), s.Transcript[over:]...)
	}
	return s
}
