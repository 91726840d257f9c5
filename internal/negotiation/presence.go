package negotiation

import (
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// BothInRoom reports whether the last presence broadcast showed both roles.
// Before any broadcast arrived nobody is considered present.
func (s State) BothInRoom() bool {
	return s.PresenceKnown && s.Presence.Both()
}

// Waiting reports whether the participant is still waiting for the other side.
func (s State) Waiting() bool {
	return !s.BothInRoom()
}

// applyPresence consumes a presence broadcast. The buyer asks for an offer id
// the first time it learns the room has none.
func applyPresence(s State, m protocol.Presence) (State, []Effect) {
	first := !s.PresenceKnown
	s.Presence = m.Presence
	s.PresenceKnown = true
	if m.OfferID != "" {
		s.OfferID = m.OfferID
	}

	switch {
	case !s.Presence.Both():
		s.StatusLine = StatusWaiting
	case s.StatusLine == StatusWaiting:
		s.StatusLine = StatusOfferStage
	}

	var effects []Effect
	if first && s.Role == domain.RoleBuyer && s.OfferID == "" {
		effects = append(effects, Effect{Kind: EffectAllocateOffer})
	}
	return s, effects
}
