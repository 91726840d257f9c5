package negotiation

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

func item(key, price string) domain.Item {
	return domain.Item{Key: key, Name: "item " + key, Price: price}
}

func presence(buyer, trader bool, offerID string) protocol.Presence {
	return protocol.Presence{
		Header:   protocol.Header{Type: protocol.TypePresence, FromRole: domain.RoleSystem},
		Presence: domain.NewPresence(buyer, trader),
		OfferID:  offerID,
	}
}

func flags(typ protocol.Type, f domain.Flags) protocol.OfferState {
	return protocol.OfferState{Header: protocol.Header{Type: typ, FromRole: domain.RoleSystem}, OfferID: "off-1", Flags: f}
}

func mustAdd(t *testing.T, s State, it domain.Item) State {
	t.Helper()
	s, _, err := AddItem(s, it)
	if err != nil {
		t.Fatalf("AddItem(%s) failed: %v", it.Key, err)
	}
	return s
}

func TestAddItem_Validation(t *testing.T) {
	s := mustAdd(t, NewState(domain.RoleBuyer), item("730:2:1", "4.50"))

	tests := []struct {
		name string
		it   domain.Item
		want error
	}{
		{"duplicate key", item("730:2:1", "1"), domain.ErrDuplicateItem},
		{"bad key", item("730:2", "1"), domain.ErrInvalidItemKey},
		{"letters in price", item("730:2:2", "4,50"), domain.ErrInvalidPrice},
		{"two separators", item("730:2:3", "1.2.3"), domain.ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects, err := AddItem(s, tt.it)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("Expected ValidationError, got %T", err)
			}
			if len(got.Items) != 1 || len(effects) != 0 {
				t.Errorf("Rejected input must not change state: %+v %+v", got.Items, effects)
			}
		})
	}
}

func TestAddItem_EmptyPriceIsZero(t *testing.T) {
	s := mustAdd(t, NewState(domain.RoleBuyer), item("730:2:1", " "))
	if s.Items[0].Price != "0" {
		t.Errorf("Expected price 0, got %q", s.Items[0].Price)
	}
}

func TestEdits_DoNotMutateInput(t *testing.T) {
	s := mustAdd(t, NewState(domain.RoleBuyer), item("730:2:1", "1"))
	s = mustAdd(t, s, item("730:2:2", "2"))

	if _, _, err := RemoveItem(s, "730:2:1"); err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}
	if _, _, err := SetPrice(s, "730:2:2", "9"); err != nil {
		t.Fatalf("SetPrice failed: %v", err)
	}
	if len(s.Items) != 2 || s.Items[0].Key != "730:2:1" || s.Items[1].Price != "2" {
		t.Errorf("Input state was mutated: %+v", s.Items)
	}
}

func TestEdits_UnknownItem(t *testing.T) {
	s := NewState(domain.RoleTrader)
	if _, _, err := RemoveItem(s, "730:2:9"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("RemoveItem: expected ErrItemNotFound, got %v", err)
	}
	if _, _, err := SetPrice(s, "730:2:9", "1"); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("SetPrice: expected ErrItemNotFound, got %v", err)
	}
}

func TestMarkDirty_BroadcastsOnlyWhenPublished(t *testing.T) {
	tests := []struct {
		name      string
		flags     domain.Flags
		broadcast bool
	}{
		{"never sent", domain.Flags{}, false},
		{"sent", domain.Flags{Sent: true}, true},
		{"accepted", domain.Flags{Sent: true, Accepted: true}, true},
		{"already dirty", domain.Flags{Sent: true, Dirty: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(domain.RoleBuyer)
			s.OfferID = "off-1"
			s.Flags = tt.flags

			s, effects, err := AddItem(s, item("730:2:1", "1"))
			if err != nil {
				t.Fatalf("AddItem failed: %v", err)
			}
			if !s.Flags.Dirty || s.Flags.Accepted {
				t.Errorf("Expected dirty and not accepted, got %+v", s.Flags)
			}
			if got := len(effects) == 1; got != tt.broadcast {
				t.Fatalf("Expected broadcast=%v, got effects %+v", tt.broadcast, effects)
			}
			if tt.broadcast {
				m := effects[0].Message.(protocol.OfferState)
				if effects[0].Kind != EffectBroadcast || m.Type != protocol.TypeDirty || m.OfferID != "off-1" {
					t.Errorf("Expected dirty_offer broadcast, got %+v", effects[0])
				}
			}
		})
	}
}

func TestSetPrice_SamePriceIsNotAnEdit(t *testing.T) {
	s := NewState(domain.RoleTrader)
	s.Items = []domain.Item{item("730:2:1", "4.50")}
	s.Flags = domain.Flags{Sent: true}

	got, effects, err := SetPrice(s, "730:2:1", "4.50")
	if err != nil || len(effects) != 0 || got.Flags.Dirty {
		t.Errorf("Expected no-op, got flags %+v effects %+v err %v", got.Flags, effects, err)
	}
}

func TestEditLocks(t *testing.T) {
	trader := NewState(domain.RoleTrader)
	trader.Flags = domain.Flags{Sent: true, Accepted: true}
	if _, _, err := AddItem(trader, item("730:2:1", "1")); !errors.Is(err, domain.ErrEditLocked) {
		t.Errorf("Trader after accept: expected ErrEditLocked, got %v", err)
	}

	buyer := NewState(domain.RoleBuyer)
	buyer.Flags = domain.Flags{Sent: true, Accepted: true}
	if _, _, err := AddItem(buyer, item("730:2:1", "1")); err != nil {
		t.Errorf("Buyer may still edit an accepted offer: %v", err)
	}

	buyer.Locked = true
	if _, _, err := AddItem(buyer, item("730:2:2", "1")); !errors.Is(err, domain.ErrEditLocked) {
		t.Errorf("Locked buyer: expected ErrEditLocked, got %v", err)
	}
}

func TestReceive_PresenceAllocatesOnceForBuyer(t *testing.T) {
	s, effects := Receive(NewState(domain.RoleBuyer), presence(true, false, ""), false)
	if len(effects) != 1 || effects[0].Kind != EffectAllocateOffer {
		t.Fatalf("Expected allocation effect, got %+v", effects)
	}
	if s.StatusLine != StatusWaiting || s.BothInRoom() {
		t.Errorf("Expected waiting state, got %q", s.StatusLine)
	}

	s, effects = Receive(s, presence(true, true, ""), false)
	if len(effects) != 0 {
		t.Errorf("Expected no second allocation, got %+v", effects)
	}
	if s.StatusLine != StatusOfferStage || !s.BothInRoom() {
		t.Errorf("Expected offer stage, got %q", s.StatusLine)
	}

	if _, effects := Receive(NewState(domain.RoleBuyer), presence(true, true, "off-9"), false); len(effects) != 0 {
		t.Errorf("Existing offer id must not be reallocated, got %+v", effects)
	}
	if _, effects := Receive(NewState(domain.RoleTrader), presence(false, true, ""), false); len(effects) != 0 {
		t.Errorf("Trader must not allocate, got %+v", effects)
	}
}

func TestReceive_PresenceKeepsOfferID(t *testing.T) {
	s := NewState(domain.RoleTrader)
	s.OfferID = "off-1"
	s, _ = Receive(s, presence(false, true, ""), false)
	if s.OfferID != "off-1" {
		t.Errorf("Presence without offer id cleared it: %q", s.OfferID)
	}
	s, _ = Receive(s, presence(true, true, "off-2"), false)
	if s.OfferID != "off-2" {
		t.Errorf("Expected adopted offer id, got %q", s.OfferID)
	}
}

func TestReceive_OfferItemsReplaceUnlessEcho(t *testing.T) {
	s := NewState(domain.RoleTrader)
	s.Items = []domain.Item{item("730:2:1", "1"), item("730:2:2", "2")}

	snapshot := protocol.OfferItems{
		Header:  protocol.Header{Type: protocol.TypeOfferItems, FromRole: domain.RoleBuyer},
		OfferID: "off-1",
		Items:   []domain.Item{item("730:2:3", "3")},
	}

	echoed, _ := Receive(s, snapshot, true)
	if len(echoed.Items) != 2 {
		t.Errorf("Echo overwrote local items: %+v", echoed.Items)
	}

	replaced, _ := Receive(s, snapshot, false)
	if len(replaced.Items) != 1 || replaced.Items[0].Key != "730:2:3" {
		t.Errorf("Expected wholesale replace, got %+v", replaced.Items)
	}
	if replaced.OfferID != "off-1" {
		t.Errorf("Expected offer id adopted, got %q", replaced.OfferID)
	}

	snapshot.Items[0].Price = "99"
	if replaced.Items[0].Price != "3" {
		t.Error("State shares the message's backing array")
	}
}

func TestReceive_FlagsReplaceWholesale(t *testing.T) {
	s := NewState(domain.RoleBuyer)
	s.Flags = domain.Flags{Dirty: true, Sent: true}

	s, _ = Receive(s, flags(protocol.TypeSendOffer, domain.Flags{Sent: true}), true)
	if s.Flags != (domain.Flags{Sent: true}) {
		t.Errorf("Expected clean sent flags, got %+v", s.Flags)
	}

	s, _ = Receive(s, flags(protocol.TypePay, domain.Flags{Sent: true, Accepted: true, Paid: true}), false)
	if !s.Locked || s.Status() != domain.StatusPayProcess {
		t.Errorf("Expected locked pay state, got %+v locked=%v", s.Flags, s.Locked)
	}

	s, _ = Receive(s, protocol.OfferState{Header: protocol.Header{Type: protocol.TypeClearOffer}}, false)
	if s.OfferID != "" || s.Flags != (domain.Flags{}) || s.Locked {
		t.Errorf("Expected cleared offer, got %+v", s)
	}
}

func TestReceive_CleanFlagsKeepUnsentEdits(t *testing.T) {
	s := NewState(domain.RoleBuyer)
	s.OfferID = "off-1"
	s.Items = []domain.Item{item("730:2:1", "4.50"), item("730:2:2", "900")}
	s.Published = []domain.Item{item("730:2:1", "4.50")}
	s.Flags = domain.Flags{Dirty: true}

	got, effects := Receive(s, flags(protocol.TypeSendOffer, domain.Flags{Sent: true}), true)
	if got.Flags != (domain.Flags{Sent: true, Dirty: true}) {
		t.Errorf("Expected the unsent edit to keep the offer dirty, got %+v", got.Flags)
	}
	if len(effects) != 1 || effects[0].Message.Head().Type != protocol.TypeDirty {
		t.Fatalf("Expected one dirty_offer broadcast, got %+v", effects)
	}

	got, effects = Receive(got, flags(protocol.TypeAccept, domain.Flags{Sent: true, Accepted: true}), false)
	if got.Flags.Accepted || !got.Flags.Dirty || ComputeGates(got).CanPay {
		t.Errorf("Accept of an older snapshot must not stand: %+v", got.Flags)
	}
	if len(effects) != 1 {
		t.Errorf("Expected the revocation to be repeated, got %+v", effects)
	}

	s.Published = domain.CloneItems(s.Items)
	got, effects = Receive(s, flags(protocol.TypeSendOffer, domain.Flags{Sent: true}), true)
	if got.Flags.Dirty || len(effects) != 0 {
		t.Errorf("Matching snapshot must come back clean: %+v %+v", got.Flags, effects)
	}
}

func TestReceive_OfferItemsBecomePublished(t *testing.T) {
	s := NewState(domain.RoleTrader)
	snapshot := protocol.OfferItems{
		Header:  protocol.Header{Type: protocol.TypeOfferItems, FromRole: domain.RoleBuyer},
		OfferID: "off-1",
		Items:   []domain.Item{item("730:2:3", "3")},
	}
	s, _ = Receive(s, snapshot, false)
	s, effects := Receive(s, flags(protocol.TypeSendOffer, domain.Flags{Sent: true}), false)
	if s.Flags.Dirty || len(effects) != 0 || !ComputeGates(s).CanEdit {
		t.Errorf("Received snapshot must be clean: %+v %+v", s.Flags, effects)
	}

	s, _ = Receive(s, protocol.OfferState{Header: protocol.Header{Type: protocol.TypeClearOffer}}, false)
	if s.Published != nil {
		t.Errorf("clear_offer must drop the published snapshot, got %+v", s.Published)
	}
}

func TestReceive_StepStatusPerRole(t *testing.T) {
	step := protocol.OfferStep{Header: protocol.Header{Type: protocol.TypeOfferStep}, Step: protocol.StepAccept, Text: "Accepted"}

	buyer, _ := Receive(NewState(domain.RoleBuyer), step, false)
	trader, _ := Receive(NewState(domain.RoleTrader), step, false)
	if buyer.StatusLine != StatusBuyerCanPay || trader.StatusLine != StatusTraderWaiting {
		t.Errorf("Unexpected status lines: buyer=%q trader=%q", buyer.StatusLine, trader.StatusLine)
	}

	step.Step, step.Text = protocol.StepPay, StatusPaying
	trader, _ = Receive(trader, step, false)
	if trader.StatusLine != StatusPaying || !trader.Locked {
		t.Errorf("Expected paying status and lock, got %q locked=%v", trader.StatusLine, trader.Locked)
	}
}

func TestReceive_TranscriptIsBounded(t *testing.T) {
	s := NewState(domain.RoleBuyer)
	for i := 0; i < TranscriptLimit+25; i++ {
		s, _ = Receive(s, protocol.Text{Header: protocol.Header{Type: protocol.TypeChat, FromRole: domain.RoleTrader}, Text: strconv.Itoa(i)}, false)
	}
	if len(s.Transcript) != TranscriptLimit {
		t.Fatalf("Expected %d entries, got %d", TranscriptLimit, len(s.Transcript))
	}
	if first := s.Transcript[0].Text; first != "25" {
		t.Errorf("Expected oldest entries dropped, first=%q", first)
	}

	note := protocol.Text{Header: protocol.Header{Type: protocol.TypeOfferNote}, OfferID: "off-7", Text: "off-7"}
	s, _ = Receive(s, note, false)
	if s.OfferID != "off-7" {
		t.Errorf("Expected offer_system to carry the offer id, got %q", s.OfferID)
	}
}

// Any sequence of edits before the first send leaves one item per key with
// the last price entered for it.
func TestEdits_DedupLastPriceWins(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{"730:2:1", "730:2:2", "730:2:3", "570:2:4"}

	for round := 0; round < 200; round++ {
		s := NewState(domain.RoleBuyer)
		want := map[string]string{}

		for step := 0; step < 30; step++ {
			key := keys[rng.Intn(len(keys))]
			price := strconv.Itoa(rng.Intn(100)) + "." + strconv.Itoa(rng.Intn(100))
			var err error
			switch rng.Intn(3) {
			case 0:
				s, _, err = AddItem(s, item(key, price))
				if _, exists := want[key]; exists {
					if !errors.Is(err, domain.ErrDuplicateItem) {
						t.Fatalf("Expected duplicate rejection, got %v", err)
					}
					continue
				}
				want[key] = price
			case 1:
				s, _, err = RemoveItem(s, key)
				delete(want, key)
			case 2:
				s, _, err = SetPrice(s, key, price)
				if _, exists := want[key]; exists {
					want[key] = price
				}
			}
			if err != nil && !errors.Is(err, domain.ErrItemNotFound) {
				t.Fatalf("Unexpected error: %v", err)
			}
		}

		if len(s.Items) != len(want) {
			t.Fatalf("Round %d: expected %d items, got %+v", round, len(want), s.Items)
		}
		for _, it := range s.Items {
			if want[it.Key] != it.Price {
				t.Fatalf("Round %d: %s has price %s, want %s", round, it.Key, it.Price, want[it.Key])
			}
		}
		if err := domain.ValidateItems(s.Items); err != nil {
			t.Fatalf("Round %d: items invalid: %v", round, err)
		}
	}
}

// can_accept is false whenever both parties are not present, whatever the flags.
func TestGates_AcceptRequiresBothPresent(t *testing.T) {
	for mask := 0; mask < 16; mask++ {
		f := domain.Flags{Dirty: mask&1 != 0, Sent: mask&2 != 0, Accepted: mask&4 != 0, Paid: mask&8 != 0}
		for _, p := range []domain.Presence{
			domain.NewPresence(false, false),
			domain.NewPresence(true, false),
			domain.NewPresence(false, true),
		} {
			s := State{Role: domain.RoleTrader, Presence: p, PresenceKnown: true, Flags: f}
			if ComputeGates(s).CanAccept {
				t.Errorf("CanAccept with presence %+v flags %+v", p, f)
			}
			s.Role = domain.RoleBuyer
			if ComputeGates(s).CanPay {
				t.Errorf("CanPay with presence %+v flags %+v", p, f)
			}
		}
	}
}

func TestGates(t *testing.T) {
	both := domain.NewPresence(true, true)
	items := []domain.Item{item("730:2:1", "1")}

	tests := []struct {
		name  string
		state State
		want  Gates
	}{
		{
			name:  "presence unknown",
			state: State{Role: domain.RoleBuyer, Presence: both, Items: items},
			want:  Gates{CanEdit: true},
		},
		{
			name:  "buyer can send",
			state: State{Role: domain.RoleBuyer, Presence: both, PresenceKnown: true, Items: items},
			want:  Gates{CanSend: true, CanEdit: true},
		},
		{
			name:  "trader can accept clean offer",
			state: State{Role: domain.RoleTrader, Presence: both, PresenceKnown: true, Items: items, Flags: domain.Flags{Sent: true}},
			want:  Gates{CanSend: true, CanAccept: true, CanEdit: true},
		},
		{
			name:  "dirty blocks accept",
			state: State{Role: domain.RoleTrader, Presence: both, PresenceKnown: true, Items: items, Flags: domain.Flags{Sent: true, Dirty: true}},
			want:  Gates{CanSend: true, CanEdit: true},
		},
		{
			name:  "trader frozen after accept",
			state: State{Role: domain.RoleTrader, Presence: both, PresenceKnown: true, Items: items, Flags: domain.Flags{Sent: true, Accepted: true}},
			want:  Gates{CanSend: true},
		},
		{
			name:  "buyer can pay",
			state: State{Role: domain.RoleBuyer, Presence: both, PresenceKnown: true, Items: items, Flags: domain.Flags{Sent: true, Accepted: true}},
			want:  Gates{CanSend: true, CanPay: true, CanEdit: true},
		},
		{
			name:  "paid",
			state: State{Role: domain.RoleBuyer, Presence: both, PresenceKnown: true, Items: items, Flags: domain.Flags{Sent: true, Accepted: true, Paid: true}, Locked: true},
			want:  Gates{CanSend: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeGates(tt.state); got != tt.want {
				t.Errorf("ComputeGates() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
