package negotiation

import "github.com/tastyrock/negotiator/internal/domain"

// Gates tells which actions the local participant may take right now.
type Gates struct {
	CanSend   bool
	CanAccept bool
	CanPay    bool
	CanEdit   bool
}

// ComputeGates derives the gates from s. It is recomputed on every change
// and never cached.
func ComputeGates(s State) Gates {
	both := s.BothInRoom()
	f := s.Flags
	return Gates{
		CanSend:   both && len(s.Items) > 0,
		CanAccept: s.Role == domain.RoleTrader && both && f.Sent && !f.Dirty && !f.Accepted,
		CanPay:    s.Role == domain.RoleBuyer && both && f.Accepted && !f.Paid,
		CanEdit:   canEdit(s),
	}
}

// canEdit reports whether items may be added, removed or repriced. The
// trader's inventory freezes once they accepted; both sides freeze at payment.
func canEdit(s State) bool {
	if s.Locked || s.Flags.Paid {
		return false
	}
	return !(s.Role == domain.RoleTrader && s.Flags.Accepted)
}
