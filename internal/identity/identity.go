// Package identity resolves which negotiation room and role a request belongs to.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/tastyrock/negotiator/internal/domain"
)

const (
	BuyerParam  = "buyer"
	TraderParam = "trader"
	RoleParam   = "role"
)

type contextKey int

const participantKey contextKey = iota

var participantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Participant is one side of a negotiation room.
type Participant struct {
	Room domain.RoomID
	Role domain.Role
}

// ParticipantFromContext extracts the participant injected by Middleware.
func ParticipantFromContext(ctx context.Context) (Participant, bool) {
	p, ok := ctx.Value(participantKey).(Participant)
	return p, ok
}

// WithParticipant returns a copy of ctx carrying p.
func WithParticipant(ctx context.Context, p Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

// ValidateParticipantID checks a buyer or trader id.
func ValidateParticipantID(field, id string) error {
	if !participantIDPattern.MatchString(id) {
		return domain.NewValidationError(field, id, fmt.Errorf("must match %s", participantIDPattern))
	}
	return nil
}

// FromRequest parses the buyer, trader and role query parameters.
func FromRequest(r *http.Request) (Participant, error) {
	q := r.URL.Query()
	buyer := strings.TrimSpace(q.Get(BuyerParam))
	trader := strings.TrimSpace(q.Get(TraderParam))

	if err := ValidateParticipantID("buyer", buyer); err != nil {
		return Participant{}, err
	}
	if err := ValidateParticipantID("trader", trader); err != nil {
		return Participant{}, err
	}
	if buyer == trader {
		return Participant{}, domain.NewValidationError("trader", trader, fmt.Errorf("buyer and trader must differ"))
	}
	role, err := domain.ParseRole(q.Get(RoleParam))
	if err != nil {
		return Participant{}, err
	}
	return Participant{Room: domain.RoomID{BuyerID: buyer, TraderID: trader}, Role: role}, nil
}

// Middleware rejects requests without a valid participant and injects it
// into the request context otherwise.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := FromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), p)))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
