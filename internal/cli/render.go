package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/negotiation"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// printer writes status line changes and new transcript entries as views
// arrive. Views may come from any goroutine.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	status string
	logged int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) update(v negotiation.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Views can arrive out of order; an older one would reprint entries.
	if v.Logged < p.logged {
		return
	}
	if v.StatusLine != "" && v.StatusLine != p.status {
		fmt.Fprintf(p.out, ">> %s\n", v.StatusLine)
	}
	p.status = v.StatusLine

	fresh := v.Logged - p.logged
	if fresh > len(v.Transcript) {
		fresh = len(v.Transcript)
	}
	if fresh > 0 {
		for _, e := range v.Transcript[len(v.Transcript)-fresh:] {
			fmt.Fprintln(p.out, formatEntry(e))
		}
	}
	p.logged = v.Logged
}

func formatEntry(e negotiation.Entry) string {
	switch e.Type {
	case protocol.TypeChat:
		return fmt.Sprintf("[%s] %s", e.FromRole.Label(), e.Text)
	case protocol.TypeOfferNote:
		return fmt.Sprintf("* offer %s", e.OfferID)
	case protocol.TypeItemAsking:
		subject := ""
		if e.Item != nil {
			subject = e.Item.Name
			if subject == "" {
				subject = e.Item.Key
			}
		}
		return fmt.Sprintf("[%s] about %s: %s", e.FromRole.Label(), subject, e.Text)
	case protocol.TypeOfferLog:
		if e.Diff == nil {
			return fmt.Sprintf("[%s] sent the offer", e.FromRole.Label())
		}
		return fmt.Sprintf("[%s] sent the offer: %s", e.FromRole.Label(), summarizeDiff(*e.Diff))
	default:
		return "* " + e.Text
	}
}

func summarizeDiff(d domain.OfferDiff) string {
	var parts []string
	if n := len(d.NewItems); n > 0 {
		parts = append(parts, fmt.Sprintf("%d new", n))
	}
	if n := len(d.AddedItems); n > 0 {
		parts = append(parts, fmt.Sprintf("+%d", n))
	}
	if n := len(d.RemovedItems); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d", n))
	}
	if n := len(d.UpdatedItems); n > 0 {
		parts = append(parts, fmt.Sprintf("~%d", n))
	}
	s := fmt.Sprintf("%d items, total %s", d.TotalCount, d.TotalPrice)
	if len(parts) > 0 {
		s += " (" + strings.Join(parts, " ") + ")"
	}
	return s
}

func renderView(w io.Writer, v negotiation.View) {
	offerID := v.OfferID
	if offerID == "" {
		offerID = "-"
	}
	fmt.Fprintf(w, "Role:     %s\n", v.Role.Label())
	fmt.Fprintf(w, "Room:     %s (%d present)\n", presenceText(v), v.Presence.Count)
	fmt.Fprintf(w, "Offer:    %s [%s]\n", offerID, v.Status)
	fmt.Fprintf(w, "Status:   %s\n", v.StatusLine)
	fmt.Fprintf(w, "Actions:  %s\n", gatesText(v.Gates))
	renderItems(w, v.Items)
	fmt.Fprintf(w, "Total:    %s\n", v.TotalPrice)
}

func presenceText(v negotiation.View) string {
	switch {
	case !v.Connected:
		return "disconnected"
	case v.BothInRoom():
		return "both in room"
	default:
		return "waiting"
	}
}

func gatesText(g negotiation.Gates) string {
	var allowed []string
	if g.CanEdit {
		allowed = append(allowed, "edit")
	}
	if g.CanSend {
		allowed = append(allowed, "send")
	}
	if g.CanAccept {
		allowed = append(allowed, "accept")
	}
	if g.CanPay {
		allowed = append(allowed, "pay")
	}
	if len(allowed) == 0 {
		return "none"
	}
	return strings.Join(allowed, ", ")
}

func renderItems(w io.Writer, items []domain.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Items:    none")
		return
	}
	fmt.Fprintln(w, "Items:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, it := range items {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", it.Key, it.Name, domain.PriceValue(it.Price).StringFixed(2))
	}
	_ = tw.Flush()
}

func renderOffer(w io.Writer, o *domain.OfferRecord) {
	fmt.Fprintf(w, "Offer:    %s\n", o.OfferID)
	fmt.Fprintf(w, "Buyer:    %s\n", o.BuyerID)
	fmt.Fprintf(w, "Trader:   %s\n", o.TraderID)
	fmt.Fprintf(w, "Status:   %s\n", o.Status)
	fmt.Fprintf(w, "Updated:  %s\n", o.UpdatedAt.Format("2006-01-02 15:04:05"))
	renderItems(w, o.Items)
	fmt.Fprintf(w, "Total:    %s\n", domain.TotalPrice(o.Items).StringFixed(2))
}
