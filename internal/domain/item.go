package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Item is one priced inventory item inside an offer.
type Item struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Image string `json:"image"`
	Link  string `json:"link"`
	Price string `json:"price"`
}

// ItemKey is the parsed form of the composite "appid:contextid:assetid" key.
type ItemKey struct {
	AppID     string
	ContextID string
	AssetID   string
}

func (k ItemKey) String() string {
	return k.AppID + ":" + k.ContextID + ":" + k.AssetID
}

// ParseItemKey splits and validates a composite item key.
func ParseItemKey(key string) (ItemKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return ItemKey{}, NewValidationError("item key", key, ErrInvalidItemKey)
	}
	for _, p := range parts {
		if p == "" || !isDigits(p) {
			return ItemKey{}, NewValidationError("item key", key, ErrInvalidItemKey)
		}
	}
	return ItemKey{AppID: parts[0], ContextID: parts[1], AssetID: parts[2]}, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizePrice validates a price typed by a user character by character.
// Only digits and a single '.' are allowed. An empty price means zero.
func NormalizePrice(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0", nil
	}
	dots, digits := 0, 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
			if dots > 1 {
				return "", NewValidationError("price", s, fmt.Errorf("%w: second separator at %d", ErrInvalidPrice, i))
			}
		default:
			return "", NewValidationError("price", s, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidPrice, r, i))
		}
	}
	if digits == 0 {
		return "", NewValidationError("price", s, fmt.Errorf("%w: no digits", ErrInvalidPrice))
	}
	return s, nil
}

// PriceValue parses an already validated price string. Invalid input counts as zero.
func PriceValue(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	s = strings.TrimSuffix(s, ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Validate checks the key and the price of an item.
func (it Item) Validate() error {
	if _, err := ParseItemKey(it.Key); err != nil {
		return err
	}
	if _, err := NormalizePrice(it.Price); err != nil {
		return err
	}
	return nil
}

// ValidateItems validates every item and rejects duplicate keys.
func ValidateItems(items []Item) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
		if _, dup := seen[it.Key]; dup {
			return NewValidationError("item key", it.Key, ErrDuplicateItem)
		}
		seen[it.Key] = struct{}{}
	}
	return nil
}

// TotalPrice sums item prices for aggregate display.
func TotalPrice(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(PriceValue(it.Price))
	}
	return total
}

// CloneItems returns a copy of items that shares no backing array.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
