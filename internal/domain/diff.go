package domain

// DiffItem is an item as it appears in an offer change log.
type DiffItem struct {
	AssetKey string `json:"item_asset_id"`
	Name     string `json:"item_name"`
	Price    string `json:"item_price"`
	Link     string `json:"item_link"`
	Image    string `json:"item_image"`
}

// OfferDiff summarizes what changed between two saved versions of an offer.
// It is shown to both parties as the offer_log chat entry.
type OfferDiff struct {
	NewItems     []DiffItem `json:"new_items,omitempty"`
	AddedItems   []DiffItem `json:"added_items,omitempty"`
	RemovedItems []DiffItem `json:"removed_items,omitempty"`
	UpdatedItems []DiffItem `json:"updated_items,omitempty"`
	TotalPrice   string     `json:"total_price"`
	TotalCount   int        `json:"total_count"`
}

func toDiffItem(it Item) DiffItem {
	return DiffItem{AssetKey: it.Key, Name: it.Name, Price: it.Price, Link: it.Link, Image: it.Image}
}

// ComputeDiff compares the previously saved items with the new snapshot.
// On the first save (first == true) every item is reported as new.
func ComputeDiff(prev, next []Item, first bool) OfferDiff {
	diff := OfferDiff{
		TotalPrice: TotalPrice(next).StringFixed(2),
		TotalCount: len(next),
	}
	if first {
		for _, it := range next {
			diff.NewItems = append(diff.NewItems, toDiffItem(it))
		}
		return diff
	}

	before := make(map[string]Item, len(prev))
	for _, it := range prev {
		before[it.Key] = it
	}
	after := make(map[string]struct{}, len(next))
	for _, it := range next {
		after[it.Key] = struct{}{}
		old, ok := before[it.Key]
		switch {
		case !ok:
			diff.AddedItems = append(diff.AddedItems, toDiffItem(it))
		case !PriceValue(old.Price).Equal(PriceValue(it.Price)):
			diff.UpdatedItems = append(diff.UpdatedItems, toDiffItem(it))
		}
	}
	for _, it := range prev {
		if _, ok := after[it.Key]; !ok {
			diff.RemovedItems = append(diff.RemovedItems, toDiffItem(it))
		}
	}
	return diff
}

// Empty reports whether the diff records no change.
func (d OfferDiff) Empty() bool {
	return len(d.NewItems)+len(d.AddedItems)+len(d.RemovedItems)+len(d.UpdatedItems) == 0
}
