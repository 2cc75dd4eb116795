package order

import (
	"fmt"
	"strings"
)

// Item is one line of an order or a bill. Price is nil when unknown.
type Item struct {
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	Price    *float64 `json:"price,omitempty"`
}

// Validate checks the invariants of an item entered by a user or parsed from a
// backend response.
func (i Item) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("item name cannot be empty")
	}

	if i.Quantity < 1 {
		return fmt.Errorf("item %q: quantity must be at least 1, got %d", i.Name, i.Quantity)
	}

	if i.Price != nil && *i.Price < 0 {
		return fmt.Errorf("item %q: price cannot be negative, got %.2f", i.Name, *i.Price)
	}

	return nil
}

// PriceLabel formats the price for display; a missing price reads as "unknown".
func (i Item) PriceLabel() string {
	if i.Price == nil {
		return "unknown"
	}
	return fmt.Sprintf("$%.2f", *i.Price)
}

// WithPrice returns a copy of the item carrying price.
func (i Item) WithPrice(price float64) Item {
	i.Price = &price
	return i
}

// Snapshot is an immutable copy of an ordered item list.
type Snapshot struct {
	items []Item
}

// NewSnapshot copies items so later changes to the source slice are not observed.
func NewSnapshot(items []Item) Snapshot {
	return Snapshot{items: cloneItems(items)}
}

// Items returns a copy of the snapshot's items.
func (s Snapshot) Items() []Item {
	return cloneItems(s.items)
}

// Len returns the number of items.
func (s Snapshot) Len() int {
	return len(s.items)
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		if item.Price != nil {
			price := *item.Price
			item.Price = &price
		}
		out[i] = item
	}
	return out
}
