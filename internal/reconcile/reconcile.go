// Package reconcile compares what a diner ordered with what the bill charges.
// It is a pure computation with no shared state and never fails.
package reconcile

import (
	"fmt"
	"strings"

	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
)

// Kind tells whether an item is missing from the bill or extra on it.
type Kind string

const (
	KindMissing Kind = "missing"
	KindExtra   Kind = "extra"
)

const (
	MessageMatch    = "The ordered items and billed items match."
	MessageMismatch = "The ordered items and billed items do not match perfectly."
)

// Discrepancy is one reconciliation finding.
type Discrepancy struct {
	Item            string `json:"item"`
	OrderedQuantity int    `json:"orderedQuantity"`
	BilledQuantity  int    `json:"billedQuantity"`
	Question        string `json:"question"`
	Kind            Kind   `json:"kind,omitempty"`
}

// Report is the outcome of one verification.
type Report struct {
	Message       string        `json:"message"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	IsMatch       bool          `json:"isMatch"`
}

// Reconcile checks presence only: an ordered item is on the bill when its name is a
// case-insensitive substring of some billed name, and a billed item is in the
// order when its name is a case-insensitive substring of some ordered name.
// Quantities are carried into findings but never compared. Missing findings come
// first in order input order, then extra findings in bill input order.
func Reconcile(ordered, billed []order.Item) Report {
	orderedNames := lowerNames(ordered)
	billedNames := lowerNames(billed)

	discrepancies := make([]Discrepancy, 0)

	for i, item := range ordered {
		if !containedInAny(orderedNames[i], billedNames) {
			discrepancies = append(discrepancies, Discrepancy{
				Item:            item.Name,
				OrderedQuantity: item.Quantity,
				BilledQuantity:  0,
				Question:        fmt.Sprintf("Did you order %d %s? They are not included in the bill.", item.Quantity, item.Name),
				Kind:            KindMissing,
			})
		}
	}

	for i, item := range billed {
		if !containedInAny(billedNames[i], orderedNames) {
			discrepancies = append(discrepancies, Discrepancy{
				Item:            item.Name,
				OrderedQuantity: 0,
				BilledQuantity:  item.Quantity,
				Question:        fmt.Sprintf("Did you order %d %s? You are charged for %d %s in the bill.", item.Quantity, item.Name, item.Quantity, item.Name),
				Kind:            KindExtra,
			})
		}
	}

	report := Report{
		Message:       MessageMatch,
		Discrepancies: discrepancies,
		IsMatch:       len(discrepancies) == 0,
	}
	if !report.IsMatch {
		report.Message = MessageMismatch
	}

	return report
}

// Missing returns the findings of kind missing.
func (r Report) Missing() []Discrepancy {
	return r.filter(KindMissing)
}

// Extra returns the findings of kind extra.
func (r Report) Extra() []Discrepancy {
	return r.filter(KindExtra)
}

func (r Report) filter(kind Kind) []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func lowerNames(items []order.Item) []string {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = strings.ToLower(item.Name)
	}
	return names
}

// containedInAny reports whether needle is a substring of any candidate.
func containedInAny(needle string, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(c, needle) {
			return true
		}
	}
	return false
}
