// Package ranking computes queue positions. Nothing here touches storage:
// every rank is derived from a snapshot of live orders, so it is never
// stored and never goes stale.
package ranking

import (
	"sort"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/shopspring/decimal"
)

// Candidate is anything that can be placed in the queue: a persisted order
// or a prospective one. A nil CreatedAt means "submitted now", which puts
// it behind every existing order that ties on urgency and amount.
type Candidate struct {
	ID        string
	Amount    decimal.Decimal
	IsUrgent  bool
	CreatedAt *time.Time
}

func FromOrder(o *model.Order) Candidate {
	createdAt := o.CreatedAt
	return Candidate{
		ID:        o.ID,
		Amount:    o.Amount,
		IsUrgent:  o.IsUrgent,
		CreatedAt: &createdAt,
	}
}

// Outranks reports whether a is strictly ahead of b. Keys, most significant
// first: urgent before non-urgent, higher amount, earlier created_at, then
// smaller id so that persisted orders never tie.
func Outranks(a, b Candidate) bool {
	if a.IsUrgent != b.IsUrgent {
		return a.IsUrgent
	}
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}

	switch {
	case a.CreatedAt == nil:
		return false
	case b.CreatedAt == nil:
		return true
	case !a.CreatedAt.Equal(*b.CreatedAt):
		return a.CreatedAt.Before(*b.CreatedAt)
	}

	if a.ID == "" || b.ID == "" {
		return false
	}
	return a.ID < b.ID
}

// Rank returns the 1-based position c would hold among the queued orders
// of snapshot. Orders outside paid-queued/processing are ignored, as is c
// itself when it is part of the snapshot.
func Rank(c Candidate, snapshot []model.Order) int {
	ahead := 0
	for i := range snapshot {
		o := &snapshot[i]
		if !o.Status.InQueue() {
			continue
		}
		if c.ID != "" && o.ID == c.ID {
			continue
		}
		if Outranks(FromOrder(o), c) {
			ahead++
		}
	}
	return ahead + 1
}

// Sort orders the slice in queue order, front first.
func Sort(orders []model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return Outranks(FromOrder(&orders[i]), FromOrder(&orders[j]))
	})
}
