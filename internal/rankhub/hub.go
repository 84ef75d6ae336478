// Package rankhub pushes live queue positions to subscribed connections.
// Subscriptions are grouped by (amount, is_urgent) so a queue change costs
// one rank computation per active bucket rather than one per connection.
package rankhub

import (
	"context"
	"sync"

	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/ranking"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type BucketKey struct {
	Amount   string // fixed two-decimal form, e.g. "50.00"
	IsUrgent bool
}

func NewBucketKey(amount decimal.Decimal, isUrgent bool) BucketKey {
	return BucketKey{Amount: amount.StringFixed(2), IsUrgent: isUrgent}
}

func (k BucketKey) candidate() ranking.Candidate {
	return ranking.Candidate{
		Amount:   decimal.RequireFromString(k.Amount),
		IsUrgent: k.IsUrgent,
	}
}

type RankUpdate struct {
	Amount   string `json:"amount"`
	IsUrgent bool   `json:"is_urgent"`
	Rank     int    `json:"rank"`
}

// Pusher delivers an update to connections. Delivery is best effort.
type Pusher interface {
	Deliver(ctx context.Context, connIDs []string, update RankUpdate) error
}

// SnapshotSource supplies the live queue.
type SnapshotSource interface {
	ListQueued(ctx context.Context) ([]model.Order, error)
}

type subscription struct {
	key      BucketKey
	lastRank int
	seq      uint64 // snapshot lastRank was computed from
}

type Hub struct {
	source SnapshotSource
	pusher Pusher
	logger logrus.FieldLogger

	mu      sync.Mutex
	seq     uint64
	conns   map[string]*subscription
	buckets map[BucketKey]map[string]struct{}

	// serializes claim and delivery so pushes leave in snapshot order
	pushMu sync.Mutex
}

func New(source SnapshotSource, pusher Pusher, logger logrus.FieldLogger) *Hub {
	return &Hub{
		source:  source,
		pusher:  pusher,
		logger:  logger,
		conns:   make(map[string]*subscription),
		buckets: make(map[BucketKey]map[string]struct{}),
	}
}

// Subscribe registers connID under key, replacing any earlier bucket,
// and returns the current rank for that bucket. The connection is
// registered before the snapshot is read so a concurrent queue change
// reaches it either by push or through the returned rank.
func (h *Hub) Subscribe(ctx context.Context, connID string, key BucketKey) (int, error) {
	h.mu.Lock()
	h.removeLocked(connID)
	sub := &subscription{key: key}
	h.conns[connID] = sub
	members, ok := h.buckets[key]
	if !ok {
		members = make(map[string]struct{})
		h.buckets[key] = members
	}
	members[connID] = struct{}{}
	seq := h.nextSeqLocked()
	h.mu.Unlock()

	snapshot, err := h.source.ListQueued(ctx)
	if err != nil {
		h.mu.Lock()
		if h.conns[connID] == sub {
			h.removeLocked(connID)
		}
		h.mu.Unlock()
		return 0, err
	}
	rank := ranking.Rank(key.candidate(), snapshot)

	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.seq < seq {
		sub.seq = seq
		sub.lastRank = rank
	}
	return sub.lastRank, nil
}

func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID)
}

func (h *Hub) removeLocked(connID string) {
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)

	members := h.buckets[sub.key]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.buckets, sub.key)
	}
}

func (h *Hub) nextSeqLocked() uint64 {
	h.seq++
	return h.seq
}

// OnQueueChanged recomputes ranks for the buckets the changed order sits
// ahead of; buckets ahead of it are unaffected by its arrival or departure.
func (h *Hub) OnQueueChanged(ctx context.Context, order *model.Order) {
	changed := ranking.FromOrder(order)

	h.mu.Lock()
	keys := make([]BucketKey, 0, len(h.buckets))
	for key := range h.buckets {
		if ranking.Outranks(changed, key.candidate()) {
			keys = append(keys, key)
		}
	}
	seq := h.nextSeqLocked()
	h.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	snapshot, err := h.source.ListQueued(ctx)
	if err != nil {
		h.logger.WithError(err).Error("load queue snapshot for rank push")
		return
	}

	h.pushMu.Lock()
	defer h.pushMu.Unlock()

	for _, key := range keys {
		rank := ranking.Rank(key.candidate(), snapshot)

		targets := h.claimTargets(key, rank, seq)
		if len(targets) == 0 {
			continue
		}

		update := RankUpdate{Amount: key.Amount, IsUrgent: key.IsUrgent, Rank: rank}
		if err := h.pusher.Deliver(ctx, targets, update); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"amount":    key.Amount,
				"is_urgent": key.IsUrgent,
			}).Warn("rank push failed")
		}
	}
}

// claimTargets returns the bucket's connections whose last pushed rank
// differs from rank and records rank as pushed for them. Connections that
// already hold a rank from a newer snapshot than seq are skipped.
func (h *Hub) claimTargets(key BucketKey, rank int, seq uint64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []string
	for connID := range h.buckets[key] {
		sub := h.conns[connID]
		if sub.seq >= seq {
			continue
		}
		sub.seq = seq
		if sub.lastRank == rank {
			continue
		}
		sub.lastRank = rank
		targets = append(targets, connID)
	}
	return targets
}

type Stats struct {
	Buckets     int `json:"buckets"`
	Connections int `json:"connections"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Buckets: len(h.buckets), Connections: len(h.conns)}
}
