// Package sender rotates outbound sender identities and tracks their performance.
package sender

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	"tickwatch/internal/logging"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
)

// Selection strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
)

// machinePenalty lowers the weighted score of identities that keep reaching voicemail.
const machinePenalty = 0.5

// StatsStore persists sender performance.
type StatsStore interface {
	GetSenderStats(ctx context.Context) ([]models.SenderStats, error)
	UpsertSenderStats(ctx context.Context, stats *models.SenderStats) error
}

// Rotator selects sender identities from a fixed pool.
type Rotator struct {
	identities     []string
	backup         string
	strategy       string
	maxConsecutive int

	store  StatsStore
	logger zerolog.Logger

	mu     sync.Mutex
	stats  map[string]*models.SenderStats
	cursor int
	last   string
	now    func() time.Time
}

// New creates a rotator over the configured identity pool. store may be nil.
func New(cfg config.SenderConfig, store StatsStore, logger zerolog.Logger) *Rotator {
	r := &Rotator{
		backup:         cfg.BackupIdentity,
		strategy:       cfg.Strategy,
		maxConsecutive: cfg.MaxConsecutive,
		store:          store,
		logger:         logging.WithComponent(logger, "sender"),
		stats:          make(map[string]*models.SenderStats),
		now:            time.Now,
	}
	seen := make(map[string]bool)
	for _, id := range cfg.Identities {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r.identities = append(r.identities, id)
		r.stats[id] = &models.SenderStats{Identity: id}
	}
	if r.strategy == "" {
		r.strategy = StrategyRoundRobin
	}
	return r
}

// Load restores persisted performance stats for identities in the pool.
func (r *Rotator) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.GetSenderStats(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range rows {
		if _, ok := r.stats[rows[i].Identity]; ok {
			row := rows[i]
			row.ConsecutiveUseCount = 0
			r.stats[row.Identity] = &row
		}
	}
	return nil
}

// Next returns the identity to use for the next send, skipping excluded ones.
// The backup identity is returned when the pool is empty or fully excluded.
func (r *Rotator) Next(excluding []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := make(map[string]bool, len(excluding))
	for _, id := range excluding {
		excluded[id] = true
	}

	var candidates []int
	for i, id := range r.identities {
		if !excluded[id] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug().Str("backup", security.MaskPhone(r.backup)).Msg("Identity pool exhausted, using backup")
		return r.backup
	}

	// An identity used MaxConsecutive times in a row yields when alternatives exist.
	if r.maxConsecutive > 0 && len(candidates) > 1 {
		filtered := candidates[:0:0]
		for _, i := range candidates {
			id := r.identities[i]
			if id == r.last && r.stats[id].ConsecutiveUseCount >= r.maxConsecutive {
				continue
			}
			filtered = append(filtered, i)
		}
		candidates = filtered
	}

	var picked int
	if r.strategy == StrategyWeighted {
		picked = r.pickWeighted(candidates)
	} else {
		picked = r.pickRoundRobin(candidates)
	}

	id := r.identities[picked]
	r.markUsed(id)
	return id
}

// pickRoundRobin returns the first candidate at or after the cursor, in ring order.
func (r *Rotator) pickRoundRobin(candidates []int) int {
	n := len(r.identities)
	allowed := make(map[int]bool, len(candidates))
	for _, i := range candidates {
		allowed[i] = true
	}
	for step := 0; step < n; step++ {
		i := (r.cursor + step) % n
		if allowed[i] {
			r.cursor = (i + 1) % n
			return i
		}
	}
	return candidates[0]
}

// pickWeighted prefers the best success rate net of machine answers, then the
// least recently used identity.
func (r *Rotator) pickWeighted(candidates []int) int {
	ranked := append([]int(nil), candidates...)
	sort.SliceStable(ranked, func(a, b int) bool {
		sa, sb := r.stats[r.identities[ranked[a]]], r.stats[r.identities[ranked[b]]]
		if scoreA, scoreB := score(sa), score(sb); scoreA != scoreB {
			return scoreA > scoreB
		}
		if sa.LastUsedAt == nil || sb.LastUsedAt == nil {
			return sa.LastUsedAt == nil && sb.LastUsedAt != nil
		}
		return sa.LastUsedAt.Before(*sb.LastUsedAt)
	})
	return ranked[0]
}

func score(s *models.SenderStats) float64 {
	if s.Calls == 0 {
		return 1
	}
	return s.SuccessRate() - machinePenalty*float64(s.Machine)/float64(s.Calls)
}

func (r *Rotator) markUsed(id string) {
	now := r.now()
	st := r.stats[id]
	if id == r.last {
		st.ConsecutiveUseCount++
	} else {
		if prev, ok := r.stats[r.last]; ok {
			prev.ConsecutiveUseCount = 0
		}
		st.ConsecutiveUseCount = 1
	}
	st.LastUsedAt = &now
	r.last = id
}

// RecordOutcome updates the performance stats of identity.
func (r *Rotator) RecordOutcome(ctx context.Context, identity string, status models.CallOutcome, durationSeconds float64, machineDetected bool) {
	r.mu.Lock()
	st, ok := r.stats[identity]
	if !ok {
		// Backup or retired identity: track it anyway so the history is not lost.
		st = &models.SenderStats{Identity: identity}
		r.stats[identity] = st
	}
	st.Calls++
	switch {
	case status.IsFailure():
		st.Failed++
	case status == models.OutcomeCompleted:
		st.Completed++
	}
	if machineDetected {
		st.Machine++
	}
	if durationSeconds > 0 {
		st.TotalDuration += durationSeconds
	}
	snapshot := *st
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	if err := r.store.UpsertSenderStats(ctx, &snapshot); err != nil {
		r.logger.Error().Err(err).Str("identity", security.MaskPhone(identity)).Msg("Failed to persist sender stats")
	}
}

// Stats returns a copy of every identity's stats, pool order first.
func (r *Rotator) Stats() []models.SenderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SenderStats, 0, len(r.stats))
	inPool := make(map[string]bool, len(r.identities))
	for _, id := range r.identities {
		inPool[id] = true
		out = append(out, *r.stats[id])
	}
	for id, st := range r.stats {
		if !inPool[id] {
			out = append(out, *st)
		}
	}
	return out
}
