package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/mmcgrana/riptide/internal/logger"
)

// entry tracks one tracker's bookkeeping inside a tier: when it was last
// announced to, when its next announce is due and its last error. Due
// reads the due time of the first tracker of the first tier; Announce
// tries trackers in order without consulting these times.
type entry struct {
	Tracker        Tracker
	lastAnnounceAt time.Time
	nextAnnounceAt time.Time
	lastErr        error
}

// Manager holds an announce-url list grouped into tiers (spec §4.E) and
// implements its failure policy: trackers within a tier are tried in
// order; the first to succeed is moved to the front of its tier so
// subsequent announces prefer it.
type Manager struct {
	log logger.Logger

	mu    sync.Mutex
	tiers [][]*entry
}

// NewManager builds a Manager from a tiered announce list (as parsed from
// a .torrent's announce-list, or a single-tracker fallback wrapped in its
// own tier).
func NewManager(tierURLs [][]string) (*Manager, error) {
	m := &Manager{log: logger.New("tracker")}
	for _, urls := range tierURLs {
		var tier []*entry
		for _, u := range urls {
			tr, err := New(u)
			if err != nil {
				m.log.Warningf("skipping unusable tracker %s: %v", u, err)
				continue
			}
			tier = append(tier, &entry{Tracker: tr})
		}
		if len(tier) > 0 {
			m.tiers = append(m.tiers, tier)
		}
	}
	return m, nil
}

// Due reports whether any tracker is ready to be re-announced to.
func (m *Manager) Due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tier := range m.tiers {
		if len(tier) > 0 && !tier[0].nextAnnounceAt.After(now) {
			return true
		}
	}
	return false
}

// Announce tries tiers in order. Within a tier, trackers are tried in
// order until one succeeds; that tracker is then moved to the front of
// its tier. The first tier to produce a success wins; its result is
// returned without trying later tiers.
func (m *Manager) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	m.mu.Lock()
	tiers := make([][]*entry, len(m.tiers))
	copy(tiers, m.tiers)
	m.mu.Unlock()

	var lastErr error
	for ti, tier := range tiers {
		for i, e := range tier {
			resp, err := e.Tracker.Announce(ctx, req)
			now := time.Now()
			m.mu.Lock()
			e.lastAnnounceAt = now
			if err != nil {
				e.lastErr = err
				e.nextAnnounceAt = now.Add(30 * time.Second)
			} else {
				e.lastErr = nil
				interval := resp.Interval
				if interval == 0 {
					interval = 30 * time.Minute
				}
				e.nextAnnounceAt = now.Add(interval)
			}
			m.mu.Unlock()
			if err != nil {
				lastErr = err
				continue
			}
			if i > 0 {
				m.promote(ti, i)
			}
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = ErrTrackerFailure
	}
	return nil, lastErr
}

// promote moves the tracker at tiers[ti][i] to the front of that tier.
func (m *Manager) promote(ti, i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ti >= len(m.tiers) || i >= len(m.tiers[ti]) {
		return
	}
	tier := m.tiers[ti]
	e := tier[i]
	copy(tier[1:i+1], tier[0:i])
	tier[0] = e
}

// URLs returns the flattened, current tier order, for the resume sidecar.
func (m *Manager) URLs() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.tiers))
	for i, tier := range m.tiers {
		urls := make([]string, len(tier))
		for j, e := range tier {
			urls[j] = e.Tracker.URL()
		}
		out[i] = urls
	}
	return out
}
