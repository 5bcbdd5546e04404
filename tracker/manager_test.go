package tracker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	url  string
	fail bool
	resp *AnnounceResponse
}

func (f *fakeTracker) URL() string { return f.url }
func (f *fakeTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	if f.fail {
		return nil, fmt.Errorf("%w: simulated", ErrTrackerFailure)
	}
	return f.resp, nil
}

func TestManagerPromotesSuccessfulTrackerToFront(t *testing.T) {
	first := &entry{Tracker: &fakeTracker{url: "a", fail: true}}
	second := &entry{Tracker: &fakeTracker{url: "b", resp: &AnnounceResponse{Interval: 0}}}
	m := &Manager{tiers: [][]*entry{{first, second}}}

	resp, err := m.Announce(context.Background(), AnnounceRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp)

	urls := m.URLs()
	require.Len(t, urls, 1)
	assert.Equal(t, []string{"b", "a"}, urls[0])
}

func TestManagerFallsThroughTiersOnTotalFailure(t *testing.T) {
	tier1 := &entry{Tracker: &fakeTracker{url: "a", fail: true}}
	tier2 := &entry{Tracker: &fakeTracker{url: "b", resp: &AnnounceResponse{}}}
	m := &Manager{tiers: [][]*entry{{tier1}, {tier2}}}

	resp, err := m.Announce(context.Background(), AnnounceRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestManagerReturnsErrorWhenAllTrackersFail(t *testing.T) {
	tier1 := &entry{Tracker: &fakeTracker{url: "a", fail: true}}
	m := &Manager{tiers: [][]*entry{{tier1}}}

	_, err := m.Announce(context.Background(), AnnounceRequest{})
	assert.ErrorIs(t, err, ErrTrackerFailure)
}
