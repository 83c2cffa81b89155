package lottery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickWeightedSingleTicket(t *testing.T) {
	tickets := []*Ticket{{ID: 1, TicketCount: 3}}

	for i := 0; i < 100; i++ {
		idx, err := pickWeighted(tickets)
		require.NoError(t, err)
		require.Equal(t, 0, idx)
	}
}

func TestPickWeightedSkipsZeroWeights(t *testing.T) {
	tickets := []*Ticket{
		{ID: 1, TicketCount: 0},
		{ID: 2, TicketCount: 5},
		{ID: 3, TicketCount: 0},
	}

	for i := 0; i < 100; i++ {
		idx, err := pickWeighted(tickets)
		require.NoError(t, err)
		require.Equal(t, 1, idx)
	}
}

func TestPickWeightedNoWeights(t *testing.T) {
	_, err := pickWeighted([]*Ticket{{ID: 1, TicketCount: 0}})
	require.Error(t, err)
}

func TestPickWeightedProportions(t *testing.T) {
	// Weights 1:1:8; over many draws the heavy ticket should win ~80%.
	tickets := []*Ticket{
		{ID: 1, TicketCount: 1},
		{ID: 2, TicketCount: 1},
		{ID: 3, TicketCount: 8},
	}

	const draws = 100_000
	wins := make([]int, len(tickets))
	for i := 0; i < draws; i++ {
		idx, err := pickWeighted(tickets)
		require.NoError(t, err)
		wins[idx]++
	}

	require.InDelta(t, 0.8, float64(wins[2])/draws, 0.02)
	require.InDelta(t, 0.1, float64(wins[0])/draws, 0.02)
	require.InDelta(t, 0.1, float64(wins[1])/draws, 0.02)
}
