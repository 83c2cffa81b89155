package lottery

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// pickWeighted returns the index of the winning ticket row. Each row's
// chance is proportional to its ticket count, via a single uniform draw
// over the prefix sums.
func pickWeighted(tickets []*Ticket) (int, error) {
	var total int64
	for _, t := range tickets {
		if t.TicketCount > 0 {
			total += int64(t.TicketCount)
		}
	}
	if total <= 0 {
		return 0, errors.New("no positive ticket weights")
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, err
	}

	target := n.Int64()
	var acc int64
	for i, t := range tickets {
		if t.TicketCount <= 0 {
			continue
		}
		acc += int64(t.TicketCount)
		if target < acc {
			return i, nil
		}
	}

	return len(tickets) - 1, nil
}
