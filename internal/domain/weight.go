package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// weightScale is the number of decimal places kept for a balanced
// weight. 12 places keep a single voter's rounding below 1e-12 even on
// a full 1000-voter roster.
const weightScale = 12

// BalanceWeights computes each voter's share of the session's total
// vote weight: rawWeight(v) / Σ rawWeight, with every raw weight read
// as 1 when the session is unweighted. The final roster entry receives
// 1 − Σ(previous shares) instead of its own quotient, so the shares of
// a roster always sum to exactly 1.
func BalanceWeights(voters []Voter, weighted bool) (map[string]decimal.Decimal, error) {
	if len(voters) == 0 {
		return nil, fmt.Errorf("balance weights: empty roster")
	}

	raw := func(v Voter) int64 {
		if weighted {
			return v.VoteWeight
		}
		return 1
	}

	var total int64
	for _, v := range voters {
		w := raw(v)
		if w < MinRawWeight || w > MaxRawWeight {
			return nil, fmt.Errorf("balance weights: voter %s: weight %d out of range", v.ID, w)
		}
		total += w
	}

	shares := make(map[string]decimal.Decimal, len(voters))
	rest := decimal.NewFromInt(1)
	div := decimal.NewFromInt(total)
	for i, v := range voters {
		var share decimal.Decimal
		if i == len(voters)-1 {
			share = rest
		} else {
			share = decimal.NewFromInt(raw(v)).DivRound(div, weightScale)
		}
		shares[v.ID] = share
		rest = rest.Sub(share)
	}

	return shares, nil
}
