// Package trust computes the composite trust score for an agent.
//
// The score is a bounded [0,100] sum of four independently clamped factors:
// external verification, karma, account age, and qualifying incoming vouches.
// Scoring is a pure computation over a snapshot supplied by the caller — it
// never reads or writes storage, and it never fails: missing optional inputs
// degrade to a zero contribution.
package trust

import (
	"time"

	"github.com/openvouch/openvouch/internal/model"
)

// Factor weights and caps. The per-factor maxima sum to exactly 100, so the
// outer cap in ScoreAt is a safety bound rather than an active constraint.
const (
	VerificationPoints = 20

	KarmaPerPoint = 100 // karma units per factor point
	KarmaCap      = 30

	AgeCapDays = 20 // one point per full elapsed day

	PointsPerVouch = 5
	VouchCap       = 30

	MaxScore = 100
)

// IncomingVouch is the scorer's view of one vouch edge pointing at the agent
// being scored. Only the voucher's current verification flag matters.
type IncomingVouch struct {
	FromAgent         string
	VoucherIsVerified bool
}

// Factors is the per-factor breakdown of a score. Each field holds the
// clamped contribution, so the fields always sum to the total.
type Factors struct {
	Verification int `json:"verification"`
	Karma        int `json:"karma"`
	Age          int `json:"age"`
	Vouches      int `json:"vouches"`
}

// Map returns the breakdown keyed by factor name for API responses.
func (f Factors) Map() map[string]int {
	return map[string]int{
		"verification": f.Verification,
		"karma":        f.Karma,
		"age":          f.Age,
		"vouches":      f.Vouches,
	}
}

// Score is a computed trust score with its breakdown.
type Score struct {
	Total   int
	Factors Factors
}

// Compute scores an agent against the current wall clock.
func Compute(agent model.Agent, incoming []IncomingVouch) Score {
	return ScoreAt(agent, incoming, time.Now().UTC())
}

// ScoreAt scores an agent as of the supplied instant. The only time-dependent
// input is the age factor; everything else is a function of the snapshot.
func ScoreAt(agent model.Agent, incoming []IncomingVouch, now time.Time) Score {
	f := Factors{
		Verification: verificationFactor(agent.ExternalAccountLinked),
		Karma:        karmaFactor(agent.Karma),
		Age:          ageFactor(agent.CreatedAt, now),
		Vouches:      vouchFactor(incoming),
	}

	total := f.Verification + f.Karma + f.Age + f.Vouches
	if total > MaxScore {
		total = MaxScore
	}
	return Score{Total: total, Factors: f}
}

func verificationFactor(linked bool) int {
	if linked {
		return VerificationPoints
	}
	return 0
}

// karmaFactor awards one point per full KarmaPerPoint units of karma, capped.
// Nil (unknown) and negative karma contribute nothing.
func karmaFactor(karma *int64) int {
	if karma == nil || *karma <= 0 {
		return 0
	}
	points := int(*karma / KarmaPerPoint)
	if points > KarmaCap {
		return KarmaCap
	}
	return points
}

// ageFactor awards one point per full elapsed day since createdAt, capped.
// A future createdAt contributes zero, never a negative value.
func ageFactor(createdAt, now time.Time) int {
	if createdAt.IsZero() || !createdAt.Before(now) {
		return 0
	}
	days := int(now.Sub(createdAt).Hours() / 24)
	if days < 0 {
		return 0
	}
	if days > AgeCapDays {
		return AgeCapDays
	}
	return days
}

// vouchFactor awards PointsPerVouch per qualifying vouch, capped. A vouch
// qualifies when its voucher is currently externally verified; the voucher's
// account status is irrelevant.
func vouchFactor(incoming []IncomingVouch) int {
	qualifying := 0
	for _, v := range incoming {
		if v.VoucherIsVerified {
			qualifying++
		}
	}
	points := qualifying * PointsPerVouch
	if points > VouchCap {
		return VouchCap
	}
	return points
}

// ScoreAtWithQualifying is ScoreAt for callers that already counted
// qualifying vouches in SQL and have no need to materialize each edge.
func ScoreAtWithQualifying(agent model.Agent, qualifying int, now time.Time) Score {
	f := Factors{
		Verification: verificationFactor(agent.ExternalAccountLinked),
		Karma:        karmaFactor(agent.Karma),
		Age:          ageFactor(agent.CreatedAt, now),
	}
	if points := qualifying * PointsPerVouch; points > VouchCap {
		f.Vouches = VouchCap
	} else if points > 0 {
		f.Vouches = points
	}

	total := f.Verification + f.Karma + f.Age + f.Vouches
	if total > MaxScore {
		total = MaxScore
	}
	return Score{Total: total, Factors: f}
}
