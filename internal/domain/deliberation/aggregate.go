package deliberation

import (
	"errors"
	"math"
	"sort"
)

// ErrNoVotes is returned when aggregation is asked to score a candidate
// without a single counted vote.
var ErrNoVotes = errors.New("no counted votes")

// AggregatePolicy controls vote aggregation.
type AggregatePolicy struct {
	Weights    Weights `json:"weights"`
	TieEpsilon float64 `json:"tie_epsilon"`
	MaxReasons int     `json:"max_reasons"` // 0 = uncapped
}

// DefaultAggregatePolicy returns the default weights, a 0.05 tie epsilon and
// a rationale cap of five reasons.
func DefaultAggregatePolicy() AggregatePolicy {
	return AggregatePolicy{
		Weights:    DefaultWeights(),
		TieEpsilon: 0.05,
		MaxReasons: 5,
	}
}

// Tally is the aggregate for one candidate.
type Tally struct {
	CandidateID  string   `json:"candidate_id"`
	Score        float64  `json:"score"`
	Reasons      []string `json:"reasons,omitempty"`
	EvidenceIDs  []string `json:"evidence_ids,omitempty"`
	Votes        []Vote   `json:"votes"`
	ArbiterScore *float64 `json:"arbiter_score,omitempty"`
}

// Aggregate combines the votes for a single candidate into a weighted mean.
// Planner votes carry no weight and are skipped. An abstaining role simply has
// no vote in the list, so it is absent from both numerator and denominator.
// When the Arbiter voted more than once, its latest vote is the tie-break score.
func (p AggregatePolicy) Aggregate(votes []Vote) (Tally, error) {
	var (
		t           Tally
		sum, weight float64
		reasons     = newOrderedSet(p.MaxReasons)
		evidence    = newOrderedSet(0)
	)

	for i := range votes {
		v := votes[i]
		w := v.Role.Weight(p.Weights)
		if w <= 0 {
			continue
		}
		if t.CandidateID == "" {
			t.CandidateID = v.CandidateID
		}
		sum += clamp01(v.Score) * w
		weight += w
		reasons.add(v.Reasons...)
		evidence.add(v.EvidenceIDs...)
		t.Votes = append(t.Votes, v)
		if v.Role == RoleArbiter {
			s := clamp01(v.Score)
			t.ArbiterScore = &s
		}
	}

	if weight == 0 {
		return Tally{}, ErrNoVotes
	}

	t.Score = sum / weight
	t.Reasons = reasons.items
	t.EvidenceIDs = evidence.items
	return t, nil
}

// Ranking orders candidate tallies, winner first.
type Ranking struct {
	Tallies          []Tally  `json:"tallies"`
	Contenders       []string `json:"contenders,omitempty"`
	Tied             bool     `json:"tied"`
	DecidedByArbiter bool     `json:"decided_by_arbiter"`
}

// Winner returns the top tally, or nil for an empty ranking.
func (r *Ranking) Winner() *Tally {
	if len(r.Tallies) == 0 {
		return nil
	}
	return &r.Tallies[0]
}

// Rank groups votes by candidate in first-seen order, aggregates each group and
// orders the tallies by score. Candidates whose scores lie within TieEpsilon of
// the top are contenders; among two or more contenders the Arbiter's individual
// vote picks the winner and the weighted mean is not consulted. Without an
// Arbiter vote on any contender the ranking is reported as Tied.
func (p AggregatePolicy) Rank(votes []Vote) Ranking {
	order := make([]string, 0)
	groups := make(map[string][]Vote)
	for _, v := range votes {
		if !v.Role.Votes() {
			continue
		}
		if _, ok := groups[v.CandidateID]; !ok {
			order = append(order, v.CandidateID)
		}
		groups[v.CandidateID] = append(groups[v.CandidateID], v)
	}

	tallies := make([]Tally, 0, len(order))
	for _, id := range order {
		t, err := p.Aggregate(groups[id])
		if err != nil {
			continue
		}
		tallies = append(tallies, t)
	}
	sort.SliceStable(tallies, func(i, j int) bool {
		return tallies[i].Score > tallies[j].Score
	})

	r := Ranking{Tallies: tallies}
	if len(tallies) < 2 {
		return r
	}

	top := tallies[0].Score
	n := 0
	for _, t := range tallies {
		if top-t.Score >= p.TieEpsilon {
			break
		}
		r.Contenders = append(r.Contenders, t.CandidateID)
		n++
	}
	if n < 2 {
		r.Contenders = nil
		return r
	}

	best := -1
	for i := 0; i < n; i++ {
		a := tallies[i].ArbiterScore
		if a == nil {
			continue
		}
		if best < 0 || *a > *tallies[best].ArbiterScore {
			best = i
		}
	}
	if best < 0 {
		r.Tied = true
		return r
	}

	if best > 0 {
		w := tallies[best]
		copy(tallies[1:best+1], tallies[0:best])
		tallies[0] = w
	}
	r.DecidedByArbiter = true
	return r
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// orderedSet keeps the first occurrence of each string, up to limit items.
type orderedSet struct {
	limit int
	seen  map[string]struct{}
	items []string
}

func newOrderedSet(limit int) *orderedSet {
	return &orderedSet{limit: limit, seen: make(map[string]struct{})}
}

func (s *orderedSet) add(vals ...string) {
	for _, v := range vals {
		if v == "" {
			continue
		}
		if s.limit > 0 && len(s.items) >= s.limit {
			return
		}
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}

// MergeReasons unions reason lists in first-seen order, dropping duplicates
// and blanks, and stops at limit items (0 = uncapped).
func MergeReasons(limit int, lists ...[]string) []string {
	s := newOrderedSet(limit)
	for _, l := range lists {
		s.add(l...)
	}
	return s.items
}
