// Package bidding implements the sealed-bid auction that decides which agent
// speaks next. The evaluator is a pure function of its inputs: it combines
// each agent's self-reported scores with fairness adjustments (recency
// penalty, participation balance, consecutive-turn exclusion) and deferral
// bonuses, then selects the highest-scoring agent with a recorded tie-break.
package bidding

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type (
	// Scores is an agent's self-evaluation for one turn. Each dimension is in
	// [0, 1] after adapter ingest.
	Scores struct {
		Relevance  float64 `json:"relevance"`
		Confidence float64 `json:"confidence"`
		Novelty    float64 `json:"novelty"`
		Urgency    float64 `json:"urgency"`
	}

	// DecisionAction is the agent's intent for the round.
	DecisionAction string

	// Decision is the agent's bid/pass/defer choice. Target is set only for
	// deferrals and names the agent the deferrer wants to speak.
	Decision struct {
		Action DecisionAction `json:"action"`
		Target string         `json:"target,omitempty"`
	}

	// Bid is one participant's sealed response in an auction round.
	Bid struct {
		ID             string    `json:"id"`
		ConversationID string    `json:"conversationId"`
		Turn           int       `json:"turn"`
		AgentID        string    `json:"agentId"`
		Scores         Scores    `json:"scores"`
		Decision       Decision  `json:"decision"`
		SubmittedAt    time.Time `json:"submittedAt"`
	}

	// Stats carries the per-conversation participation statistics the
	// fairness adjustments are computed from.
	Stats struct {
		TurnsTaken  int
		TokensUsed  int
		AvgBidScore float64
		LastSpokeAt time.Time
	}

	// State is the slice of conversation state the evaluator needs.
	State struct {
		ConversationID string
		// CurrentTurn is the number of turns emitted so far.
		CurrentTurn int
		// LastSpeakers lists the trailing speaker agent ids, most recent
		// last. Used to enforce the consecutive-turn cap.
		LastSpeakers []string
		// Reputation optionally maps agent ids to a trust score used as the
		// first tie-break criterion. May be nil.
		Reputation map[string]float64
	}

	// Weights are the base-score weights. They must sum to 1.
	Weights struct {
		Relevance  float64 `yaml:"relevance"`
		Confidence float64 `yaml:"confidence"`
		Novelty    float64 `yaml:"novelty"`
		Urgency    float64 `yaml:"urgency"`
	}

	// Config enumerates the auction tuning knobs.
	Config struct {
		Weights Weights `yaml:"weights"`

		RecencyPenaltyWeight       float64 `yaml:"recency_penalty_weight"`
		CooldownTurns              int     `yaml:"cooldown_turns"`
		ParticipationBalanceWeight float64 `yaml:"participation_balance_weight"`
		MaxConsecutiveTurns        int     `yaml:"max_consecutive_turns"`

		BidCollection   time.Duration `yaml:"bid_collection"`
		MinBidsRequired int           `yaml:"min_bids_required"`
	}

	// Result reports the auction outcome. FairnessAdjustments records
	// participationBonus - recencyPenalty per scored agent so callers can
	// explain the outcome.
	Result struct {
		Winner              string
		FinalScores         map[string]float64
		TieBreaker          string
		FairnessAdjustments map[string]float64
	}

	// Engine evaluates auction rounds. Safe for concurrent use; the only
	// mutable state is the tie-break random source, which is guarded by the
	// callers being per-conversation drivers.
	Engine struct {
		cfg  Config
		rand *rand.Rand
	}
)

// Decision actions.
const (
	ActionBid   DecisionAction = "bid"
	ActionPass  DecisionAction = "pass"
	ActionDefer DecisionAction = "defer"
)

// Tie-break criteria recorded in Result.TieBreaker.
const (
	TieBreakReputation  = "reputation"
	TieBreakFewestTurns = "fewest_turns"
	TieBreakRandom      = "random"
)

const (
	// deferralBonus is added to the final score of a deferral target that is
	// itself competing in the round.
	deferralBonus = 0.1

	// tieEpsilon bounds the score distance within which two agents are
	// considered tied.
	tieEpsilon = 0.001
)

// ErrNoValidBids reports that no agent is eligible to speak this round: every
// participant passed, deferred, failed or was excluded.
var ErrNoValidBids = errors.New("bidding: no valid bids")

// DefaultConfig returns the production auction configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Relevance:  0.35,
			Confidence: 0.25,
			Novelty:    0.20,
			Urgency:    0.20,
		},
		RecencyPenaltyWeight:       0.15,
		CooldownTurns:              3,
		ParticipationBalanceWeight: 0.10,
		MaxConsecutiveTurns:        2,
		BidCollection:              time.Second,
		MinBidsRequired:            1,
	}
}

// NewEngine validates cfg and returns an evaluator. The weights must sum to 1.
func NewEngine(cfg Config) (*Engine, error) {
	sum := cfg.Weights.Relevance + cfg.Weights.Confidence + cfg.Weights.Novelty + cfg.Weights.Urgency
	if math.Abs(sum-1.0) > 1e-9 {
		return nil, fmt.Errorf("bidding: weights must sum to 1.0, got %v", sum)
	}
	if cfg.CooldownTurns <= 0 {
		return nil, errors.New("bidding: cooldown turns must be positive")
	}
	if cfg.MaxConsecutiveTurns <= 0 {
		return nil, errors.New("bidding: max consecutive turns must be positive")
	}
	return &Engine{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// newEngineWithRand is used by tests that need a deterministic tie-break.
func newEngineWithRand(cfg Config, r *rand.Rand) (*Engine, error) {
	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	e.rand = r
	return e, nil
}

// Clamp bounds every score dimension to [0, 1].
func (s Scores) Clamp() Scores {
	return Scores{
		Relevance:  clamp01(s.Relevance),
		Confidence: clamp01(s.Confidence),
		Novelty:    clamp01(s.Novelty),
		Urgency:    clamp01(s.Urgency),
	}
}

// Weighted returns the weighted base score Σ weights[k]·scores[k].
func (w Weights) Weighted(s Scores) float64 {
	return w.Relevance*s.Relevance +
		w.Confidence*s.Confidence +
		w.Novelty*s.Novelty +
		w.Urgency*s.Urgency
}

// Evaluate runs one auction round. bids maps agent id to the agent's sealed
// bid (implicit passes included); stats maps agent id to participation
// statistics. Failures are reported by returning an error, never retried here.
func (e *Engine) Evaluate(bids map[string]Bid, state State, stats map[string]Stats) (Result, error) {
	excluded := e.excludedAgents(state)

	final := make(map[string]float64, len(bids))
	fairness := make(map[string]float64, len(bids))

	numParticipants := len(bids)
	totalTurns := 0
	for _, st := range stats {
		totalTurns += st.TurnsTaken
	}

	for agentID, bid := range bids {
		switch bid.Decision.Action {
		case ActionPass, ActionDefer:
			// Passing and deferring agents do not compete this round.
			continue
		}
		if _, ok := excluded[agentID]; ok {
			continue
		}
		st := stats[agentID]
		base := e.cfg.Weights.Weighted(bid.Scores.Clamp())

		r := 1 - float64(state.CurrentTurn-st.TurnsTaken)/float64(e.cfg.CooldownTurns)
		if r < 0 {
			r = 0
		}
		penalty := r * e.cfg.RecencyPenaltyWeight

		var bonus float64
		if numParticipants > 0 {
			avg := float64(totalTurns) / float64(numParticipants)
			var ratio float64
			if avg > 0 {
				ratio = float64(st.TurnsTaken) / avg
			}
			bonus = (1 - ratio) * e.cfg.ParticipationBalanceWeight
		}

		final[agentID] = base - penalty + bonus
		fairness[agentID] = bonus - penalty
	}

	// Deferral bonuses apply only to targets that are competing; defers to
	// excluded or non-bidding agents are ignored.
	for _, bid := range bids {
		if bid.Decision.Action != ActionDefer || bid.Decision.Target == "" {
			continue
		}
		if _, ok := final[bid.Decision.Target]; ok {
			final[bid.Decision.Target] += deferralBonus
		}
	}

	if len(final) == 0 {
		return Result{}, ErrNoValidBids
	}

	best := math.Inf(-1)
	for _, score := range final {
		if score > best {
			best = score
		}
	}
	var tied []string
	for agentID, score := range final {
		if math.Abs(score-best) < tieEpsilon {
			tied = append(tied, agentID)
		}
	}

	winner, criterion := e.breakTie(tied, state, stats)
	return Result{
		Winner:              winner,
		FinalScores:         final,
		TieBreaker:          criterion,
		FairnessAdjustments: fairness,
	}, nil
}

// excludedAgents returns the agents barred from this round by the hard
// consecutive-turn constraint: an agent that just finished
// MaxConsecutiveTurns turns in a row sits the round out.
func (e *Engine) excludedAgents(state State) map[string]struct{} {
	out := make(map[string]struct{})
	n := len(state.LastSpeakers)
	if n == 0 {
		return out
	}
	last := state.LastSpeakers[n-1]
	run := 0
	for i := n - 1; i >= 0 && state.LastSpeakers[i] == last; i-- {
		run++
	}
	if run >= e.cfg.MaxConsecutiveTurns {
		out[last] = struct{}{}
	}
	return out
}

// breakTie selects among tied agents: higher reputation where available,
// then fewer turns taken, then uniformly at random. Returns the criterion
// that decided the round, or "" when there was no tie.
func (e *Engine) breakTie(tied []string, state State, stats map[string]Stats) (string, string) {
	if len(tied) == 1 {
		return tied[0], ""
	}

	if len(state.Reputation) > 0 {
		best := math.Inf(-1)
		var byRep []string
		for _, id := range tied {
			rep, ok := state.Reputation[id]
			if !ok {
				continue
			}
			switch {
			case rep > best:
				best, byRep = rep, []string{id}
			case rep == best:
				byRep = append(byRep, id)
			}
		}
		if len(byRep) == 1 {
			return byRep[0], TieBreakReputation
		}
		if len(byRep) > 1 {
			tied = byRep
		}
	}

	fewest := math.MaxInt
	var byTurns []string
	for _, id := range tied {
		taken := stats[id].TurnsTaken
		switch {
		case taken < fewest:
			fewest, byTurns = taken, []string{id}
		case taken == fewest:
			byTurns = append(byTurns, id)
		}
	}
	if len(byTurns) == 1 {
		return byTurns[0], TieBreakFewestTurns
	}

	return byTurns[e.rand.Intn(len(byTurns))], TieBreakRandom
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
