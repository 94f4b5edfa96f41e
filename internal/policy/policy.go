// Package policy implements the action selection and value update strategies
// the agent can run with.
package policy

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/nathanyu/qtrader/internal/domain"
	"github.com/nathanyu/qtrader/internal/state"
)

// exploreThreshold is the value a recorded action must beat to be preferred
// over a random pick.
const exploreThreshold = 0.01

// untriedWeight is added to the softmax denominator per valid action with no
// non-negative recorded value.
const untriedWeight = 0.15

// Kind names a policy variant in configuration.
type Kind string

const (
	KindUniform     Kind = "uniform"
	KindGreedyQ     Kind = "greedy_q"
	KindSoftmaxQ    Kind = "softmax_q"
	KindDecayingTDQ Kind = "decaying_td_q"
)

// Params are the learning parameters shared by the variants.
type Params struct {
	Gamma float64
	K     float64
}

// Decision is the outcome of Select.
type Decision struct {
	Action      domain.Action
	Probability float64 // chance of exploiting; 1 when frozen
	Explored    bool
}

// Engine is a policy variant. valid is never empty.
type Engine interface {
	Name() string
	Select(k state.Key, valid []domain.Action) Decision
	Update(prev state.Key, prevAction domain.Action, reward float64, next state.Key)
	Freeze()
	Frozen() bool
	Table() *ValueTable
}

// New builds the variant named by kind around table. A nil table starts empty.
func New(kind Kind, p Params, table *ValueTable, rng *rand.Rand) (Engine, error) {
	if table == nil {
		table = NewValueTable()
	}
	base := learner{table: table, gamma: p.Gamma, rng: rng}
	switch kind {
	case KindUniform:
		return &Uniform{learner: base}, nil
	case KindGreedyQ:
		return &GreedyQ{learner: base}, nil
	case KindSoftmaxQ:
		return &SoftmaxQ{learner: base, k: p.K}, nil
	case KindDecayingTDQ:
		return &DecayingTDQ{SoftmaxQ: SoftmaxQ{learner: base, k: p.K}}, nil
	default:
		return nil, fmt.Errorf("policy kind %q: %w", kind, domain.ErrInvalidConfiguration)
	}
}

// learner holds what every variant shares.
type learner struct {
	table  *ValueTable
	gamma  float64
	rng    *rand.Rand
	frozen bool
}

func (l *learner) Freeze()            { l.frozen = true }
func (l *learner) Frozen() bool       { return l.frozen }
func (l *learner) Table() *ValueTable { return l.table }

func (l *learner) pick(valid []domain.Action) domain.Action {
	return valid[l.rng.IntN(len(valid))]
}

// seed records reward in an unset slot so a visited pair is distinguishable
// from one never visited.
func (l *learner) seed(k state.Key, a domain.Action, reward float64) {
	if _, ok := l.table.Lookup(k, a); !ok {
		l.table.Set(k, a, reward)
	}
}

func (l *learner) target(reward float64, next state.Key) float64 {
	return reward + l.gamma*l.table.Max(next)
}

// Uniform picks uniformly among the valid actions and never learns.
type Uniform struct {
	learner
	lastState  state.Key
	lastAction domain.Action
}

func (u *Uniform) Name() string { return "Uniform" }

func (u *Uniform) Select(_ state.Key, valid []domain.Action) Decision {
	return Decision{Action: u.pick(valid), Probability: 0, Explored: true}
}

// Update only remembers the last state and action.
func (u *Uniform) Update(prev state.Key, prevAction domain.Action, _ float64, _ state.Key) {
	u.lastState, u.lastAction = prev, prevAction
}

// Last returns the most recent pair passed to Update.
func (u *Uniform) Last() (state.Key, domain.Action) {
	return u.lastState, u.lastAction
}

// GreedyQ exploits the best recorded value above exploreThreshold and
// learns with one-step TD(0).
type GreedyQ struct {
	learner
}

func (g *GreedyQ) Name() string { return "GreedyQ" }

func (g *GreedyQ) Select(k state.Key, valid []domain.Action) Decision {
	best, explored := g.pick(valid), true
	maxVal := exploreThreshold
	for _, a := range domain.AllActions {
		if !domain.ContainsAction(valid, a) {
			continue
		}
		if v, ok := g.table.Lookup(k, a); ok && v > maxVal {
			maxVal, best, explored = v, a, false
		}
	}
	return Decision{Action: best, Probability: 1, Explored: explored}
}

// Update sets Q[prev][prevAction] = reward + gamma * max_a Q[next][a].
func (g *GreedyQ) Update(prev state.Key, prevAction domain.Action, reward float64, next state.Key) {
	if g.frozen {
		return
	}
	g.seed(prev, prevAction, reward)
	g.table.Set(prev, prevAction, g.target(reward, next))
}

// SoftmaxQ exploits its best non-negative recorded action with probability
// k^best / ((|valid| - considered) * 0.15 + sum k^Q + 1) and otherwise
// explores uniformly. Stop actions count as value 0 so greed alone never
// picks them. Learning is the same TD(0) rule as GreedyQ.
type SoftmaxQ struct {
	learner
	k float64
}

func (s *SoftmaxQ) Name() string { return "SoftmaxQ" }

// K returns the exponent base.
func (s *SoftmaxQ) K() float64 { return s.k }

func (s *SoftmaxQ) Select(k state.Key, valid []domain.Action) Decision {
	best := s.pick(valid)
	if s.frozen {
		// a frozen policy flattens a stopped position before anything else
		for _, stop := range []domain.Action{domain.ActionBuy, domain.ActionSell} {
			if domain.ContainsAction(valid, stop) {
				return Decision{Action: stop, Probability: 1}
			}
		}
		best = domain.ActionNone
	}

	maxVal, cum, considered, fromTable := exploreThreshold, 1.0, 0, false
	for _, a := range domain.AllActions {
		if !domain.ContainsAction(valid, a) {
			continue
		}
		v, ok := s.table.Lookup(k, a)
		if !ok {
			continue
		}
		if a.IsStop() {
			v = 0
		}
		if v < 0 {
			continue
		}
		considered++
		cum += math.Pow(s.k, v)
		if v > maxVal {
			maxVal, best, fromTable = v, a, true
		}
	}

	p := math.Pow(s.k, maxVal) / (float64(len(valid)-considered)*untriedWeight + cum)
	if s.frozen {
		p = 1
	}
	if s.rng.Float64() <= p {
		// without a table winner best is a random pick
		return Decision{Action: best, Probability: p, Explored: !fromTable && !s.frozen}
	}
	return Decision{Action: s.pick(valid), Probability: p, Explored: true}
}

func (s *SoftmaxQ) Update(prev state.Key, prevAction domain.Action, reward float64, next state.Key) {
	if s.frozen {
		return
	}
	s.seed(prev, prevAction, reward)
	s.table.Set(prev, prevAction, s.target(reward, next))
}

// DecayingTDQ selects like SoftmaxQ and learns with a per-pair learning rate
// alpha = 1/(1+n), n being the visit count after this update.
type DecayingTDQ struct {
	SoftmaxQ
}

func (d *DecayingTDQ) Name() string { return "DecayingTDQ" }

// Update sets Q = (1-alpha)*Q + alpha*(reward + gamma * max_a Q[next][a]).
func (d *DecayingTDQ) Update(prev state.Key, prevAction domain.Action, reward float64, next state.Key) {
	if d.frozen {
		return
	}
	d.seed(prev, prevAction, reward)
	n := d.table.Visit(prev, prevAction)
	alpha := 1 / (1 + float64(n))
	q := d.table.Get(prev, prevAction)
	d.table.Set(prev, prevAction, (1-alpha)*q+alpha*d.target(reward, next))
}
