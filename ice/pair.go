package ice

import (
	"fmt"
	"sort"
)

type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (ps PairState) String() string {
	return pairStates[ps]
}

var pairStates = [...]string{"Frozen", "Waiting", "In-Progress", "Succeeded", "Failed"}

// Pair is a component-matched (local, remote) candidate pair.
type Pair struct {
	Local  *Candidate
	Remote *Candidate

	Priority  uint64
	State     PairState
	Nominated bool
}

// PairPriority computes the RFC 8445 section 6.1.2.3 formula:
// 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0) where G is the
// controller's candidate priority and D the controllee's.
func PairPriority(g, d uint32) uint64 {
	min, max := uint64(g), uint64(d)
	var tie uint64
	if g > d {
		min, max = uint64(d), uint64(g)
		tie = 1
	}
	return (1<<32)*min + 2*max + tie
}

// MakePairs matches local and remote candidates component-by-component
// and returns pairs sorted by priority descending. controller tells
// which side's priorities take the G role.
func MakePairs(local, remote []*Candidate, controller bool) []*Pair {
	var pairs []*Pair
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Component != rc.Component || lc.MediaIndex != rc.MediaIndex {
				continue
			}
			g, d := lc.Priority, rc.Priority
			if !controller {
				g, d = rc.Priority, lc.Priority
			}
			// the local candidate is copied so later stun rewrites
			// never touch the offered set
			lcopy := *lc
			pairs = append(pairs, &Pair{
				Local:    &lcopy,
				Remote:   rc,
				Priority: PairPriority(g, d),
				State:    PairFrozen,
			})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Priority > pairs[j].Priority })
	return pairs
}

// PairKey identifies a pair set entry for the nomination cache.
func (p *Pair) Key() string {
	return fmt.Sprintf("%d/%d:%s:%d-%s:%d", p.Local.MediaIndex, p.Local.Component,
		p.Local.Address, p.Local.Port, p.Remote.Address, p.Remote.Port)
}

// componentKey groups pairs belonging to one media component.
func (p *Pair) componentKey() string {
	return fmt.Sprintf("%d/%d", p.Local.MediaIndex, p.Local.Component)
}

func (p *Pair) String() string {
	return fmt.Sprintf("[%s <-> %s %s pri=%d]", p.Local, p.Remote, p.State, p.Priority)
}
