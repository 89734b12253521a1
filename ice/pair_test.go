package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostCand(component, mediaIdx, port int, addr string) *Candidate {
	return &Candidate{
		Foundation: "1",
		Component:  component,
		Transport:  "UDP",
		Priority:   CalculatePriority(Host, 65535, component),
		Address:    addr,
		Port:       port,
		Type:       Host,
		MediaIndex: mediaIdx,
	}
}

// priority(P) == 2^32*min(G,D) + 2*max(G,D) + (G>D).
func TestPairPriorityFormula(t *testing.T) {
	assert.Equal(t, uint64(1)<<32*5+2*9, PairPriority(5, 9))
	assert.Equal(t, uint64(1)<<32*5+2*9+1, PairPriority(9, 5))
	assert.Equal(t, uint64(1)<<32*7+2*7, PairPriority(7, 7))
}

func TestMakePairsComponentMatched(t *testing.T) {
	local := []*Candidate{
		hostCand(ComponentRTP, 0, 20000, "192.0.2.10"),
		hostCand(ComponentRTCP, 0, 20001, "192.0.2.10"),
	}
	remote := []*Candidate{
		hostCand(ComponentRTP, 0, 30000, "198.51.100.20"),
		hostCand(ComponentRTCP, 0, 30001, "198.51.100.20"),
	}

	pairs := MakePairs(local, remote, true)
	require.Len(t, pairs, 2, "only component-matched pairs form")
	for _, p := range pairs {
		assert.Equal(t, p.Local.Component, p.Remote.Component)
		assert.Equal(t, PairFrozen, p.State)
		assert.False(t, p.Nominated)
	}
}

func TestMakePairsSortedByPriorityDesc(t *testing.T) {
	srflx := &Candidate{
		Foundation: "2", Component: ComponentRTP, Transport: "UDP",
		Priority: CalculatePriority(ServerReflexive, 65535, ComponentRTP),
		Address:  "203.0.113.5", Port: 32000, Type: ServerReflexive,
		RelAddress: "192.0.2.10", RelPort: 20000,
	}
	local := []*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10"), srflx}
	remote := []*Candidate{hostCand(ComponentRTP, 0, 30000, "198.51.100.20")}

	pairs := MakePairs(local, remote, true)
	require.Len(t, pairs, 2)
	assert.GreaterOrEqual(t, pairs[0].Priority, pairs[1].Priority)
	assert.Equal(t, Host, pairs[0].Local.Type, "host pair outranks srflx")
}

func TestMakePairsRoleSymmetry(t *testing.T) {
	local := []*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10")}
	remote := []*Candidate{{
		Foundation: "9", Component: ComponentRTP, Transport: "UDP",
		Priority: CalculatePriority(Host, 65000, ComponentRTP),
		Address:  "198.51.100.20", Port: 30000, Type: Host,
	}}

	asController := MakePairs(local, remote, true)
	asControllee := MakePairs(local, remote, false)
	require.Len(t, asController, 1)
	require.Len(t, asControllee, 1)
	// min/max terms agree between roles; only the G>D tie bit moves
	assert.Equal(t, asController[0].Priority, asControllee[0].Priority+1,
		"the local candidate outranks the remote, so G>D only as controller")
}

func TestMakePairsCopiesLocal(t *testing.T) {
	local := []*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10")}
	remote := []*Candidate{hostCand(ComponentRTP, 0, 30000, "198.51.100.20")}
	pairs := MakePairs(local, remote, true)
	pairs[0].Local.Port = 9
	assert.Equal(t, 20000, local[0].Port, "offered candidates stay untouched")
}
