package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingTester() (*Tester, []*Pair) {
	fn := newFakeNet()
	fn.drop = func(dst *net.UDPAddr) bool { return true }
	conns := map[string]*fakeConn{"192.0.2.10:20000": fn.conn("192.0.2.10:20000")}
	creds, _ := symmetricCreds()
	tester := &Tester{
		Controller:     true,
		Tiebreaker:     1,
		Creds:          creds,
		Provider:       mapProvider{conns: conns},
		SessionTimeout: 300 * time.Millisecond,
	}
	pairs := MakePairs(
		[]*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10")},
		[]*Candidate{hostCand(ComponentRTP, 0, 30000, "198.51.100.20")},
		true)
	return tester, pairs
}

func TestCoordinatorFailedSetRefused(t *testing.T) {
	co := NewCoordinator()
	tester, pairs := failingTester()

	failures := make(chan string, 2)
	co.StartRun(tester, pairs, func([]*Pair) { t.Error("unexpected success") }, func(r string) { failures <- r })

	select {
	case <-failures:
	case <-time.After(5 * time.Second):
		t.Fatal("run never failed")
	}

	// the same pair set is refused without spawning a tester
	co.StartRun(nil, pairs, func([]*Pair) { t.Error("unexpected success") }, func(r string) { failures <- r })
	select {
	case reason := <-failures:
		assert.Contains(t, reason, "failed previously")
	case <-time.After(time.Second):
		t.Fatal("re-run was not refused")
	}
}

func TestCoordinatorRunningIgnoresRequest(t *testing.T) {
	co := NewCoordinator()
	tester, pairs := failingTester()
	tester.SessionTimeout = 2 * time.Second

	done := make(chan string, 1)
	co.StartRun(tester, pairs, nil, func(r string) { done <- r })

	// second request with the identical set: ignored, no callbacks
	co.StartRun(nil, pairs, func([]*Pair) { t.Error("unexpected success") }, func(string) { t.Error("unexpected failure callback") })

	tester.Quit()
	<-done
}

func TestCoordinatorFinishedReusesResult(t *testing.T) {
	co := NewCoordinator()
	_, pairs := failingTester()

	// plant a finished record the way a successful run would
	key := pairSetKey(pairs)
	co.mu.Lock()
	co.runs[key] = &nominationRecord{state: RunFinished, selected: pairs}
	co.mu.Unlock()

	delivered := make(chan []*Pair, 1)
	co.StartRun(nil, pairs, func(sel []*Pair) { delivered <- sel }, func(string) { t.Error("unexpected failure") })

	select {
	case sel := <-delivered:
		require.Len(t, sel, len(pairs))
	default:
		t.Fatal("cached result must be delivered synchronously on the caller's goroutine")
	}

	sel, ok := co.Selected(pairs)
	assert.True(t, ok)
	assert.Len(t, sel, len(pairs))
}

func TestCoordinatorKeyOrderInsensitive(t *testing.T) {
	_, pairs := failingTester()
	more := MakePairs(
		[]*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10"), hostCand(ComponentRTCP, 0, 20001, "192.0.2.10")},
		[]*Candidate{hostCand(ComponentRTP, 0, 30000, "198.51.100.20"), hostCand(ComponentRTCP, 0, 30001, "198.51.100.20")},
		true)
	reversed := []*Pair{more[1], more[0]}
	assert.Equal(t, pairSetKey(more), pairSetKey(reversed))
	assert.NotEqual(t, pairSetKey(pairs), pairSetKey(more))
}

func TestPortPoolPairAllocation(t *testing.T) {
	pool := NewPortPool(23000, 23010)
	ip := net.ParseIP("127.0.0.1")

	pp1, err := pool.ReservePair(ip)
	require.NoError(t, err)
	assert.Equal(t, pp1.RTPPort()+1, pp1.RTCPPort(), "RTCP is RTP+1")
	assert.Equal(t, 0, pp1.RTPPort()%2, "RTP lands on an even port")

	pp2, err := pool.ReservePair(ip)
	require.NoError(t, err)
	assert.NotEqual(t, pp1.RTPPort(), pp2.RTPPort())
	assert.Equal(t, 2, pool.InUse())

	pool.ReleasePair(pp1)
	assert.Equal(t, 1, pool.InUse())

	pp3, err := pool.ReservePair(ip)
	require.NoError(t, err)
	assert.Equal(t, pp1.RTPPort(), pp3.RTPPort(), "released pair is reusable")

	pool.ReleasePair(pp2)
	pool.ReleasePair(pp3)
	assert.Zero(t, pool.InUse())
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := NewPortPool(23500, 23503)
	ip := net.ParseIP("127.0.0.1")
	pp1, err := pool.ReservePair(ip)
	require.NoError(t, err)
	pp2, err := pool.ReservePair(ip)
	require.NoError(t, err)

	_, err = pool.ReservePair(ip)
	assert.Error(t, err, "range holds exactly two pairs")

	pool.ReleasePair(pp1)
	pool.ReleasePair(pp2)
}
