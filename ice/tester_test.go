package ice

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNet is an in-process packet fabric: conns register under one or
// more public addresses, a drop rule plays the firewall.
type fakeNet struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	drop  func(dst *net.UDPAddr) bool
}

type fakePacket struct {
	data []byte
	from *net.UDPAddr
}

type fakeConn struct {
	network *fakeNet
	public  *net.UDPAddr // the address peers see as the source
	rx      chan fakePacket

	mu       sync.Mutex
	deadline time.Time
}

func newFakeNet() *fakeNet {
	return &fakeNet{conns: make(map[string]*fakeConn)}
}

func (fn *fakeNet) conn(public string, aliases ...string) *fakeConn {
	addr, _ := net.ResolveUDPAddr("udp", public)
	fc := &fakeConn{network: fn, public: addr, rx: make(chan fakePacket, 64)}
	fn.mu.Lock()
	fn.conns[public] = fc
	for _, alias := range aliases {
		fn.conns[alias] = fc
	}
	fn.mu.Unlock()
	return fc
}

func (fc *fakeConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	fn := fc.network
	if fn.drop != nil && fn.drop(addr) {
		return len(b), nil // silently eaten, like a firewall
	}
	fn.mu.Lock()
	dst, ok := fn.conns[addr.String()]
	fn.mu.Unlock()
	if !ok {
		return len(b), nil
	}
	pkt := fakePacket{data: append([]byte(nil), b...), from: fc.public}
	select {
	case dst.rx <- pkt:
	default:
	}
	return len(b), nil
}

func (fc *fakeConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	fc.mu.Lock()
	deadline := fc.deadline
	fc.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, errors.New("i/o timeout")
		}
		timeout = time.After(d)
	}
	select {
	case pkt := <-fc.rx:
		n := copy(b, pkt.data)
		return n, pkt.from, nil
	case <-timeout:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (fc *fakeConn) SetReadDeadline(t time.Time) error {
	fc.mu.Lock()
	fc.deadline = t
	fc.mu.Unlock()
	return nil
}

// mapProvider routes each pair to the conn of its local base address.
type mapProvider struct {
	conns map[string]*fakeConn
}

func (mp mapProvider) ConnForPair(p *Pair) CheckConn {
	if p.Local.Type == Host {
		return mp.conns[p.Local.UDPAddr().String()]
	}
	return mp.conns[(&net.UDPAddr{IP: net.ParseIP(p.Local.RelAddress), Port: p.Local.RelPort}).String()]
}

// =================================================================

func symmetricCreds() (Credentials, Credentials) {
	a := Credentials{LocalUfrag: "aaaa", LocalPwd: "passwordaaaa", RemoteUfrag: "bbbb", RemotePwd: "passwordbbbb"}
	b := Credentials{LocalUfrag: "bbbb", LocalPwd: "passwordbbbb", RemoteUfrag: "aaaa", RemotePwd: "passwordaaaa"}
	return a, b
}

// Scenario: one host pair per component on both sides; the controller
// nominates both, the controllee follows, each side ends with two
// selected pairs and the success fires exactly once.
func TestHostPairsNominate(t *testing.T) {
	fn := newFakeNet()

	localCands := []*Candidate{
		hostCand(ComponentRTP, 0, 20000, "192.0.2.10"),
		hostCand(ComponentRTCP, 0, 20001, "192.0.2.10"),
	}
	remoteCands := []*Candidate{
		hostCand(ComponentRTP, 0, 30000, "198.51.100.20"),
		hostCand(ComponentRTCP, 0, 30001, "198.51.100.20"),
	}

	localConns := map[string]*fakeConn{
		"192.0.2.10:20000": fn.conn("192.0.2.10:20000"),
		"192.0.2.10:20001": fn.conn("192.0.2.10:20001"),
	}
	remoteConns := map[string]*fakeConn{
		"198.51.100.20:30000": fn.conn("198.51.100.20:30000"),
		"198.51.100.20:30001": fn.conn("198.51.100.20:30001"),
	}

	credsA, credsB := symmetricCreds()

	controller := &Tester{
		Controller: true,
		Tiebreaker: 100,
		Creds:      credsA,
		Provider:   mapProvider{conns: localConns},
	}
	controllee := &Tester{
		Controller: false,
		Tiebreaker: 50,
		Creds:      credsB,
		Provider:   mapProvider{conns: remoteConns},
	}

	controller.Init(MakePairs(localCands, remoteCands, true))
	controllee.Init(MakePairs(remoteCands, localCands, false))

	var wg sync.WaitGroup
	var ctrlRes, cteeRes Result
	wg.Add(2)
	go func() { defer wg.Done(); ctrlRes = controller.Run() }()
	go func() { defer wg.Done(); cteeRes = controllee.Run() }()
	wg.Wait()

	require.True(t, ctrlRes.Ok, "controller: %s", ctrlRes.Reason)
	require.Len(t, ctrlRes.Selected, 2, "one selected pair per component")
	for _, p := range ctrlRes.Selected {
		assert.True(t, p.Nominated)
		assert.Equal(t, PairSucceeded, p.State)
		assert.Equal(t, p.Local.Component, p.Remote.Component)
		assert.Equal(t, "198.51.100.20", p.Remote.Address)
	}

	require.True(t, cteeRes.Ok, "controllee: %s", cteeRes.Reason)
	require.Len(t, cteeRes.Selected, 2)
}

// Scenario: host candidates are firewalled; the srflx pair nominates
// and both sides of the winning pair are server-reflexive.
func TestSrflxFallback(t *testing.T) {
	fn := newFakeNet()
	fn.drop = func(dst *net.UDPAddr) bool {
		// the firewall eats anything addressed to the private hosts
		return dst.IP.String() == "192.0.2.10" || dst.IP.String() == "10.0.0.7"
	}

	localSrflx := &Candidate{
		Foundation: "2", Component: ComponentRTP, Transport: "UDP",
		Priority: CalculatePriority(ServerReflexive, 65535, ComponentRTP),
		Address:  "203.0.113.5", Port: 32000, Type: ServerReflexive,
		RelAddress: "192.0.2.10", RelPort: 20000, MediaIndex: 0,
	}
	remoteHost := &Candidate{
		Foundation: "7", Component: ComponentRTP, Transport: "UDP",
		Priority: CalculatePriority(Host, 65535, ComponentRTP),
		Address:  "10.0.0.7", Port: 30000, Type: Host, MediaIndex: 0,
	}
	remoteSrflx := &Candidate{
		Foundation: "8", Component: ComponentRTP, Transport: "UDP",
		Priority: CalculatePriority(ServerReflexive, 65535, ComponentRTP),
		Address:  "198.51.100.99", Port: 33000, Type: ServerReflexive,
		RelAddress: "10.0.0.7", RelPort: 30000, MediaIndex: 0,
	}

	// each base socket is reachable through its NAT'd public address
	localConns := map[string]*fakeConn{
		"192.0.2.10:20000": fn.conn("203.0.113.5:32000"),
	}
	remoteConns := map[string]*fakeConn{
		"10.0.0.7:30000": fn.conn("198.51.100.99:33000"),
	}

	credsA, credsB := symmetricCreds()
	controller := &Tester{Controller: true, Tiebreaker: 9, Creds: credsA, Provider: mapProvider{conns: localConns}}
	controllee := &Tester{Controller: false, Tiebreaker: 3, Creds: credsB, Provider: mapProvider{conns: remoteConns}}

	controller.Init(MakePairs([]*Candidate{localSrflx}, []*Candidate{remoteHost, remoteSrflx}, true))
	controllee.Init(MakePairs([]*Candidate{remoteHost, remoteSrflx}, []*Candidate{localSrflx}, false))

	var wg sync.WaitGroup
	var ctrlRes Result
	wg.Add(2)
	go func() { defer wg.Done(); ctrlRes = controller.Run() }()
	go func() { defer wg.Done(); controllee.Run() }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(25 * time.Second):
		t.Fatal("testers did not converge")
	}

	require.True(t, ctrlRes.Ok, "controller: %s", ctrlRes.Reason)
	require.Len(t, ctrlRes.Selected, 1)
	winner := ctrlRes.Selected[0]
	assert.Equal(t, ServerReflexive, winner.Local.Type)
	assert.Equal(t, ServerReflexive, winner.Remote.Type)
	assert.Equal(t, 20000, winner.Local.RelPort, "the rewrite will use the srflx rel_port")
}

func TestAllPairsFailing(t *testing.T) {
	fn := newFakeNet()
	fn.drop = func(dst *net.UDPAddr) bool { return true }

	localCands := []*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10")}
	remoteCands := []*Candidate{hostCand(ComponentRTP, 0, 30000, "198.51.100.20")}
	conns := map[string]*fakeConn{"192.0.2.10:20000": fn.conn("192.0.2.10:20000")}

	credsA, _ := symmetricCreds()
	tester := &Tester{
		Controller:     true,
		Tiebreaker:     1,
		Creds:          credsA,
		Provider:       mapProvider{conns: conns},
		SessionTimeout: 1500 * time.Millisecond,
	}
	tester.Init(MakePairs(localCands, remoteCands, true))

	res := tester.Run()
	assert.False(t, res.Ok)
	assert.NotEmpty(t, res.Reason)
}

func TestQuitCancelsRun(t *testing.T) {
	fn := newFakeNet()
	fn.drop = func(dst *net.UDPAddr) bool { return true }

	localCands := []*Candidate{hostCand(ComponentRTP, 0, 20000, "192.0.2.10")}
	remoteCands := []*Candidate{hostCand(ComponentRTP, 0, 30000, "198.51.100.20")}
	conns := map[string]*fakeConn{"192.0.2.10:20000": fn.conn("192.0.2.10:20000")}

	credsA, _ := symmetricCreds()
	tester := &Tester{Controller: true, Tiebreaker: 1, Creds: credsA, Provider: mapProvider{conns: conns}}
	tester.Init(MakePairs(localCands, remoteCands, true))

	done := make(chan Result, 1)
	go func() { done <- tester.Run() }()
	time.Sleep(100 * time.Millisecond)
	tester.Quit()

	select {
	case res := <-done:
		assert.False(t, res.Ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not drain after Quit")
	}
}
