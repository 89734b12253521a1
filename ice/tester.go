package ice

import (
	"fmt"
	"net"
	"sync"
	"time"

	"sipcallgo/global"
	"sipcallgo/stun"
	"sipcallgo/system"
)

// CheckConn is the socket surface the tester probes through. It is
// satisfied by *net.UDPConn; tests substitute an in-memory pipe.
type CheckConn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
}

// SocketProvider resolves the base socket a pair's checks are sent
// from.
type SocketProvider interface {
	ConnForPair(p *Pair) CheckConn
}

// GatheredSockets adapts a gathering result to the tester.
type GatheredSockets struct {
	G *Gathered
}

func (gs GatheredSockets) ConnForPair(p *Pair) CheckConn {
	conn := gs.G.SocketForPair(p)
	if conn == nil {
		return nil
	}
	return conn
}

// Credentials are the short-term ICE credentials from the SDP
// ice-ufrag/ice-pwd attributes, both directions.
type Credentials struct {
	LocalUfrag  string
	LocalPwd    string
	RemoteUfrag string
	RemotePwd   string
}

// Result is the tester's terminal outcome, delivered exactly once.
type Result struct {
	Ok       bool
	Selected []*Pair
	Reason   string
}

// Tester runs the concurrent connectivity check engine over one pair
// list. The controller nominates; the controllee responds and follows.
type Tester struct {
	Controller bool
	Tiebreaker uint64
	Creds      Credentials
	Provider   SocketProvider

	// SessionTimeout overrides the role default when non-zero.
	SessionTimeout time.Duration

	mu         sync.Mutex
	controller bool
	pairs      []*Pair
	components []string
	selected   map[string]*Pair

	checkDone chan *checkOutcome
	poke      chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
	inFlight  int
	readersWg sync.WaitGroup
	workersWg sync.WaitGroup
}

type checkOutcome struct {
	pair       *Pair
	nominating bool
	succeeded  bool
	conflict   bool
	mappedFrom *net.UDPAddr
}

// Init installs the pair list (already priority sorted) and sizes the
// component bookkeeping.
func (t *Tester) Init(pairs []*Pair) {
	t.pairs = pairs
	t.controller = t.Controller
	t.selected = make(map[string]*Pair)
	t.checkDone = make(chan *checkOutcome, len(pairs)+8)
	t.poke = make(chan struct{}, 1)
	t.quit = make(chan struct{})

	seen := map[string]bool{}
	for _, p := range pairs {
		ck := p.componentKey()
		if !seen[ck] {
			seen[ck] = true
			t.components = append(t.components, ck)
		}
	}
}

// Quit cancels the run; in-flight checks drain within the grace
// period before Run returns.
func (t *Tester) Quit() {
	t.quitOnce.Do(func() { close(t.quit) })
}

// Run executes the engine and blocks until success, failure or quit.
// All reader and worker goroutines are joined before it returns.
func (t *Tester) Run() Result {
	timeout := t.SessionTimeout
	if timeout == 0 {
		if t.Controller {
			timeout = global.ControllerTimeout
		} else {
			timeout = global.ControlleeTimeout
		}
	}

	t.startReaders()
	t.unfreezeInitial()
	t.schedule()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var res Result
loop:
	for {
		select {
		case out := <-t.checkDone:
			t.mu.Lock()
			t.inFlight--
			t.handleOutcome(out)
			done, ok := t.finished()
			t.mu.Unlock()
			if done {
				res = t.buildResult(ok)
				break loop
			}
			t.schedule()
		case <-t.poke:
			t.mu.Lock()
			done, ok := t.finished()
			t.mu.Unlock()
			if done {
				res = t.buildResult(ok)
				break loop
			}
		case <-deadline.C:
			res = Result{Reason: "session timeout"}
			break loop
		case <-t.quit:
			res = Result{Reason: "cancelled"}
			break loop
		}
	}

	t.Quit()
	time.Sleep(time.Duration(global.CancelGraceMs) * time.Millisecond)
	t.workersWg.Wait()
	t.readersWg.Wait()
	return res
}

// unfreezeInitial moves the highest-priority pair of each component's
// foundation set to Waiting.
func (t *Tester) unfreezeInitial() {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	for _, p := range t.pairs { // already priority sorted
		key := p.componentKey() + "|" + p.Local.Foundation + "|" + p.Remote.Foundation
		if !seen[key] {
			seen[key] = true
			p.State = PairWaiting
		}
	}
}

// unfreezeFoundation promotes Frozen pairs sharing a foundation with a
// just-succeeded pair.
func (t *Tester) unfreezeFoundation(p *Pair) {
	for _, other := range t.pairs {
		if other.State == PairFrozen &&
			other.Local.Foundation == p.Local.Foundation &&
			other.Remote.Foundation == p.Remote.Foundation {
			other.State = PairWaiting
		}
	}
}

// schedule launches checks for Waiting pairs up to the worker cap.
func (t *Tester) schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pairs {
		if t.inFlight >= global.CheckWorkerCap {
			return
		}
		if p.State != PairWaiting {
			continue
		}
		if _, done := t.selected[p.componentKey()]; done {
			p.State = PairFailed // component already has its winner
			continue
		}
		p.State = PairInProgress
		t.launchCheck(p, false)
	}
}

func (t *Tester) launchCheck(p *Pair, nominating bool) {
	t.inFlight++
	t.workersWg.Add(1)
	go func() {
		defer t.workersWg.Done()
		out := t.performCheck(p, nominating)
		select {
		case t.checkDone <- out:
		case <-t.quit:
		}
	}()
}

// performCheck sends the Binding request with the retransmission
// schedule: RTO starts at 500 ms, doubles, caps at 8 s, at most 7
// transmissions. The matching response is routed back over the pair's
// response channel by the socket reader.
func (t *Tester) performCheck(p *Pair, nominating bool) *checkOutcome {
	out := &checkOutcome{pair: p, nominating: nominating}

	conn := t.Provider.ConnForPair(p)
	if conn == nil {
		return out
	}

	t.mu.Lock()
	controller := t.controller
	t.mu.Unlock()

	rqst := stun.NewMessage(stun.TypeBindingRequest)
	rqst.AddString(stun.AttrUsername, t.Creds.RemoteUfrag+":"+t.Creds.LocalUfrag)
	if controller {
		rqst.AddUint64(stun.AttrIceControlling, t.Tiebreaker)
		if nominating {
			rqst.Add(stun.AttrUseCandidate, nil)
		}
	} else {
		rqst.AddUint64(stun.AttrIceControlled, t.Tiebreaker)
	}
	rqst.AddUint32(stun.AttrPriority, CalculatePriority(PeerReflexive, 65535, p.Local.Component))
	payload := rqst.Encode([]byte(t.Creds.RemotePwd))

	rspCh := t.registerTx(rqst.TransactionID)
	defer t.unregisterTx(rqst.TransactionID)

	remote := p.Remote.UDPAddr()
	rto := global.StunRtoInitial
	for attempt := 0; attempt < global.StunMaxAttempts; attempt++ {
		if _, err := conn.WriteToUDP(payload, remote); err != nil {
			return out
		}
		select {
		case rsps := <-rspCh:
			switch rsps.msg.Type {
			case stun.TypeBindingSuccess:
				out.succeeded = true
				out.mappedFrom = rsps.from
				return out
			case stun.TypeBindingError:
				if code, ok := rsps.msg.ErrorCode(); ok && code == stun.ErrorCodeRoleConflict {
					out.conflict = true
				}
				return out
			}
		case <-time.After(rto):
			rto *= 2
			if rto > global.StunRtoMax {
				rto = global.StunRtoMax
			}
		case <-t.quit:
			return out
		}
	}
	return out
}

// handleOutcome runs under the tester lock.
func (t *Tester) handleOutcome(out *checkOutcome) {
	p := out.pair
	switch {
	case out.conflict:
		// 487 Role Conflict: switch role and continue
		t.controller = !t.controller
		system.LogWarning(system.LTICEStack, fmt.Sprintf("ICE role conflict - now controller=%v", t.controller))
		p.State = PairWaiting
	case out.succeeded:
		if out.mappedFrom != nil && !system.AreUAddrsEqual(out.mappedFrom, p.Remote.UDPAddr()) {
			// answer came from an unseen source: a peer-reflexive
			// remote candidate and its pair
			t.addPeerReflexive(p, out.mappedFrom)
		}
		p.State = PairSucceeded
		if out.nominating {
			p.Nominated = true
			t.selected[p.componentKey()] = p
			t.cancelComponent(p)
			return
		}
		t.unfreezeFoundation(p)
		if t.controller {
			t.maybeNominate(p.componentKey())
		} else if p.Nominated {
			// the controller already nominated this pair through a
			// USE-CANDIDATE check we answered
			t.selected[p.componentKey()] = p
			t.cancelComponent(p)
		}
	default:
		if out.nominating {
			// nomination failed; allow a lower pair to win later
			p.Nominated = false
			t.maybeNominate(p.componentKey())
			return
		}
		p.State = PairFailed
	}
}

func (t *Tester) addPeerReflexive(base *Pair, from *net.UDPAddr) {
	prflx := *base.Remote
	prflx.Type = PeerReflexive
	prflx.Address = from.IP.String()
	prflx.Port = from.Port
	prflx.Priority = CalculatePriority(PeerReflexive, 65535, base.Remote.Component)

	pair := &Pair{Local: base.Local, Remote: &prflx, State: PairSucceeded}
	g, d := pair.Local.Priority, prflx.Priority
	if !t.controller {
		g, d = d, g
	}
	pair.Priority = PairPriority(g, d)
	t.pairs = append(t.pairs, pair)
}

// maybeNominate issues the nominating check for a component once at
// least one of its pairs succeeded: the highest-priority succeeded pair
// wins.
func (t *Tester) maybeNominate(componentKey string) {
	if !t.controller {
		return
	}
	if _, done := t.selected[componentKey]; done {
		return
	}
	var best *Pair
	for _, p := range t.pairs {
		if p.componentKey() != componentKey || p.State != PairSucceeded {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best == nil || best.Nominated {
		return
	}
	best.Nominated = true
	t.launchCheck(best, true)
}

// cancelComponent stops scheduling the losers of a decided component.
func (t *Tester) cancelComponent(winner *Pair) {
	for _, p := range t.pairs {
		if p == winner || p.componentKey() != winner.componentKey() {
			continue
		}
		if p.State == PairFrozen || p.State == PairWaiting {
			p.State = PairFailed
		}
	}
}

// finished reports (done, success) under the lock.
func (t *Tester) finished() (bool, bool) {
	if len(t.selected) == len(t.components) {
		return true, true
	}
	// failure when nothing is running and nothing can run anymore
	if t.inFlight > 0 {
		return false, false
	}
	for _, p := range t.pairs {
		if p.State == PairFrozen || p.State == PairWaiting || p.State == PairInProgress {
			return false, false
		}
	}
	if !t.controller {
		// the controllee keeps its succeeded pairs armed until the
		// controller nominates or the session times out
		for _, p := range t.pairs {
			if p.State == PairSucceeded {
				return false, false
			}
		}
	}
	return true, false
}

func (t *Tester) buildResult(ok bool) Result {
	if !ok {
		return Result{Reason: "all candidate pairs failed"}
	}
	selected := make([]*Pair, 0, len(t.components))
	for _, ck := range t.components {
		selected = append(selected, t.selected[ck])
	}
	return Result{Ok: true, Selected: selected}
}

// =================================================================
// Socket readers: route responses to waiting checks and answer
// incoming Binding requests.

type rxResponse struct {
	msg  *stun.Message
	from *net.UDPAddr
}

var txRegistry = struct {
	mu  sync.Mutex
	chs map[[12]byte]chan *rxResponse
}{chs: make(map[[12]byte]chan *rxResponse)}

func (t *Tester) registerTx(txid [12]byte) chan *rxResponse {
	ch := make(chan *rxResponse, 1)
	txRegistry.mu.Lock()
	txRegistry.chs[txid] = ch
	txRegistry.mu.Unlock()
	return ch
}

func (t *Tester) unregisterTx(txid [12]byte) {
	txRegistry.mu.Lock()
	delete(txRegistry.chs, txid)
	txRegistry.mu.Unlock()
}

func (t *Tester) startReaders() {
	seen := map[CheckConn]bool{}
	for _, p := range t.pairs {
		conn := t.Provider.ConnForPair(p)
		if conn == nil || seen[conn] {
			continue
		}
		seen[conn] = true
		t.readersWg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *Tester) readLoop(conn CheckConn) {
	defer t.readersWg.Done()
	buf := make([]byte, global.BufferSize)
	for {
		select {
		case <-t.quit:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		msg, err := stun.Decode(buf[:n])
		if err != nil {
			continue
		}
		switch msg.Type {
		case stun.TypeBindingSuccess, stun.TypeBindingError:
			txRegistry.mu.Lock()
			ch, ok := txRegistry.chs[msg.TransactionID]
			txRegistry.mu.Unlock()
			if ok {
				select {
				case ch <- &rxResponse{msg: msg, from: from}:
				default:
				}
			}
		case stun.TypeBindingRequest:
			t.answerCheck(conn, msg, buf[:n], from)
		}
	}
}

// answerCheck responds to an incoming connectivity check, detecting
// role conflicts and recording the controller's nominations.
func (t *Tester) answerCheck(conn CheckConn, msg *stun.Message, raw []byte, from *net.UDPAddr) {
	if err := stun.Verify(raw, []byte(t.Creds.LocalPwd)); err != nil {
		system.LogWarning(system.LTICEStack, fmt.Sprintf("Dropping check from %s: %v", from, err))
		return
	}

	t.mu.Lock()
	conflict := false
	if _, ok := msg.Uint64(stun.AttrIceControlling); ok && t.controller {
		their, _ := msg.Uint64(stun.AttrIceControlling)
		if t.Tiebreaker >= their {
			conflict = true
		} else {
			t.controller = false
		}
	} else if _, ok := msg.Uint64(stun.AttrIceControlled); ok && !t.controller {
		their, _ := msg.Uint64(stun.AttrIceControlled)
		if t.Tiebreaker >= their {
			t.controller = true
		} else {
			conflict = true
		}
	}

	if !conflict && msg.Has(stun.AttrUseCandidate) && !t.controller {
		// controller nominates through this check; follow it
		for _, p := range t.pairs {
			if t.Provider.ConnForPair(p) == conn && system.AreUAddrsEqual(p.Remote.UDPAddr(), from) {
				p.Nominated = true
				if p.State == PairSucceeded {
					t.selected[p.componentKey()] = p
					t.cancelComponent(p)
				}
			}
		}
	}
	t.mu.Unlock()

	if conflict {
		rsps := stun.NewResponse(stun.TypeBindingError, msg.TransactionID)
		rsps.AddErrorCode(stun.ErrorCodeRoleConflict, "Role Conflict")
		conn.WriteToUDP(rsps.Encode([]byte(t.Creds.LocalPwd)), from)
		return
	}

	rsps := stun.NewResponse(stun.TypeBindingSuccess, msg.TransactionID)
	rsps.AddXorMappedAddress(from)
	conn.WriteToUDP(rsps.Encode([]byte(t.Creds.LocalPwd)), from)

	// when every component got nominated through incoming checks the
	// controllee may finish without another local event; poke the loop
	t.mu.Lock()
	allDone := len(t.selected) == len(t.components) && len(t.components) > 0
	t.mu.Unlock()
	if allDone {
		select {
		case t.poke <- struct{}{}:
		default:
		}
	}
}
