package sip

import (
	"fmt"
	"net"

	"sipcallgo/global"
	"sipcallgo/guid"
	"sipcallgo/ice"
	"sipcallgo/sdp"
	"sipcallgo/system"
)

// Stack wires the whole inbound/outbound pipeline together and is
// itself the application stage at its top:
//
//	Framer -> Field Codec -> Server Tx -> Client Tx -> Dialog ->
//	Registration -> Negotiator (per session) -> application (here)
type Stack struct {
	PassthroughProcessor

	Aor       URI
	LocalHost string
	LocalPort int

	transport *Transport
	wheel     *TimerWheel
	pipeline  *Pipeline

	serverTx *ServerTxLayer
	clientTx *ClientTxLayer
	dialogs  *DialogLayer
	regCtrl  *RegistrationController

	pool     *ice.PortPool
	cfg      *global.Config
	sessions *ConcurrentMapMutex[SipSession]

	// GatherAddresses overrides interface enumeration for candidate
	// gathering; single-host and test setups pin it to one address.
	GatherAddresses []net.IP

	proxyConn *Connection
}

func NewStack(cfg *global.Config) (*Stack, error) {
	localIP := global.ClientIPv4
	if localIP == nil {
		localIP = system.GetLocalIPv4()
		if localIP == nil {
			return nil, fmt.Errorf("no usable IPv4 interface")
		}
	}

	st := &Stack{
		Aor:       URI{Scheme: "sip", User: cfg.Username, Host: cfg.Domain},
		LocalHost: localIP.String(),
		LocalPort: cfg.SipPort,
		transport: NewTransport(),
		wheel:     NewTimerWheel(),
		pool:      ice.NewPortPool(cfg.MinPort, cfg.MaxPort),
		cfg:       cfg,
		sessions:  NewConcurrentMapMutex[SipSession](),
	}

	st.serverTx = NewServerTxLayer(st.wheel, st.sendDirect)
	st.clientTx = NewClientTxLayer(st.wheel, st.sendDirect)
	st.clientTx.NextRequest = st.Submit
	if cfg.Username != "" && cfg.Password != "" {
		st.clientTx.Creds = &Credentials{Username: cfg.Username, Password: cfg.Password}
	}
	st.clientTx.OnTimeout = st.onTxTimeout

	st.dialogs = NewDialogLayer()
	st.dialogs.ContactUser = cfg.Username
	st.dialogs.ContactHost = st.LocalHost
	st.dialogs.ContactPort = st.LocalPort
	st.dialogs.Send = st.sendDirect

	st.regCtrl = NewRegistrationController(st.wheel, st.Aor, st.LocalHost, st.LocalPort)
	st.regCtrl.Submit = st.Submit

	st.serverTx.OnCancelled = st.onInviteCancelled

	st.pipeline = NewPipeline(st.serverTx, st.clientTx, st.dialogs, st.regCtrl, st)

	st.transport.OnMessage = st.onMessage
	st.transport.OnBadRequest = st.onBadRequest
	st.transport.OnDisconnect = st.onDisconnect
	return st, nil
}

// Start listens for SIP and connects to the configured proxy.
func (st *Stack) Start() error {
	if err := st.transport.Listen(net.ParseIP(st.LocalHost), st.LocalPort); err != nil {
		return err
	}
	if st.cfg.ProxyAddr != "" {
		conn, err := st.transport.Connect(withDefaultPort(st.cfg.ProxyAddr))
		if err != nil {
			return fmt.Errorf("connecting proxy: %w", err)
		}
		st.proxyConn = conn
	}
	return nil
}

func (st *Stack) Stop() {
	for _, ss := range st.sessions.Range() {
		ss.Drop()
	}
	st.transport.Close()
	st.wheel.Stop()
}

func (st *Stack) Registration() *RegistrationController {
	return st.regCtrl
}

func (st *Stack) Sessions() []*SipSession {
	var out []*SipSession
	for _, ss := range st.sessions.Range() {
		out = append(out, ss)
	}
	return out
}

func (st *Stack) Session(callID string) (*SipSession, bool) {
	return st.sessions.Load(callID)
}

// =================================================================
// Message plumbing

// Submit pushes an application message down the outbound pipeline and
// onto the wire.
func (st *Stack) Submit(msg *SipMessage) {
	out := st.pipeline.Outbound(msg)
	if out == nil {
		return
	}
	st.sendDirect(out)
}

// sendDirect writes without traversing the pipeline again; used by the
// transaction layers for retransmissions and local finals.
func (st *Stack) sendDirect(msg *SipMessage) error {
	conn := st.proxyConn
	if conn == nil {
		return global.NewError(503, "no signaling connection")
	}
	return conn.Send(msg)
}

func (st *Stack) onMessage(conn *Connection, msg *SipMessage) {
	if st.proxyConn == nil {
		st.proxyConn = conn
	}
	st.pipeline.Inbound(msg)
}

func (st *Stack) onBadRequest(conn *Connection, msg *SipMessage) {
	// the top Via parsed: answer 400 Bad Request
	conn.Send(BuildResponse(msg, 400, ""))
}

func (st *Stack) onDisconnect(conn *Connection) {
	system.LogWarning(system.LTConnectivity, fmt.Sprintf("Transport to %s lost", conn.RemoteAddr()))
	// transactions die with the transport; dialogs stay for reconnect
	st.clientTx.TerminateAll()
	st.serverTx.TerminateAll()
	if st.proxyConn == conn {
		st.proxyConn = nil
	}
}

func (st *Stack) onTxTimeout(tx *ClientTransaction) {
	if tx.Method == global.INVITE || tx.Method == global.ReINVITE {
		if ss, ok := st.sessions.Load(tx.Request.CallID()); ok {
			ss.Terminate("request timeout")
		}
	}
}

func (st *Stack) onInviteCancelled(invite *SipMessage) {
	if ss, ok := st.sessions.Load(invite.CallID()); ok {
		ss.SetState(global.SessCleared)
		ss.Drop()
	}
}

// =================================================================
// Registration and calls

func (st *Stack) Register(expires int) {
	st.regCtrl.Register(expires)
}

func (st *Stack) Deregister() {
	st.regCtrl.Deregister()
}

// Call places an outbound call: generate the offer (gathering
// candidates on the way), compose the INVITE, push it out.
func (st *Stack) Call(remote string) (*SipSession, error) {
	ruri, ok := ParseURI(remote)
	if !ok {
		return nil, fmt.Errorf("invalid target URI [%s]", remote)
	}

	ss := NewSipSession(st, global.OUTBOUND, newCallID())
	ss.Negotiator = st.newNegotiator(ss)

	offer, err := ss.Negotiator.GenerateOffer(st.LocalHost)
	if err != nil {
		return nil, err
	}

	invite := ss.BuildInvite(ruri, offer)
	st.sessions.Store(ss.CallID, ss)
	ss.SetState(global.SessBeingEstablished)
	st.Submit(invite)

	if tx := st.clientTx.Find(invite.ViaBranch(), global.INVITE); tx != nil {
		ss.mu.Lock()
		ss.InviteTx = tx
		ss.mu.Unlock()
	}
	return ss, nil
}

func (st *Stack) newNegotiator(ss *SipSession) *Negotiator {
	ng := NewNegotiator(&ice.Gatherer{
		Pool:       st.pool,
		StunServer: st.cfg.StunServer,
		TurnServer: st.cfg.TurnServer,
		MediaCount: 2,
		Addresses:  st.GatherAddresses,
	}, ice.NewCoordinator())
	ng.OnNominationSucceeded = ss.onIceNominated
	ng.OnIceFailure = ss.onIceFailure
	return ng
}

// =================================================================
// Application stage (pipeline top)

func (st *Stack) ProcessIncomingRequest(msg *SipMessage) *SipMessage {
	switch msg.GetMethod() {
	case global.INVITE:
		st.handleInvite(msg)
	case global.ReINVITE:
		// re-offers are declined politely for now
		st.Submit(answerWithToTag(msg, 488))
	case global.ACK:
		if ss, ok := st.sessions.Load(msg.CallID()); ok {
			ss.HandleAck()
		}
	case global.BYE:
		st.handleBye(msg)
	case global.OPTIONS:
		// locally handled keep-alive probe, in or out of dialog
		st.Submit(answerWithToTag(msg, 200))
	default:
		st.Submit(answerWithToTag(msg, 405))
	}
	return nil
}

func (st *Stack) ProcessIncomingResponse(msg *SipMessage) *SipMessage {
	if msg.Header.CSeq == nil {
		return nil
	}
	ss, ok := st.sessions.Load(msg.CallID())
	if !ok {
		return nil
	}
	switch msg.Header.CSeq.Method {
	case global.INVITE:
		ss.HandleInviteResponse(msg)
	case global.BYE:
		if system.IsFinal(msg.GetStatusCode()) {
			st.dialogs.Terminate(DialogID{CallID: msg.CallID(), LocalTag: msg.FromTag(), RemoteTag: msg.ToTag()})
			ss.SetState(global.SessCleared)
			ss.Drop()
		}
	case global.CANCEL:
		// the 487 on the INVITE transaction finishes the teardown
	}
	return nil
}

func (st *Stack) handleInvite(invite *SipMessage) {
	if _, exists := st.sessions.Load(invite.CallID()); exists {
		return // retransmission absorbed by the server transaction
	}
	if invite.BodyType == global.Unknown {
		st.Submit(answerWithToTag(invite, 415))
		return
	}
	if !invite.ContainsSDP() {
		// delayed offer is not supported by this client
		st.Submit(answerWithToTag(invite, 488))
		return
	}
	offer, ok := sdp.Decode(invite.Body)
	if !ok {
		st.Submit(answerWithToTag(invite, 400))
		return
	}

	ss := NewSipSession(st, global.INBOUND, invite.CallID())
	ss.Negotiator = st.newNegotiator(ss)
	st.sessions.Store(ss.CallID, ss)
	ss.SetState(global.SessBeingEstablished)

	st.Submit(BuildResponse(invite, 100, ""))

	answer, err := ss.Negotiator.ProcessOffer(offer, st.LocalHost)
	if err != nil {
		system.LogError(system.LTSDPStack, fmt.Sprintf("Offer rejected: %v", err))
		st.Submit(answerWithToTag(invite, 488))
		ss.Drop()
		return
	}
	ss.AcceptIncoming(invite, answer)
}

func (st *Stack) handleBye(bye *SipMessage) {
	ss, ok := st.sessions.Load(bye.CallID())
	if !ok {
		// the dialog layer already answered 481
		return
	}
	st.Submit(answerWithToTag(bye, 200))
	ss.SetState(global.SessCleared)
	ss.Drop()
}

// answerWithToTag builds a response echoing the request's To tag or
// minting one when the request had none.
func answerWithToTag(rqst *SipMessage, sc int) *SipMessage {
	rsps := BuildResponse(rqst, sc, "")
	if rsps.Header.To != nil {
		if _, ok := rsps.Header.To.Parameter("tag"); !ok {
			rsps.Header.To.SetParameter("tag", newTag())
		}
	}
	return rsps
}

func newCallID() string { return guid.NewCallID() }
func newTag() string    { return guid.NewTag() }

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, fmt.Sprintf("%d", global.DefaultSipPort))
	}
	return addr
}
