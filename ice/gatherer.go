package ice

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"sipcallgo/global"
	"sipcallgo/stun"
	"sipcallgo/system"
)

// Gatherer enumerates host, server-reflexive and relay candidates for
// the session's media. STUN/TURN server addresses come from the
// external config object.
type Gatherer struct {
	Pool       *PortPool
	StunServer string
	TurnServer string
	MediaCount int

	// IncludeAll offers loopback/link-local addresses too; used by
	// tests and single-host setups.
	IncludeAll bool

	// Addresses overrides interface enumeration when non-empty.
	Addresses []net.IP
}

// Gathered is the result of one gathering run: the candidate list plus
// the bound sockets the session tester will probe from. Release returns
// every reserved port pair to the pool.
type Gathered struct {
	Candidates []*Candidate

	pool  *PortPool
	pairs []*PortPair
	socks map[string]*net.UDPConn // "address:port" of the local binding
}

func (g *Gathered) Socket(address string, port int) *net.UDPConn {
	return g.socks[net.JoinHostPort(address, strconv.Itoa(port))]
}

// SocketForPair resolves the base socket of a pair's local candidate:
// the candidate's own binding for host, its rel address for the rest.
func (g *Gathered) SocketForPair(p *Pair) *net.UDPConn {
	if p.Local.Type == Host {
		return g.Socket(p.Local.Address, p.Local.Port)
	}
	return g.Socket(p.Local.RelAddress, p.Local.RelPort)
}

func (g *Gathered) Release() {
	for _, pp := range g.pairs {
		g.pool.ReleasePair(pp)
	}
	g.pairs = nil
	g.socks = nil
}

// Gather reserves consecutive port pairs for every useful interface and
// each medium, emits host candidates, then asks the STUN/TURN servers
// for reflexive and relay ones. Port exhaustion releases everything and
// fails the run.
func (gr *Gatherer) Gather() (*Gathered, error) {
	mediaCount := gr.MediaCount
	if mediaCount == 0 {
		mediaCount = 2
	}

	addrs := gr.Addresses
	if len(addrs) == 0 {
		addrs = system.UsefulAddresses(gr.IncludeAll)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no usable interface addresses")
	}

	out := &Gathered{pool: gr.Pool, socks: make(map[string]*net.UDPConn)}
	foundation := 1

	fail := func(err error) (*Gathered, error) {
		out.Release()
		return nil, err
	}

	for _, ip := range addrs {
		localPref := uint32(65535)
		if ip.To4() == nil {
			localPref = 65534
		}
		for mediaIdx := 0; mediaIdx < mediaCount; mediaIdx++ {
			pp, err := gr.Pool.ReservePair(ip)
			if err != nil {
				return fail(err)
			}
			out.pairs = append(out.pairs, pp)

			fstr := strconv.Itoa(foundation)
			foundation++

			for comp, conn := range map[int]*net.UDPConn{ComponentRTP: pp.RTP, ComponentRTCP: pp.RTCP} {
				port := system.GetUDPortFromConn(conn)
				out.socks[net.JoinHostPort(ip.String(), strconv.Itoa(port))] = conn
				out.Candidates = append(out.Candidates, &Candidate{
					Foundation: fstr,
					Component:  comp,
					Transport:  "UDP",
					Priority:   CalculatePriority(Host, localPref, comp),
					Address:    ip.String(),
					Port:       port,
					Type:       Host,
					MediaIndex: mediaIdx,
				})
			}

			if gr.StunServer != "" && ip.To4() != nil {
				gr.addServerReflexive(out, pp, ip, mediaIdx, &foundation)
			}
			if gr.TurnServer != "" && ip.To4() != nil {
				gr.addRelay(out, pp, ip, mediaIdx, &foundation)
			}
		}
	}

	system.LogInfo(system.LTICEStack, fmt.Sprintf("Gathered %d candidates over %d interfaces", len(out.Candidates), len(addrs)))
	return out, nil
}

// addServerReflexive issues a STUN Binding on both component sockets;
// the mapped address becomes an srflx candidate whose rel address is
// the local binding. Both components keep one foundation.
func (gr *Gatherer) addServerReflexive(out *Gathered, pp *PortPair, ip net.IP, mediaIdx int, foundation *int) {
	server, err := net.ResolveUDPAddr("udp", gr.TurnOrStun(gr.StunServer))
	if err != nil {
		system.LogWarning(system.LTICEStack, fmt.Sprintf("Bad STUN server [%s]: %v", gr.StunServer, err))
		return
	}

	fstr := strconv.Itoa(*foundation)
	added := false
	for comp, conn := range map[int]*net.UDPConn{ComponentRTP: pp.RTP, ComponentRTCP: pp.RTCP} {
		mapped, err := serverTransaction(conn, server, stun.NewMessage(stun.TypeBindingRequest))
		if err != nil {
			system.LogWarning(system.LTICEStack, fmt.Sprintf("STUN binding failed on %s: %v", conn.LocalAddr(), err))
			continue
		}
		out.Candidates = append(out.Candidates, &Candidate{
			Foundation: fstr,
			Component:  comp,
			Transport:  "UDP",
			Priority:   CalculatePriority(ServerReflexive, 65535, comp),
			Address:    mapped.IP.String(),
			Port:       mapped.Port,
			Type:       ServerReflexive,
			RelAddress: ip.String(),
			RelPort:    system.GetUDPortFromConn(conn),
			MediaIndex: mediaIdx,
		})
		added = true
	}
	if added {
		*foundation++
	}
}

// addRelay allocates a TURN relay per component; the relayed transport
// address becomes a relay candidate based on the local socket.
func (gr *Gatherer) addRelay(out *Gathered, pp *PortPair, ip net.IP, mediaIdx int, foundation *int) {
	server, err := net.ResolveUDPAddr("udp", gr.TurnOrStun(gr.TurnServer))
	if err != nil {
		system.LogWarning(system.LTICEStack, fmt.Sprintf("Bad TURN server [%s]: %v", gr.TurnServer, err))
		return
	}

	fstr := strconv.Itoa(*foundation)
	added := false
	for comp, conn := range map[int]*net.UDPConn{ComponentRTP: pp.RTP, ComponentRTCP: pp.RTCP} {
		rqst := stun.NewMessage(stun.TypeAllocateRequest)
		rqst.AddUint32(stun.AttrRequestedTransport, 17<<24) // UDP
		relayed, err := allocateTransaction(conn, server, rqst)
		if err != nil {
			system.LogWarning(system.LTICEStack, fmt.Sprintf("TURN allocate failed on %s: %v", conn.LocalAddr(), err))
			continue
		}
		out.Candidates = append(out.Candidates, &Candidate{
			Foundation: fstr,
			Component:  comp,
			Transport:  "UDP",
			Priority:   CalculatePriority(Relay, 0, comp),
			Address:    relayed.IP.String(),
			Port:       relayed.Port,
			Type:       Relay,
			RelAddress: ip.String(),
			RelPort:    system.GetUDPortFromConn(conn),
			MediaIndex: mediaIdx,
		})
		added = true
	}
	if added {
		*foundation++
	}
}

func (gr *Gatherer) TurnOrStun(server string) string {
	if _, _, err := net.SplitHostPort(server); err != nil {
		return net.JoinHostPort(server, "3478")
	}
	return server
}

// serverTransaction runs one request/response exchange against a
// STUN server with a short fixed retry schedule.
func serverTransaction(conn *net.UDPConn, server *net.UDPAddr, rqst *stun.Message) (*net.UDPAddr, error) {
	rsps, err := exchange(conn, server, rqst, stun.TypeBindingSuccess)
	if err != nil {
		return nil, err
	}
	mapped, ok := rsps.XorMappedAddress()
	if !ok {
		return nil, fmt.Errorf("no mapped address in binding response")
	}
	return mapped, nil
}

func allocateTransaction(conn *net.UDPConn, server *net.UDPAddr, rqst *stun.Message) (*net.UDPAddr, error) {
	rsps, err := exchange(conn, server, rqst, stun.TypeAllocateSuccess)
	if err != nil {
		return nil, err
	}
	relayed, ok := rsps.XorRelayedAddress()
	if !ok {
		return nil, fmt.Errorf("no relayed address in allocate response")
	}
	return relayed, nil
}

func exchange(conn *net.UDPConn, server *net.UDPAddr, rqst *stun.Message, wantType uint16) (*stun.Message, error) {
	payload := rqst.Encode(nil)
	buf := make([]byte, global.BufferSize)
	rto := global.StunRtoInitial
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := conn.WriteToUDP(payload, server); err != nil {
			return nil, err
		}
		conn.SetReadDeadline(time.Now().Add(rto))
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				break // deadline, retransmit
			}
			if !system.AreUAddrsEqual(from, server) {
				continue
			}
			rsps, err := stun.Decode(buf[:n])
			if err != nil || rsps.TransactionID != rqst.TransactionID {
				continue
			}
			conn.SetReadDeadline(time.Time{})
			if rsps.Type != wantType {
				return nil, fmt.Errorf("server answered type 0x%04x", rsps.Type)
			}
			return rsps, nil
		}
		rto *= 2
	}
	conn.SetReadDeadline(time.Time{})
	return nil, fmt.Errorf("no answer from %s", server)
}
