package ice

import (
	"fmt"
	"net"
	"sync"

	"sipcallgo/system"
)

// PortPool hands out consecutive (RTP, RTCP) port pairs from a fixed
// range, one allocator per process. Pairs are released when the owning
// session ends, on every exit path.
type PortPool struct {
	mu    sync.Mutex
	min   int
	max   int
	alloc map[int]bool
}

// PortPair is a reserved even/odd socket pair for one medium's two
// components.
type PortPair struct {
	RTP  *net.UDPConn
	RTCP *net.UDPConn
}

func (pp *PortPair) RTPPort() int  { return system.GetUDPortFromConn(pp.RTP) }
func (pp *PortPair) RTCPPort() int { return system.GetUDPortFromConn(pp.RTCP) }

func NewPortPool(min, max int) *PortPool {
	if min%2 != 0 {
		min++
	}
	return &PortPool{min: min, max: max, alloc: make(map[int]bool)}
}

// ReservePair binds the next free (even, even+1) pair on ip. Returns
// nil when the range is exhausted; the caller fails the negotiation
// with "no ports available".
func (pool *PortPool) ReservePair(ip net.IP) (*PortPair, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for port := pool.min; port+1 <= pool.max; port += 2 {
		if pool.alloc[port] {
			continue
		}
		rtp, err := system.StartListeningUDP(ip, port)
		if err != nil {
			continue
		}
		rtcp, err := system.StartListeningUDP(ip, port+1)
		if err != nil {
			rtp.Close()
			continue
		}
		pool.alloc[port] = true
		return &PortPair{RTP: rtp, RTCP: rtcp}, nil
	}
	return nil, fmt.Errorf("no ports available in [%d, %d] on %s", pool.min, pool.max, ip)
}

func (pool *PortPool) ReleasePair(pp *PortPair) {
	if pp == nil {
		return
	}
	port := pp.RTPPort()
	pp.RTP.Close()
	pp.RTCP.Close()
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if !pool.alloc[port] {
		system.LogWarning(system.LTICEStack, fmt.Sprintf("Port pair [%d/%d] already released!", port, port+1))
		return
	}
	delete(pool.alloc, port)
}

func (pool *PortPool) InUse() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.alloc)
}
