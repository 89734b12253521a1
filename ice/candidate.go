// Package ice implements candidate gathering, pairing, connectivity
// checks and nomination (RFC 8445) for the media sub-flows of a call.
package ice

import (
	"fmt"
	"net"

	"sipcallgo/sdp"
)

type CandidateType int

const (
	Host CandidateType = iota
	ServerReflexive
	Relay
	PeerReflexive
)

func (ct CandidateType) String() string {
	return candidateTypes[ct]
}

var candidateTypes = [...]string{"host", "srflx", "relay", "prflx"}

func CandidateTypeFromName(nm string) (CandidateType, bool) {
	for i, s := range candidateTypes {
		if s == nm {
			return CandidateType(i), true
		}
	}
	return Host, false
}

// type preferences per RFC 8445 section 5.1.2.2
func (ct CandidateType) preference() uint32 {
	switch ct {
	case Host:
		return 126
	case ServerReflexive:
		return 100
	case PeerReflexive:
		return 110
	case Relay:
		return 0
	}
	return 0
}

// Components of one medium.
const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// Candidate is one (transport, address, port) that might carry media.
type Candidate struct {
	Foundation string
	Component  int
	Transport  string
	Priority   uint32
	Address    string
	Port       int
	Type       CandidateType

	RelAddress string
	RelPort    int

	// MediaIndex places the candidate in the SDP: 0 audio, 1 video.
	MediaIndex int
}

// CalculatePriority computes the RFC 8445 candidate priority:
// 2^24 * type-pref + 2^8 * local-pref + (256 - component).
func CalculatePriority(typ CandidateType, localPref uint32, component int) uint32 {
	return (1<<24)*typ.preference() + (1<<8)*localPref + (256 - uint32(component))
}

func (c *Candidate) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Address), Port: c.Port}
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s %d %s %s:%d typ %s", c.Foundation, c.Component, c.Transport, c.Address, c.Port, c.Type)
}

// =================================================================
// SDP conversions

func (c *Candidate) ToSDP() *sdp.Candidate {
	return &sdp.Candidate{
		Foundation: c.Foundation,
		Component:  c.Component,
		Transport:  c.Transport,
		Priority:   c.Priority,
		Address:    c.Address,
		Port:       c.Port,
		Type:       c.Type.String(),
		RelAddress: c.RelAddress,
		RelPort:    c.RelPort,
	}
}

func FromSDP(sc *sdp.Candidate, mediaIndex int) (*Candidate, bool) {
	typ, ok := CandidateTypeFromName(sc.Type)
	if !ok {
		return nil, false
	}
	if sc.Component != ComponentRTP && sc.Component != ComponentRTCP {
		return nil, false
	}
	return &Candidate{
		Foundation: sc.Foundation,
		Component:  sc.Component,
		Transport:  sc.Transport,
		Priority:   sc.Priority,
		Address:    sc.Address,
		Port:       sc.Port,
		Type:       typ,
		RelAddress: sc.RelAddress,
		RelPort:    sc.RelPort,
		MediaIndex: mediaIndex,
	}, true
}
