package sip

import (
	"fmt"
	"sync"
	"time"

	"sipcallgo/global"
	"sipcallgo/guid"
	"sipcallgo/ice"
	"sipcallgo/sdp"
	"sipcallgo/system"
)

// Codec policy: H265 video in the dynamic payload range, Opus audio at
// 48 kHz/2 channels, PCMU at 8 kHz as the audio fallback.
const (
	payloadOpus = 107
	payloadPCMU = 0
	payloadH265 = 96

	mediaAudio = 0
	mediaVideo = 1
)

// Negotiator is the per-session offer/answer state machine (RFC 3264)
// feeding and fed by the ICE engine. processAnswer returns right after
// starting ICE; completion arrives asynchronously through
// OnNominationSucceeded.
type Negotiator struct {
	mu    sync.Mutex
	state global.NegotiationState

	LocalSDP  *sdp.Session
	RemoteSDP *sdp.Session

	Gatherer    *ice.Gatherer
	Coordinator *ice.Coordinator

	gathered   *ice.Gathered
	localPairs []*ice.Pair

	localUfrag string
	localPwd   string

	deliver sync.Once

	// OnNominationSucceeded fires exactly once, after the nominated
	// pairs have been written back into both SDP snapshots.
	OnNominationSucceeded func(selected []*ice.Pair)
	OnIceFailure          func(reason string)
}

func NewNegotiator(gatherer *ice.Gatherer, coordinator *ice.Coordinator) *Negotiator {
	return &Negotiator{
		state:       global.NegNoState,
		Gatherer:    gatherer,
		Coordinator: coordinator,
		localUfrag:  guid.NewUfrag(),
		localPwd:    guid.NewPwd(),
	}
}

func (ng *Negotiator) State() global.NegotiationState {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	return ng.state
}

// GenerateOffer gathers candidates for 2 components x 2 media and
// produces the local SDP offer. State moves to OfferGenerated.
func (ng *Negotiator) GenerateOffer(localAddress string) (*sdp.Session, error) {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	if ng.state != global.NegNoState && ng.state != global.NegFinished {
		return nil, fmt.Errorf("cannot offer in state %s", ng.state)
	}

	if err := ng.gatherLocked(); err != nil {
		return nil, err
	}
	ng.LocalSDP = ng.buildLocalSession(localAddress, nil)
	ng.state = global.NegOfferGenerated
	return ng.LocalSDP, nil
}

// ProcessOffer validates a remote offer, produces the local answer and
// starts ICE in the controller role (the callee controls). State moves
// to AnswerGenerated.
func (ng *Negotiator) ProcessOffer(remote *sdp.Session, localAddress string) (*sdp.Session, error) {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	if ng.state != global.NegNoState && ng.state != global.NegFinished {
		return nil, fmt.Errorf("cannot answer in state %s", ng.state)
	}
	if !remote.Valid() {
		return nil, fmt.Errorf("remote offer is not valid SDP")
	}
	accepted, err := intersectMedia(remote)
	if err != nil {
		return nil, err
	}

	if err := ng.gatherLocked(); err != nil {
		return nil, err
	}
	ng.RemoteSDP = remote
	ng.LocalSDP = ng.buildLocalSession(localAddress, accepted)
	ng.state = global.NegAnswerGenerated

	ng.startICELocked(true)
	return ng.LocalSDP, nil
}

// ProcessAnswer validates the remote answer against our offer and
// starts ICE in the controllee role. State moves to Finished; the
// call returns immediately, ICE completes in the background.
func (ng *Negotiator) ProcessAnswer(remote *sdp.Session) error {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	if ng.state != global.NegOfferGenerated {
		return fmt.Errorf("answer in state %s", ng.state)
	}
	if !remote.Valid() {
		return fmt.Errorf("remote answer is not valid SDP")
	}
	if _, err := intersectMedia(remote); err != nil {
		return err
	}
	ng.RemoteSDP = remote
	ng.state = global.NegFinished

	ng.startICELocked(false)
	return nil
}

// MarkFinished completes the callee side once the local answer is on
// the wire and the ACK arrived.
func (ng *Negotiator) MarkFinished() {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	if ng.state == global.NegAnswerGenerated {
		ng.state = global.NegFinished
	}
}

// Release returns the gathered ports to the pool; it runs on every
// session teardown path.
func (ng *Negotiator) Release() {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	if ng.gathered != nil {
		ng.gathered.Release()
		ng.gathered = nil
	}
	if ng.Coordinator != nil {
		ng.Coordinator.Cleanup()
	}
}

// =================================================================

// gatherLocked runs under the negotiator lock; a port-exhaustion
// failure releases any partial allocation inside the gatherer.
func (ng *Negotiator) gatherLocked() error {
	if ng.gathered != nil {
		return nil
	}
	gathered, err := ng.Gatherer.Gather()
	if err != nil {
		return fmt.Errorf("no ports available: %w", err)
	}
	ng.gathered = gathered
	return nil
}

// buildLocalSession renders our half of the negotiation: two media
// sections, audio first, candidates attached per media. accepted
// narrows the audio payload list when answering.
func (ng *Negotiator) buildLocalSession(localAddress string, accepted map[int][]int) *sdp.Session {
	now := time.Now().Unix()
	s := &sdp.Session{
		Version: 0,
		Origin: &sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			Network:        sdp.NetworkInternet,
			Type:           sdp.TypeIPv4,
			Address:        localAddress,
		},
		Name:       global.AgentName,
		Connection: &sdp.Connection{Network: sdp.NetworkInternet, Type: sdp.TypeIPv4, Address: localAddress},
		Timing:     &sdp.Timing{},
	}
	s.Attributes = append(s.Attributes,
		&sdp.Attribute{Name: "ice-ufrag", Value: ng.localUfrag},
		&sdp.Attribute{Name: "ice-pwd", Value: ng.localPwd})

	audioFormats := []int{payloadOpus, payloadPCMU}
	videoFormats := []int{payloadH265}
	if accepted != nil {
		if f, ok := accepted[mediaAudio]; ok {
			audioFormats = f
		}
		if f, ok := accepted[mediaVideo]; ok {
			videoFormats = f
		}
	}

	audio := &sdp.Media{Type: sdp.Audio, Proto: sdp.RtpAvp, Formats: audioFormats}
	for _, pt := range audioFormats {
		switch pt {
		case payloadOpus:
			audio.Attributes = append(audio.Attributes, &sdp.Attribute{Name: "rtpmap", Value: fmt.Sprintf("%d opus/48000/2", pt)})
		case payloadPCMU:
			audio.Attributes = append(audio.Attributes, &sdp.Attribute{Name: "rtpmap", Value: fmt.Sprintf("%d PCMU/8000", pt)})
		}
	}
	video := &sdp.Media{Type: sdp.Video, Proto: sdp.RtpAvp, Formats: videoFormats}
	for _, pt := range videoFormats {
		video.Attributes = append(video.Attributes, &sdp.Attribute{Name: "rtpmap", Value: fmt.Sprintf("%d H265/90000", pt)})
	}
	s.Media = []*sdp.Media{audio, video}

	for _, c := range ng.gathered.Candidates {
		if c.MediaIndex >= len(s.Media) {
			continue
		}
		m := s.Media[c.MediaIndex]
		if c.Type == ice.Host && c.Component == ice.ComponentRTP && m.Port == 0 {
			m.Port = c.Port
		}
		m.Attributes = append(m.Attributes, &sdp.Attribute{Name: "candidate", Value: c.ToSDP().String()})
	}
	return s
}

// intersectMedia checks the remote media suitability: H265 video and
// Opus audio are demanded when present per policy; otherwise the
// rtpmap intersection decides. An empty intersection fails.
func intersectMedia(remote *sdp.Session) (map[int][]int, error) {
	accepted := make(map[int][]int)
	for idx, m := range remote.Media {
		var keep []int
		switch m.Type {
		case sdp.Audio:
			for _, rm := range m.RtpMaps {
				if system.EqualsFold(rm.Name, "opus") && rm.ClockRate == 48000 && rm.Channels == 2 {
					keep = append(keep, rm.Payload)
				}
			}
			if len(keep) == 0 {
				for _, rm := range m.RtpMaps {
					if system.EqualsFold(rm.Name, "PCMU") && rm.ClockRate == 8000 {
						keep = append(keep, rm.Payload)
					}
				}
			}
			// static PCMU may appear without an rtpmap line
			if len(keep) == 0 {
				for _, pt := range m.Formats {
					if pt == payloadPCMU {
						keep = append(keep, pt)
					}
				}
			}
			if len(keep) == 0 {
				return nil, fmt.Errorf("no acceptable audio codec")
			}
			accepted[idx] = keep
		case sdp.Video:
			for _, rm := range m.RtpMaps {
				if system.EqualsFold(rm.Name, "H265") && rm.Payload >= 96 && rm.Payload <= 127 {
					keep = append(keep, rm.Payload)
				}
			}
			if len(keep) == 0 {
				return nil, fmt.Errorf("no acceptable video codec (H265 required)")
			}
			accepted[idx] = keep
		}
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("no media to negotiate")
	}
	return accepted, nil
}

// =================================================================

// startICELocked spawns the nomination through the coordinator; runs
// under the negotiator lock.
func (ng *Negotiator) startICELocked(controller bool) {
	var localCands []*ice.Candidate
	for _, c := range ng.gathered.Candidates {
		localCands = append(localCands, c)
	}

	var remoteCands []*ice.Candidate
	mediaOf := func(c *sdp.Candidate) int {
		for idx, m := range ng.RemoteSDP.Media {
			for _, a := range m.Attributes {
				if a.Name == "candidate" {
					if pc, ok := sdp.ParseCandidate(a.Value); ok && *pc == *c {
						return idx
					}
				}
			}
		}
		return 0
	}
	for _, sc := range ng.RemoteSDP.Candidates() {
		if c, ok := ice.FromSDP(sc, mediaOf(sc)); ok {
			remoteCands = append(remoteCands, c)
		}
	}
	if len(remoteCands) == 0 {
		go ng.failOnce("remote offered no candidates")
		return
	}

	pairs := ice.MakePairs(localCands, remoteCands, controller)
	ng.localPairs = pairs

	tester := &ice.Tester{
		Controller: controller,
		Tiebreaker: guid.NewTiebreaker(),
		Creds: ice.Credentials{
			LocalUfrag:  ng.localUfrag,
			LocalPwd:    ng.localPwd,
			RemoteUfrag: ng.remoteAttr("ice-ufrag"),
			RemotePwd:   ng.remoteAttr("ice-pwd"),
		},
		Provider: ice.GatheredSockets{G: ng.gathered},
	}

	ng.Coordinator.StartRun(tester, pairs, ng.onIceComplete, ng.failOnce)
}

func (ng *Negotiator) remoteAttr(nm string) string {
	if v := ng.RemoteSDP.Attributes.Get(nm); v != "" {
		return v
	}
	for _, m := range ng.RemoteSDP.Media {
		if v := m.Attributes.Get(nm); v != "" {
			return v
		}
	}
	return ""
}

// onIceComplete rewrites the media endpoints of both SDP snapshots
// from the nominated pairs, then notifies upward exactly once.
//
// Rewrite rule: a non-host nominated local candidate contributes its
// rel address/port (the local base); a host one its own address/port.
func (ng *Negotiator) onIceComplete(selected []*ice.Pair) {
	ng.mu.Lock()
	for _, p := range selected {
		if p.Local.Component != ice.ComponentRTP {
			continue
		}
		idx := p.Local.MediaIndex

		if ng.LocalSDP != nil && idx < len(ng.LocalSDP.Media) {
			m := ng.LocalSDP.Media[idx]
			if p.Local.Type == ice.Host {
				m.Port = p.Local.Port
				m.Connection = []*sdp.Connection{{Network: sdp.NetworkInternet, Type: addrType(p.Local.Address), Address: p.Local.Address}}
			} else {
				m.Port = p.Local.RelPort
				m.Connection = []*sdp.Connection{{Network: sdp.NetworkInternet, Type: addrType(p.Local.RelAddress), Address: p.Local.RelAddress}}
			}
		}
		if ng.RemoteSDP != nil && idx < len(ng.RemoteSDP.Media) {
			m := ng.RemoteSDP.Media[idx]
			m.Port = p.Remote.Port
			m.Connection = []*sdp.Connection{{Network: sdp.NetworkInternet, Type: addrType(p.Remote.Address), Address: p.Remote.Address}}
		}
	}
	ng.mu.Unlock()

	ng.deliver.Do(func() {
		system.LogInfo(system.LTICEStack, fmt.Sprintf("ICE nomination succeeded with %d selected pairs", len(selected)))
		if ng.OnNominationSucceeded != nil {
			ng.OnNominationSucceeded(selected)
		}
	})
}

func (ng *Negotiator) failOnce(reason string) {
	ng.deliver.Do(func() {
		system.LogError(system.LTICEStack, "ICE failed: "+reason)
		if ng.OnIceFailure != nil {
			ng.OnIceFailure(reason)
		}
	})
}

func addrType(address string) string {
	for i := 0; i < len(address); i++ {
		if address[i] == ':' {
			return sdp.TypeIPv6
		}
	}
	return sdp.TypeIPv4
}
