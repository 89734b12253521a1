package sip

// Processor is one stage of the message pipeline. Each stage sees
// outgoing and incoming requests/responses in turn and may mutate,
// emit its own messages, or suppress by returning nil.
//
// The chain runs bottom (transport) to top (application) for incoming
// messages and in reverse for outgoing ones:
//
//	Framer -> Field Codec -> Server Tx -> Client Tx -> Dialog ->
//	Registration -> Negotiator -> Application
type Processor interface {
	ProcessOutgoingRequest(msg *SipMessage) *SipMessage
	ProcessOutgoingResponse(msg *SipMessage) *SipMessage
	ProcessIncomingRequest(msg *SipMessage) *SipMessage
	ProcessIncomingResponse(msg *SipMessage) *SipMessage
}

// PassthroughProcessor is the no-op base embedded by stages that only
// care about some of the four operations.
type PassthroughProcessor struct{}

func (PassthroughProcessor) ProcessOutgoingRequest(msg *SipMessage) *SipMessage  { return msg }
func (PassthroughProcessor) ProcessOutgoingResponse(msg *SipMessage) *SipMessage { return msg }
func (PassthroughProcessor) ProcessIncomingRequest(msg *SipMessage) *SipMessage  { return msg }
func (PassthroughProcessor) ProcessIncomingResponse(msg *SipMessage) *SipMessage { return msg }

// Pipeline composes processors head (transport side) to tail
// (application side).
type Pipeline struct {
	stages []Processor
}

func NewPipeline(stages ...Processor) *Pipeline {
	return &Pipeline{stages: stages}
}

func (pl *Pipeline) Append(p Processor) {
	pl.stages = append(pl.stages, p)
}

// Inbound walks transport -> application. A stage returning nil
// suppresses the message (it handled or discarded it).
func (pl *Pipeline) Inbound(msg *SipMessage) *SipMessage {
	for _, stage := range pl.stages {
		if msg == nil {
			return nil
		}
		if msg.IsRequest() {
			msg = stage.ProcessIncomingRequest(msg)
		} else {
			msg = stage.ProcessIncomingResponse(msg)
		}
	}
	return msg
}

// Outbound walks application -> transport.
func (pl *Pipeline) Outbound(msg *SipMessage) *SipMessage {
	for i := len(pl.stages) - 1; i >= 0; i-- {
		if msg == nil {
			return nil
		}
		if msg.IsRequest() {
			msg = pl.stages[i].ProcessOutgoingRequest(msg)
		} else {
			msg = pl.stages[i].ProcessOutgoingResponse(msg)
		}
	}
	return msg
}
