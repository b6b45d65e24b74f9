package recovery

import "github.com/TeoSlayer/hopwire/pkg/protocol"

// sequenceRepair exchanges each side's last known-good sequence state and
// reconciles the send queues against it.
type sequenceRepair struct{}

func (r *sequenceRepair) Kind() Kind                  { return SequenceRepair }
func (r *sequenceRepair) RequestType() protocol.Type  { return protocol.TypeRepairRequest }
func (r *sequenceRepair) ResponseType() protocol.Type { return protocol.TypeRepairResponse }
func (r *sequenceRepair) Reset()                      {}

func (r *sequenceRepair) Begin(env Env, _ int) error {
	st := env.SequenceState()
	return env.Send(protocol.TypeRepairRequest, st.Marshal())
}

func (r *sequenceRepair) HandleRequest(env Env, p *protocol.Packet) error {
	peer, err := protocol.DecodeRepair(p.Payload)
	if err != nil {
		return err
	}
	mine := env.SequenceState()
	if err := env.Send(protocol.TypeRepairResponse, mine.Marshal()); err != nil {
		return err
	}
	return env.Reconcile(*peer)
}

func (r *sequenceRepair) HandleResponse(env Env, p *protocol.Packet) (bool, error) {
	peer, err := protocol.DecodeRepair(p.Payload)
	if err != nil {
		return false, err
	}
	if err := env.Reconcile(*peer); err != nil {
		return false, err
	}
	return true, nil
}
