package peripheral

import "github.com/kryptco/blerpc"

// sink is the concrete Sink a handler receives from the core. It is
// reused for every response/stream-item emission of one request, and for
// a StreamC2P handler's per-message and final invocations alike.
type sink struct {
	p       *Peripheral
	cmdName string
	final   bool
}

func (s *sink) Final() bool { return s.final }

func (s *sink) WriteResponse(data []byte) error {
	return s.emit(blerpc.CommandResponse, data)
}

func (s *sink) WriteStreamItem(data []byte) error {
	return s.emit(blerpc.CommandResponse, data)
}

func (s *sink) EndStream() error {
	tid := s.p.splitter.NextTransactionID()
	err := s.p.writeContainer(blerpc.MakeStreamEndP2C(tid))
	s.p.mu.Lock()
	s.p.busy = false
	s.p.mu.Unlock()
	return err
}

func (s *sink) emit(typ blerpc.CommandType, data []byte) error {
	pkt, err := blerpc.BuildCommand(typ, s.cmdName, data)
	if err != nil {
		return err
	}
	if uint32(len(pkt)) > uint32(s.p.maxPayloadSize()) {
		tid := s.p.splitter.NextTransactionID()
		s.p.writeContainer(blerpc.MakeError(tid, blerpc.ErrorCodeResponseTooLarge))
		return blerpc.ErrResponseTooLarge
	}

	s.p.mu.Lock()
	session := s.p.session
	s.p.mu.Unlock()

	payload := pkt
	if session != nil {
		payload, err = session.Encrypt(pkt)
		if err != nil {
			return err
		}
	}
	return s.p.writePayload(payload)
}
