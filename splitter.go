package blerpc

// attOverhead is the bytes of link-layer overhead subtracted from the
// negotiated MTU to get the usable container size.
const attOverhead = 3

const (
	firstHeaderSize      = 6
	subsequentHeaderSize = 4
)

// Splitter cuts payloads into MTU-sized containers and hands out
// transaction ids. It holds no state besides the transaction counter and
// is safe to reuse across calls to Split as long as they are not
// interleaved on the wire (the spec forbids concurrent splits per channel).
type Splitter struct {
	nextTid byte
}

// NewSplitter returns a Splitter whose transaction id counter starts at 0.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// NextTransactionID returns and post-increments the internal counter.
// Wrapping from 255 to 0 is legal; the id is not a uniqueness key.
func (s *Splitter) NextTransactionID() byte {
	tid := s.nextTid
	s.nextTid++
	return tid
}

// Split cuts payload into a sequence of containers sized to mtu, tagged
// with tid. A zero-length payload yields exactly one FIRST container with
// an empty Payload.
func (s *Splitter) Split(payload []byte, tid byte, mtu int) []Container {
	firstMax := mtu - attOverhead - firstHeaderSize
	subsequentMax := mtu - attOverhead - subsequentHeaderSize
	if firstMax < 0 {
		firstMax = 0
	}
	if subsequentMax < 0 {
		subsequentMax = 0
	}

	divisor := subsequentMax
	if divisor < 1 {
		divisor = 1
	}
	containers := make([]Container, 0, 1+len(payload)/divisor)

	firstLen := len(payload)
	if firstLen > firstMax {
		firstLen = firstMax
	}
	containers = append(containers, Container{
		TransactionID:  tid,
		SequenceNumber: 0,
		Type:           TypeFirst,
		TotalLength:    uint16(len(payload)),
		Payload:        payload[:firstLen],
	})

	remaining := payload[firstLen:]
	seq := byte(1)
	for len(remaining) > 0 {
		chunkLen := len(remaining)
		if chunkLen > subsequentMax {
			chunkLen = subsequentMax
		}
		containers = append(containers, Container{
			TransactionID:  tid,
			SequenceNumber: seq,
			Type:           TypeSubsequent,
			Payload:        remaining[:chunkLen],
		})
		remaining = remaining[chunkLen:]
		seq++
	}
	return containers
}
