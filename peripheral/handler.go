package peripheral

// HandlerKind tags the three shapes of per-RPC handler the core dispatches
// to, per the uniform tagged-variant descriptor the spec calls for: code
// generators fill in typed per-RPC wrappers, but the core only ever sees
// this byte-slice-in, byte-sink-out shape.
type HandlerKind int

const (
	// Unary handlers are invoked once per request and must call
	// sink.WriteResponse before returning 0, or return -1 to fail silently.
	Unary HandlerKind = iota
	// StreamP2C handlers are invoked once per request; they push zero or
	// more items via sink.WriteStreamItem and signal completion with
	// sink.EndStream. Returning -2 tells the core the handler owns
	// response emission beyond its own return (e.g. from a goroutine).
	StreamP2C
	// StreamC2P handlers are invoked once per incoming message sharing
	// their cmd_name (sink.Final() == false), then once more after
	// CONTROL/STREAM_END_C2P arrives (sink.Final() == true), at which
	// point they must call sink.WriteResponse with the accumulated result.
	StreamC2P
)

// Sink is the response channel a handler uses to talk back to the core.
// The core never inspects or encodes a handler's response itself: a
// handler with Unary or StreamC2P kind must call WriteResponse before
// returning success, and a StreamP2C handler calls WriteStreamItem any
// number of times followed by exactly one EndStream.
type Sink interface {
	// WriteResponse sends one RESPONSE command packet under the
	// request's cmd_name. Valid for Unary and the final StreamC2P call.
	WriteResponse(data []byte) error
	// WriteStreamItem sends one P→C stream item under the request's
	// cmd_name. Valid for StreamP2C handlers.
	WriteStreamItem(data []byte) error
	// EndStream sends CONTROL/STREAM_END_P2C and releases the session
	// for the next request. Valid for StreamP2C handlers.
	EndStream() error
	// Final reports whether this invocation is the end-of-stream call
	// for a StreamC2P handler (request == nil in that case).
	Final() bool
}

// HandlerFunc is the uniform handler signature. Return 0 for success
// (a response has already been written to sink), -1 for failure (no
// response; the core logs and continues), or -2 to tell the core the
// handler owns response emission beyond its own return.
type HandlerFunc func(request []byte, sink Sink) int

type registeredHandler struct {
	name string
	kind HandlerKind
	fn   HandlerFunc
}

// Table is the peripheral's static handler registry: a linear scan by
// (len, bytes), matching the spec's description of dispatch by cmd_name.
type Table struct {
	handlers []registeredHandler
}

// NewTable returns an empty handler table.
func NewTable() *Table { return &Table{} }

// Register adds a handler under name. Registering the same name twice
// leaves the later entry unreachable: lookup finds whichever was
// registered first.
func (t *Table) Register(name string, kind HandlerKind, fn HandlerFunc) {
	t.handlers = append(t.handlers, registeredHandler{name: name, kind: kind, fn: fn})
}

func (t *Table) lookup(name string) *registeredHandler {
	for i := range t.handlers {
		h := &t.handlers[i]
		if len(h.name) == len(name) && h.name == name {
			return h
		}
	}
	return nil
}
