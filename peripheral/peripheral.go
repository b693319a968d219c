// Package peripheral implements the bleRPC peripheral (server) session
// driver: control-frame replies, assembler-fed request dispatch by handler
// table, and stream-response emission, grounded on the teacher's
// BluetoothPeripheral write/notify handlers in agent/bluetooth.go
// generalized from raw GATT I/O to the typed command/stream dispatch this
// wire protocol specifies.
package peripheral

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"

	"github.com/kryptco/blerpc"
	"github.com/kryptco/blerpc/blecrypto"
	"github.com/kryptco/blerpc/channel"
)

var log = blerpc.SetupLogging("peripheral", logging.NOTICE)

type uploadState struct {
	handler *registeredHandler
	sink    *sink
}

// Peripheral dispatches inbound requests from one central connection to a
// handler Table, replies to control frames, and drives the encrypted
// session handshake. One Peripheral serves exactly one Channel. The
// channel package's BLE adapter feeds writes from any central into that one
// Channel and sends notifications to whichever central subscribed last.
type Peripheral struct {
	mu sync.Mutex

	ch        channel.Channel
	table     *Table
	splitter  *blerpc.Splitter
	assembler *blerpc.Assembler

	identity  *blecrypto.Identity
	handshake *blecrypto.PeripheralHandshake
	session   *blecrypto.Session

	config    blerpc.Config
	timeoutMs uint16

	busy         bool
	activeUpload *uploadState

	// recentBusyTids bounds how many distinct rejected command names get
	// a fresh BUSY log line, so a retried write storm from one rejected
	// payload doesn't flood the peripheral's log.
	recentBusyTids *lru.Cache
}

// Option configures a Peripheral at construction time.
type Option func(*Peripheral)

// WithConfig overrides the default Config (encryption requirement and
// payload bounds used to size the CAPABILITIES reply).
func WithConfig(cfg blerpc.Config) Option {
	return func(p *Peripheral) { p.config = cfg }
}

// WithTimeoutMillis sets the value advertised in CONTROL/TIMEOUT replies.
func WithTimeoutMillis(ms uint16) Option {
	return func(p *Peripheral) { p.timeoutMs = ms }
}

// New constructs a Peripheral over an already-accepted Channel. identity
// may be nil if this peripheral never supports encryption (CAPABILITIES
// will advertise ENCRYPTION_SUPPORTED=0).
func New(ch channel.Channel, table *Table, identity *blecrypto.Identity, opts ...Option) *Peripheral {
	p := &Peripheral{
		ch:             ch,
		table:          table,
		splitter:       blerpc.NewSplitter(),
		assembler:      blerpc.NewAssembler(0),
		identity:       identity,
		config:         blerpc.DefaultConfig(),
		timeoutMs:      uint16(blerpc.DefaultNegotiatedTimeout.Milliseconds()),
		recentBusyTids: lru.New(64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Serve reads notifications until ctx is canceled or the channel
// disconnects, dispatching each frame as it arrives.
func (p *Peripheral) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ch.Context().Done():
			return blerpc.ErrNotConnected
		case frame, ok := <-p.ch.Notifications():
			if !ok {
				return blerpc.ErrNotConnected
			}
			p.handleFrame(frame)
		}
	}
}

func (p *Peripheral) handleFrame(frame []byte) {
	cont, err := blerpc.ParseContainer(frame)
	if err != nil {
		log.Warning("malformed frame, ignoring: %v", err)
		return
	}
	if cont.Type == blerpc.TypeControl {
		p.handleControl(cont)
		return
	}
	p.handlePayloadContainer(cont)
}

func (p *Peripheral) handleControl(cont blerpc.Container) {
	switch cont.ControlCmd {
	case blerpc.ControlTimeout:
		p.replyControl(cont.TransactionID, blerpc.ControlTimeout, blerpc.EncodeTimeout(p.timeoutMs))
	case blerpc.ControlCapabilities:
		p.replyControl(cont.TransactionID, blerpc.ControlCapabilities, blerpc.EncodeCapabilities(p.capabilities()))
	case blerpc.ControlKeyExchange:
		p.handleKeyExchange(cont.TransactionID, cont.Payload)
	case blerpc.ControlStreamEndC2P:
		p.handleStreamEndC2P()
	default:
		log.Warning("unexpected control frame from central: cmd=%d", cont.ControlCmd)
	}
}

func (p *Peripheral) capabilities() blerpc.Capabilities {
	caps := blerpc.Capabilities{
		MaxRequestPayloadSize:  p.maxPayloadSize(),
		MaxResponsePayloadSize: p.maxPayloadSize(),
	}
	if p.identity != nil {
		caps.Flags |= blerpc.EncryptionSupported
	}
	return caps
}

func (p *Peripheral) maxPayloadSize() uint16 {
	if p.config.MaxPayloadSize == 0 || p.config.MaxPayloadSize > 0xFFFF {
		return blerpc.DefaultMaxPayloadSize
	}
	return uint16(p.config.MaxPayloadSize)
}

func (p *Peripheral) handleKeyExchange(tid byte, payload []byte) {
	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		log.Warning("rejecting key exchange: session already live")
		return
	}
	hs := p.handshake
	p.mu.Unlock()

	if hs == nil {
		newHs, err := blecrypto.NewPeripheralHandshake(p.identity)
		if err != nil {
			log.Error("generating peripheral ephemeral: %v", err)
			return
		}
		if err := newHs.ProcessMessage1(payload); err != nil {
			log.Warning("key exchange message 1 rejected: %v", err)
			return
		}
		msg2, err := newHs.Message2()
		if err != nil {
			log.Warning("key exchange message 2 failed: %v", err)
			return
		}
		p.mu.Lock()
		p.handshake = newHs
		p.mu.Unlock()
		p.replyControl(tid, blerpc.ControlKeyExchange, msg2)
		return
	}

	if err := hs.ProcessMessage3(payload); err != nil {
		log.Warning("key exchange message 3 rejected: %v", err)
		p.mu.Lock()
		p.handshake = nil
		p.mu.Unlock()
		return
	}
	msg4, err := hs.Message4()
	if err != nil {
		log.Warning("key exchange message 4 failed: %v", err)
		return
	}
	p.replyControl(tid, blerpc.ControlKeyExchange, msg4)
	p.mu.Lock()
	p.session = hs.Session()
	p.handshake = nil
	p.mu.Unlock()
}

func (p *Peripheral) handlePayloadContainer(cont blerpc.Container) {
	result, payload, err := p.assembler.Feed(cont)
	if err != nil {
		log.Warning("assembler rejected frame, resetting: %v", err)
		return
	}
	if result != blerpc.Complete {
		return
	}
	p.dispatchRequest(append([]byte{}, payload...))
}

func (p *Peripheral) dispatchRequest(raw []byte) {
	plain := raw
	if p.config.RequireEncryption {
		p.mu.Lock()
		live := p.session != nil
		p.mu.Unlock()
		if !live {
			log.Warning("rejecting request: encryption required but no live session")
			return
		}
	}
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session != nil {
		var err error
		plain, err = session.Decrypt(raw)
		if err != nil {
			log.Warning("decrypt failed, dropping request: %v", err)
			return
		}
	}

	pkt, err := blerpc.ParseCommand(plain)
	if err != nil {
		log.Warning("malformed command packet: %v", err)
		return
	}
	if pkt.Type != blerpc.CommandRequest {
		log.Warning("expected REQUEST command, got RESPONSE")
		return
	}
	data := append([]byte{}, pkt.Data...)

	p.mu.Lock()
	if up := p.activeUpload; up != nil && up.handler.name == pkt.Name {
		p.mu.Unlock()
		code := up.handler.fn(data, up.sink)
		if code == -1 {
			log.Warning("upload handler %q reported failure", pkt.Name)
		}
		return
	}
	if p.busy {
		tid := p.splitter.NextTransactionID()
		p.mu.Unlock()
		if _, seen := p.recentBusyTids.Get(pkt.Name); !seen {
			p.recentBusyTids.Add(pkt.Name, true)
			log.Info("rejecting %q: peripheral busy", pkt.Name)
		}
		p.replyControl(tid, blerpc.ControlError, []byte{blerpc.ErrorCodeBusy})
		return
	}
	h := p.table.lookup(pkt.Name)
	if h == nil {
		p.mu.Unlock()
		log.Warning("no handler registered for %q", pkt.Name)
		return
	}
	s := &sink{p: p, cmdName: pkt.Name}

	if h.kind == StreamC2P {
		p.activeUpload = &uploadState{handler: h, sink: s}
		p.busy = true
		p.mu.Unlock()
		code := h.fn(data, s)
		if code == -1 {
			log.Warning("upload handler %q reported failure on first message", pkt.Name)
		}
		return
	}

	p.busy = true
	p.mu.Unlock()

	go func() {
		code := h.fn(data, s)
		if code == -1 {
			log.Warning("handler %q reported failure", pkt.Name)
		}
		if code != -2 {
			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()
		}
	}()
}

// Busy reports whether a request is currently in flight.
func (p *Peripheral) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// SessionLive reports whether an encrypted session has completed handshake.
func (p *Peripheral) SessionLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

// ResetSession drops the current encrypted session and any in-progress
// handshake, forcing the next request to re-key. Used by the local control
// surface to recover a peripheral a central has stopped talking to cleanly.
func (p *Peripheral) ResetSession() {
	p.mu.Lock()
	if p.session != nil {
		p.session.Zeroize()
	}
	p.session = nil
	p.handshake = nil
	p.mu.Unlock()
}

func (p *Peripheral) handleStreamEndC2P() {
	p.mu.Lock()
	up := p.activeUpload
	if up == nil {
		p.mu.Unlock()
		log.Warning("CONTROL/STREAM_END_C2P with no active upload")
		return
	}
	p.activeUpload = nil
	p.mu.Unlock()

	up.sink.final = true
	code := up.handler.fn(nil, up.sink)
	if code == -1 {
		log.Warning("upload handler %q reported failure on finish", up.handler.name)
	}

	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

func (p *Peripheral) replyControl(tid byte, cmd byte, payload []byte) error {
	return p.writeContainer(blerpc.Container{TransactionID: tid, Type: blerpc.TypeControl, ControlCmd: cmd, Payload: payload})
}

func (p *Peripheral) writeContainer(cont blerpc.Container) error {
	buf := make([]byte, p.ch.MTU())
	n, err := blerpc.SerializeContainer(cont, buf)
	if err != nil {
		return err
	}
	return p.writeWithRetry(buf[:n])
}

// writeWithRetry retries transient channel.ErrBufferFull writes with a
// short backoff, per the resource-bounds requirement of ≥10 retries
// spaced ~5ms.
func (p *Peripheral) writeWithRetry(frame []byte) error {
	const maxRetries = 10
	const backoff = 5 * time.Millisecond
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = p.ch.Write(frame)
		if err != channel.ErrBufferFull {
			break
		}
		time.Sleep(backoff)
	}
	if err != nil {
		return &blerpc.WriteError{err}
	}
	return nil
}

func (p *Peripheral) writePayload(payload []byte) error {
	tid := p.splitter.NextTransactionID()
	for _, cont := range p.splitter.Split(payload, tid, p.ch.MTU()) {
		if err := p.writeContainer(cont); err != nil {
			return err
		}
	}
	return nil
}
