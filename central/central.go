// Package central implements the bleRPC central (client) session driver:
// session init, unary calls, and both streaming directions, grounded on
// the teacher's EnclaveClient request/response driver in
// krd/enclave_client.go generalized from its SQS/Bluetooth transport pair
// to the single duplex Channel this wire protocol specifies.
package central

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/kryptco/blerpc"
	"github.com/kryptco/blerpc/blecrypto"
	"github.com/kryptco/blerpc/channel"
	"github.com/kryptco/blerpc/pairing"
)

var log = blerpc.SetupLogging("central", logging.NOTICE)

// Central drives the client side of one connection: session init,
// unary/streaming RPC, and disconnect. A Central is not safe for
// concurrent RPCs from multiple goroutines; the core forbids two
// concurrent requests on one session and mu enforces that here.
type Central struct {
	mu sync.Mutex

	ch        channel.Channel
	splitter  *blerpc.Splitter
	assembler *blerpc.Assembler
	session   *blecrypto.Session

	config            blerpc.Config
	caps              blerpc.Capabilities
	negotiatedTimeout time.Duration

	identities     *pairing.Store
	peripheralUUID uuid.UUID
	peerIdentity   ed25519.PublicKey

	// recentCalls keeps a bounded trail (last 32) of Call invocations as
	// (tid -> cmd name). The tid is drawn from the splitter before the
	// request is sent, so it is not the tid the request's containers carry;
	// nothing in this package reads the trail back.
	recentCalls *lru.Cache
}

// Option configures a Central at construction time.
type Option func(*Central)

// WithConfig overrides the default Config (encryption requirement,
// payload bounds, stream message cap).
func WithConfig(cfg blerpc.Config) Option {
	return func(c *Central) { c.config = cfg }
}

// WithIdentityStore supplies the TOFU pinning store and the peripheral's
// derived UUID, enabling key-exchange identity verification. Without this
// option every handshake is treated as first-use (no pinning).
func WithIdentityStore(store *pairing.Store, peripheralUUID uuid.UUID) Option {
	return func(c *Central) {
		c.identities = store
		c.peripheralUUID = peripheralUUID
	}
}

// New wraps an already-connected Channel in a Central ready for Init.
func New(ch channel.Channel, opts ...Option) *Central {
	c := &Central{
		ch:                ch,
		splitter:          blerpc.NewSplitter(),
		assembler:         blerpc.NewAssembler(0),
		config:            blerpc.DefaultConfig(),
		negotiatedTimeout: blerpc.DefaultNegotiatedTimeout,
		recentCalls:       lru.New(32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scan delegates to the channel layer's BLE discovery.
func Scan(ctx context.Context, timeout time.Duration) ([]channel.ScannedDevice, error) {
	return channel.Scan(ctx, timeout)
}

// Connect dials device over BLE, wraps the resulting Channel in a Central,
// and runs session init before returning.
func Connect(ctx context.Context, device channel.ScannedDevice, mtu int, opts ...Option) (*Central, error) {
	ch, err := channel.Connect(ctx, device, mtu)
	if err != nil {
		return nil, err
	}
	c := New(ch, opts...)
	if err := c.Init(ctx); err != nil {
		ch.Disconnect()
		return nil, err
	}
	return c, nil
}

// Init performs session init: TIMEOUT negotiation, CAPABILITIES exchange,
// and (if policy requires it) the key-exchange handshake. Missing TIMEOUT
// or CAPABILITIES replies are tolerated with defaults per the core's
// session-init tolerance rule.
func (c *Central) Init(ctx context.Context) error {
	c.negotiateTimeout(ctx)
	c.negotiateCapabilities(ctx)

	supported := c.caps.Flags&blerpc.EncryptionSupported != 0
	switch {
	case supported && c.config.RequireEncryption:
		return c.handshake(ctx)
	case c.config.RequireEncryption:
		return blerpc.ErrEncryptionRequired
	default:
		return nil
	}
}

func (c *Central) negotiateTimeout(ctx context.Context) {
	c.negotiatedTimeout = blerpc.DefaultNegotiatedTimeout
	tid := c.splitter.NextTransactionID()
	if err := c.writeContainer(blerpc.MakeTimeoutRequest(tid)); err != nil {
		log.Warning("timeout negotiation write failed, using default: %v", err)
		return
	}
	frame, err := c.readRaw(ctx, blerpc.DefaultNegotiatedTimeout)
	if err != nil {
		log.Info("no TIMEOUT reply, using default %v", c.negotiatedTimeout)
		return
	}
	cont, err := blerpc.ParseContainer(frame)
	if err != nil || cont.Type != blerpc.TypeControl || cont.ControlCmd != blerpc.ControlTimeout {
		log.Warning("unexpected reply during timeout negotiation, using default")
		return
	}
	ms, err := blerpc.DecodeTimeout(cont.Payload)
	if err != nil {
		log.Warning("malformed TIMEOUT reply, using default: %v", err)
		return
	}
	c.negotiatedTimeout = time.Duration(ms) * time.Millisecond
}

func (c *Central) negotiateCapabilities(ctx context.Context) {
	c.caps = blerpc.Capabilities{
		MaxRequestPayloadSize:  blerpc.DefaultMaxPayloadSize,
		MaxResponsePayloadSize: blerpc.DefaultMaxPayloadSize,
	}
	tid := c.splitter.NextTransactionID()
	if err := c.writeContainer(blerpc.MakeCapabilitiesRequest(tid)); err != nil {
		log.Warning("capabilities negotiation write failed, using defaults: %v", err)
		return
	}
	frame, err := c.readRaw(ctx, c.negotiatedTimeout)
	if err != nil {
		log.Info("no CAPABILITIES reply, using defaults")
		return
	}
	cont, err := blerpc.ParseContainer(frame)
	if err != nil || cont.Type != blerpc.TypeControl || cont.ControlCmd != blerpc.ControlCapabilities {
		log.Warning("unexpected reply during capabilities negotiation, using defaults")
		return
	}
	caps, err := blerpc.DecodeCapabilities(cont.Payload)
	if err != nil {
		log.Warning("malformed CAPABILITIES reply, using defaults: %v", err)
		return
	}
	c.caps = caps
}

func (c *Central) handshake(ctx context.Context) error {
	hs, err := blecrypto.NewCentralHandshake()
	if err != nil {
		return err
	}

	tid := c.splitter.NextTransactionID()
	if err := c.writeContainer(blerpc.MakeKeyExchange(tid, hs.Message1())); err != nil {
		return &blerpc.WriteError{err}
	}
	msg2, err := c.readControlPayload(ctx, blerpc.ControlKeyExchange)
	if err != nil {
		return err
	}

	var pinned ed25519.PublicKey
	if c.identities != nil {
		key, err := c.identities.Load(c.peripheralUUID)
		if err == nil {
			pinned = key
		} else if err != pairing.ErrNotPinned {
			return err
		}
	}
	if err := hs.ProcessMessage2(msg2, pinned); err != nil {
		return err
	}
	c.peerIdentity = hs.PeerIdentity()
	if pinned == nil && c.identities != nil {
		if err := c.identities.Pin(c.peripheralUUID, hs.PeerIdentity()); err != nil {
			return err
		}
	}

	msg3, err := hs.Message3()
	if err != nil {
		return err
	}
	tid = c.splitter.NextTransactionID()
	if err := c.writeContainer(blerpc.MakeKeyExchange(tid, msg3)); err != nil {
		return &blerpc.WriteError{err}
	}
	msg4, err := c.readControlPayload(ctx, blerpc.ControlKeyExchange)
	if err != nil {
		return err
	}
	session, err := hs.ProcessMessage4(msg4)
	if err != nil {
		return err
	}
	c.session = session
	return nil
}

// PeerIdentity returns the peripheral's verified Ed25519 identity key from
// the most recent handshake, or nil if no encrypted session was ever
// established (RequireEncryption false, the peripheral didn't advertise
// support, or Init hasn't run yet).
func (c *Central) PeerIdentity() ed25519.PublicKey {
	return c.peerIdentity
}

// Call performs a unary RPC: build, encrypt (if live), split, send, then
// read until the matching RESPONSE or a translated CONTROL/ERROR.
func (c *Central) Call(ctx context.Context, cmdName string, request []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pkt, err := blerpc.BuildCommand(blerpc.CommandRequest, cmdName, request)
	if err != nil {
		return nil, err
	}
	if c.caps.MaxRequestPayloadSize > 0 && uint32(len(pkt)) > uint32(c.caps.MaxRequestPayloadSize) {
		return nil, blerpc.ErrPayloadTooLarge
	}

	tid := c.splitter.NextTransactionID()
	c.recentCalls.Add(tid, cmdName)

	if err := c.sendPayload(pkt); err != nil {
		return nil, err
	}

	assembled, err := c.readAssembled(ctx)
	if err != nil {
		return nil, err
	}
	return c.finishResponse(assembled, cmdName)
}

// StreamReceive issues one request and collects every P→C stream item
// until CONTROL/STREAM_END_P2C.
func (c *Central) StreamReceive(ctx context.Context, cmdName string, request []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pkt, err := blerpc.BuildCommand(blerpc.CommandRequest, cmdName, request)
	if err != nil {
		return nil, err
	}
	if err := c.sendPayload(pkt); err != nil {
		return nil, err
	}

	var results [][]byte
	first := true
	for {
		timeout := c.negotiatedTimeout
		if first {
			timeout = blerpc.FirstReadTimeout(c.negotiatedTimeout)
		}
		frame, err := c.readRaw(ctx, timeout)
		if err != nil {
			return nil, err
		}
		cont, err := blerpc.ParseContainer(frame)
		if err != nil {
			c.assembler.Reset()
			return nil, err
		}
		if cont.Type == blerpc.TypeControl {
			switch cont.ControlCmd {
			case blerpc.ControlError:
				return nil, translateError(errorCode(cont.Payload))
			case blerpc.ControlStreamEndP2C:
				return results, nil
			default:
				log.Debug("ignoring interleaved control frame cmd=%d during stream_receive", cont.ControlCmd)
			}
			continue
		}
		result, payload, err := c.assembler.Feed(cont)
		if err != nil {
			return nil, err
		}
		if result != blerpc.Complete {
			first = false
			continue
		}
		first = false
		plain, err := c.decryptIfLive(payload)
		if err != nil {
			return nil, err
		}
		respPkt, err := blerpc.ParseCommand(plain)
		if err != nil {
			return nil, err
		}
		if respPkt.Type != blerpc.CommandResponse {
			return nil, blerpc.ErrUnexpectedResponseType
		}
		if respPkt.Name != cmdName {
			return nil, blerpc.ErrCommandNameMismatch
		}
		results = append(results, append([]byte{}, respPkt.Data...))
	}
}

// StreamSend sends every message in messages under cmdName, then a
// CONTROL/STREAM_END_C2P, then reads a single response whose cmd_name
// equals finalCmdName.
func (c *Central) StreamSend(ctx context.Context, cmdName string, messages [][]byte, finalCmdName string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range messages {
		pkt, err := blerpc.BuildCommand(blerpc.CommandRequest, cmdName, m)
		if err != nil {
			return nil, err
		}
		if err := c.sendPayload(pkt); err != nil {
			return nil, err
		}
	}
	tid := c.splitter.NextTransactionID()
	if err := c.writeContainer(blerpc.MakeStreamEndC2P(tid)); err != nil {
		return nil, &blerpc.WriteError{err}
	}

	assembled, err := c.readAssembled(ctx)
	if err != nil {
		return nil, err
	}
	return c.finishResponse(assembled, finalCmdName)
}

// Disconnect zeroizes the live crypto session (if any) and releases the
// channel.
func (c *Central) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Zeroize()
		c.session = nil
	}
	return c.ch.Disconnect()
}

func (c *Central) finishResponse(assembled []byte, expectedName string) ([]byte, error) {
	plain, err := c.decryptIfLive(assembled)
	if err != nil {
		return nil, err
	}
	respPkt, err := blerpc.ParseCommand(plain)
	if err != nil {
		return nil, err
	}
	if respPkt.Type != blerpc.CommandResponse {
		return nil, blerpc.ErrUnexpectedResponseType
	}
	if respPkt.Name != expectedName {
		return nil, blerpc.ErrCommandNameMismatch
	}
	return append([]byte{}, respPkt.Data...), nil
}

func (c *Central) decryptIfLive(ciphertextOrPlain []byte) ([]byte, error) {
	if c.session == nil {
		return ciphertextOrPlain, nil
	}
	return c.session.Decrypt(ciphertextOrPlain)
}

func (c *Central) sendPayload(pkt []byte) error {
	payload := pkt
	if c.session != nil {
		frame, err := c.session.Encrypt(pkt)
		if err != nil {
			return err
		}
		payload = frame
	}
	tid := c.splitter.NextTransactionID()
	for _, cont := range c.splitter.Split(payload, tid, c.ch.MTU()) {
		if err := c.writeContainer(cont); err != nil {
			return err
		}
	}
	return nil
}

func (c *Central) writeContainer(cont blerpc.Container) error {
	buf := make([]byte, c.ch.MTU())
	n, err := blerpc.SerializeContainer(cont, buf)
	if err != nil {
		return err
	}
	if err := c.ch.Write(buf[:n]); err != nil {
		return &blerpc.WriteError{err}
	}
	return nil
}

func (c *Central) readRaw(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-c.ch.Notifications():
		if !ok {
			return nil, blerpc.ErrNotConnected
		}
		return frame, nil
	case <-timer.C:
		return nil, blerpc.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ch.Context().Done():
		return nil, blerpc.ErrNotConnected
	}
}

// readControlPayload waits for a single CONTROL frame of the given kind,
// used by the handshake where every step is a lone request/reply (no
// fragmentation, no interleaving tolerated).
func (c *Central) readControlPayload(ctx context.Context, want byte) ([]byte, error) {
	frame, err := c.readRaw(ctx, blerpc.FirstReadTimeout(c.negotiatedTimeout))
	if err != nil {
		return nil, err
	}
	cont, err := blerpc.ParseContainer(frame)
	if err != nil {
		return nil, err
	}
	if cont.Type != blerpc.TypeControl || cont.ControlCmd != want {
		return nil, blerpc.ErrKeyExchangeProtocolViolation
	}
	return cont.Payload, nil
}

// readAssembled reads notifications until a complete FIRST/SUBSEQUENT
// sequence assembles, translating a CONTROL/ERROR into a typed error and
// logging (not failing on) any other interleaved control frame.
func (c *Central) readAssembled(ctx context.Context) ([]byte, error) {
	first := true
	for {
		timeout := c.negotiatedTimeout
		if first {
			timeout = blerpc.FirstReadTimeout(c.negotiatedTimeout)
		}
		frame, err := c.readRaw(ctx, timeout)
		if err != nil {
			return nil, err
		}
		cont, err := blerpc.ParseContainer(frame)
		if err != nil {
			c.assembler.Reset()
			return nil, err
		}
		if cont.Type == blerpc.TypeControl {
			if cont.ControlCmd == blerpc.ControlError {
				return nil, translateError(errorCode(cont.Payload))
			}
			log.Debug("ignoring interleaved control frame cmd=%d mid-assembly", cont.ControlCmd)
			continue
		}
		result, payload, err := c.assembler.Feed(cont)
		if err != nil {
			return nil, err
		}
		first = false
		if result == blerpc.Complete {
			return payload, nil
		}
	}
}

func errorCode(payload []byte) byte {
	if len(payload) == 0 {
		return 0
	}
	return payload[0]
}

func translateError(code byte) error {
	switch code {
	case blerpc.ErrorCodeResponseTooLarge:
		return blerpc.ErrResponseTooLarge
	case blerpc.ErrorCodeBusy:
		return blerpc.ErrBusy
	default:
		return &blerpc.PeripheralError{Code: code}
	}
}
