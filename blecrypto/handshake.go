package blecrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	X25519KeySize  = 32
	Ed25519PubSize = ed25519.PublicKeySize
	Ed25519SigSize = ed25519.SignatureSize

	// Message2 = peripheral ephemeral (32) || identity pub (32) || signature (64).
	Message2Size = X25519KeySize + Ed25519PubSize + Ed25519SigSize

	clientFinishedLabel = "blerpc client finished"
	serverFinishedLabel = "blerpc server finished"

	hkdfInfo = "blerpc-session-v1"
)

// ErrKeyExchangeProtocolViolation is returned when a handshake message is
// processed out of order for the peer's role.
var ErrKeyExchangeProtocolViolation = errors.New("blecrypto: key exchange message out of order")

// ErrIdentityMismatch is returned by the central when a peripheral's
// identity key does not match the pinned (TOFU) value.
var ErrIdentityMismatch = errors.New("blecrypto: peripheral identity key does not match pinned value")

func generateX25519Keypair() (priv, pub [X25519KeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	// The raw random scalar is stored unclamped; curve25519.X25519 applies
	// the RFC 7748 clamping internally on every use.
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

func deriveSessionKeys(shared, transcript []byte) (keyA, keyB [keySize]byte, saltA, saltB [saltSize]byte, err error) {
	reader := hkdf.New(sha256.New, shared, transcript, []byte(hkdfInfo))
	buf := make([]byte, 2*keySize+2*saltSize)
	if _, err = io.ReadFull(reader, buf); err != nil {
		return
	}
	copy(keyA[:], buf[0:keySize])
	copy(keyB[:], buf[keySize:2*keySize])
	copy(saltA[:], buf[2*keySize:2*keySize+saltSize])
	copy(saltB[:], buf[2*keySize+saltSize:])
	return
}

// Identity is a peripheral's long-lived Ed25519 signing keypair, used to
// authenticate its ephemeral key in message 2. Generated once and
// persisted by the peripheral; the central only ever sees the public half,
// which it pins on first use.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a new Ed25519 identity keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: generate identity")
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// CentralHandshake drives the initiator side of the four-message
// handshake: Uninit -> Sent1 -> Validated2 -> Live.
type CentralHandshake struct {
	ephPriv, ephPub [X25519KeySize]byte
	peerEphPub      [X25519KeySize]byte
	session         *Session
	peerIdentity    ed25519.PublicKey
	state           centralState
}

type centralState int

const (
	centralUninit centralState = iota
	centralSent1
	centralValidated2
	centralLive
)

// NewCentralHandshake generates a fresh ephemeral keypair and returns the
// handshake driver in the Uninit state.
func NewCentralHandshake() (*CentralHandshake, error) {
	priv, pub, err := generateX25519Keypair()
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: generate central ephemeral")
	}
	return &CentralHandshake{ephPriv: priv, ephPub: pub}, nil
}

// Message1 returns the central's 32-byte ephemeral public key and advances
// to Sent1.
func (h *CentralHandshake) Message1() []byte {
	if h.state != centralUninit {
		return nil
	}
	h.state = centralSent1
	out := make([]byte, X25519KeySize)
	copy(out, h.ephPub[:])
	return out
}

// ProcessMessage2 validates the peripheral's ephemeral key, identity
// public key, and signature over (central_epk || peripheral_epk). If
// pinned is non-nil, the peripheral's identity MUST match it
// (ErrIdentityMismatch otherwise); if pinned is nil this is a first-use
// handshake and PeerIdentity() returns the value the caller should pin.
func (h *CentralHandshake) ProcessMessage2(msg []byte, pinned ed25519.PublicKey) error {
	if h.state != centralSent1 {
		return ErrKeyExchangeProtocolViolation
	}
	if len(msg) != Message2Size {
		return errors.New("blecrypto: message2 has wrong length")
	}
	peerEphPub := msg[0:X25519KeySize]
	identityPub := ed25519.PublicKey(msg[X25519KeySize : X25519KeySize+Ed25519PubSize])
	sig := msg[X25519KeySize+Ed25519PubSize:]

	if pinned != nil && !identityPub.Equal(pinned) {
		return ErrIdentityMismatch
	}

	transcript := append(append([]byte{}, h.ephPub[:]...), peerEphPub...)
	if !ed25519.Verify(identityPub, transcript, sig) {
		return errors.New("blecrypto: invalid peripheral identity signature")
	}

	copy(h.peerEphPub[:], peerEphPub)
	h.peerIdentity = append(ed25519.PublicKey{}, identityPub...)

	shared, err := curve25519.X25519(h.ephPriv[:], h.peerEphPub[:])
	if err != nil {
		return errors.Wrap(err, "blecrypto: X25519")
	}
	txKey, rxKey, txSalt, rxSalt, err := deriveSessionKeys(shared, transcript)
	if err != nil {
		return errors.Wrap(err, "blecrypto: derive session keys")
	}
	session, err := NewSession(txKey, rxKey, txSalt, rxSalt)
	if err != nil {
		return err
	}
	h.session = session
	h.state = centralValidated2
	return nil
}

// PeerIdentity returns the peripheral's identity public key observed in
// message 2. Only valid after a successful ProcessMessage2.
func (h *CentralHandshake) PeerIdentity() ed25519.PublicKey { return h.peerIdentity }

// Message3 encrypts the client-finished confirmation under the derived
// tx_key (counter 0). The driver stays in Validated2 until ProcessMessage4
// succeeds; the session is not yet live.
func (h *CentralHandshake) Message3() ([]byte, error) {
	if h.state != centralValidated2 {
		return nil, ErrKeyExchangeProtocolViolation
	}
	frame, err := h.session.Encrypt([]byte(clientFinishedLabel))
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// ProcessMessage4 decrypts and verifies the peripheral's server-finished
// confirmation. On success the session becomes live and is returned; the
// caller must use it for all subsequent traffic on this connection.
func (h *CentralHandshake) ProcessMessage4(msg []byte) (*Session, error) {
	if h.state != centralValidated2 {
		return nil, ErrKeyExchangeProtocolViolation
	}
	plaintext, err := h.session.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	if string(plaintext) != serverFinishedLabel {
		return nil, errors.New("blecrypto: unexpected server finished payload")
	}
	h.state = centralLive
	return h.session, nil
}

// PeripheralHandshake drives the acceptor side: Uninit -> Validated1 ->
// Sent2 -> Live.
type PeripheralHandshake struct {
	identity        *Identity
	ephPriv, ephPub [X25519KeySize]byte
	peerEphPub      [X25519KeySize]byte
	session         *Session
	state           peripheralState
}

type peripheralState int

const (
	peripheralUninit peripheralState = iota
	peripheralValidated1
	peripheralSent2
	peripheralLive
)

// NewPeripheralHandshake generates a fresh ephemeral keypair bound to the
// given long-lived identity.
func NewPeripheralHandshake(identity *Identity) (*PeripheralHandshake, error) {
	priv, pub, err := generateX25519Keypair()
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: generate peripheral ephemeral")
	}
	return &PeripheralHandshake{identity: identity, ephPriv: priv, ephPub: pub}, nil
}

// ProcessMessage1 records the central's ephemeral public key.
func (h *PeripheralHandshake) ProcessMessage1(msg []byte) error {
	if h.state != peripheralUninit {
		return ErrKeyExchangeProtocolViolation
	}
	if len(msg) != X25519KeySize {
		return errors.New("blecrypto: message1 has wrong length")
	}
	copy(h.peerEphPub[:], msg)
	h.state = peripheralValidated1
	return nil
}

// Message2 signs (central_epk || peripheral_epk) with the peripheral's
// identity key and returns peripheral_epk || identity_pub || signature.
func (h *PeripheralHandshake) Message2() ([]byte, error) {
	if h.state != peripheralValidated1 {
		return nil, ErrKeyExchangeProtocolViolation
	}
	transcript := append(append([]byte{}, h.peerEphPub[:]...), h.ephPub[:]...)
	sig := ed25519.Sign(h.identity.Private, transcript)

	shared, err := curve25519.X25519(h.ephPriv[:], h.peerEphPub[:])
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: X25519")
	}
	// Central derives keyA=central_tx/peripheral_rx from (central_epk||peripheral_epk);
	// mirror that transcript order here so both sides agree.
	centralTranscript := append(append([]byte{}, h.peerEphPub[:]...), h.ephPub[:]...)
	rxKey, txKey, rxSalt, txSalt, err := deriveSessionKeys(shared, centralTranscript)
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: derive session keys")
	}
	session, err := NewSession(txKey, rxKey, txSalt, rxSalt)
	if err != nil {
		return nil, err
	}
	h.session = session
	h.state = peripheralSent2

	out := make([]byte, 0, Message2Size)
	out = append(out, h.ephPub[:]...)
	out = append(out, h.identity.Public...)
	out = append(out, sig...)
	return out, nil
}

// ProcessMessage3 decrypts and verifies the central's client-finished
// confirmation.
func (h *PeripheralHandshake) ProcessMessage3(msg []byte) error {
	if h.state != peripheralSent2 {
		return ErrKeyExchangeProtocolViolation
	}
	plaintext, err := h.session.Decrypt(msg)
	if err != nil {
		return err
	}
	if string(plaintext) != clientFinishedLabel {
		return errors.New("blecrypto: unexpected client finished payload")
	}
	return nil
}

// Message4 encrypts the server-finished confirmation under the
// peripheral's tx_key and marks the session live.
func (h *PeripheralHandshake) Message4() ([]byte, error) {
	if h.state != peripheralSent2 {
		return nil, ErrKeyExchangeProtocolViolation
	}
	frame, err := h.session.Encrypt([]byte(serverFinishedLabel))
	if err != nil {
		return nil, err
	}
	h.state = peripheralLive
	return frame, nil
}

// Session returns the live session once Message4 has completed. Returns
// nil before then.
func (h *PeripheralHandshake) Session() *Session {
	if h.state != peripheralLive {
		return nil
	}
	return h.session
}
