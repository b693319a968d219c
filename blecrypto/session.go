// Package blecrypto implements the bleRPC crypto session: X25519
// ephemeral-ephemeral key agreement authenticated by an Ed25519 identity
// signature, AES-128-GCM authenticated encryption, and HKDF-SHA256 key
// derivation. The shape mirrors the teacher's krypto.go (sodiumBox /
// sodiumBoxOpen / WrapKey / UnwrapKey) generalized from NaCl box to the
// primitives this wire protocol specifies.
package blecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

const (
	keySize    = 16 // AES-128
	nonceSize  = 12 // 96-bit AEAD nonce
	saltSize   = 8  // 64-bit per-direction salt
	tagSize    = 16
)

var (
	ErrReplayDetected = errors.New("blecrypto: counter at or below high water mark")
	ErrNonceExhausted = errors.New("blecrypto: tx_counter exhausted, reconnect required")
	ErrShortCiphertext = errors.New("blecrypto: ciphertext shorter than counter prefix + tag")
)

// Session is a live authenticated-encryption context for one direction
// pair. At most one Session exists per connection; it is destroyed and its
// key material zeroized on disconnect.
type Session struct {
	mu sync.Mutex

	txKey      [keySize]byte
	rxKey      [keySize]byte
	txNonceBase [saltSize]byte
	rxNonceBase [saltSize]byte

	txCounter          uint32
	rxCounterHighWater uint32
	everDecrypted      bool

	txAEAD cipher.AEAD
	rxAEAD cipher.AEAD
}

// NewSession constructs a live Session from derived per-direction keys and
// nonce salts. Callers obtain these from the handshake's KDF step.
func NewSession(txKey, rxKey [keySize]byte, txNonceBase, rxNonceBase [saltSize]byte) (*Session, error) {
	txBlock, err := aes.NewCipher(txKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: tx cipher")
	}
	txAEAD, err := cipher.NewGCM(txBlock)
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: tx GCM")
	}
	rxBlock, err := aes.NewCipher(rxKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: rx cipher")
	}
	rxAEAD, err := cipher.NewGCM(rxBlock)
	if err != nil {
		return nil, errors.Wrap(err, "blecrypto: rx GCM")
	}
	return &Session{
		txKey:       txKey,
		rxKey:       rxKey,
		txNonceBase: txNonceBase,
		rxNonceBase: rxNonceBase,
		txAEAD:      txAEAD,
		rxAEAD:      rxAEAD,
	}, nil
}

// nonceFor builds the 96-bit AEAD nonce as base ‖ counter_le_u32. The
// low 32 bits MUST be bit-identical to the counter prefix transmitted on
// the wire (Encrypt writes the same counter to frame[0:4]); any peer
// reconstructing the nonce from the wire-visible counter depends on this.
func nonceFor(base [saltSize]byte, counter uint32) [nonceSize]byte {
	var n [nonceSize]byte
	copy(n[:saltSize], base[:])
	binary.LittleEndian.PutUint32(n[saltSize:], counter)
	return n
}

// Encrypt returns counter_le_u32 ‖ ciphertext ‖ tag and advances tx_counter.
// Refuses further encryption once the counter would reach 0xFFFFFFFF,
// forcing the caller to reconnect.
func (s *Session) Encrypt(plaintext []byte) (frame []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txCounter == 0xFFFFFFFF {
		err = ErrNonceExhausted
		return
	}
	counter := s.txCounter
	nonce := nonceFor(s.txNonceBase, counter)
	ciphertext := s.txAEAD.Seal(nil, nonce[:], plaintext, nil)

	frame = make([]byte, 4+len(ciphertext))
	binary.LittleEndian.PutUint32(frame[0:4], counter)
	copy(frame[4:], ciphertext)

	s.txCounter++
	return
}

// Decrypt recovers the counter from the frame prefix, rejects counters at
// or below the high-water mark (replay), and on success updates it.
func (s *Session) Decrypt(frame []byte) (plaintext []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) < 4+tagSize {
		err = ErrShortCiphertext
		return
	}
	counter := binary.LittleEndian.Uint32(frame[0:4])
	if s.everDecrypted && counter <= s.rxCounterHighWater {
		err = ErrReplayDetected
		return
	}
	nonce := nonceFor(s.rxNonceBase, counter)
	plaintext, err = s.rxAEAD.Open(nil, nonce[:], frame[4:], nil)
	if err != nil {
		err = errors.Wrap(err, "blecrypto: AEAD open failed")
		return
	}
	s.rxCounterHighWater = counter
	s.everDecrypted = true
	return
}

// Zeroize overwrites all key material. Callers MUST call this on every
// exit path that releases a Session (disconnect, handshake failure,
// supersession by a new handshake).
func (s *Session) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.txKey {
		s.txKey[i] = 0
	}
	for i := range s.rxKey {
		s.rxKey[i] = 0
	}
	for i := range s.txNonceBase {
		s.txNonceBase[i] = 0
	}
	for i := range s.rxNonceBase {
		s.rxNonceBase[i] = 0
	}
}
