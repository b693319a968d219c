// Package pairing implements the TOFU (trust-on-first-use) identity
// pinning and out-of-band pairing UX around the bleRPC crypto handshake.
// Persistence is grounded on the teacher's file_persister.go: state files
// written with owner-only mode bits via an atomic write.
package pairing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/youtube/vitess/go/ioutil2"
)

// ErrNotPinned is returned by Load when no identity has been pinned yet
// for a given peripheral.
var ErrNotPinned = errors.New("pairing: no pinned identity for this peripheral")

// Store persists one pinned Ed25519 identity key per peripheral, keyed by
// a per-peripheral UUID (see PeripheralHandle). Directory
// permissions restrict access to the owning user, matching
// kr.FilePersister's 0700 mode bits.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir, creating it with owner-only
// permissions if it does not already exist.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "pairing: create store dir")
	}
	return &Store{Dir: dir}, nil
}

type pinnedIdentity struct {
	PublicKey []byte `json:"public_key"`
}

func (s *Store) pathFor(peripheralUUID uuid.UUID) string {
	return filepath.Join(s.Dir, peripheralUUID.String()+".json")
}

// Load returns the pinned identity public key for peripheralUUID, or
// ErrNotPinned if no handshake has completed with it before.
func (s *Store) Load(peripheralUUID uuid.UUID) (ed25519.PublicKey, error) {
	data, err := ioutil.ReadFile(s.pathFor(peripheralUUID))
	if os.IsNotExist(err) {
		return nil, ErrNotPinned
	}
	if err != nil {
		return nil, errors.Wrap(err, "pairing: read pinned identity")
	}
	var pinned pinnedIdentity
	if err := json.Unmarshal(data, &pinned); err != nil {
		return nil, errors.Wrap(err, "pairing: parse pinned identity")
	}
	return ed25519.PublicKey(pinned.PublicKey), nil
}

// Pin persists identity as the trusted key for peripheralUUID. It is the
// caller's responsibility to only call this after a successful first
// handshake (TOFU) or an explicit, out-of-band rotation.
func (s *Store) Pin(peripheralUUID uuid.UUID, identity ed25519.PublicKey) error {
	data, err := json.Marshal(pinnedIdentity{PublicKey: identity})
	if err != nil {
		return errors.Wrap(err, "pairing: marshal pinned identity")
	}
	if err := ioutil2.WriteFileAtomic(s.pathFor(peripheralUUID), data, 0700); err != nil {
		return errors.Wrap(err, "pairing: write pinned identity")
	}
	return nil
}

// Forget deletes any pinned identity for peripheralUUID, the out-of-band
// rotation operation named in the handshake's TOFU policy.
func (s *Store) Forget(peripheralUUID uuid.UUID) error {
	err := os.Remove(s.pathFor(peripheralUUID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "pairing: remove pinned identity")
	}
	return nil
}

// DeriveServiceUUID derives a stable GATT service UUID from a peripheral's
// long-lived identity public key, the same sha256-of-pubkey-to-UUID idiom
// as the teacher's PairingSecret.DeriveUUID.
func DeriveServiceUUID(identity ed25519.PublicKey) uuid.UUID {
	sum := sha256.Sum256(identity)
	return uuid.NewV5(uuid.NamespaceOID, string(sum[:]))
}

// PeripheralHandle derives the Store key used to look up and pin a
// peripheral's identity before any handshake has happened, when its
// identity key isn't known yet. It is a stable function of the
// peripheral's BLE address, the same NewV5 derivation idiom as
// DeriveServiceUUID applied to the one peripheral-identifying value a
// central has before pairing.
func PeripheralHandle(address string) uuid.UUID {
	return uuid.NewV5(uuid.NamespaceOID, address)
}
