// Package core implements the forwarding engine (C4): the node's identity
// and packet-id persistence, ingress classification, hop-limited
// forwarding, announce dissemination, and the periodic self-announce/prune
// cycle that ties the routing table (pkg/routing), link sublayer
// (pkg/link), and transport drivers (pkg/transport) together into one
// running node. Grounded on pkg/routing/core.go and pkg/routing/cron.go of
// the original DTN daemon this gateway was adapted from.
package core

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"sync"

	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/routing"
)

// identityCRCTable is the CCITT polynomial table the teacher's own
// bpv7/crc.go builds and reuses for every checksum in this codebase.
var identityCRCTable = crc16.MakeTable(crc16.CCITT)

// AddressSize is the width of a routing.Address, mirrored here so callers
// that only import this package don't need to reach into pkg/routing for
// it.
const AddressSize = 8

// identityRecordSize is the on-disk layout of the identity file: 8 bytes of
// node address followed by a 2-byte CRC16 of those 8 bytes.
const identityRecordSize = AddressSize + 2

// PersistentStore is the narrow storage seam node identity and the
// packet-id counter are built on (DESIGN.md, "Persistence"). A
// FileStore is the default; tests substitute an in-memory one.
type PersistentStore interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// FileStore persists each key as its own file under a directory, matching
// the flat-file layout the original gateway's Persistence.cpp region model
// implies (spec.md §3): small, fixed-size, independently-checksummed
// regions rather than a database.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir. The directory is created
// if it doesn't already exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return f.dir + "/" + key
}

// Load returns the raw bytes stored under key, or os.ErrNotExist if there
// is no such file yet.
func (f *FileStore) Load(key string) ([]byte, error) {
	return os.ReadFile(f.path(key))
}

// Save writes data under key, replacing any prior contents.
func (f *FileStore) Save(key string, data []byte) error {
	return os.WriteFile(f.path(key), data, 0o600)
}

const identityKey = "identity"

// LoadOrCreateIdentity reads the node address from store, generating and
// persisting a fresh random one if none is stored yet, the record is
// corrupt, or the stored address is one of the two reserved all-zero /
// all-0xFF sentinels (spec.md §3's regeneration rule).
func LoadOrCreateIdentity(store PersistentStore) (routing.Address, error) {
	raw, err := store.Load(identityKey)
	if err == nil && len(raw) == identityRecordSize {
		var addr routing.Address
		copy(addr[:], raw[:AddressSize])
		want := binary.BigEndian.Uint16(raw[AddressSize:])
		if crc16.Checksum(addr[:], identityCRCTable) == want && !isReservedAddress(addr) {
			return addr, nil
		}
		log.Warn("core: stored identity failed validation, regenerating")
	}

	addr, genErr := randomAddress()
	if genErr != nil {
		return routing.Address{}, genErr
	}
	if err := saveIdentity(store, addr); err != nil {
		return routing.Address{}, err
	}
	log.WithField("address", addr).Info("core: generated new node identity")
	return addr, nil
}

func saveIdentity(store PersistentStore, addr routing.Address) error {
	buf := make([]byte, identityRecordSize)
	copy(buf, addr[:])
	binary.BigEndian.PutUint16(buf[AddressSize:], crc16.Checksum(addr[:], identityCRCTable))
	return store.Save(identityKey, buf)
}

func randomAddress() (routing.Address, error) {
	var addr routing.Address
	for {
		if _, err := rand.Read(addr[:]); err != nil {
			return routing.Address{}, err
		}
		if !isReservedAddress(addr) {
			return addr, nil
		}
	}
}

func isReservedAddress(addr routing.Address) bool {
	var allZero, allOnes = true, true
	for _, b := range addr {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}
	return allZero || allOnes
}

// PacketIDCounter is the node-wide monotonically increasing packet
// identifier, persisted every saveInterval increments so a restart never
// reuses an ID a peer might still remember (spec.md §5's supplemented
// PACKET_ID_SAVE_INTERVAL=100 behavior).
type PacketIDCounter struct {
	mu           sync.Mutex
	value        uint16
	sinceSave    int
	saveInterval int
	store        PersistentStore
}

// DefaultPacketIDSaveInterval is how many increments elapse between
// persisted checkpoints.
const DefaultPacketIDSaveInterval = 100

const packetIDKey = "packet_id"

// NewPacketIDCounter loads the last checkpointed counter value from store
// (0 if none exists yet) and advances it past DefaultPacketIDSaveInterval
// so a crash between checkpoints can never cause an ID reuse.
func NewPacketIDCounter(store PersistentStore) *PacketIDCounter {
	c := &PacketIDCounter{
		saveInterval: DefaultPacketIDSaveInterval,
		store:        store,
	}

	if raw, err := store.Load(packetIDKey); err == nil && len(raw) == 4 {
		stored := binary.BigEndian.Uint16(raw[:2])
		want := binary.BigEndian.Uint16(raw[2:])
		if crc16.Checksum(raw[:2], identityCRCTable) == want {
			c.value = stored + uint16(c.saveInterval)
		} else {
			log.Warn("core: packet-id checkpoint failed checksum, resetting")
		}
	}

	c.persist()
	return c
}

// Next returns the next packet ID, checkpointing to the store every
// saveInterval calls.
func (c *PacketIDCounter) Next() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.value
	c.value++
	c.sinceSave++

	if c.sinceSave >= c.saveInterval {
		c.sinceSave = 0
		c.persistLocked()
	}

	return id
}

func (c *PacketIDCounter) persist() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistLocked()
}

func (c *PacketIDCounter) persistLocked() {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[:2], c.value)
	binary.BigEndian.PutUint16(buf[2:], crc16.Checksum(buf[:2], identityCRCTable))
	if err := c.store.Save(packetIDKey, buf); err != nil {
		log.WithError(err).Warn("core: failed to checkpoint packet-id counter")
	}
}
