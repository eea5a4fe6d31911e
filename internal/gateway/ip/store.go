// Package ip implements the IP gateway of spec.md §4.H: a peer listener
// plus an outbound dial set, a known-peer set persisted to disk, and
// forwarding between peer sockets and the forwarder pipe.
package ip

import (
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/allnetproject/allnet/internal/peers"
)

var knownPeersBucket = []byte("known-peers")

// knownPeerRecord is the cbor-encoded value stored per known peer,
// keyed by its "host|port" string (see keyOf).
type knownPeerRecord struct {
	IPVersion   uint8
	IP          []byte
	Port        uint16
	Destination [8]byte
	DestBits    uint8
	LastSeen    int64 // unix seconds
}

// Store is the on-disk known-peer set (spec.md §4.H "known-peer set
// persisted to disk"), backed by a single bbolt bucket.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) the known-peer database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(knownPeersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func keyOf(a peers.AddrInfo) string {
	return a.IP.String() + "|" + strconv.Itoa(int(a.Port))
}

// Record inserts or refreshes addr in the known-peer set, called when an
// address is observed either directly (a successful accept/dial) or via
// an incoming MGMT_PEERS announcement (spec.md §4.H).
func (s *Store) Record(addr peers.AddrInfo) error {
	rec := knownPeerRecord{
		IPVersion:   addr.IPVersion,
		IP:          []byte(addr.IP),
		Port:        addr.Port,
		Destination: addr.Destination,
		DestBits:    addr.DestBits,
		LastSeen:    time.Now().Unix(),
	}
	buf, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(knownPeersBucket).Put([]byte(keyOf(addr)), buf)
	})
}

// All returns every known peer address, in no particular order.
func (s *Store) All() ([]peers.AddrInfo, error) {
	var out []peers.AddrInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(knownPeersBucket)
		return b.ForEach(func(_, v []byte) error {
			var rec knownPeerRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, peers.AddrInfo{
				IPVersion:   rec.IPVersion,
				IP:          rec.IP,
				Port:        rec.Port,
				Destination: rec.Destination,
				DestBits:    rec.DestBits,
			})
			return nil
		})
	})
	return out, err
}
