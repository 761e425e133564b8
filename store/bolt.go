// Package store provides durable arbiter.TicketStore implementations.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	ticketBucket = []byte("tickets")
	metaBucket   = []byte("meta")

	formatKey = []byte("format")
)

const formatVersion = 1

var ErrTermRegression = errors.New("refusing to persist a term older than the stored one")

// record is the on-disk form of arbiter.TicketRecord.
type record struct {
	Term        uint32 `cbor:"1,keyasint"`
	VotedFor    uint32 `cbor:"2,keyasint"`
	Leader      uint32 `cbor:"3,keyasint"`
	LeaseExpiry int64  `cbor:"4,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// BoltStore implements arbiter.TicketStore using BBolt as the underlying
// storage engine. Records are CBOR encoded, one key per ticket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new store persisted at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(ticketBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(formatKey); v != nil {
			var got int
			if err := cbor.Unmarshal(v, &got); err != nil {
				return fmt.Errorf("reading store format: %w", err)
			}
			if got != formatVersion {
				return fmt.Errorf("unsupported store format %d", got)
			}
			return nil
		}
		v, err := encMode.Marshal(formatVersion)
		if err != nil {
			return err
		}
		return meta.Put(formatKey, v)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying BBolt database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Path is the database file.
func (b *BoltStore) Path() string {
	return b.db.Path()
}

func (b *BoltStore) Load(name string) (arbiter.TicketRecord, error) {
	var rec arbiter.TicketRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ticketBucket).Get([]byte(name))
		if data == nil {
			return arbiter.ErrRecordNotFound
		}
		r, err := decode(data)
		if err != nil {
			return fmt.Errorf("decoding ticket %s: %w", name, err)
		}
		rec = r.toTicket(name)
		return nil
	})
	return rec, err
}

// Save replaces the record of rec.Name. A term lower than the stored
// one is refused with ErrTermRegression.
func (b *BoltStore) Save(rec arbiter.TicketRecord) error {
	data, err := encMode.Marshal(fromTicket(rec))
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(ticketBucket)
		if old := bkt.Get([]byte(rec.Name)); old != nil {
			prev, err := decode(old)
			if err != nil {
				return fmt.Errorf("decoding ticket %s: %w", rec.Name, err)
			}
			if rec.Term < prev.Term {
				return fmt.Errorf("%w: %s has term %d, got %d", ErrTermRegression, rec.Name, prev.Term, rec.Term)
			}
		}
		return bkt.Put([]byte(rec.Name), data)
	})
}

// All returns every stored record.
func (b *BoltStore) All() ([]arbiter.TicketRecord, error) {
	var out []arbiter.TicketRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ticketBucket).ForEach(func(k, v []byte) error {
			r, err := decode(v)
			if err != nil {
				return fmt.Errorf("decoding ticket %s: %w", k, err)
			}
			out = append(out, r.toTicket(string(k)))
			return nil
		})
	})
	return out, err
}

// Forget removes the record of a ticket that is no longer configured.
func (b *BoltStore) Forget(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ticketBucket).Delete([]byte(name))
	})
}

// Backup writes a consistent copy of the whole database to w.
func (b *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

func decode(data []byte) (record, error) {
	var r record
	err := cbor.Unmarshal(data, &r)
	return r, err
}

func fromTicket(rec arbiter.TicketRecord) record {
	r := record{Term: rec.Term, VotedFor: rec.VotedFor, Leader: rec.Leader}
	if !rec.LeaseExpiry.IsZero() {
		r.LeaseExpiry = rec.LeaseExpiry.UnixMicro()
	}
	return r
}

func (r record) toTicket(name string) arbiter.TicketRecord {
	rec := arbiter.TicketRecord{Name: name, Term: r.Term, VotedFor: r.VotedFor, Leader: r.Leader}
	if r.LeaseExpiry != 0 {
		rec.LeaseExpiry = time.UnixMicro(r.LeaseExpiry)
	}
	return rec
}
