package arbiter

import (
	"errors"
	"sync"
	"time"
)

var ErrRecordNotFound = errors.New("the ticket record could not be found in the storage")

// TicketRecord is the persisted part of a ticket. LeaseExpiry is wall
// clock time so it survives restarts.
type TicketRecord struct {
	Name        string
	Term        uint32
	VotedFor    uint32
	Leader      uint32
	LeaseExpiry time.Time
}

// TicketStore provides persistence for the ticket state that must never
// go backwards across restarts.
type TicketStore interface {
	// Load returns the record saved under name, or ErrRecordNotFound.
	Load(name string) (TicketRecord, error)

	// Save replaces the record of rec.Name.
	Save(rec TicketRecord) error
}

// InMemStore is an implementation of TicketStore. Since it is in-memory,
// all data is lost on shutdown.
//
// NOTE: This implementation is meant for testing and example use-cases.
// Use store.BoltStore for a persistent daemon.
type InMemStore struct {
	mu      sync.Mutex
	records map[string]TicketRecord
}

func NewMemStore() *InMemStore {
	return &InMemStore{
		records: make(map[string]TicketRecord),
	}
}

func (m *InMemStore) Load(name string) (TicketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return TicketRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *InMemStore) Save(rec TicketRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Name] = rec
	return nil
}
