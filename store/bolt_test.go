package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// setupBoltStore creates a temporary BoltStore for testing
func setupBoltStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "boltstore-test-*")
	require.NoError(t, err, "Failed to create temp directory")

	store, err := NewBoltStore(filepath.Join(tempDir, "tickets.db"))
	require.NoError(t, err, "Failed to create BoltStore")

	return store, tempDir
}

// cleanupBoltStore closes the BoltStore and removes the temporary directory
func cleanupBoltStore(t *testing.T, store *BoltStore, tempDir string) {
	t.Helper()
	err := store.Close()
	require.NoError(t, err, "Failed to close BoltStore")

	err = os.RemoveAll(tempDir)
	require.NoError(t, err, "Failed to remove temp directory")
}

func TestNewBoltStore(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "boltstore-test-*")
	require.NoError(t, err, "Failed to create temp directory")
	defer func() {
		err = os.RemoveAll(tempDir)
		assert.NoError(t, err)
	}()
	blocker := filepath.Join(tempDir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{
			name: "Valid path",
			path: filepath.Join(tempDir, "valid.db"),
		},
		{
			name: "Nested directories are created",
			path: filepath.Join(tempDir, "a", "b", "nested.db"),
		},
		{
			name:    "Parent is a file",
			path:    filepath.Join(blocker, "invalid.db"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewBoltStore(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, store.Path())
			assert.NoError(t, store.Close())
		})
	}
}

func TestBoltStore_LoadSave(t *testing.T) {
	store, tempDir := setupBoltStore(t)
	defer cleanupBoltStore(t, store, tempDir)

	_, err := store.Load("ticket-A")
	assert.ErrorIs(t, err, arbiter.ErrRecordNotFound)

	lease := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	want := arbiter.TicketRecord{Name: "ticket-A", Term: 4, VotedFor: 7, Leader: 7, LeaseExpiry: lease}
	require.NoError(t, store.Save(want))

	got, err := store.Load("ticket-A")
	require.NoError(t, err)
	assert.Equal(t, want.Term, got.Term)
	assert.Equal(t, want.VotedFor, got.VotedFor)
	assert.Equal(t, want.Leader, got.Leader)
	assert.True(t, lease.Equal(got.LeaseExpiry))

	idle := arbiter.TicketRecord{Name: "ticket-A", Term: 5, VotedFor: wire.NoOne, Leader: wire.NoOne}
	require.NoError(t, store.Save(idle))
	got, err = store.Load("ticket-A")
	require.NoError(t, err)
	assert.Equal(t, idle, got)
}

func TestBoltStore_TermRegression(t *testing.T) {
	store, tempDir := setupBoltStore(t)
	defer cleanupBoltStore(t, store, tempDir)

	require.NoError(t, store.Save(arbiter.TicketRecord{Name: "ticket-A", Term: 9, VotedFor: wire.NoOne, Leader: wire.NoOne}))

	err := store.Save(arbiter.TicketRecord{Name: "ticket-A", Term: 8, VotedFor: wire.NoOne, Leader: wire.NoOne})
	assert.ErrorIs(t, err, ErrTermRegression)

	got, err := store.Load("ticket-A")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got.Term)
}

func TestBoltStore_Reopen(t *testing.T) {
	store, tempDir := setupBoltStore(t)
	defer os.RemoveAll(tempDir)

	for i, name := range []string{"ticket-A", "ticket-B"} {
		require.NoError(t, store.Save(arbiter.TicketRecord{Name: name, Term: uint32(i + 1), VotedFor: wire.NoOne, Leader: wire.NoOne}))
	}
	require.NoError(t, store.Forget("ticket-B"))
	path := store.Path()
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ticket-A", all[0].Name)
	assert.Equal(t, uint32(1), all[0].Term)
}

func TestBoltStore_RejectsUnknownFormat(t *testing.T) {
	store, tempDir := setupBoltStore(t)
	defer os.RemoveAll(tempDir)
	path := store.Path()

	err := store.db.Update(func(tx *bolt.Tx) error {
		v, err := encMode.Marshal(formatVersion + 1)
		if err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(formatKey, v)
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewBoltStore(path)
	assert.ErrorContains(t, err, "unsupported store format")
}

func TestBoltStore_Backup(t *testing.T) {
	store, tempDir := setupBoltStore(t)
	defer cleanupBoltStore(t, store, tempDir)
	require.NoError(t, store.Save(arbiter.TicketRecord{Name: "ticket-A", Term: 3, VotedFor: wire.NoOne, Leader: wire.NoOne}))

	var buf bytes.Buffer
	n, err := store.Backup(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	copyPath := filepath.Join(tempDir, "copy.db")
	require.NoError(t, os.WriteFile(copyPath, buf.Bytes(), 0600))
	restored, err := NewBoltStore(copyPath)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.Load("ticket-A")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.Term)
}

func TestBoltStore_EmptyLease(t *testing.T) {
	store, tempDir := setupBoltStore(t)
	defer cleanupBoltStore(t, store, tempDir)

	var _ arbiter.TicketStore = store
	require.NoError(t, store.Save(arbiter.TicketRecord{Name: "ticket-A", Term: 2, VotedFor: 1, Leader: wire.NoOne}))
	got, err := store.Load("ticket-A")
	require.NoError(t, err)
	assert.Equal(t, "ticket-A", got.Name)
	assert.True(t, got.LeaseExpiry.IsZero())
}
