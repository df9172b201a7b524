package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/valve-controller/internal/logic"
)

// runStoreContract checks the behaviour every store must share.
// reopen returns a second store over the same backing memory.
func runStoreContract(t *testing.T, store Store, reopen func() Store) {
	t.Helper()

	t.Run("cold start", func(t *testing.T) {
		state, ok, err := store.Load()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, logic.StateUnknown, state)
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, store.Save(logic.StateOpen))
		state, ok, err := store.Load()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, logic.StateOpen, state)

		require.NoError(t, store.Save(logic.StateClosed))
		state, ok, err = store.Load()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, logic.StateClosed, state)
	})

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, store.Save(logic.StateOpen))
		other := reopen()
		defer other.Close()
		state, ok, err := other.Load()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, logic.StateOpen, state)
	})

	t.Run("rejects unknown", func(t *testing.T) {
		assert.Error(t, store.Save(logic.StateUnknown))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	runStoreContract(t, store, func() Store { return store })

	store.Wipe()
	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok, "wipe simulates power loss")
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "state")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	runStoreContract(t, store, func() Store {
		s, err := NewFileStore(path)
		require.NoError(t, err)
		return s
	})
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"zeroed", make([]byte, 16)},
		{"garbage", []byte("not a record")},
		{"empty", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, tt.data, 0o644))
			_, ok, err := store.Load()
			assert.ErrorIs(t, err, ErrCorrupt)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(logic.StateOpen))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreDirSyncError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	errSync := errors.New("input/output error")
	store.syncDir = func(string) error { return errSync }

	err = store.Save(logic.StateOpen)
	assert.ErrorIs(t, err, errSync)
	assert.ErrorContains(t, err, "sync state dir")

	// The rename already happened, so the record is readable until power loss.
	state, ok, err := store.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, logic.StateOpen, state)
}

func TestSyncDirMissing(t *testing.T) {
	assert.Error(t, syncDir(filepath.Join(t.TempDir(), "gone")))
	assert.NoError(t, syncDir(t.TempDir()))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valve.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store, func() Store {
		s, err := NewSQLiteStore(path)
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStoreCorruptRow(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "valve.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.Exec(`INSERT INTO valve_state (id, state, updated_at) VALUES (1, 0, 0)`)
	require.NoError(t, err)

	_, ok, err := store.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, ok)
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultSQLitePath},
		{DefaultFilePath, DefaultSQLitePath},
		{"/data/valve.db", "/data/valve.db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqlitePath(tt.in), "path %q", tt.in)
	}
}

func TestSQLiteStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib", "valve-controller", "state.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, path, store.dbPath)
	assert.FileExists(t, path)
}

func TestSQLiteStoreOpenError(t *testing.T) {
	_, err := NewSQLiteStore(t.TempDir())
	require.Error(t, err)
	assert.Regexp(t, `^(ping database|create schema): `, err.Error())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	newStore := func() Store {
		client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
		return NewRedisStoreFromClient(client, WithKey("valve:test"))
	}
	store := newStore()
	defer store.Close()

	runStoreContract(t, store, newStore)
	assert.True(t, mr.Exists("valve:test"))
}

func TestRedisStoreCorrupt(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store := NewRedisStore(mr.Addr(), "", 0, WithKey("k"), WithTimeout(time.Second))
	defer store.Close()

	require.NoError(t, mr.Set("k", "\x00\x00\x00"))
	_, ok, err := store.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, ok)
}

func TestRecordTamper(t *testing.T) {
	data, err := encodeRecord(logic.StateOpen, time.Unix(1700000000, 0))
	require.NoError(t, err)

	state, written, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, logic.StateOpen, state)
	assert.Equal(t, int64(1700000000), written.Unix())

	// Flip the last byte (inside the CRC) and expect rejection.
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xff
	_, _, err = decodeRecord(tampered)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Options{Type: TypeFile, Path: filepath.Join(dir, "state")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(Options{Type: TypeSQLite, Path: filepath.Join(dir, "state.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	s, err = Open(Options{Type: TypeRedis, RedisAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	s.Close()

	_, err = Open(Options{Type: "eeprom"})
	assert.Error(t, err)
}
