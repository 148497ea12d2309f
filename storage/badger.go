package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/latticanet/lattica/slogger"
)

// Options configures the badger-backed facade.
type Options struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string

	// InMemory disables disk persistence. Intended for tests.
	InMemory bool

	// SyncWrites forces an fsync per write so Put is durable on return.
	// Defaults to true for persistent databases.
	SyncWrites bool

	// Logger receives facade-level events. Badger's own logging is disabled.
	Logger slogger.Logger
}

// Store is the badger-backed Facade. One badger database may back many
// Stores, one per identity; each sees only its own namespace.
type Store struct {
	db     *badger.DB
	seal   *sealer
	logger slogger.Logger
	ownsDB bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// record is the on-disk envelope: timestamps in the clear, value sealed.
type record struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int       `json:"size"`
	Sealed    []byte    `json:"sealed"`
}

// Connect opens (or creates) a badger database and returns a Facade scoped
// to the identity owning the seed phrase. The returned store owns the
// database and closes it on Close.
func Connect(seed string, opts Options) (*Store, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("storage: path is required for a persistent database")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(opts.SyncWrites || !opts.InMemory)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	st, err := ConnectDB(seed, db, opts.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	st.ownsDB = true
	return st, nil
}

// ConnectDB scopes an already-open badger database to an identity. The
// caller retains ownership of db; Close on the returned store is a no-op for
// the database itself. This is how several identities share one local DB.
func ConnectDB(seed string, db *badger.DB, logger slogger.Logger) (*Store, error) {
	seal, err := newSealer(seed)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Store{
		db:     db,
		seal:   seal,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// pathLock returns the mutex serializing writes to one path.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

func (s *Store) Put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	created := now
	if meta, ok, err := s.Metadata(ctx, path); err == nil && ok {
		created = meta.CreatedAt
	}

	sealed, err := s.seal.seal(path, value)
	if err != nil {
		return err
	}
	rec := record{CreatedAt: created, UpdatedAt: now, Size: len(value), Sealed: sealed}
	encoded, err := json.Marshal(&rec)
	if err != nil {
		return err
	}

	key := s.seal.storageKey(path)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encoded)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	s.logger.Debug("storage put", "path", path, "bytes", len(value))
	return nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	rec, ok, err := s.read(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := s.seal.open(path, rec.Sealed)
	if err != nil {
		// Undecryptable data under our namespace is treated as absent; it
		// was not written by this identity.
		s.logger.Warn("storage value failed to open", "path", path)
		return nil, false, nil
	}
	return plain, true, nil
}

func (s *Store) Metadata(ctx context.Context, path string) (*Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	rec, ok, err := s.read(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &Metadata{
		Path:      path,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, true, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	key := s.seal.storageKey(path)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyPrefix := s.seal.storageKey(prefix)
	nsPrefix := s.seal.prefix + "/"

	var paths []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix, PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			paths = append(paths, strings.TrimPrefix(string(it.Item().Key()), nsPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Close closes the underlying database when this store owns it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) read(path string) (*record, bool, error) {
	key := s.seal.storageKey(path)
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return &rec, true, nil
}
