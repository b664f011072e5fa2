// Package fingerprint tracks which candidate hashes have already been
// seen, whether accepted, rejected, or in flight, so the candidate queue
// can skip duplicates.
//
// The in-memory set is LRU-bounded (unbounded growth across a long run
// would otherwise exhaust memory); a persistent on-disk seed, backed by
// a BoltDB hash cache, lets a re-run against an already-fixpointed test
// case short-circuit immediately instead of re-discovering every
// duplicate.
package fingerprint

import (
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("seen")

// Set is a bounded, optionally-persisted set of content hashes.
//
// Safe for concurrent use; golang-lru's Cache is internally locked.
type Set struct {
	cache *lru.Cache[string, struct{}]
	db    *bolt.DB // nil when persistence is disabled
}

// New creates a fingerprint Set with the given LRU capacity. If
// persistPath is non-empty, previously-seen hashes are loaded from it and
// new ones are persisted as they're seen.
func New(capacity int, persistPath string) (*Set, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	s := &Set{cache: cache}

	if persistPath == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(persistPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			s.cache.Add(string(k), struct{}{})
			return nil
		})
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// SeenOrAdd reports whether hash was already in the set. As a side
// effect, it always records hash as seen, so subsequent calls with the
// same hash return true. The check and the add are a single atomic
// operation on the underlying LRU cache, so two goroutines racing on the
// same hash never both observe "not seen" — exactly one of them adds it
// and gets false, every other caller gets true.
func (s *Set) SeenOrAdd(hash string) bool {
	alreadyPresent, _ := s.cache.ContainsOrAdd(hash, struct{}{})
	if alreadyPresent {
		return true
	}
	if s.db != nil {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketName).Put([]byte(hash), []byte{1})
		})
	}
	return false
}

// Close releases the persistent database, if any.
func (s *Set) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
