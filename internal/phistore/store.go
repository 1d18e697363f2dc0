package phistore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rsna/dicom-anonymizer/internal/errs"
	"github.com/rsna/dicom-anonymizer/internal/logger"
)

var (
	bucketPatients        = []byte("patients")
	bucketStudies          = []byte("studies")
	bucketSeries           = []byte("series")
	bucketUIDMap           = []byte("uidmap")
	bucketUIDMapRev        = []byte("uidmap_rev")
	bucketCounters         = []byte("counters")
	bucketAnonPatientIndex = []byte("index_anon_patient")
)

var allBuckets = [][]byte{
	bucketPatients, bucketStudies, bucketSeries,
	bucketUIDMap, bucketUIDMapRev, bucketCounters, bucketAnonPatientIndex,
}

const (
	counterUIDOrdinal       = "uid_ordinal"
	counterPatientOrdinal   = "patient_ordinal"
	counterAccessionOrdinal = "accession_ordinal"

	snapshotName = "AnonymizerModel.db"
)

// Store is the PHI Store: a single bbolt database holding patients,
// studies, series, and bidirectional UID mappings, with one writer lock
// serializing every mutating operation so ordinal allocation and
// cross-bucket updates never interleave.
type Store struct {
	mu sync.Mutex

	db        *bolt.DB
	uidCache  uidCache
	privDir   string
	log       *logger.Logger
}

// Open opens (or creates) the PHI Store's live bbolt database under
// privDir/phistore.db and wraps its UID lookups with a bounded S3-FIFO hot
// cache sized cacheCapacity entries.
func Open(privDir string, cacheCapacity int, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(privDir, 0o755); err != nil {
		return nil, fmt.Errorf("create private dir: %w", err)
	}
	dbPath := filepath.Join(privDir, "phistore.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open phi store %q: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create phi store buckets: %w", err)
	}

	s := &Store{
		db:      db,
		privDir: privDir,
		log:     log,
	}
	s.uidCache = newS3FIFOUIDCache(&bboltUIDCache{db: db}, cacheCapacity)
	return s, nil
}

// Close releases the underlying bbolt database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save performs a live, crash-safe backup of the PHI Store: the previous
// snapshot (if any) is rotated to AnonymizerModel.db.bak, and a fresh copy
// is written to a temp file and renamed into place, so a crash mid-backup
// never leaves a truncated AnonymizerModel.db. bbolt's own per-transaction
// fsync already makes phistore.db crash-safe; this snapshot exists for
// portability and point-in-time recovery, per the persisted-layout contract.
func (s *Store) Save() error {
	target := filepath.Join(s.privDir, snapshotName)
	bak := target + ".bak"
	tmp := target + ".tmp"

	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(tmp, 0o600)
	}); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return &errs.PersistenceError{Err: err}
	}

	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, bak); err != nil {
			os.Remove(tmp) //nolint:errcheck
			return &errs.PersistenceError{Err: err}
		}
	}

	if err := os.Rename(tmp, target); err != nil {
		return &errs.PersistenceError{Err: err}
	}

	if s.log != nil {
		s.log.Info("save", fmt.Sprintf("snapshot written to %s", target))
	}
	return nil
}

// nextOrdinal atomically increments and returns the named counter, starting
// at 1 (ordinal 0 is reserved for the default anon_patient_id). Must be
// called with s.mu held.
func (s *Store) nextOrdinal(tx *bolt.Tx, name string) (uint64, error) {
	b := tx.Bucket(bucketCounters)
	cur := decodeUint64(b.Get([]byte(name)))
	cur++
	if err := b.Put([]byte(name), encodeUint64(cur)); err != nil {
		return 0, err
	}
	return cur, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, out any) (bool, error) {
	b := tx.Bucket(bucket)
	v := b.Get([]byte(key))
	if v == nil {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, err
	}
	return true, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
