// uidCache is the real-UID → anon-UID lookup path. It mirrors the teacher's
// PersistentCache/bbolt pairing: a minimal Get/Set/Delete interface over an
// embedded bbolt bucket, fronted by an in-memory eviction layer so the hot
// path (every element carrying a UID, on every instance) doesn't take a
// bbolt transaction per lookup.
package phistore

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// uidCache is the interface both the raw bbolt-backed store and the
// S3-FIFO-fronted wrapper implement. All implementations must be safe for
// concurrent use.
type uidCache interface {
	Get(realUID string) (anonUID string, ok bool)
	Set(realUID, anonUID string)
	Delete(realUID string)
}

// bboltUIDCache is a uidCache backed directly by the store's bbolt
// database, reading and writing the uidmap and uidmap_rev buckets in the
// same transaction so the forward and reverse indices never diverge.
type bboltUIDCache struct {
	db *bolt.DB
}

func (c *bboltUIDCache) Get(realUID string) (string, bool) {
	var anon string
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUIDMap)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(realUID)); v != nil {
			anon = string(v)
		}
		return nil
	})
	return anon, anon != ""
}

func (c *bboltUIDCache) Set(realUID, anonUID string) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		fwd := tx.Bucket(bucketUIDMap)
		rev := tx.Bucket(bucketUIDMapRev)
		if fwd == nil || rev == nil {
			return fmt.Errorf("uidmap buckets not initialized")
		}
		if err := fwd.Put([]byte(realUID), []byte(anonUID)); err != nil {
			return err
		}
		return rev.Put([]byte(anonUID), []byte(realUID))
	})
}

func (c *bboltUIDCache) Delete(realUID string) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		fwd := tx.Bucket(bucketUIDMap)
		rev := tx.Bucket(bucketUIDMapRev)
		if fwd == nil || rev == nil {
			return nil
		}
		var anon []byte
		if v := fwd.Get([]byte(realUID)); v != nil {
			anon = append(anon, v...)
		}
		if err := fwd.Delete([]byte(realUID)); err != nil {
			return err
		}
		if anon != nil {
			return rev.Delete(anon)
		}
		return nil
	})
}
