package storage

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/icn-network/icn-node/internal/icnerr"
)

var bucketName = []byte("icn")

// BoltStore is the durable single-file Store backend, an embedded
// bbolt database holding every namespace in one bucket.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt-backed store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Storage, "open bolt db", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, icnerr.Wrap(icnerr.Storage, "create bucket", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Put(key, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
	if err != nil {
		return icnerr.Wrap(icnerr.Storage, "put", err)
	}
	return nil
}

func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return icnerr.New(icnerr.NotFound, "key not found")
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) Delete(key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
	if err != nil {
		return icnerr.Wrap(icnerr.Storage, "delete", err)
	}
	return nil
}

func (b *BoltStore) Exists(key []byte) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketName).Get(key) != nil
		return nil
	})
	return found, err
}

func (b *BoltStore) List(prefix []byte) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Storage, "list", err)
	}
	return out, nil
}

func (b *BoltStore) CAS(key, expected, newValue []byte) (bool, error) {
	ok := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		cur := bkt.Get(key)
		if expected == nil {
			if cur != nil {
				return nil
			}
		} else if cur == nil || !bytes.Equal(cur, expected) {
			return nil
		}
		ok = true
		return bkt.Put(key, newValue)
	})
	if err != nil {
		return false, icnerr.Wrap(icnerr.Storage, "cas", err)
	}
	return ok, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
