package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDesks  = []byte("desks")
	bucketClient = []byte("client")
	keyClientID  = []byte("id")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDesks, bucketClient} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDesk(desk *Desk) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDesk(tx, desk)
	})
}

func putDesk(tx *bolt.Tx, desk *Desk) error {
	b := tx.Bucket(bucketDesks)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketDesks)
	}
	data, err := json.Marshal(desk)
	if err != nil {
		return err
	}
	return b.Put([]byte(desk.Address), data)
}

func getDesk(tx *bolt.Tx, address string) (*Desk, error) {
	b := tx.Bucket(bucketDesks)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketDesks)
	}
	data := b.Get([]byte(address))
	if data == nil {
		return nil, fmt.Errorf("desk %s: %w", address, ErrNotFound)
	}
	var desk Desk
	if err := json.Unmarshal(data, &desk); err != nil {
		return nil, err
	}
	return &desk, nil
}

func (s *BoltStore) GetDesk(address string) (*Desk, error) {
	var desk *Desk
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		desk, err = getDesk(tx, address)
		return err
	})
	if err != nil {
		return nil, err
	}
	return desk, nil
}

func (s *BoltStore) UpdateDesk(address string, fn func(desk *Desk) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		desk, err := getDesk(tx, address)
		if err != nil {
			return err
		}
		if err := fn(desk); err != nil {
			return err
		}
		desk.Address = address
		return putDesk(tx, desk)
	})
}

func (s *BoltStore) DeleteDesk(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDesks)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDesks)
		}
		return b.Delete([]byte(address))
	})
}

func (s *BoltStore) ListDesks() ([]*Desk, error) {
	var desks []*Desk
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDesks)
		if b == nil {
			return nil // no bucket = no desks
		}
		desks = make([]*Desk, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var desk Desk
			if err := json.Unmarshal(v, &desk); err != nil {
				return err
			}
			desks = append(desks, &desk)
			return nil
		})
	})
	return desks, err
}

func (s *BoltStore) ClientID() ([]byte, error) {
	var id []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClient)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketClient)
		}
		if v := b.Get(keyClientID); v != nil {
			id = append([]byte(nil), v...)
			return nil
		}
		u := uuid.New()
		id = u[:]
		return b.Put(keyClientID, id)
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
