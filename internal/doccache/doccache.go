// Package doccache keeps the last known encoded document state per project
// in a local bbolt file so a client can start editing before the relay
// answers.
package doccache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

var ErrClosed = errors.New("document cache closed")

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Load returns the cached state for projectID, or nil when none is stored.
func (s *Store) Load(projectID string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketDocuments).Get([]byte(projectID))
		if value != nil {
			out = append([]byte(nil), value...)
		}
		return nil
	})
	return out, err
}

func (s *Store) Save(projectID string, state []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(projectID) == "" {
		return fmt.Errorf("project id is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(projectID), state)
	})
}

func (s *Store) Delete(projectID string) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(projectID))
	})
}

func (s *Store) Projects() ([]string, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
