// Package statestore persists the small amount of client state that
// survives restarts: the access token and user id per server, plus opaque
// UI preferences. Everything else is rebuilt from the backend at login.
package statestore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions = []byte("sessions")
	bucketPrefs    = []byte("prefs")
)

type Store struct {
	db *bolt.DB
}

type Session struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Login  string `json:"login,omitempty"`
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(bucketPrefs)

		return err
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveSession(server string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(server), data)
	})
}

// Session returns the saved session for a server, or nil when none exists.
func (s *Store) Session(server string) (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(server))
		if data == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(data, sess)
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Store) ClearSession(server string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(server))
	})
}

func (s *Store) SetPref(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put([]byte(key), []byte(value))
	})
}

func (s *Store) Pref(key string) string {
	var value string

	s.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		value = string(tx.Bucket(bucketPrefs).Get([]byte(key)))

		return nil
	})

	return value
}
