package kvstore

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// maxCASRetries bounds the read-modify-write-with-CAS-retry loop used
// where the underlying store lacks a native atomic increment, matching the
// explicit fallback instruction.
const maxCASRetries = 8

// BuntStore is a github.com/tidwall/buntdb-backed namespaced KV store. A
// single buntdb.DB is shared across namespaces; keys are prefixed with
// the namespace so counter_store and opid_store can coexist in one file
// (or :memory: for tests).
type BuntStore struct {
	db        *buntdb.DB
	namespace string
}

// OpenBunt opens (or creates) a buntdb database at path. Pass ":memory:"
// for an ephemeral, process-local store.
func OpenBunt(path string) (*buntdb.DB, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening buntdb store")
	}
	return db, nil
}

// NewBuntStore returns a Store (and satisfies ConfigStore/SecretStore)
// scoped to namespace within db.
func NewBuntStore(db *buntdb.DB, namespace string) *BuntStore {
	return &BuntStore{db: db, namespace: namespace}
}

func (s *BuntStore) nsKey(key string) string { return s.namespace + "/" + key }

func (s *BuntStore) Get(_ context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(s.nsKey(key))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		return "", false, errors.Wrap(err, "kvstore get")
	}
	return val, val != "" || s.exists(key), nil
}

// exists disambiguates "absent" from "present but empty string", which
// the View-based Get above can't tell apart from a zero value alone.
func (s *BuntStore) exists(key string) bool {
	found := false
	_ = s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(s.nsKey(key))
		found = err == nil
		return nil
	})
	return found
}

func (s *BuntStore) Put(_ context.Context, key, value string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(s.nsKey(key), value, nil)
		return err
	})
	return errors.Wrap(err, "kvstore put")
}

func (s *BuntStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(s.nsKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	return errors.Wrap(err, "kvstore delete")
}

func (s *BuntStore) PutIfAbsent(_ context.Context, key, value string) (bool, string, error) {
	var wrote bool
	var existing string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if v, err := tx.Get(s.nsKey(key)); err == nil {
			existing = v
			wrote = false
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err := tx.Set(s.nsKey(key), value, nil)
		wrote = err == nil
		existing = value
		return err
	})
	if err != nil {
		return false, "", errors.Wrap(err, "kvstore put-if-absent")
	}
	return wrote, existing, nil
}

// Increment performs a bounded CAS retry loop: read the current integer
// value (0 if absent), write current+delta only if the key still reads
// back as it did when we started. buntdb transactions already serialize
// writers process-wide, so in practice this never retries locally; the
// loop exists because the same code path is what a platform KV without
// native atomic increment would need.
func (s *BuntStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	nsKey := s.nsKey(key)
	var result int64
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		err := s.db.Update(func(tx *buntdb.Tx) error {
			cur := int64(0)
			if v, err := tx.Get(nsKey); err == nil {
				n, perr := strconv.ParseInt(v, 10, 64)
				if perr != nil {
					return errors.Wrapf(perr, "corrupt counter value %q", v)
				}
				cur = n
			} else if err != buntdb.ErrNotFound {
				return err
			}
			result = cur + delta
			_, _, err := tx.Set(nsKey, strconv.FormatInt(result, 10), nil)
			return err
		})
		if err == nil {
			return result, nil
		}
		if attempt == maxCASRetries-1 {
			return 0, errors.Wrap(err, "kvstore increment: exhausted CAS retries")
		}
	}
	return 0, errors.New("kvstore increment: unreachable")
}
