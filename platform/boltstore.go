/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	alertBucket    = []byte(`alerts`)
	alertKeyBucket = []byte(`alertkeys`)
)

// BoltAlertStore is a bbolt backed AlertStore. Alerts are stored as JSON
// under their id, a second bucket indexes (type, source, sourceRef) to ids.
type BoltAlertStore struct {
	db *bolt.DB
}

// OpenBoltAlertStore opens or creates the store at the given path.
func OpenBoltAlertStore(path string) (*BoltAlertStore, error) {
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(alertBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(alertKeyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltAlertStore{db: db}, nil
}

func (bs *BoltAlertStore) Close() error {
	return bs.db.Close()
}

func (bs *BoltAlertStore) Get(ctx context.Context, typ, source, sourceRef string) (a *Alert, err error) {
	err = bs.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(alertKeyBucket).Get([]byte(alertKey(typ, source, sourceRef)))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(alertBucket).Get(id)
		if v == nil {
			return ErrNotFound
		}
		a = &Alert{}
		return json.Unmarshal(v, a)
	})
	return
}

func (bs *BoltAlertStore) Find(ctx context.Context, f AlertFilter) (r []*Alert, err error) {
	err = bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertBucket).ForEach(func(k, v []byte) error {
			var a Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if matchAlert(&a, f) {
				r = append(r, &a)
			}
			return nil
		})
	})
	return
}

func (bs *BoltAlertStore) MaxLastSync(ctx context.Context, typ, source string) (max int64, err error) {
	err = bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertBucket).ForEach(func(k, v []byte) error {
			var a Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Type == typ && a.Source == source && a.LastSyncDate > max {
				max = a.LastSyncDate
			}
			return nil
		})
	})
	return
}

func (bs *BoltAlertStore) Create(ctx context.Context, a *Alert) (*Alert, error) {
	v := cloneAlert(a)
	if v.ID == `` {
		v.ID = uuid.New().String()
	}
	err := bs.db.Update(func(tx *bolt.Tx) error {
		kb := tx.Bucket(alertKeyBucket)
		key := []byte(v.Key())
		if kb.Get(key) != nil {
			return fmt.Errorf("alert %s/%s: %w", v.Source, v.SourceRef, ErrExists)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err = tx.Bucket(alertBucket).Put([]byte(v.ID), b); err != nil {
			return err
		}
		return kb.Put(key, []byte(v.ID))
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (bs *BoltAlertStore) Update(ctx context.Context, a *Alert) (*Alert, error) {
	v := cloneAlert(a)
	err := bs.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket(alertBucket)
		old := ab.Get([]byte(v.ID))
		if old == nil {
			return fmt.Errorf("alert %s: %w", v.ID, ErrNotFound)
		}
		var prev Alert
		if err := json.Unmarshal(old, &prev); err != nil {
			return err
		}
		kb := tx.Bucket(alertKeyBucket)
		if prev.Key() != v.Key() {
			if err := kb.Delete([]byte(prev.Key())); err != nil {
				return err
			}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err = ab.Put([]byte(v.ID), b); err != nil {
			return err
		}
		return kb.Put([]byte(v.Key()), []byte(v.ID))
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
