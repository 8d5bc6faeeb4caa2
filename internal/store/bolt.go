package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices     = []byte("devices")
	bucketNetwork     = []byte("network")
	bucketAccessories = []byte("accessories")
	keyNetState       = []byte("state")
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

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketNetwork, bucketAccessories} {
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

func (s *BoltStore) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// list decodes every value in bucket with decode.
func (s *BoltStore) list(bucket []byte, decode func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return decode(v)
		})
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.put(bucketDevices, []byte(dev.IEEEAddress), dev)
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	if err := s.get(bucketDevices, []byte(ieee), &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.delete(bucketDevices, []byte(ieee))
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.list(bucketDevices, func(v []byte) error {
		var dev Device
		if err := json.Unmarshal(v, &dev); err != nil {
			return err
		}
		devices = append(devices, &dev)
		return nil
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(ieee), out)
	})
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.put(bucketNetwork, keyNetState, state)
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	if err := s.get(bucketNetwork, keyNetState, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) SaveAccessory(rec *AccessoryRecord) error {
	return s.put(bucketAccessories, []byte(rec.IEEEAddress), rec)
}

func (s *BoltStore) ListAccessories() ([]*AccessoryRecord, error) {
	var recs []*AccessoryRecord
	err := s.list(bucketAccessories, func(v []byte) error {
		var rec AccessoryRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		recs = append(recs, &rec)
		return nil
	})
	return recs, err
}

func (s *BoltStore) DeleteAccessory(ieee string) error {
	return s.delete(bucketAccessories, []byte(ieee))
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
