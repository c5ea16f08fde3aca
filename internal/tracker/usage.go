package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/foxzi/outreach/internal/models"
	bolt "go.etcd.io/bbolt"
)

func usageKey(k models.UsageKey) []byte {
	return []byte(k.UserID + "|" + k.OrgID + "|" + k.Day)
}

func dayOfUsageKey(k []byte) string {
	i := bytes.LastIndexByte(k, '|')
	if i < 0 {
		return ""
	}
	return string(k[i+1:])
}

func getUsage(b *bolt.Bucket, k models.UsageKey) (models.Usage, error) {
	var u models.Usage
	data := b.Get(usageKey(k))
	if data == nil {
		return u, nil
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("%w: %v", errCorruptUsage, err)
	}
	return u, nil
}

func putUsage(b *bolt.Bucket, k models.UsageKey, u models.Usage) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.Put(usageKey(k), data)
}

func adjustUsage(tx *bolt.Tx, k models.UsageKey, used, reserved int) error {
	b := tx.Bucket(bucketDailyUsage)
	u, err := getUsage(b, k)
	if err != nil {
		return err
	}
	u.Used += used
	u.Reserved += reserved
	if u.Reserved < 0 {
		u.Reserved = 0
	}
	return putUsage(b, k, u)
}

// Usage returns the consumption of one quota window
func (s *Store) Usage(ctx context.Context, k models.UsageKey) (models.Usage, error) {
	var u models.Usage
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = getUsage(tx.Bucket(bucketDailyUsage), k)
		return err
	})
	return u, err
}

// Reserve holds n quota units if used+reserved+n stays within limit.
// It returns false without changing anything otherwise.
func (s *Store) Reserve(ctx context.Context, k models.UsageKey, n, limit int) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDailyUsage)
		u, err := getUsage(b, k)
		if err != nil {
			return err
		}
		if u.Used+u.Reserved+n > limit {
			return nil
		}
		u.Reserved += n
		ok = true
		return putUsage(b, k, u)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release returns n reserved units that were not delivered
func (s *Store) Release(ctx context.Context, k models.UsageKey, n int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return adjustUsage(tx, k, 0, -n)
	})
}
