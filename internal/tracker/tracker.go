package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents       = []byte("events")
	bucketMessageIndex = []byte("message_index")
	bucketDailyUsage   = []byte("daily_usage")
)

const dayLayout = "2006-01-02"

// Publisher receives events after they are committed
type Publisher interface {
	Publish(ctx context.Context, ev *models.DeliveryEvent) error
}

// Options configures a Store
type Options struct {
	Location  *time.Location // day boundaries for trends and quota windows
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store is the append-only delivery event log backed by BoltDB.
// It also keeps the per-tenant daily usage counters the rate limiter reserves against,
// so a DELIVERY event and its quota unit are written in one transaction.
type Store struct {
	db        *bolt.DB
	loc       *time.Location
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Open opens (or creates) the tracker database at path
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tracker directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}

	s, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a Store on an already opened database
func New(db *bolt.DB, opts Options) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketMessageIndex, bucketDailyUsage} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		db:        db,
		loc:       opts.Location,
		publisher: opts.Publisher,
		logger:    opts.Logger.With("component", "tracker"),
		now:       opts.Now,
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SetPublisher sets the post-commit event publisher
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

// Location returns the reference timezone
func (s *Store) Location() *time.Location {
	return s.loc
}

// Day returns the quota window name of t in the reference timezone
func (s *Store) Day(t time.Time) string {
	return t.In(s.loc).Format(dayLayout)
}

// Record appends an event. It returns false when an equivalent confirmation was
// already recorded for the same message, recipient and type.
func (s *Store) Record(ctx context.Context, ev *models.DeliveryEvent) (bool, error) {
	return s.record(ctx, ev, nil)
}

// RecordDelivery appends a DELIVERY event and converts the given reservation into
// a used quota unit in the same transaction
func (s *Store) RecordDelivery(ctx context.Context, ev *models.DeliveryEvent, reservation *models.UsageKey) (bool, error) {
	if ev.Type != models.EventDelivery {
		return false, fmt.Errorf("%w: %s is not a delivery", models.ErrEventType, ev.Type)
	}
	return s.record(ctx, ev, reservation)
}

func (s *Store) record(ctx context.Context, ev *models.DeliveryEvent, reservation *models.UsageKey) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	var key []byte
	recorded := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)

		if ev.MessageID != "" {
			enrichScope(tx, ev)
		}
		if err := ev.Validate(); err != nil {
			return err
		}

		if reservation != nil {
			if err := adjustUsage(tx, *reservation, 0, -1); err != nil {
				return err
			}
		}

		var idxKey []byte
		if ev.MessageID != "" && ev.Type.Unique() {
			idxKey = indexKey(ev.MessageID, ev.Recipient, ev.Type)
			if index.Get(idxKey) != nil {
				return nil
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		key = eventKey(ev.Timestamp, ev.ID)
		if err := tx.Bucket(bucketEvents).Put(key, data); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
		if idxKey != nil {
			if err := index.Put(idxKey, key); err != nil {
				return fmt.Errorf("failed to index event: %w", err)
			}
		}

		if ev.Type == models.EventDelivery && ev.UserID != "" && ev.OrgID != "" {
			usageKey := models.UsageKey{UserID: ev.UserID, OrgID: ev.OrgID, Day: s.Day(ev.Timestamp)}
			if err := adjustUsage(tx, usageKey, 1, 0); err != nil {
				return err
			}
		}

		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if recorded {
		metrics.IncEventRecorded(string(ev.Type))
	}
	if recorded && s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("failed to publish event", "event_id", ev.ID, "type", ev.Type, "error", err)
		} else if err := s.markProcessed(key); err != nil {
			s.logger.Warn("failed to mark event processed", "event_id", ev.ID, "error", err)
		}
	}

	return recorded, nil
}

// enrichScope copies campaign, user, org and checkpoint ids from an earlier event of the same
// message, so provider callbacks that only carry a message id stay attributable
func enrichScope(tx *bolt.Tx, ev *models.DeliveryEvent) {
	if ev.CampaignID != "" && ev.UserID != "" && ev.OrgID != "" {
		return
	}

	index := tx.Bucket(bucketMessageIndex)
	events := tx.Bucket(bucketEvents)
	for _, t := range []models.EventType{models.EventDelivery, models.EventReject, models.EventBounce} {
		key := index.Get(indexKey(ev.MessageID, ev.Recipient, t))
		if key == nil {
			continue
		}
		var prior models.DeliveryEvent
		if err := json.Unmarshal(events.Get(key), &prior); err != nil {
			continue
		}
		if ev.CampaignID == "" {
			ev.CampaignID = prior.CampaignID
		}
		if ev.UserID == "" {
			ev.UserID = prior.UserID
		}
		if ev.OrgID == "" {
			ev.OrgID = prior.OrgID
		}
		if ev.CheckpointID == "" {
			ev.CheckpointID = prior.CheckpointID
		}
		return
	}
}

func (s *Store) markProcessed(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var ev models.DeliveryEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		ev.Processed = true
		data, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Get returns the event recorded for a message, recipient and unique type
func (s *Store) Get(ctx context.Context, messageID, recipient string, t models.EventType) (*models.DeliveryEvent, error) {
	var ev *models.DeliveryEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketMessageIndex).Get(indexKey(messageID, recipient, t))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketEvents).Get(key)
		if data == nil {
			return nil
		}
		ev = &models.DeliveryEvent{}
		return json.Unmarshal(data, ev)
	})
	return ev, err
}

// Prune removes events recorded before cutoff, their index entries and usage windows older than cutoff's day
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	limit := eventKey(cutoff, "")
	cutoffDay := s.Day(cutoff)

	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte
		events := tx.Bucket(bucketEvents)
		c := events.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit[:8]) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		if err := deleteKeys(events, stale); err != nil {
			return err
		}
		deleted = len(stale)

		stale = nil
		index := tx.Bucket(bucketMessageIndex)
		err := index.ForEach(func(k, v []byte) error {
			if len(v) >= 8 && bytes.Compare(v[:8], limit[:8]) < 0 {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := deleteKeys(index, stale); err != nil {
			return err
		}

		stale = nil
		usage := tx.Bucket(bucketDailyUsage)
		err = usage.ForEach(func(k, _ []byte) error {
			if day := dayOfUsageKey(k); day != "" && day < cutoffDay {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		return deleteKeys(usage, stale)
	})
	return deleted, err
}

// eventKey orders events by timestamp: 8-byte big-endian unix nanos followed by the id
func eventKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	copy(key[8:], id)
	return key
}

func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func eventTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[:8])))
}

func indexKey(messageID, recipient string, t models.EventType) []byte {
	return []byte(messageID + "|" + recipient + "|" + string(t))
}

var errCorruptUsage = errors.New("corrupt usage record")
