package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/foxzi/outreach/internal/models"
	bolt "go.etcd.io/bbolt"
)

// MaxTrendDays bounds a trends query
const MaxTrendDays = 366

// ErrInvalidDays is returned for a trend window outside 1..MaxTrendDays
var ErrInvalidDays = errors.New("days must be between 1 and 366")

// Stats are aggregated delivery counts for a scope
type Stats struct {
	TotalSent      int     `json:"total_sent"`
	TotalDelivered int     `json:"total_delivered"`
	TotalFailed    int     `json:"total_failed"`
	Bounced        int     `json:"bounced"`
	Opened         int     `json:"opened"`
	Clicked        int     `json:"clicked"`
	Complained     int     `json:"complained"`
	DeliveryRate   float64 `json:"delivery_rate"`
}

// TrendBucket holds one calendar day of activity
type TrendBucket struct {
	Date         string  `json:"date"`
	Delivered    int     `json:"delivered"`
	Failed       int     `json:"failed"`
	Clicked      int     `json:"clicked"`
	TotalSent    int     `json:"total_sent"`
	DeliveryRate float64 `json:"delivery_rate"`
	ClickRate    float64 `json:"click_rate"`
}

// percent returns part/total*100 rounded to two decimals, or 0 when total is 0
func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}

// Stats aggregates all recorded events matching scope
func (s *Store) Stats(ctx context.Context, scope models.Scope) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev models.DeliveryEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				s.logger.Warn("skipping unreadable event", "key", k, "error", err)
				return nil
			}
			if !scope.Matches(&ev) {
				return nil
			}

			switch ev.Type {
			case models.EventDelivery:
				stats.TotalDelivered++
			case models.EventReject:
				stats.TotalFailed++
			case models.EventBounce:
				stats.Bounced++
			case models.EventOpen:
				stats.Opened++
			case models.EventClick:
				stats.Clicked++
			case models.EventComplaint:
				stats.Complained++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	stats.TotalSent = stats.TotalDelivered + stats.TotalFailed
	stats.DeliveryRate = percent(stats.TotalDelivered, stats.TotalSent)
	return stats, nil
}

// Trends returns one bucket per calendar day for the last days days, today included,
// oldest first. Days without activity are present with zero counts.
func (s *Store) Trends(ctx context.Context, days int, scope models.Scope) ([]TrendBucket, error) {
	if days < 1 || days > MaxTrendDays {
		return nil, ErrInvalidDays
	}

	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	start := today.AddDate(0, 0, -(days - 1))
	end := today.AddDate(0, 0, 1)

	buckets := make([]TrendBucket, days)
	index := make(map[string]int, days)
	for i := range buckets {
		date := start.AddDate(0, 0, i).Format(dayLayout)
		buckets[i].Date = date
		index[date] = i
	}

	startKey := eventKey(start, "")
	endKey := eventKey(end, "")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k[:8], endKey[:8]) < 0; k, v = c.Next() {
			var ev models.DeliveryEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if !scope.Matches(&ev) {
				continue
			}

			i, ok := index[eventTime(k).In(s.loc).Format(dayLayout)]
			if !ok {
				continue
			}
			switch ev.Type {
			case models.EventDelivery:
				buckets[i].Delivered++
			case models.EventReject:
				buckets[i].Failed++
			case models.EventClick:
				buckets[i].Clicked++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range buckets {
		b := &buckets[i]
		b.TotalSent = b.Delivered + b.Failed
		b.DeliveryRate = percent(b.Delivered, b.TotalSent)
		b.ClickRate = percent(b.Clicked, b.Delivered)
	}
	return buckets, nil
}

// CurrentMonthTrends returns trends from the first day of the current month to today
func (s *Store) CurrentMonthTrends(ctx context.Context, scope models.Scope) ([]TrendBucket, error) {
	return s.Trends(ctx, s.now().In(s.loc).Day(), scope)
}
