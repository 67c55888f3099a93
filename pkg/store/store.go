package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/outpostd/outpost/pkg/types"
)

// Collection names. Status collections hold one StatusRecord per cycle per
// checker; history holds the alarm log; restart_notifications the planned
// maintenance windows.
const (
	CollectionContainerStatus = "container_status"
	CollectionJMXStatus       = "jmx_status"
	CollectionServiceStatus   = "service_status"
	collectionHistory         = "history"
	collectionNotifications   = "restart_notifications"
)

// listLimit bounds history and notification queries.
const listLimit = 100

// keyTimeLayout is a fixed-width RFC3339 variant so that lexicographic byte
// order equals chronological order.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the append-only time-series store backing status records, the
// alarm history and restart notifications. Records are keyed by timestamp and
// never mutated.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database under dataDir and ensures all buckets
// exist.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "outpost.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			CollectionContainerStatus,
			CollectionJMXStatus,
			CollectionServiceStatus,
			collectionHistory,
			collectionNotifications,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func timeKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s#%016x", t.UTC().Format(keyTimeLayout), seq))
}

func sinceKey(t time.Time) []byte {
	return []byte(t.UTC().Format(keyTimeLayout))
}

// afterKey reports whether stored key k is strictly after the boundary
// timestamp key min (keys carry a #seq suffix, so a prefix match means the
// record sits exactly at the boundary).
func afterKey(k, min []byte) bool {
	return bytes.Compare(k, min) > 0 && !bytes.HasPrefix(k, min)
}

func appendJSON(b *bolt.Bucket, t time.Time, v any) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(timeKey(t, seq), data)
}

// AppendStatus writes one status record to a status collection.
func (s *Store) AppendStatus(collection string, rec *types.StatusRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx.Bucket([]byte(collection)), rec.Timestamp, rec)
	})
}

// LatestStatus returns the newest record of a status collection, or nil when
// the collection is empty. Used to warm-start in-memory status on restart.
func (s *Store) LatestStatus(collection string) (*types.StatusRecord, error) {
	var rec *types.StatusRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(collection)).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		rec = &types.StatusRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// StatusSince returns all records with timestamp strictly after since,
// oldest-first (ascending) or newest-first.
func (s *Store) StatusSince(collection string, since time.Time, ascending bool) ([]*types.StatusRecord, error) {
	var recs []*types.StatusRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(collection)).Cursor()
		min := sinceKey(since)
		for k, v := c.Seek(min); k != nil; k, v = c.Next() {
			if bytes.HasPrefix(k, min) {
				// strictly after: skip records at exactly the boundary
				continue
			}
			rec := &types.StatusRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ascending {
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}
	return recs, nil
}

// StatusPoint is one projected status sample for a single target.
type StatusPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// ProjectStatus projects the status of one target out of a status collection,
// oldest-first.
func (s *Store) ProjectStatus(collection, target string, since time.Time) ([]StatusPoint, error) {
	recs, err := s.StatusSince(collection, since, true)
	if err != nil {
		return nil, err
	}
	points := make([]StatusPoint, 0, len(recs))
	for _, rec := range recs {
		if ts, ok := rec.Status[target]; ok && ts != nil {
			points = append(points, StatusPoint{Timestamp: rec.Timestamp, Status: ts.Status})
		}
	}
	return points, nil
}

// StatPoint is one projected metric sample for a single target. Value is nil
// when the cycle did not provide the metric.
type StatPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
}

// ProjectStat projects one stats metric of one target out of a status
// collection, oldest-first.
func (s *Store) ProjectStat(collection, target, metric string, since time.Time) ([]StatPoint, error) {
	recs, err := s.StatusSince(collection, since, true)
	if err != nil {
		return nil, err
	}
	points := make([]StatPoint, 0, len(recs))
	for _, rec := range recs {
		ts, ok := rec.Status[target]
		if !ok || ts == nil {
			continue
		}
		points = append(points, StatPoint{Timestamp: rec.Timestamp, Value: ts.Stats.Metric(metric)})
	}
	return points, nil
}
