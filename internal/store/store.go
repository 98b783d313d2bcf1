// Package store persists routes and checkpointed events in BoltDB.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pathhole/internal/model"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketRoutes    = []byte("routes")
	bucketTelemetry = []byte("telemetry")
	bucketPotholes  = []byte("potholes")
)

var (
	// ErrNotFound is returned when a route id does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalid is returned for records missing required fields.
	ErrInvalid = errors.New("store: invalid record")
)

// Store is the durable store for routes, telemetry samples and potholes.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the database at cfg.Path and its buckets.
func Open(cfg model.StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("[store] failed to create %s: %w", dir, err)
		}
	}
	db, err := bbolt.Open(cfg.Path, 0o666, &bbolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("[store] failed to open BoltDB: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRoutes, bucketTelemetry, bucketPotholes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[store] failed to create buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// eventKey orders events by timestamp, then id.
func eventKey(ts int64, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(ts))
	return append(k, id...)
}

// SaveTelemetry stores a telemetry sample, assigning an id when empty.
func (s *Store) SaveTelemetry(ctx context.Context, t model.TelemetrySample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.put(bucketTelemetry, eventKey(t.TS, t.ID), t)
}

// SavePothole stores a pothole event, assigning an id when empty.
func (s *Store) SavePothole(ctx context.Context, p model.PotholeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.put(bucketPotholes, eventKey(p.TS, p.ID), p)
}

// ListTelemetry returns the samples recorded against routeID in time order.
func (s *Store) ListTelemetry(ctx context.Context, routeID string) ([]model.TelemetrySample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []model.TelemetrySample{}
	err := scan(s.db, bucketTelemetry, func(t model.TelemetrySample) {
		if t.RouteID == routeID {
			out = append(out, t)
		}
	})
	return out, err
}

// ListPotholes returns the potholes recorded against routeID in time order.
func (s *Store) ListPotholes(ctx context.Context, routeID string) ([]model.PotholeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []model.PotholeEvent{}
	err := scan(s.db, bucketPotholes, func(p model.PotholeEvent) {
		if p.RouteID == routeID {
			out = append(out, p)
		}
	})
	return out, err
}

func (s *Store) put(bucket, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("[store] encode: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, b)
	})
	if err != nil {
		return fmt.Errorf("[store] put %s: %w", bucket, err)
	}
	return nil
}

func scan[T any](db *bbolt.DB, bucket []byte, fn func(T)) error {
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			fn(rec)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("[store] scan %s: %w", bucket, err)
	}
	return nil
}
