package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"pathhole/internal/model"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// CreateRoute stores a new route with a fresh id and creation time.
func (s *Store) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if err := ctx.Err(); err != nil {
		return model.Route{}, err
	}
	if strings.TrimSpace(r.Name) == "" {
		return model.Route{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	r.ID = uuid.NewString()
	r.CreatedAt = s.now().UTC()
	if r.Path == nil {
		r.Path = []model.Point{}
	}
	if err := s.put(bucketRoutes, []byte(r.ID), r); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

// GetRoute returns the route with id or ErrNotFound.
func (s *Store) GetRoute(ctx context.Context, id string) (model.Route, error) {
	if err := ctx.Err(); err != nil {
		return model.Route{}, err
	}
	var r model.Route
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRoutes).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// ListRoutes returns every route, oldest first.
func (s *Store) ListRoutes(ctx context.Context) ([]model.Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []model.Route{}
	if err := scan(s.db, bucketRoutes, func(r model.Route) { out = append(out, r) }); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateRoute replaces name, description and path of an existing route.
func (s *Store) UpdateRoute(ctx context.Context, id string, r model.Route) (model.Route, error) {
	if err := ctx.Err(); err != nil {
		return model.Route{}, err
	}
	if strings.TrimSpace(r.Name) == "" {
		return model.Route{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	var updated model.Route
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &updated); err != nil {
			return err
		}
		updated.Name = r.Name
		updated.Description = r.Description
		updated.Path = r.Path
		if updated.Path == nil {
			updated.Path = []model.Point{}
		}
		enc, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), enc)
	})
	return updated, err
}

// DeleteRoute removes a route together with the events recorded against it.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		routes := tx.Bucket(bucketRoutes)
		if routes.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := routes.Delete([]byte(id)); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketTelemetry, bucketPotholes} {
			if err := deleteByRoute(tx.Bucket(name), id); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteByRoute(b *bbolt.Bucket, routeID string) error {
	var ref struct {
		RouteID string `json:"routeId"`
	}
	var keys [][]byte
	err := b.ForEach(func(k, v []byte) error {
		ref.RouteID = ""
		if err := json.Unmarshal(v, &ref); err != nil {
			return err
		}
		if ref.RouteID == routeID {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// RouteStats computes path distance and event counts for a route.
func (s *Store) RouteStats(ctx context.Context, id string) (model.RouteStats, error) {
	r, err := s.GetRoute(ctx, id)
	if err != nil {
		return model.RouteStats{}, err
	}
	samples, err := s.ListTelemetry(ctx, id)
	if err != nil {
		return model.RouteStats{}, err
	}
	potholes, err := s.ListPotholes(ctx, id)
	if err != nil {
		return model.RouteStats{}, err
	}

	stats := model.RouteStats{
		RouteID:          id,
		Distance:         PathDistance(r.Path),
		TelemetrySamples: len(samples),
	}
	for _, p := range potholes {
		stats.Potholes.Total++
		switch p.Severity {
		case model.SeverityLow:
			stats.Potholes.Low++
		case model.SeverityMedium:
			stats.Potholes.Medium++
		case model.SeverityHigh:
			stats.Potholes.High++
		}
	}
	return stats, nil
}

// PathDistance is the length of the polyline through path.
func PathDistance(path []model.Point) float64 {
	var d float64
	for i := 1; i < len(path); i++ {
		d += math.Hypot(path[i].X-path[i-1].X, path[i].Y-path[i-1].Y)
	}
	return d
}
