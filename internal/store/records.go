package store

import (
	"context"
	"encoding/json"
	"fmt"

	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/metrics"
	"fire-dispatch/radiostatus/pkg/logger"
)

// Records is the typed view of the shared store. Reads never fail: a
// collection that cannot be loaded or decoded reads as empty.
type Records struct {
	backend Backend
	logger  *logger.Logger
}

func NewRecords(backend Backend, log *logger.Logger) *Records {
	return &Records{backend: backend, logger: log.Named("records")}
}

func (r *Records) Vehicles(ctx context.Context) []domain.Vehicle {
	return load[domain.Vehicle](ctx, r, domain.CollectionVehicles)
}

func (r *Records) StatusLog(ctx context.Context) []domain.StatusLogEntry {
	return load[domain.StatusLogEntry](ctx, r, domain.CollectionStatusLog)
}

func (r *Records) Users(ctx context.Context) []domain.User {
	return load[domain.User](ctx, r, domain.CollectionUsers)
}

func (r *Records) Stations(ctx context.Context) []domain.Station {
	return load[domain.Station](ctx, r, domain.CollectionStations)
}

func (r *Records) Emergencies(ctx context.Context) []domain.Emergency {
	return load[domain.Emergency](ctx, r, domain.CollectionEmergencies)
}

// UpdateVehicles runs fn as an atomic read-modify-write of the vehicle
// collection. fn may run more than once when writers conflict.
func (r *Records) UpdateVehicles(ctx context.Context, fn func([]domain.Vehicle) ([]domain.Vehicle, error)) error {
	return update(ctx, r, domain.CollectionVehicles, fn)
}

// UpdateStatusLog runs fn as an atomic read-modify-write of the status log.
// fn may run more than once when writers conflict.
func (r *Records) UpdateStatusLog(ctx context.Context, fn func([]domain.StatusLogEntry) ([]domain.StatusLogEntry, error)) error {
	return update(ctx, r, domain.CollectionStatusLog, fn)
}

// Replace overwrites a whole collection.
func (r *Records) Replace(ctx context.Context, collection string, items any) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", collection, err)
	}
	return r.backend.Update(ctx, collection, func([]byte) ([]byte, error) {
		return payload, nil
	})
}

func (r *Records) Subscribe(ctx context.Context, collection string) (<-chan ChangeEvent, error) {
	return r.backend.Subscribe(ctx, collection)
}

// DecodeStatusLog decodes a status log snapshot carried by a change event.
func DecodeStatusLog(raw []byte) ([]domain.StatusLogEntry, error) {
	return decode[domain.StatusLogEntry](raw)
}

func decode[T any](raw []byte) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func load[T any](ctx context.Context, r *Records, collection string) []T {
	raw, err := r.backend.Load(ctx, collection)
	if err != nil {
		r.readError(collection, err)
		return nil
	}
	items, err := decode[T](raw)
	if err != nil {
		r.readError(collection, err)
		return nil
	}
	return items
}

func update[T any](ctx context.Context, r *Records, collection string, fn func([]T) ([]T, error)) error {
	return r.backend.Update(ctx, collection, func(current []byte) ([]byte, error) {
		items, err := decode[T](current)
		if err != nil {
			// The stored value is unusable either way; rebuild from empty.
			r.readError(collection, err)
			items = nil
		}
		next, err := fn(items)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []T{}
		}
		return json.Marshal(next)
	})
}

func (r *Records) readError(collection string, err error) {
	metrics.StoreReadErrors.WithLabelValues(collection).Inc()
	r.logger.Warn("collection unreadable, using empty collection",
		logger.String("collection", collection),
		logger.Error(err),
	)
}
