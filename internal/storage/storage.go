package storage

import "priceScope/internal/model"

// Storage defines a sink for price snapshots.
type Storage interface {
	PutSnapshotBatch(snapshots []model.PriceSnapshot) error
}

// MultiStorage fans a batch out to several sinks; the first failure wins.
type MultiStorage []Storage

func (m MultiStorage) PutSnapshotBatch(snapshots []model.PriceSnapshot) error {
	for _, sink := range m {
		if err := sink.PutSnapshotBatch(snapshots); err != nil {
			return err
		}
	}
	return nil
}
