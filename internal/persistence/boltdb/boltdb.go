package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/persistence"
)

const (
	downloadsBucket = "downloads"
	metadataBucket  = "metadata"

	versionKey   = "version"
	orderKey     = "order"
	timestampKey = "timestamp"
)

// Persister stores the download snapshot in BoltDB: one key per item plus a
// metadata bucket carrying version, queue order and timestamp.
type Persister struct {
	db *bolt.DB
}

// New opens the database at dbPath and creates the buckets if missing.
func New(dbPath string) (*Persister, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(downloadsBucket)); err != nil {
			return fmt.Errorf("failed to create downloads bucket: %w", err)
		}

		if _, err := tx.CreateBucketIfNotExists([]byte(metadataBucket)); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Persister{db: db}, nil
}

// SaveState replaces the stored snapshot in a single update transaction.
func (p *Persister) SaveState(_ context.Context, snap *persistence.Snapshot) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(downloadsBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to reset downloads bucket: %w", err)
		}

		bucket, err := tx.CreateBucket([]byte(downloadsBucket))
		if err != nil {
			return fmt.Errorf("failed to recreate downloads bucket: %w", err)
		}

		order := make([]string, 0, len(snap.Downloads))

		for _, entry := range snap.Downloads {
			payload, err := json.Marshal(entry.Item)
			if err != nil {
				return fmt.Errorf("failed to marshal download %s: %w", entry.ID, err)
			}

			if err := bucket.Put([]byte(entry.ID), payload); err != nil {
				return fmt.Errorf("failed to save download %s: %w", entry.ID, err)
			}

			order = append(order, entry.ID)
		}

		meta := tx.Bucket([]byte(metadataBucket))

		orderPayload, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("failed to marshal order: %w", err)
		}

		if err := meta.Put([]byte(orderKey), orderPayload); err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}

		if err := meta.Put([]byte(versionKey), []byte(fmt.Sprintf("%d", snap.Version))); err != nil {
			return fmt.Errorf("failed to save version: %w", err)
		}

		return meta.Put([]byte(timestampKey), []byte(snap.Timestamp.Format(time.RFC3339Nano)))
	})
}

// LoadState reads the stored snapshot, reconstructing queue order from the
// metadata bucket. Items missing from the order list are appended last.
func (p *Persister) LoadState(_ context.Context) (*persistence.Snapshot, error) {
	snap := &persistence.Snapshot{Version: persistence.CurrentVersion}

	err := p.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))

		if v := meta.Get([]byte(versionKey)); v != nil {
			if _, err := fmt.Sscanf(string(v), "%d", &snap.Version); err != nil {
				return fmt.Errorf("failed to parse version %q: %w", v, err)
			}
		}

		if v := meta.Get([]byte(timestampKey)); v != nil {
			if ts, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
				snap.Timestamp = ts
			}
		}

		items := make(map[string]*download.Item)

		bucket := tx.Bucket([]byte(downloadsBucket))

		err := bucket.ForEach(func(k, v []byte) error {
			var item download.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to unmarshal download %s: %w", k, err)
			}

			items[string(k)] = &item

			return nil
		})
		if err != nil {
			return err
		}

		var order []string
		if v := meta.Get([]byte(orderKey)); v != nil {
			if err := json.Unmarshal(v, &order); err != nil {
				return fmt.Errorf("failed to unmarshal order: %w", err)
			}
		}

		for _, id := range order {
			if item, ok := items[id]; ok {
				snap.Downloads = append(snap.Downloads, persistence.Entry{ID: id, Item: item})
				delete(items, id)
			}
		}

		// Items the order list does not know about go last.
		for id, item := range items {
			snap.Downloads = append(snap.Downloads, persistence.Entry{ID: id, Item: item})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func (p *Persister) Close() error {
	return p.db.Close()
}
