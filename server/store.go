package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/codec"
	"github.com/valvemist/pbsbridge/datastore"
)

var errSnapshotExists = errors.New("snapshot already exists")

// StoreOptions configures OpenStore.
type StoreOptions struct {
	// Dir holds the badger files. It is ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// Store keeps chunks, finished snapshots, and their blobs in badger.
//
// Keys:
//
//	c/<datastore>/<digest>                      encoded chunk
//	s/<datastore>/<type>/<id>/<unix time>       snapshot record
//	b/<datastore>/<type>/<id>/<unix time>/<name> blob
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// snapshotRecord is what a finished session leaves behind.
type snapshotRecord struct {
	Ref     datastore.SnapshotRef       `cbor:"1,keyasint"`
	JobID   string                      `cbor:"2,keyasint"`
	Indexes map[string]*datastore.Index `cbor:"3,keyasint"`
	Blobs   []string                    `cbor:"4,keyasint"`
}

// OpenStore opens or creates a store.
func OpenStore(opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts.WithLogger(newBadgerLogger(logger.WithGroup("badger"))))
	if err != nil {
		return nil, errors.Wrap(err, "opening chunk store")
	}
	return &Store{db: db, log: logger.WithGroup("store")}, nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "closing chunk store")
}

func chunkKey(store string, d chunk.Digest) []byte {
	return []byte("c/" + store + "/" + d.String())
}

func groupPrefix(store, backupType, backupID string) string {
	return store + "/" + backupType + "/" + backupID + "/"
}

func snapshotPath(ref datastore.SnapshotRef) string {
	return groupPrefix(ref.Datastore, ref.BackupType, ref.BackupID) + fmt.Sprintf("%020d", ref.BackupTime.Unix())
}

func snapshotKey(ref datastore.SnapshotRef) []byte {
	return []byte("s/" + snapshotPath(ref))
}

func blobKey(ref datastore.SnapshotRef, name string) []byte {
	return []byte("b/" + snapshotPath(ref) + "/" + name)
}

// get reads key, mapping a missing key to datastore.ErrNotFound.
func get(txn *badger.Txn, key []byte, what string) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrap(datastore.ErrNotFound, what)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", what)
	}
	value, err := item.ValueCopy(nil)
	return value, errors.Wrapf(err, "reading %s", what)
}

// HasChunk reports whether the datastore holds digest.
func (s *Store) HasChunk(store string, d chunk.Digest) (bool, error) {
	var present bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(store, d))
		switch {
		case err == nil:
			present = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return errors.Wrapf(err, "probing chunk %s", d.Short())
		}
	})
	return present, err
}

// PutChunk stores an encoded chunk. It reports false when the chunk was
// already present, in which case the stored bytes are kept.
func (s *Store) PutChunk(store string, d chunk.Digest, encoded []byte) (bool, error) {
	var stored bool
	err := s.db.Update(func(txn *badger.Txn) error {
		key := chunkKey(store, d)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrapf(err, "probing chunk %s", d.Short())
		}
		stored = true
		return errors.Wrapf(txn.Set(key, encoded), "writing chunk %s", d.Short())
	})
	return stored, err
}

// GetChunk returns an encoded chunk.
func (s *Store) GetChunk(store string, d chunk.Digest) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		data, err = get(txn, chunkKey(store, d), "chunk "+d.Short())
		return err
	})
	return data, err
}

// PutSnapshot commits a finished snapshot and its blobs in one
// transaction.
func (s *Store) PutSnapshot(rec *snapshotRecord, blobs map[string][]byte) error {
	raw, err := codec.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot record")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := snapshotKey(rec.Ref)
		if _, err := txn.Get(key); err == nil {
			return errSnapshotExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "probing snapshot")
		}
		for name, data := range blobs {
			if err := txn.Set(blobKey(rec.Ref, name), data); err != nil {
				return errors.Wrapf(err, "writing blob %s", name)
			}
		}
		return errors.Wrap(txn.Set(key, raw), "writing snapshot record")
	})
	if err != nil {
		return err
	}
	s.log.Info("snapshot stored", "backup_id", rec.Ref.BackupID, "backup_time", rec.Ref.BackupTime.Unix(),
		"archives", len(rec.Indexes), "blobs", len(blobs))
	return nil
}

// HasSnapshot reports whether ref is stored.
func (s *Store) HasSnapshot(ref datastore.SnapshotRef) (bool, error) {
	_, err := s.Snapshot(ref)
	if errors.Is(err, datastore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Snapshot returns the record of ref.
func (s *Store) Snapshot(ref datastore.SnapshotRef) (*snapshotRecord, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		raw, err = get(txn, snapshotKey(ref), "snapshot "+snapshotPath(ref))
		return err
	})
	if err != nil {
		return nil, err
	}
	rec := &snapshotRecord{}
	if err := codec.Unmarshal(raw, rec); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot record")
	}
	return rec, nil
}

// snapshots returns the group's records in time order.
func (s *Store) snapshots(store, backupType, backupID string) ([]*snapshotRecord, error) {
	prefix := []byte("s/" + groupPrefix(store, backupType, backupID))
	var out []*snapshotRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "reading snapshot record")
			}
			rec := &snapshotRecord{}
			if err := codec.Unmarshal(raw, rec); err != nil {
				return errors.Wrapf(err, "decoding snapshot record %s", it.Item().Key())
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ListSnapshots returns the group's snapshots, oldest first.
func (s *Store) ListSnapshots(store, backupType, backupID string) ([]datastore.SnapshotRef, error) {
	recs, err := s.snapshots(store, backupType, backupID)
	if err != nil {
		return nil, err
	}
	out := make([]datastore.SnapshotRef, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Ref)
	}
	return out, nil
}

// Latest returns the newest snapshot of the group older than before, or
// nil.
func (s *Store) Latest(store, backupType, backupID string, before time.Time) (*snapshotRecord, error) {
	recs, err := s.snapshots(store, backupType, backupID)
	if err != nil {
		return nil, err
	}
	var latest *snapshotRecord
	for _, rec := range recs {
		if rec.Ref.BackupTime.Before(before) {
			latest = rec
		}
	}
	return latest, nil
}

// Blob returns a blob of a stored snapshot.
func (s *Store) Blob(ref datastore.SnapshotRef, name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		data, err = get(txn, blobKey(ref, name), "blob "+name)
		return err
	})
	return data, err
}
