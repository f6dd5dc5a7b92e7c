package vr

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/boltdb/bolt"
)

var boltBucketName = []byte("vr")

// BoltStorage stores data in a single bucket of a bolt database.
type BoltStorage struct {
	filePath string
	db       *bolt.DB
}

func NewBoltStorage(filePath string) *BoltStorage {
	return &BoltStorage{
		filePath: filePath,
	}
}

func (s *BoltStorage) FilePath() string {
	return s.filePath
}

func (s *BoltStorage) Open() error {
	options := bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(s.filePath, 0600, &options)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath,
			storageError(err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("cannot create bucket: %w", storageError(err))
	}

	s.db = db

	return nil
}

func (s *BoltStorage) Close() {
	s.db.Close()
}

func (s *BoltStorage) Get(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketName)
		if b == nil {
			return bolt.ErrBucketNotFound
		}

		// Values returned by bolt are only valid during the transaction
		if data := b.Get(key); data != nil {
			value = make([]byte, len(data))
			copy(value, data)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot read key %q: %w", key,
			storageError(err))
	}

	return value, nil
}

func (s *BoltStorage) Upsert(key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketName)
		if b == nil {
			return bolt.ErrBucketNotFound
		}

		return b.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("cannot write key %q: %w", key, storageError(err))
	}

	return nil
}

func (s *BoltStorage) Delete(key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketName)
		if b == nil {
			return bolt.ErrBucketNotFound
		}

		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("cannot delete key %q: %w", key, storageError(err))
	}

	return nil
}

func (s *BoltStorage) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketName)
		if b == nil {
			return storageError(bolt.ErrBucketNotFound)
		}

		c := b.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *BoltStorage) Update(fn func(tx StorageTx) error) error {
	var fnErr error

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucketName)
		if b == nil {
			return bolt.ErrBucketNotFound
		}

		fnErr = fn(&boltStorageTx{tx: tx, bucket: b})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	} else if err != nil {
		return fmt.Errorf("cannot commit transaction: %w", storageError(err))
	}

	return nil
}

func (s *BoltStorage) Flush() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, storageError(err))
	}

	return nil
}

func (s *BoltStorage) SaveSnapshot(filePath string) error {
	var records []SnapshotRecord

	err := s.ForEach(nil, func(key, value []byte) error {
		record := SnapshotRecord{
			Key:   make([]byte, len(key)),
			Value: make([]byte, len(value)),
		}

		copy(record.Key, key)
		copy(record.Value, value)

		records = append(records, record)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot read entries: %w", err)
	}

	if err := WriteSnapshotFile(filePath, records); err != nil {
		return err
	}

	return nil
}

func (s *BoltStorage) ApplySnapshot(filePath string) error {
	records, err := ReadSnapshotFile(filePath)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucketName); err != nil &&
			!errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		b, err := tx.CreateBucket(boltBucketName)
		if err != nil {
			return err
		}

		for _, record := range records {
			if err := b.Put(record.Key, record.Value); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot import snapshot %q: %w", filePath,
			storageError(err))
	}

	return nil
}

type boltStorageTx struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

func (tx *boltStorageTx) Get(key []byte) ([]byte, error) {
	data := tx.bucket.Get(key)
	if data == nil {
		return nil, nil
	}

	value := make([]byte, len(data))
	copy(value, data)

	return value, nil
}

func (tx *boltStorageTx) Upsert(key, value []byte) error {
	if err := tx.bucket.Put(key, value); err != nil {
		return fmt.Errorf("cannot write key %q: %w", key, storageError(err))
	}

	return nil
}

func (tx *boltStorageTx) Delete(key []byte) error {
	if err := tx.bucket.Delete(key); err != nil {
		return fmt.Errorf("cannot delete key %q: %w", key, storageError(err))
	}

	return nil
}

func (tx *boltStorageTx) OnCommit(fn func()) {
	tx.tx.OnCommit(fn)
}

func storageError(err error) error {
	var pathErr *fs.PathError

	switch {
	case errors.Is(err, bolt.ErrInvalid),
		errors.Is(err, bolt.ErrVersionMismatch),
		errors.Is(err, bolt.ErrChecksum):
		return fmt.Errorf("%w: %w", ErrCorruptionDetected, err)

	case errors.Is(err, bolt.ErrBucketNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)

	case errors.Is(err, bolt.ErrTimeout),
		errors.Is(err, bolt.ErrDatabaseNotOpen),
		errors.As(err, &pathErr),
		errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrIo, err)

	default:
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
}
