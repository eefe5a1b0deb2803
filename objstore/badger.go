package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log/slog"

	"github.com/dgraph-io/badger"
	"golang.org/x/xerrors"
)

// Key prefixes that separate the two tables in the key-value store.
const (
	badgerDataPrefix = "data/"
	badgerTypePrefix = "type/"
)

func badgerDataKey(key string) []byte {
	return []byte(badgerDataPrefix + key)
}

func badgerTypeKey(key string) []byte {
	return []byte(badgerTypePrefix + key)
}

// Badger stores card images in a local Badger database.  It is meant for
// development setups without a GCS bucket.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) the Badger database in dataDir.
func OpenBadger(dataDir string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dataDir))
	if err != nil {
		return nil, fmt.Errorf("while opening badger kv dir %q: %w", dataDir, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Put(ctx context.Context, key string, data []byte, contentType string) bool {
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerDataKey(key), data); err != nil {
			return fmt.Errorf("while setting data: %w", err)
		}
		if err := txn.Set(badgerTypeKey(key), []byte(contentType)); err != nil {
			return fmt.Errorf("while setting content type: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "Error while storing object", slog.String("key", key), slog.Any("err", err))
		return false
	}
	return true
}

func (b *Badger) GetStream(ctx context.Context, key string) *Object {
	var data, contentType []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerDataKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("while copying data: %w", err)
		}

		item, err = txn.Get(badgerTypeKey(key))
		if err != nil {
			return err
		}
		contentType, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("while copying content type: %w", err)
		}
		return nil
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		slog.InfoContext(ctx, "Object does not exist", slog.String("key", key))
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "Error while reading object", slog.String("key", key), slog.Any("err", err))
		return nil
	}

	return &Object{
		Body:          ioutil.NopCloser(bytes.NewReader(data)),
		ContentType:   string(contentType),
		ContentLength: int64(len(data)),
	}
}

func (b *Badger) DeleteMany(ctx context.Context, keys []string) bool {
	// Badger transactions are cheap but bounded in size, so delete each key
	// in its own transaction.
	return deleteEach(ctx, keys, func(ctx context.Context, key string) bool {
		err := b.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(badgerDataKey(key)); err != nil {
				return err
			}
			return txn.Delete(badgerTypeKey(key))
		})
		if err != nil {
			slog.ErrorContext(ctx, "Error while deleting object", slog.String("key", key), slog.Any("err", err))
			return false
		}
		return true
	})
}

var _ io.Closer = (*Badger)(nil)
