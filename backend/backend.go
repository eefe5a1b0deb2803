// Package backend opens and closes the card store and object store that the
// API runs against.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"flashdeck/dblayer"
	"flashdeck/healthz"
	"flashdeck/ingest"
	"flashdeck/objstore"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"google.golang.org/api/iterator"
	googleopt "google.golang.org/api/option"
)

const (
	CardStoreFirestore = "firestore"
	CardStoreMemory    = "memory"

	ObjectStoreGCS    = "gcs"
	ObjectStoreBadger = "badger"
	ObjectStoreMemory = "memory"
)

var (
	ErrDataProjectRequired = errors.New("a data project is required for the firestore card store")
	ErrBucketRequired      = errors.New("a bucket is required for the gcs object store")
	ErrBadgerDirRequired   = errors.New("a directory is required for the badger object store")
	ErrUnknownCardStore    = errors.New("unknown card store")
	ErrUnknownObjectStore  = errors.New("unknown object store")
)

type Config struct {
	CardStore   string
	DataProject string

	ObjectStore  string
	Bucket       string
	BucketPrefix string
	BadgerDir    string
}

// ConfigFromEnv reads the FLASHDECK_* environment variables.  Flags override
// what it returns.
func ConfigFromEnv() Config {
	cfg := Config{
		CardStore:    os.Getenv("FLASHDECK_CARD_STORE"),
		DataProject:  os.Getenv("FLASHDECK_DATA_PROJECT"),
		ObjectStore:  os.Getenv("FLASHDECK_OBJECT_STORE"),
		Bucket:       os.Getenv("FLASHDECK_BUCKET"),
		BucketPrefix: os.Getenv("FLASHDECK_BUCKET_PREFIX"),
		BadgerDir:    os.Getenv("FLASHDECK_BADGER_DIR"),
	}
	if cfg.CardStore == "" {
		cfg.CardStore = CardStoreFirestore
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = ObjectStoreGCS
	}
	return cfg
}

// Validate reports configuration that cannot work.  Missing store settings
// are a startup failure, never a per-request one.
func (c *Config) Validate() error {
	switch c.CardStore {
	case CardStoreFirestore:
		if c.DataProject == "" {
			return ErrDataProjectRequired
		}
	case CardStoreMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCardStore, c.CardStore)
	}

	switch c.ObjectStore {
	case ObjectStoreGCS:
		if c.Bucket == "" {
			return ErrBucketRequired
		}
	case ObjectStoreBadger:
		if c.BadgerDir == "" {
			return ErrBadgerDirRequired
		}
	case ObjectStoreMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownObjectStore, c.ObjectStore)
	}

	return nil
}

// Backend holds the open store handles.  They are shared by every request and
// must be released with Close.
type Backend struct {
	Store   ingest.CardStore
	Gateway objstore.Gateway

	checks  map[string]healthz.Check
	closers []io.Closer
}

// Open validates cfg and connects to the stores it names.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("while validating backend config: %w", err)
	}

	b := &Backend{
		checks: map[string]healthz.Check{},
	}

	if err := b.openCardStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openObjectStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

func (b *Backend) openCardStore(ctx context.Context, cfg Config) error {
	switch cfg.CardStore {
	case CardStoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.DataProject)
		if err != nil {
			return fmt.Errorf("while creating Firestore client: %w", err)
		}
		b.closers = append(b.closers, client)
		b.Store = dblayer.New(client)
		b.checks["firestore"] = func(ctx context.Context) error {
			iter := client.Collections(ctx)
			if _, err := iter.Next(); err != nil && err != iterator.Done {
				return fmt.Errorf("while listing Firestore collections: %w", err)
			}
			return nil
		}
	case CardStoreMemory:
		glog.Warningf("Using the in-memory card store; cards are lost on exit")
		b.Store = dblayer.NewMemDB()
	}
	return nil
}

func (b *Backend) openObjectStore(ctx context.Context, cfg Config) error {
	switch cfg.ObjectStore {
	case ObjectStoreGCS:
		gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
		if err != nil {
			return fmt.Errorf("while creating GCS client: %w", err)
		}
		b.closers = append(b.closers, gcs)
		b.Gateway = objstore.NewGCS(gcs, cfg.Bucket, objstore.WithKeyPrefix(cfg.BucketPrefix))
		b.checks["gcs"] = func(ctx context.Context) error {
			if _, err := gcs.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
				return fmt.Errorf("while reading attributes of bucket %q: %w", cfg.Bucket, err)
			}
			return nil
		}
	case ObjectStoreBadger:
		bdg, err := objstore.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, bdg)
		b.Gateway = bdg
	case ObjectStoreMemory:
		glog.Warningf("Using the in-memory object store; images are lost on exit")
		b.Gateway = objstore.NewMemory()
	}
	return nil
}

// Checks returns readiness checks for the stores that have remote
// dependencies.
func (b *Backend) Checks() map[string]healthz.Check {
	return b.checks
}

// Close releases every store handle, in reverse order of opening.
func (b *Backend) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("while closing store handle: %w", err)
		}
	}
	b.closers = nil
	return firstErr
}
