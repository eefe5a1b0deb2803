package backend

import (
	"context"
	"errors"
	"testing"

	"flashdeck/dblayer"
	"flashdeck/objstore"
)

func TestValidate(t *testing.T) {
	testCases := []struct {
		desc    string
		cfg     Config
		wantErr error
	}{
		{
			desc:    "firestore without project",
			cfg:     Config{CardStore: CardStoreFirestore, ObjectStore: ObjectStoreMemory},
			wantErr: ErrDataProjectRequired,
		},
		{
			desc:    "gcs without bucket",
			cfg:     Config{CardStore: CardStoreMemory, ObjectStore: ObjectStoreGCS},
			wantErr: ErrBucketRequired,
		},
		{
			desc:    "badger without dir",
			cfg:     Config{CardStore: CardStoreMemory, ObjectStore: ObjectStoreBadger},
			wantErr: ErrBadgerDirRequired,
		},
		{
			desc:    "unknown card store",
			cfg:     Config{CardStore: "postgres", ObjectStore: ObjectStoreMemory},
			wantErr: ErrUnknownCardStore,
		},
		{
			desc:    "unknown object store",
			cfg:     Config{CardStore: CardStoreMemory, ObjectStore: "s3"},
			wantErr: ErrUnknownObjectStore,
		},
		{
			desc: "complete",
			cfg:  Config{CardStore: CardStoreFirestore, DataProject: "p", ObjectStore: ObjectStoreGCS, Bucket: "b"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if err := tc.cfg.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Bad error; got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FLASHDECK_CARD_STORE", "")
	t.Setenv("FLASHDECK_OBJECT_STORE", "")
	t.Setenv("FLASHDECK_DATA_PROJECT", "my-project")
	t.Setenv("FLASHDECK_BUCKET", "my-bucket")

	cfg := ConfigFromEnv()
	if cfg.CardStore != CardStoreFirestore || cfg.ObjectStore != ObjectStoreGCS {
		t.Errorf("Bad default stores: %+v", cfg)
	}
	if cfg.DataProject != "my-project" || cfg.Bucket != "my-bucket" {
		t.Errorf("Bad config from env: %+v", cfg)
	}
}

func TestOpenLocalStores(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Config{CardStore: CardStoreMemory, ObjectStore: ObjectStoreBadger, BadgerDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Error while opening backend: %v", err)
	}

	if _, ok := b.Store.(*dblayer.MemDB); !ok {
		t.Errorf("Bad card store type %T", b.Store)
	}
	if _, ok := b.Gateway.(*objstore.Badger); !ok {
		t.Errorf("Bad gateway type %T", b.Gateway)
	}
	if len(b.Checks()) != 0 {
		t.Errorf("Local stores have readiness checks: %v", b.Checks())
	}

	if !b.Gateway.Put(ctx, "k", []byte("v"), "image/png") {
		t.Errorf("Put through the opened gateway failed")
	}

	if err := b.Close(); err != nil {
		t.Errorf("Error while closing backend: %v", err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{CardStore: CardStoreMemory, ObjectStore: ObjectStoreGCS}); !errors.Is(err, ErrBucketRequired) {
		t.Errorf("Bad error; got %v, want %v", err, ErrBucketRequired)
	}
}
