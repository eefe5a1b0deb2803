package assembler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"sync"
	"testing"
	"time"

	"flashdeck/dblayer"
	"flashdeck/dbtypes"
	"flashdeck/objstore"

	"github.com/google/go-cmp/cmp"
)

func strPtr(s string) *string {
	return &s
}

// newCollection stores a collection with the given cards and puts an image
// for every card that has a key.
func newCollection(t *testing.T, cards []*dbtypes.Card) (*dblayer.MemDB, *objstore.Memory, string) {
	t.Helper()
	ctx := context.Background()

	db := dblayer.NewMemDB()
	gw := objstore.NewMemory()

	coll := &dbtypes.Collection{Name: "spanish", Owner: "user-1", Cards: cards}
	if err := db.CreateCollection(ctx, coll); err != nil {
		t.Fatalf("Error while creating collection: %v", err)
	}
	for _, card := range cards {
		if card.HasImage() {
			if !gw.Put(ctx, *card.ImageKey, []byte("image of "+card.ID), "image/png") {
				t.Fatalf("Error while storing image for %s", card.ID)
			}
		}
	}
	return db, gw, coll.ID
}

func threeCards() []*dbtypes.Card {
	return []*dbtypes.Card{
		{ID: "card-1", Question: "uno", ImageKey: strPtr("card-1")},
		{ID: "card-2", Question: "dos"},
		{ID: "card-3", Question: "tres", ImageKey: strPtr("card-3")},
	}
}

type part struct {
	ContentType string
	ContentID   string
	Data        string
}

func parseParts(t *testing.T, contentType string, body []byte) []part {
	t.Helper()

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("Error while parsing content type %q: %v", contentType, err)
	}
	if mediaType != "multipart/mixed" {
		t.Fatalf("Bad media type %q", mediaType)
	}

	parts := []part{}
	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Error while reading part: %v", err)
		}
		data, err := ioutil.ReadAll(p)
		if err != nil {
			t.Fatalf("Error while reading part body: %v", err)
		}
		parts = append(parts, part{
			ContentType: p.Header.Get("Content-Type"),
			ContentID:   p.Header.Get("Content-ID"),
			Data:        string(data),
		})
	}
	return parts
}

func TestBufferedSkipsFailedFetches(t *testing.T) {
	db, gw, collID := newCollection(t, threeCards())
	gw.FailGet("card-3")

	got, err := New(db, gw).Buffered(context.Background(), collID)
	if err != nil {
		t.Fatalf("Error from Buffered: %v", err)
	}

	want := map[string]*Image{
		"card-1": {Data: []byte("image of card-1"), ContentType: "image/png", Length: 15},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad images; diff (-got +want)\n%s", diff)
	}
}

func TestBufferedAllFetchesFail(t *testing.T) {
	db, gw, collID := newCollection(t, threeCards())
	gw.FailGet("card-1")
	gw.FailGet("card-3")

	got, err := New(db, gw).Buffered(context.Background(), collID)
	if err != nil {
		t.Fatalf("Error from Buffered: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Bad images; got %d, want none", len(got))
	}
}

func TestNotFound(t *testing.T) {
	db := dblayer.NewMemDB()
	a := New(db, objstore.NewMemory())

	if _, err := a.Buffered(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Bad error from Buffered; got %v, want %v", err, ErrNotFound)
	}

	buf := &bytes.Buffer{}
	if _, err := a.Stream(context.Background(), "nope", NewPartWriter(buf)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Bad error from Stream; got %v, want %v", err, ErrNotFound)
	}
	if buf.Len() != 0 {
		t.Errorf("Stream wrote %q for a missing collection", buf.String())
	}
}

func TestStoreErrorIsNotNotFound(t *testing.T) {
	db := dblayer.NewMemDB()
	storeErr := errors.New("firestore is down")
	db.SetFailing(storeErr)

	_, err := New(db, objstore.NewMemory()).Buffered(context.Background(), "x")
	if !errors.Is(err, storeErr) || errors.Is(err, ErrNotFound) {
		t.Errorf("Bad error; got %v, want one wrapping %v", err, storeErr)
	}
}

func TestStreamZeroParts(t *testing.T) {
	db, gw, collID := newCollection(t, []*dbtypes.Card{{ID: "card-1", Question: "q"}})

	buf := &bytes.Buffer{}
	n, err := New(db, gw).Stream(context.Background(), collID, NewPartWriterWithBoundary(buf, "B"))
	if err != nil {
		t.Fatalf("Error from Stream: %v", err)
	}
	if n != 0 {
		t.Errorf("Bad part count; got %d, want 0", n)
	}
	if got, want := buf.String(), "--B--\r\n"; got != want {
		t.Errorf("Bad body; got %q, want %q", got, want)
	}
}

func TestStreamFraming(t *testing.T) {
	db, gw, collID := newCollection(t, []*dbtypes.Card{{ID: "card-1", ImageKey: strPtr("card-1")}})

	buf := &bytes.Buffer{}
	if _, err := New(db, gw).Stream(context.Background(), collID, NewPartWriterWithBoundary(buf, "B")); err != nil {
		t.Fatalf("Error from Stream: %v", err)
	}

	want := "--B\r\nContent-Type: image/png\r\nContent-ID: card-1\r\n\r\nimage of card-1\r\n--B--\r\n"
	if got := buf.String(); got != want {
		t.Errorf("Bad body; got %q, want %q", got, want)
	}
}

func TestStreamSkipsFailedFetches(t *testing.T) {
	for _, ordered := range []bool{false, true} {
		db, gw, collID := newCollection(t, threeCards())
		gw.FailGet("card-3")

		buf := &bytes.Buffer{}
		pw := NewPartWriter(buf)
		n, err := New(db, gw, WithOrdered(ordered)).Stream(context.Background(), collID, pw)
		if err != nil {
			t.Fatalf("Error from Stream (ordered=%v): %v", ordered, err)
		}
		if n != 1 {
			t.Errorf("Bad part count (ordered=%v); got %d, want 1", ordered, n)
		}

		got := parseParts(t, pw.ContentType(), buf.Bytes())
		want := []part{{ContentType: "image/png", ContentID: "card-1", Data: "image of card-1"}}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Bad parts (ordered=%v); diff (-got +want)\n%s", ordered, diff)
		}
	}
}

func TestStreamOrdered(t *testing.T) {
	cards := []*dbtypes.Card{}
	want := []part{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		cards = append(cards, &dbtypes.Card{ID: id, ImageKey: strPtr(id)})
		want = append(want, part{ContentType: "image/png", ContentID: id, Data: "image of " + id})
	}
	db, gw, collID := newCollection(t, cards)

	// Later cards finish first.
	slow := &delayGateway{Gateway: gw, delays: map[string]time.Duration{
		"a": 60 * time.Millisecond,
		"b": 40 * time.Millisecond,
		"c": 20 * time.Millisecond,
	}}

	buf := &bytes.Buffer{}
	pw := NewPartWriter(buf)
	if _, err := New(db, slow).Ordered(true).Stream(context.Background(), collID, pw); err != nil {
		t.Fatalf("Error from Stream: %v", err)
	}

	if diff := cmp.Diff(parseParts(t, pw.ContentType(), buf.Bytes()), want); diff != "" {
		t.Errorf("Bad parts; diff (-got +want)\n%s", diff)
	}
}

func TestFetchesRunConcurrently(t *testing.T) {
	cards := []*dbtypes.Card{}
	for _, id := range []string{"a", "b", "c", "d"} {
		cards = append(cards, &dbtypes.Card{ID: id, ImageKey: strPtr(id)})
	}
	db, gw, collID := newCollection(t, cards)

	// Every fetch waits until all four are in flight, so a serial assembler
	// would never finish.
	barrier := &barrierGateway{Gateway: gw, n: 4, all: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := New(db, barrier).Buffered(ctx, collID)
	if err != nil {
		t.Fatalf("Error from Buffered: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("Bad image count; got %d, want 4", len(got))
	}
}

func TestStreamAbortsOnMidStreamFailure(t *testing.T) {
	db, gw, collID := newCollection(t, []*dbtypes.Card{{ID: "card-1", ImageKey: strPtr("card-1")}})
	broken := &brokenBodyGateway{Gateway: gw, prefix: "partial"}

	buf := &bytes.Buffer{}
	_, err := New(db, broken).Stream(context.Background(), collID, NewPartWriterWithBoundary(buf, "B"))
	if !errors.Is(err, errBrokenBody) {
		t.Fatalf("Bad error; got %v, want %v", err, errBrokenBody)
	}
	if bytes.HasSuffix(buf.Bytes(), []byte("--B--\r\n")) {
		t.Errorf("Truncated body was closed as if complete: %q", buf.String())
	}
}

func TestStreamSkipsBodyThatFailsImmediately(t *testing.T) {
	db, gw, collID := newCollection(t, []*dbtypes.Card{{ID: "card-1", ImageKey: strPtr("card-1")}})
	broken := &brokenBodyGateway{Gateway: gw}

	buf := &bytes.Buffer{}
	n, err := New(db, broken).Stream(context.Background(), collID, NewPartWriterWithBoundary(buf, "B"))
	if err != nil {
		t.Fatalf("Error from Stream: %v", err)
	}
	if n != 0 || buf.String() != "--B--\r\n" {
		t.Errorf("Bad result; got %d parts and body %q, want 0 parts and only the closing boundary", n, buf.String())
	}
}

func TestPartWriterClose(t *testing.T) {
	pw := NewPartWriter(ioutil.Discard)
	if err := pw.Close(); err != nil {
		t.Fatalf("Error from Close: %v", err)
	}
	if err := pw.WritePart("image/png", "x", bytes.NewReader(nil)); !errors.Is(err, ErrPartWriterClosed) {
		t.Errorf("Bad error from WritePart after Close; got %v", err)
	}
	if len(pw.Boundary()) != 30 {
		t.Errorf("Bad boundary length; got %d, want 30", len(pw.Boundary()))
	}
}

type delayGateway struct {
	objstore.Gateway
	delays map[string]time.Duration
}

func (g *delayGateway) GetStream(ctx context.Context, key string) *objstore.Object {
	time.Sleep(g.delays[key])
	return g.Gateway.GetStream(ctx, key)
}

type barrierGateway struct {
	objstore.Gateway

	lock    sync.Mutex
	arrived int
	n       int
	all     chan struct{}
}

func (g *barrierGateway) GetStream(ctx context.Context, key string) *objstore.Object {
	g.lock.Lock()
	g.arrived++
	if g.arrived == g.n {
		close(g.all)
	}
	g.lock.Unlock()

	select {
	case <-g.all:
		return g.Gateway.GetStream(ctx, key)
	case <-ctx.Done():
		return nil
	}
}

var errBrokenBody = errors.New("connection reset")

type brokenReader struct {
	prefix []byte
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if len(r.prefix) == 0 {
		return 0, errBrokenBody
	}
	n := copy(p, r.prefix)
	r.prefix = r.prefix[n:]
	return n, nil
}

// brokenBodyGateway returns objects whose body fails after yielding prefix.
type brokenBodyGateway struct {
	objstore.Gateway
	prefix string
}

func (g *brokenBodyGateway) GetStream(ctx context.Context, key string) *objstore.Object {
	return &objstore.Object{
		Body:          ioutil.NopCloser(&brokenReader{prefix: []byte(g.prefix)}),
		ContentType:   "image/png",
		ContentLength: 100,
	}
}
