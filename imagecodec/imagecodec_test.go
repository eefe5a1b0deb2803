package imagecodec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	return img
}

func pngFixture(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, testImage()); err != nil {
		t.Fatalf("Error while encoding PNG fixture: %v", err)
	}
	return buf.Bytes()
}

func jpegFixture(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, testImage(), nil); err != nil {
		t.Fatalf("Error while encoding JPEG fixture: %v", err)
	}
	return buf.Bytes()
}

func writeFixture(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Error while writing fixture: %v", err)
	}
	return path
}

func TestRoundTrip(t *testing.T) {
	testCases := []struct {
		desc        string
		fileName    string
		data        []byte
		contentType string
	}{
		{desc: "jpeg", fileName: "photo.jpg", data: jpegFixture(t), contentType: "image/jpeg"},
		{desc: "png", fileName: "diagram.png", data: pngFixture(t), contentType: "image/png"},
		{desc: "png without extension", fileName: "diagram", data: pngFixture(t), contentType: "image/png"},
		{desc: "uppercase extension", fileName: "PHOTO.JPG", data: jpegFixture(t), contentType: "image/jpeg"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			path := writeFixture(t, tc.fileName, tc.data)

			payload, err := EncodeFile(path)
			if err != nil {
				t.Fatalf("Error while encoding: %v", err)
			}
			if payload.ContentType != tc.contentType {
				t.Errorf("Bad content type; got %q, want %q", payload.ContentType, tc.contentType)
			}
			if want := "data:" + tc.contentType + ";base64,"; !strings.HasPrefix(payload.Base64, want) {
				t.Errorf("Payload does not start with %q", want)
			}

			got, err := Decode(payload)
			if err != nil {
				t.Fatalf("Error while decoding: %v", err)
			}
			if !bytes.Equal(got, tc.data) {
				t.Errorf("Decoded bytes differ from the input")
			}
		})
	}
}

func TestEncodePreservesContentType(t *testing.T) {
	payload, err := Encode(bytes.NewReader(pngFixture(t)), "image/png; foo=bar")
	if err != nil {
		t.Fatalf("Error while encoding: %v", err)
	}
	if payload.ContentType != "image/png; foo=bar" {
		t.Errorf("Bad content type; got %q", payload.ContentType)
	}
}

func TestEncodeFileMissing(t *testing.T) {
	_, err := EncodeFile(filepath.Join(t.TempDir(), "nope.png"))

	var readErr *ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("Bad error; got %v, want *ReadError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadError does not wrap os.ErrNotExist: %v", err)
	}
}

func TestDecodeBareBase64(t *testing.T) {
	got, err := Decode(&Payload{Base64: "aGVsbG8=", ContentType: "image/gif"})
	if err != nil {
		t.Fatalf("Error while decoding: %v", err)
	}
	if diff := cmp.Diff(got, []byte("hello")); diff != "" {
		t.Errorf("Bad bytes; diff (-got +want)\n%s", diff)
	}
}

func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		desc    string
		payload *Payload
	}{
		{desc: "nil", payload: nil},
		{desc: "empty", payload: &Payload{ContentType: "image/png"}},
		{desc: "not base64", payload: &Payload{Base64: "!!!not base64!!!", ContentType: "image/png"}},
		{desc: "no content type", payload: &Payload{Base64: "aGVsbG8="}},
		{desc: "not an image", payload: &Payload{Base64: "aGVsbG8=", ContentType: "text/plain"}},
		{desc: "unparseable type", payload: &Payload{Base64: "aGVsbG8=", ContentType: "image/"}},
		{desc: "data uri without comma", payload: &Payload{Base64: "data:image/png;base64", ContentType: "image/png"}},
		{desc: "data uri not base64", payload: &Payload{Base64: "data:image/png,aGVsbG8=", ContentType: "image/png"}},
		{desc: "data uri type mismatch", payload: &Payload{Base64: "data:image/png;base64,aGVsbG8=", ContentType: "image/jpeg"}},
		{desc: "decodes to nothing", payload: &Payload{Base64: "data:image/png;base64,", ContentType: "image/png"}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Decode(tc.payload)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Bad error; got %v, want %v", err, ErrMalformedPayload)
			}
		})
	}
}

func TestDecodeTakesTypeFromDataURI(t *testing.T) {
	got, err := Decode(&Payload{Base64: "data:image/webp;base64,aGVsbG8="})
	if err != nil {
		t.Fatalf("Error while decoding: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Bad bytes; got %q", got)
	}
}
