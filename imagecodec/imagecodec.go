// Package imagecodec turns image files into the base64 payloads that clients
// send with a card, and turns those payloads back into bytes on the server.
package imagecodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrMalformedPayload  = errors.New("malformed image payload")
	ErrNotAnImage        = errors.New("content type is not an image type")
	ErrEmptyContentType  = errors.New("content type must not be empty")
	ErrEmptyImagePayload = errors.New("image payload is empty")
)

// Payload is an encoded image in transit.  Base64 is either a data URI
// ("data:image/png;base64,....") or bare base64.
type Payload struct {
	Base64      string `json:"base64"`
	ContentType string `json:"contentType"`
}

// ReadError reports that the source of an image could not be read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("while reading image: %v", e.Err)
	}
	return fmt.Sprintf("while reading image %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// EncodeFile reads the file at path and encodes it.  The content type comes
// from the file extension, falling back to sniffing the contents.
func EncodeFile(path string) (*Payload, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}

	return encodeBytes(data, contentTypeFor(path, data))
}

// Encode reads r to the end and encodes it.  contentType is carried through
// unmodified.
func Encode(r io.Reader, contentType string) (*Payload, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, &ReadError{Err: err}
	}
	return encodeBytes(data, contentType)
}

func encodeBytes(data []byte, contentType string) (*Payload, error) {
	if contentType == "" {
		return nil, ErrEmptyContentType
	}
	return &Payload{
		Base64:      "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		ContentType: contentType,
	}, nil
}

func contentTypeFor(path string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		// Drop parameters such as "; charset=utf-8" that the system table adds
		// for text types.
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
		return byExt
	}
	return mimetype.Detect(data).String()
}

// Decode validates p and returns the raw image bytes.  A data URI's own media
// type must agree with p.ContentType when both are present.
func Decode(p *Payload) ([]byte, error) {
	if p == nil || p.Base64 == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrEmptyImagePayload)
	}

	contentType := p.ContentType
	encoded := p.Base64

	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma == -1 {
			return nil, fmt.Errorf("%w: data URI has no comma", ErrMalformedPayload)
		}
		header := encoded[len("data:"):comma]
		encoded = encoded[comma+1:]

		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: data URI is not base64", ErrMalformedPayload)
		}
		uriType := strings.TrimSuffix(header, ";base64")
		if contentType == "" {
			contentType = uriType
		} else if uriType != "" && !sameMediaType(uriType, contentType) {
			return nil, fmt.Errorf("%w: data URI type %q does not match content type %q", ErrMalformedPayload, uriType, contentType)
		}
	}

	if err := CheckContentType(contentType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: while decoding base64: %v", ErrMalformedPayload, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrEmptyImagePayload)
	}

	return data, nil
}

// CheckContentType requires contentType to parse as an image/* media type.
func CheckContentType(contentType string) error {
	if contentType == "" {
		return ErrEmptyContentType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("while parsing content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return fmt.Errorf("%w: %q", ErrNotAnImage, mediaType)
	}
	return nil
}

func sameMediaType(a, b string) bool {
	ma, _, errA := mime.ParseMediaType(a)
	mb, _, errB := mime.ParseMediaType(b)
	if errA != nil || errB != nil {
		return false
	}
	return ma == mb
}

// ContentTypeOf returns the content type a payload declares, taking it from
// the data URI header when ContentType is empty.
func ContentTypeOf(p *Payload) string {
	if p == nil {
		return ""
	}
	if p.ContentType != "" {
		return p.ContentType
	}
	if strings.HasPrefix(p.Base64, "data:") {
		if semi := strings.IndexByte(p.Base64, ';'); semi != -1 {
			return p.Base64[len("data:"):semi]
		}
	}
	return ""
}
