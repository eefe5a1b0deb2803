package assembler

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

type flusher interface {
	Flush()
}

var ErrPartWriterClosed = errors.New("part writer is already closed")

// PartWriter writes a multipart/mixed body.  Each part carries exactly a
// Content-Type and a Content-ID header, in that order.
type PartWriter struct {
	w        io.Writer
	boundary string
	closed   bool
	parts    int
}

// NewPartWriter returns a PartWriter with a random boundary.
func NewPartWriter(w io.Writer) *PartWriter {
	var buf [15]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic(fmt.Sprintf("while generating multipart boundary: %v", err))
	}
	return &PartWriter{
		w:        w,
		boundary: fmt.Sprintf("%x", buf[:]),
	}
}

// NewPartWriterWithBoundary returns a PartWriter that uses boundary.
func NewPartWriterWithBoundary(w io.Writer, boundary string) *PartWriter {
	return &PartWriter{
		w:        w,
		boundary: boundary,
	}
}

func (pw *PartWriter) Boundary() string {
	return pw.boundary
}

// ContentType is the value for the response's Content-Type header.
func (pw *PartWriter) ContentType() string {
	return fmt.Sprintf("multipart/mixed; boundary=%q", pw.boundary)
}

// Parts returns how many parts have been started.
func (pw *PartWriter) Parts() int {
	return pw.parts
}

// WritePart writes one complete part.  If copying body fails the part is
// left truncated and the multipart body is unusable.
func (pw *PartWriter) WritePart(contentType, contentID string, body io.Reader) error {
	if pw.closed {
		return ErrPartWriterClosed
	}

	pw.parts++
	if _, err := fmt.Fprintf(pw.w, "--%s\r\nContent-Type: %s\r\nContent-ID: %s\r\n\r\n", pw.boundary, contentType, contentID); err != nil {
		return fmt.Errorf("while writing part header: %w", err)
	}
	if _, err := io.Copy(pw.w, body); err != nil {
		return fmt.Errorf("while copying part body: %w", err)
	}
	if _, err := io.WriteString(pw.w, "\r\n"); err != nil {
		return fmt.Errorf("while terminating part: %w", err)
	}

	// Push finished parts to the client right away.
	if f, ok := pw.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// Close writes the closing boundary.
func (pw *PartWriter) Close() error {
	if pw.closed {
		return ErrPartWriterClosed
	}
	pw.closed = true

	if _, err := fmt.Fprintf(pw.w, "--%s--\r\n", pw.boundary); err != nil {
		return fmt.Errorf("while writing closing boundary: %w", err)
	}
	return nil
}
