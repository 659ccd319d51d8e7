// Package chunker splits a bounded byte source into a sequence of offset-tagged chunks
// suitable for sending as successive ByteStream write requests.
package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// ErrExhausted is returned by Next when every chunk has already been produced.
var ErrExhausted = errors.New("chunker exhausted")

// A Chunk is one bounded slice of the source, tagged with its position in it.
type Chunk struct {
	Data   []byte
	Offset int64
}

// A Chunker produces the chunks of a source lazily, one at a time. It is not restartable;
// each chunk is produced exactly once.
//
// The source is closed as soon as it has been fully read, if reading it fails, or when
// Close is called, whichever happens first.
type Chunker struct {
	src       io.ReadCloser
	size      int64
	chunkSize int
	offset    int64
	// emptyDone tracks whether the single chunk of an empty source has been produced.
	emptyDone bool
	closed    bool
	closeErr  error
}

// New returns a new Chunker over the given source, which must contain exactly size bytes.
// It panics if chunkSize is not positive.
func New(src io.ReadCloser, size int64, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("invalid chunk size %d", chunkSize))
	}
	return &Chunker{
		src:       src,
		size:      size,
		chunkSize: chunkSize,
	}
}

// FromBytes returns a new Chunker over an in-memory blob.
func FromBytes(b []byte, chunkSize int) *Chunker {
	return New(io.NopCloser(bytes.NewReader(b)), int64(len(b)), chunkSize)
}

// Size returns the total declared size of the source.
func (c *Chunker) Size() int64 {
	return c.size
}

// Offset returns the number of bytes produced so far.
func (c *Chunker) Offset() int64 {
	return c.offset
}

// HasNext returns true if there are more chunks to be produced.
func (c *Chunker) HasNext() bool {
	if c.size == 0 {
		return !c.emptyDone
	}
	return c.offset < c.size
}

// Next returns the next chunk. Every chunk except the last is exactly the chunk size.
// It returns ErrExhausted if called after HasNext has become false.
func (c *Chunker) Next() (Chunk, error) {
	if !c.HasNext() {
		return Chunk{}, ErrExhausted
	} else if c.closed {
		return Chunk{}, fmt.Errorf("chunker closed at offset %d of %d", c.offset, c.size)
	}
	if c.size == 0 {
		c.emptyDone = true
		return Chunk{Data: []byte{}}, c.Close()
	}
	n := int64(c.chunkSize)
	if remaining := c.size - c.offset; remaining < n {
		n = remaining
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.src, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("failed to read chunk at offset %d of %d: %w", c.offset, c.size, err)
		if closeErr := c.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		return Chunk{}, err
	}
	chunk := Chunk{Data: buf, Offset: c.offset}
	c.offset += n
	if c.offset == c.size {
		return chunk, c.Close()
	}
	return chunk, nil
}

// Close closes the underlying source. It is safe to call more than once; later calls
// return the result of the first.
func (c *Chunker) Close() error {
	if !c.closed {
		c.closed = true
		c.closeErr = c.src.Close()
	}
	return c.closeErr
}
