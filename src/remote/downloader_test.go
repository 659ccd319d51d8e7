package remote

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thought-machine/actioncache/src/cli"
	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/metrics"
)

var testData = []byte("test data")

// A sink is a WriteCloser that remembers whether it has been closed.
type sink struct {
	bytes.Buffer
	closed   int
	writeErr error
}

func (s *sink) Write(b []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.Buffer.Write(b)
}

func (s *sink) Close() error {
	s.closed++
	return nil
}

func TestDownload(t *testing.T) {
	s := newTestServer()
	s.Put(testData)
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{}
	require.NoError(t, c.DownloadBlob(context.Background(), digest.FromBytes(testData), out))
	assert.Equal(t, testData, out.Bytes())
	assert.Equal(t, 1, out.closed)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	s := newTestServer()
	config := testConfig()
	config.Remote.ChunkSize = 2
	c, _ := newTestClient(t, s, config)
	content := bytes.Repeat([]byte("round trip "), 100)
	d := digest.FromBytes(content)
	require.NoError(t, c.UploadBlob(context.Background(), d, content))
	b, err := c.ReadBlob(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, content, b)
}

func TestDownloadErrorAfterFullDelivery(t *testing.T) {
	s := newTestServer()
	s.Put(testData)
	s.ReadErrorAfter = status.Errorf(codes.FailedPrecondition, "something went wrong afterwards")
	c, _ := newTestClient(t, s, testConfig())
	before := metrics.IgnoredStreamErrors()
	out := &sink{}
	d := digest.FromBytes(testData)
	require.EqualValues(t, 9, d.SizeBytes)
	require.NoError(t, c.DownloadBlob(context.Background(), d, out))
	assert.Equal(t, "test data", out.String())
	assert.Equal(t, 1, out.closed)
	assert.Equal(t, before+1, metrics.IgnoredStreamErrors())
}

func TestDownloadNotFound(t *testing.T) {
	s := newTestServer()
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{}
	err := c.DownloadBlob(context.Background(), digest.FromBytes(testData), out)
	assert.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 1, out.closed)
}

func TestDownloadErrorBeforeFullDelivery(t *testing.T) {
	s := newTestServer()
	s.Put(testData)
	s.ReadShort = true
	s.ReadErrorAfter = status.Errorf(codes.Unavailable, "connection reset")
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{}
	err := c.DownloadBlob(context.Background(), digest.FromBytes(testData), out)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 1, out.closed)
}

func TestDownloadIncomplete(t *testing.T) {
	s := newTestServer()
	s.Put(testData)
	s.ReadShort = true
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{}
	err := c.DownloadBlob(context.Background(), digest.FromBytes(testData), out)
	assert.True(t, errors.Is(err, ErrReadIncomplete), err)
	assert.Equal(t, 1, out.closed)
}

func TestDownloadTooMuch(t *testing.T) {
	s := newTestServer()
	s.Put(testData)
	s.ReadExtra = []byte("more")
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{}
	err := c.DownloadBlob(context.Background(), digest.FromBytes(testData), out)
	assert.True(t, errors.Is(err, ErrReadIncomplete), err)
	assert.Equal(t, 1, out.closed)
}

func TestDownloadEmptyBlob(t *testing.T) {
	s := newTestServer()
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{}
	require.NoError(t, c.DownloadBlob(context.Background(), digest.Empty(), out))
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 1, out.closed)
	assert.Equal(t, 0, s.reads, "Should not have made any RPCs")
}

func TestDownloadSinkError(t *testing.T) {
	s := newTestServer()
	s.Put(testData)
	c, _ := newTestClient(t, s, testConfig())
	out := &sink{writeErr: errors.New("disk full")}
	err := c.DownloadBlob(context.Background(), digest.FromBytes(testData), out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, out.closed)
}

func TestDownloadTimeout(t *testing.T) {
	s := newTestServer()
	s.Block = true
	config := testConfig()
	config.Remote.Timeout = cli.Duration(50 * time.Millisecond)
	c, _ := newTestClient(t, s, config)
	out := &sink{}
	err := c.DownloadBlob(context.Background(), digest.FromBytes(testData), out)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Equal(t, 1, out.closed)
}

func TestReadBlobEmpty(t *testing.T) {
	s := newTestServer()
	c, _ := newTestClient(t, s, testConfig())
	b, err := c.ReadBlob(context.Background(), digest.Empty())
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestReadBlobNegativeSize(t *testing.T) {
	s := newTestServer()
	c, _ := newTestClient(t, s, testConfig())
	d := digest.FromBytes(testData)
	d.SizeBytes = -1
	_, err := c.ReadBlob(context.Background(), d)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = c.ReadDirectory(context.Background(), d)
	assert.Error(t, err)
	assert.Equal(t, 0, s.reads)
}
