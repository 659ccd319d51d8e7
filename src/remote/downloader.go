package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/metrics"
)

// DownloadBlob downloads the blob with the given digest into the given sink.
// The sink is always closed before this returns, whether it succeeds or not.
func (c *Client) DownloadBlob(ctx context.Context, d *pb.Digest, sink io.WriteCloser) (err error) {
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			if err == nil {
				err = fmt.Errorf("Failed to close output for %s: %w", digest.String(d), closeErr)
			} else {
				err = multierror.Append(err, closeErr)
			}
		}
	}()
	if d.SizeBytes < 0 {
		return status.Errorf(codes.InvalidArgument, "Invalid digest %s: negative size", digest.String(d))
	} else if digest.IsEmpty(d) {
		return nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	t := newTransfer(d.SizeBytes, ErrReadIncomplete)
	c.read(ctx, d, sink, t)
	if err := t.Result(); err != nil {
		return wrap(err, "Failed to download %s", digest.String(d))
	}
	log.Debug("Downloaded %s (%s, %s)", digest.String(d), humanize.Bytes(uint64(d.SizeBytes)), t.state)
	metrics.RecordTransfer(metrics.Download, d.SizeBytes, time.Since(start))
	return nil
}

func (c *Client) read(ctx context.Context, d *pb.Digest, sink io.Writer, t *transfer) {
	stream, err := c.byteStream.Read(ctx, &bs.ReadRequest{
		ResourceName: c.readResourceName(d),
	})
	if err != nil {
		t.Fail(wrap(err, "Failed to start read"))
		return
	}
	var received int64
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			t.Completed(received)
			return
		} else if err != nil {
			if received == d.SizeBytes {
				// We have everything already, so we don't care what happened after that.
				log.Warning("Ignoring error reading %s after it was fully received: %s", digest.String(d), err)
				metrics.RecordIgnoredStreamError()
				t.AlreadyComplete()
			} else {
				t.Fail(wrap(err, "Read failed after %d of %d bytes", received, d.SizeBytes))
			}
			return
		}
		if received+int64(len(resp.Data)) > d.SizeBytes {
			t.Fail(fmt.Errorf("%w: server sent more than %d bytes", ErrReadIncomplete, d.SizeBytes))
			return
		} else if _, err := sink.Write(resp.Data); err != nil {
			t.Fail(fmt.Errorf("Failed to write output: %w", err))
			return
		}
		received += int64(len(resp.Data))
	}
}

// nopCloser is like io.NopCloser but for writers.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// ReadBlob downloads a blob into memory. It's intended for small blobs, such as Directory messages.
func (c *Client) ReadBlob(ctx context.Context, d *pb.Digest) ([]byte, error) {
	var buf bytes.Buffer
	if d.SizeBytes > 0 {
		buf.Grow(int(d.SizeBytes))
	}
	if err := c.DownloadBlob(ctx, d, nopCloser{&buf}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
