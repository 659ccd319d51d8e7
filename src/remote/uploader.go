package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/thought-machine/actioncache/src/chunker"
	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/metrics"
)

// UploadBlob uploads an in-memory blob with the given digest.
// It blocks until the server has accepted it; run it in a goroutine for concurrency.
func (c *Client) UploadBlob(ctx context.Context, d *pb.Digest, data []byte) error {
	if digest.IsEmpty(d) {
		return nil
	}
	return c.upload(ctx, d, chunker.FromBytes(data, c.chunkSize))
}

// UploadFile uploads the contents of a file which has the given digest.
// The file is streamed, so it is never entirely held in memory.
func (c *Client) UploadFile(ctx context.Context, d *pb.Digest, filesystem billy.Filesystem, filename string) error {
	if digest.IsEmpty(d) {
		return nil
	}
	f, err := filesystem.Open(filename)
	if err != nil {
		return fmt.Errorf("Failed to open %s for upload: %w", filename, err)
	}
	return c.upload(ctx, d, chunker.New(f, d.SizeBytes, c.chunkSize))
}

// upload sends the contents of a chunker as a single ByteStream write.
func (c *Client) upload(ctx context.Context, d *pb.Digest, ch *chunker.Chunker) error {
	defer ch.Close()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	t := newTransfer(d.SizeBytes, ErrSizeMismatch)
	c.write(ctx, d, ch, t)
	if err := t.Result(); err != nil {
		return wrap(err, "Failed to upload %s", digest.String(d))
	}
	log.Debug("Uploaded %s (%s, %s)", digest.String(d), humanize.Bytes(uint64(d.SizeBytes)), t.state)
	recordUpload(d, t, start)
	return nil
}

// recordUpload records a successful upload. Blobs the server turned out to have already aren't counted.
func recordUpload(d *pb.Digest, t *transfer, start time.Time) {
	if t.state != stateAlreadyComplete {
		metrics.RecordTransfer(metrics.Upload, d.SizeBytes, time.Since(start))
	}
}

func (c *Client) write(ctx context.Context, d *pb.Digest, ch *chunker.Chunker, t *transfer) {
	stream, err := c.byteStream.Write(ctx)
	if err != nil {
		t.Fail(wrap(err, "Failed to start write"))
		return
	}
	name := c.writeResourceName(d)
	first := true
	for ch.HasNext() {
		chunk, err := ch.Next()
		if err != nil {
			t.Fail(err)
			return
		}
		req := &bs.WriteRequest{
			WriteOffset: chunk.Offset,
			Data:        chunk.Data,
			FinishWrite: !ch.HasNext(),
		}
		if first {
			req.ResourceName = name
			first = false
		}
		if err := stream.Send(req); err == io.EOF {
			// The server has ended the stream early. Its response tells us whether that
			// was because it already has the blob or because something went wrong.
			c.finishWrite(stream, d, t, true)
			return
		} else if err != nil {
			t.Fail(wrap(err, "Failed to send write request at offset %d", chunk.Offset))
			return
		}
	}
	c.finishWrite(stream, d, t, false)
}

func (c *Client) finishWrite(stream bs.ByteStream_WriteClient, d *pb.Digest, t *transfer, early bool) {
	resp, err := stream.CloseAndRecv()
	if err != nil {
		t.Fail(wrap(err, "Write failed"))
	} else if early && resp.CommittedSize == d.SizeBytes {
		t.AlreadyComplete()
	} else {
		t.Completed(resp.CommittedSize)
	}
}
