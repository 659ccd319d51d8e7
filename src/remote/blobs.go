package remote

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/thought-machine/actioncache/src/digest"
)

// A blob is something we might upload, either from memory or from a file.
type blob struct {
	Digest *pb.Digest
	Data   []byte
	FS     billy.Filesystem
	Path   string
}

// uploadIfMissing uploads whichever of the given blobs the server doesn't already have.
// Blobs are uploaded concurrently; the first failure cancels the rest and is returned.
func (c *Client) uploadIfMissing(ctx context.Context, blobs []*blob) error {
	digests := make([]*pb.Digest, 0, len(blobs))
	unique := make(map[digest.Key]bool, len(blobs))
	for _, b := range blobs {
		if key := digest.KeyOf(b.Digest); !unique[key] {
			unique[key] = true
			digests = append(digests, b.Digest)
		}
	}
	missing, err := c.findMissing(ctx, digests)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if c.numTransfers > 0 {
		g.SetLimit(c.numTransfers)
	}
	seen := make(map[digest.Key]bool, len(missing))
	for _, b := range blobs {
		key := digest.KeyOf(b.Digest)
		if !missing[key] || seen[key] {
			continue
		}
		seen[key] = true
		b := b
		g.Go(func() error {
			return c.uploadOnce(ctx, b)
		})
	}
	log.Debug("Uploading %d of %d blobs", len(seen), len(blobs))
	return g.Wait()
}

// uploadOnce uploads a single blob. Concurrent calls for the same digest share one upload.
// The shared upload outlives any one caller's cancellation; each caller stops waiting when its
// own context is done.
func (c *Client) uploadOnce(ctx context.Context, b *blob) error {
	shared := context.WithoutCancel(ctx)
	ch := c.uploads.DoChan(digest.KeyOf(b.Digest).String(), func() (interface{}, error) {
		if b.Data != nil {
			return nil, c.UploadBlob(shared, b.Digest, b.Data)
		}
		return nil, c.UploadFile(shared, b.Digest, b.FS, b.Path)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return wrap(ctx.Err(), "Failed to upload %s", digest.String(b.Digest))
	}
}

// findMissing returns the set of the given digests that the server doesn't have.
// Requests are split into batches so none of them get too large.
func (c *Client) findMissing(ctx context.Context, digests []*pb.Digest) (map[digest.Key]bool, error) {
	missing := map[digest.Key]bool{}
	for len(digests) > 0 {
		n := c.batchSize
		if n <= 0 || n > len(digests) {
			n = len(digests)
		}
		if err := c.findMissingBatch(ctx, digests[:n], missing); err != nil {
			return nil, err
		}
		digests = digests[n:]
	}
	return missing, nil
}

func (c *Client) findMissingBatch(ctx context.Context, digests []*pb.Digest, missing map[digest.Key]bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	resp, err := c.cas.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		InstanceName: c.instance,
		BlobDigests:  digests,
	})
	if err != nil {
		return wrap(err, "Failed to check for missing blobs")
	}
	for _, d := range resp.MissingBlobDigests {
		missing[digest.KeyOf(d)] = true
	}
	return nil
}
