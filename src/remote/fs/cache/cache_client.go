// Package cache provides a BlobReader that keeps a local copy of everything it reads,
// so repeatedly browsing the same remote tree doesn't keep going back to the server.
package cache

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/thought-machine/actioncache/src/cli/logging"
	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/remote/fs"
)

var log = logging.Log

// New returns a new Client storing blobs under the given directory.
func New(client fs.BlobReader, filesystem billy.Filesystem, dir string) *Client {
	return &Client{
		dir:    dir,
		fs:     filesystem,
		client: client,
	}
}

// A Client wraps another BlobReader with a local on-disk cache.
type Client struct {
	dir    string
	fs     billy.Filesystem
	client fs.BlobReader
}

// ReadBlob implements fs.BlobReader.
func (c *Client) ReadBlob(ctx context.Context, d *pb.Digest) ([]byte, error) {
	// Nothing to store for these, and we use a zero length read to mean a cache miss below.
	if digest.IsEmpty(d) {
		return []byte{}, nil
	}
	if b := c.read(d); len(b) != 0 {
		return b, nil
	}
	b, err := c.client.ReadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := c.store(d, b); err != nil {
		log.Warning("Failed to store blob in local CAS cache: %s", err)
	}
	return b, nil
}

func (c *Client) read(d *pb.Digest) []byte {
	b, err := util.ReadFile(c.fs, c.pathForDigest(d))
	if err != nil || int64(len(b)) != d.SizeBytes {
		return nil
	}
	return b
}

func (c *Client) store(d *pb.Digest, b []byte) error {
	path := c.pathForDigest(d)
	if err := c.fs.MkdirAll(c.fs.Join(c.dir, d.Hash[:2]), 0775); err != nil {
		return err
	}
	// Write to a temporary file first so a concurrent reader never sees a partial blob.
	tmp, err := util.TempFile(c.fs, c.fs.Join(c.dir, d.Hash[:2]), d.Hash)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		c.fs.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		c.fs.Remove(tmp.Name())
		return err
	}
	return c.fs.Rename(tmp.Name(), path)
}

func (c *Client) pathForDigest(d *pb.Digest) string {
	return c.fs.Join(c.dir, d.Hash[:2], d.Hash)
}
