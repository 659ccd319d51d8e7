package remote

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/metrics"
)

// UploadCache stores the result of running an action.
// Everything the action refers to that the server doesn't already have is uploaded first,
// then the action result is recorded against the action's digest.
func (c *Client) UploadCache(ctx context.Context, action *ExecutableAction, result *ExecutableActionResult) error {
	if !c.CacheWritable() {
		return fmt.Errorf("Server does not allow updates to the action cache")
	}
	start := time.Now()
	ar := &pb.ActionResult{ExitCode: int32(result.ExitCode)}
	blobs := action.blobs()
	if result.Stdout != "" {
		d, err := c.calc.FromFile(c.fs, result.Stdout)
		if err != nil {
			return fmt.Errorf("Failed to digest stdout: %w", err)
		}
		ar.StdoutDigest = d
		blobs = append(blobs, &blob{Digest: d, FS: c.fs, Path: result.Stdout})
	}
	if result.Stderr != "" {
		d, err := c.calc.FromFile(c.fs, result.Stderr)
		if err != nil {
			return fmt.Errorf("Failed to digest stderr: %w", err)
		}
		ar.StderrDigest = d
		blobs = append(blobs, &blob{Digest: d, FS: c.fs, Path: result.Stderr})
	}
	if err := c.uploadIfMissing(ctx, blobs); err != nil {
		return err
	}
	if err := c.updateActionResult(ctx, action.Digest(), ar); err != nil {
		return err
	}
	log.Info("Stored result for %s in %s", digest.String(action.Digest()), time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *Client) updateActionResult(ctx context.Context, d *pb.Digest, ar *pb.ActionResult) error {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	if _, err := c.actionCache.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: d,
		ActionResult: ar,
	}); err != nil {
		return wrap(err, "Failed to store action result for %s", digest.String(d))
	}
	return nil
}

// LookupCache retrieves the stored result of an action, downloading its outputs into the
// client's working directory.
// It returns nil, and no error, if there's no result stored for this action.
func (c *Client) LookupCache(ctx context.Context, action *ExecutableAction) (*ExecutableActionResult, error) {
	ar, err := c.getActionResult(ctx, action.Digest())
	if IsNotFound(err) {
		log.Debug("No cached result for %s", action)
		metrics.RecordLookup(false)
		return nil, nil
	} else if err != nil {
		return nil, wrap(err, "Failed to retrieve action result for %s", digest.String(action.Digest()))
	}
	metrics.RecordLookup(true)
	if err := c.fs.MkdirAll(c.workDir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create working directory: %w", err)
	}
	result := &ExecutableActionResult{ExitCode: int(ar.ExitCode)}
	var outputs []output
	if !isUnset(ar.StdoutDigest) {
		outputs = append(outputs, output{digest: ar.StdoutDigest, prefix: "cached-stdout-", path: &result.Stdout})
	}
	if !isUnset(ar.StderrDigest) {
		outputs = append(outputs, output{digest: ar.StderrDigest, prefix: "cached-stderr-", path: &result.Stderr})
	}
	if err := c.downloadOutputs(ctx, outputs); err != nil {
		return nil, err
	}
	log.Debug("Retrieved cached result for %s, exit code %d", action, result.ExitCode)
	return result, nil
}

func (c *Client) getActionResult(ctx context.Context, d *pb.Digest) (*pb.ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	return c.actionCache.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: d,
	})
}

// An output is a file we download when looking up a cached result.
type output struct {
	digest *pb.Digest
	prefix string
	path   *string
}

// downloadOutputs downloads all the given outputs concurrently into new files in the working
// directory, setting their paths as it goes. If any fail, all the files are removed again.
func (c *Client) downloadOutputs(ctx context.Context, outputs []output) error {
	files := make([]billy.File, 0, len(outputs))
	cleanup := func() {
		for _, f := range files {
			if err := c.fs.Remove(f.Name()); err != nil {
				log.Warning("Failed to remove %s: %s", f.Name(), err)
			}
		}
	}
	for _, o := range outputs {
		f, err := c.fs.TempFile(c.workDir, o.prefix+o.digest.Hash+"-*.txt")
		if err != nil {
			merr := multierror.Append(nil, fmt.Errorf("Failed to create output file: %w", err))
			for _, f := range files {
				if cerr := f.Close(); cerr != nil {
					merr = multierror.Append(merr, cerr)
				}
			}
			cleanup()
			return merr
		}
		files = append(files, f)
		*o.path = f.Name()
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, o := range outputs {
		f := files[i]
		d := o.digest
		g.Go(func() error {
			return c.DownloadBlob(ctx, d, f)
		})
	}
	if err := g.Wait(); err != nil {
		cleanup()
		return err
	}
	return nil
}

// ReadDirectory fetches a Directory message from the CAS.
func (c *Client) ReadDirectory(ctx context.Context, d *pb.Digest) (*pb.Directory, error) {
	b, err := c.ReadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	dir := &pb.Directory{}
	if err := proto.Unmarshal(b, dir); err != nil {
		return nil, fmt.Errorf("Invalid Directory message %s: %w", digest.String(d), err)
	}
	return dir, nil
}

// isUnset returns true if a digest was not set on a message.
func isUnset(d *pb.Digest) bool {
	return d == nil || d.Hash == ""
}
