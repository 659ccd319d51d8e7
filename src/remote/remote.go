// Package remote provides our interface to the Google remote execution APIs
// (https://github.com/bazelbuild/remote-apis), which we use as a cache of the results
// of executing actions.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"

	"github.com/thought-machine/actioncache/src/cli/logging"
	"github.com/thought-machine/actioncache/src/core"
	"github.com/thought-machine/actioncache/src/digest"
)

var log = logging.Log

// The API version we support.
var apiVersion = semver.SemVer{Major: 2}

// A Client is the interface to the remote API.
//
// It provides a higher-level interface over the specific RPCs available. It is safe for
// concurrent use; all calls share the one underlying connection.
type Client struct {
	cas          pb.ContentAddressableStorageClient
	actionCache  pb.ActionCacheClient
	capabilities pb.CapabilitiesClient
	byteStream   bs.ByteStreamClient

	// The filesystem that output files are read from and written to.
	fs      billy.Filesystem
	workDir string

	calc         *digest.Calculator
	instance     string
	reqTimeout   time.Duration
	chunkSize    int
	numTransfers int
	batchSize    int

	// Collapses concurrent uploads of the same blob into one.
	uploads singleflight.Group

	// Server-sent cache properties, populated by CheckCapabilities.
	capsMutex     sync.Mutex
	capsChecked   bool
	cacheWritable bool
}

// New returns a new Client using the given connection.
// It doesn't contact the server; call CheckCapabilities to do that.
func New(conn *grpc.ClientConn, filesystem billy.Filesystem, config *core.Configuration) (*Client, error) {
	calc, err := digest.NewCalculator(config.Remote.HashFunction)
	if err != nil {
		return nil, err
	}
	return &Client{
		cas:          pb.NewContentAddressableStorageClient(conn),
		actionCache:  pb.NewActionCacheClient(conn),
		capabilities: pb.NewCapabilitiesClient(conn),
		byteStream:   bs.NewByteStreamClient(conn),
		fs:           filesystem,
		workDir:      config.Remote.WorkDir,
		calc:         calc,
		instance:     config.Remote.Instance,
		reqTimeout:   time.Duration(config.Remote.Timeout),
		chunkSize:    int(config.Remote.ChunkSize),
		numTransfers: config.Remote.NumTransfers,
		batchSize:    config.Remote.FindMissingBatchSize,
	}, nil
}

// Calculator returns the digest calculator this client uses.
// Actions passed to it must be digested with the same one.
func (c *Client) Calculator() *digest.Calculator {
	return c.calc
}

// CheckCapabilities asks the server what it can do and checks that it's compatible with us.
func (c *Client) CheckCapabilities(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	resp, err := c.capabilities.GetCapabilities(ctx, &pb.GetCapabilitiesRequest{
		InstanceName: c.instance,
	})
	if err != nil {
		return wrap(err, "Failed to query server capabilities")
	}
	if lessThan(&apiVersion, resp.LowApiVersion) || lessThan(resp.HighApiVersion, &apiVersion) {
		return fmt.Errorf("Unsupported API version; we require %s but server only supports %s - %s", printVer(&apiVersion), printVer(resp.LowApiVersion), printVer(resp.HighApiVersion))
	}
	caps := resp.CacheCapabilities
	if caps == nil {
		return fmt.Errorf("Cache capabilities not supported by server (we do not support execution-only servers)")
	}
	if err := c.checkDigestFunction(caps.DigestFunctions); err != nil {
		return err
	}
	c.capsMutex.Lock()
	defer c.capsMutex.Unlock()
	c.capsChecked = true
	c.cacheWritable = caps.ActionCacheUpdateCapabilities != nil && caps.ActionCacheUpdateCapabilities.UpdateEnabled
	log.Debug("Server capabilities: API %s - %s, cache writable: %v", printVer(resp.LowApiVersion), printVer(resp.HighApiVersion), c.cacheWritable)
	return nil
}

// CacheWritable returns true if the server will accept updates to the action cache.
// It's always true until CheckCapabilities has told us otherwise.
func (c *Client) CacheWritable() bool {
	c.capsMutex.Lock()
	defer c.capsMutex.Unlock()
	return !c.capsChecked || c.cacheWritable
}

// checkDigestFunction checks that the server supports the hash function we're configured with.
func (c *Client) checkDigestFunction(functions []pb.DigestFunction_Value) error {
	if len(functions) == 0 && c.calc.Function() == pb.DigestFunction_SHA256 {
		return nil // Servers that don't say are assumed to use sha256.
	}
	for _, fn := range functions {
		if fn == c.calc.Function() {
			return nil
		}
	}
	return fmt.Errorf("Server does not support our configured hash function %s (supports %s)", c.calc, functions)
}

// readResourceName returns the ByteStream resource name for reading a blob.
func (c *Client) readResourceName(d *pb.Digest) string {
	return c.resourceName("blobs", d.Hash, strconv.FormatInt(d.SizeBytes, 10))
}

// writeResourceName returns a new ByteStream resource name for uploading a blob.
// Each one is unique so concurrent uploads of the same blob don't interfere.
func (c *Client) writeResourceName(d *pb.Digest) string {
	return c.resourceName("uploads", uuid.New().String(), "blobs", d.Hash, strconv.FormatInt(d.SizeBytes, 10))
}

func (c *Client) resourceName(parts ...string) string {
	if c.instance != "" {
		parts = append([]string{c.instance}, parts...)
	}
	return strings.Join(parts, "/")
}
