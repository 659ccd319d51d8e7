package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/stretchr/testify/require"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/thought-machine/actioncache/src/core"
)

// A testServer implements the server interface for the various servers we test against.
// The exported fields can be set by tests to make it misbehave in various ways.
type testServer struct {
	DigestFunctions               []pb.DigestFunction_Value
	LowAPIVersion, HighAPIVersion semver.SemVer
	UpdateEnabled                 bool

	// EarlyCommit makes writes finish after the first request, claiming the blob is already present.
	EarlyCommit bool
	// CommitOffset is added to the committed size reported for writes.
	CommitOffset int64
	// WriteError, if set, is returned from every write.
	WriteError error
	// ReadErrorAfter, if set, is returned after a read has sent all the requested data.
	ReadErrorAfter error
	// ReadShort makes reads stop after sending half of the data.
	ReadShort bool
	// ReadExtra is sent after the real data on every read.
	ReadExtra []byte
	// Block makes reads and writes wait until their deadline.
	Block bool
	// WriteGate, if set, holds every write after its first request until it's closed.
	// WriteStarted is sent to (without blocking) when that happens.
	WriteGate    chan struct{}
	WriteStarted chan struct{}

	mutex             sync.Mutex
	actionResults     map[string]*pb.ActionResult
	blobs             map[string][]byte
	writeRequests     []*bs.WriteRequest
	written           map[string][]byte
	reads             int
	findMissingCalls  int
	updateActionCalls int
	authorization     []string
}

func newTestServer() *testServer {
	return &testServer{
		DigestFunctions: []pb.DigestFunction_Value{
			pb.DigestFunction_SHA1,
			pb.DigestFunction_SHA256,
		},
		LowAPIVersion:  semver.SemVer{Major: 2},
		HighAPIVersion: semver.SemVer{Major: 2, Minor: 1},
		UpdateEnabled:  true,
		actionResults:  map[string]*pb.ActionResult{},
		blobs:          map[string][]byte{},
		written:        map[string][]byte{},
	}
}

func (s *testServer) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		s.mutex.Lock()
		s.authorization = md.Get("authorization")
		s.mutex.Unlock()
	}
	return &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{
			DigestFunctions: s.DigestFunctions,
			ActionCacheUpdateCapabilities: &pb.ActionCacheUpdateCapabilities{
				UpdateEnabled: s.UpdateEnabled,
			},
			MaxBatchTotalSizeBytes: 2048,
		},
		LowApiVersion:  &s.LowAPIVersion,
		HighApiVersion: &s.HighAPIVersion,
	}, nil
}

func (s *testServer) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	s.checkDigest(req.ActionDigest)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ar, present := s.actionResults[req.ActionDigest.Hash]
	if !present {
		return nil, status.Errorf(codes.NotFound, "action result not found")
	}
	return ar, nil
}

func (s *testServer) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	s.checkDigest(req.ActionDigest)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.updateActionCalls++
	s.actionResults[req.ActionDigest.Hash] = req.ActionResult
	return req.ActionResult, nil
}

func (s *testServer) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.findMissingCalls++
	resp := &pb.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		s.checkDigest(d)
		if _, present := s.blobs[d.Hash]; !present {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *testServer) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "BatchUpdateBlobs not implemented for test")
}

func (s *testServer) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "BatchReadBlobs not implemented for test")
}

func (s *testServer) GetTree(*pb.GetTreeRequest, pb.ContentAddressableStorage_GetTreeServer) error {
	return status.Errorf(codes.Unimplemented, "GetTree not implemented for test")
}

func (s *testServer) Read(req *bs.ReadRequest, srv bs.ByteStream_ReadServer) error {
	s.mutex.Lock()
	s.reads++
	s.mutex.Unlock()
	if s.Block {
		<-srv.Context().Done()
		return srv.Context().Err()
	}
	blobName, _, err := s.bytestreamBlobName(req.ResourceName)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	b, present := s.blobs[blobName]
	s.mutex.Unlock()
	if !present {
		return status.Errorf(codes.NotFound, "bytestream %s not found", blobName)
	} else if req.ReadOffset < 0 || req.ReadOffset > int64(len(b)) {
		return status.Errorf(codes.OutOfRange, "invalid offset for bytestream %s, was %d, must be [0-%d]", req.ResourceName, req.ReadOffset, len(b))
	}
	b = b[req.ReadOffset:]
	if s.ReadShort {
		b = b[:len(b)/2]
	}
	b = append(b[:len(b):len(b)], s.ReadExtra...)
	// Now stream these back a bit at a time.
	for i := 0; i < len(b); i += 4 {
		n := i + 4
		if n > len(b) {
			n = len(b)
		}
		if err := srv.Send(&bs.ReadResponse{Data: b[i:n]}); err != nil {
			return fmt.Errorf("ByteStream::Read error: %s", err)
		}
	}
	return s.ReadErrorAfter
}

func (s *testServer) Write(srv bs.ByteStream_WriteServer) error {
	req, err := srv.Recv()
	if err != nil {
		return fmt.Errorf("ByteStream::Write error: %s", err)
	} else if req.ResourceName == "" {
		return status.Errorf(codes.InvalidArgument, "missing ResourceName")
	}
	name := req.ResourceName
	blobName, size, err := s.bytestreamBlobName(name)
	if err != nil {
		return err
	}
	s.recordWrite(req)
	if s.WriteError != nil {
		return s.WriteError
	} else if s.Block {
		<-srv.Context().Done()
		return srv.Context().Err()
	} else if s.WriteGate != nil {
		select {
		case s.WriteStarted <- struct{}{}:
		default:
		}
		<-s.WriteGate
	}
	if s.EarlyCommit {
		return srv.SendAndClose(&bs.WriteResponse{CommittedSize: size})
	}
	var b []byte
	for {
		if req.WriteOffset != int64(len(b)) {
			return status.Errorf(codes.InvalidArgument, "incorrect WriteOffset (was %d, should be %d)", req.WriteOffset, len(b))
		}
		b = append(b, req.Data...)
		if req.FinishWrite {
			break
		}
		if req, err = srv.Recv(); err != nil {
			return fmt.Errorf("ByteStream::Write error: %s", err)
		}
		s.recordWrite(req)
	}
	if sum := sha256.Sum256(b); hex.EncodeToString(sum[:]) != blobName {
		return status.Errorf(codes.InvalidArgument, "content does not match digest %s", blobName)
	}
	s.mutex.Lock()
	s.blobs[blobName] = b
	s.written[blobName] = b
	s.mutex.Unlock()
	return srv.SendAndClose(&bs.WriteResponse{
		CommittedSize: int64(len(b)) + s.CommitOffset,
	})
}

func (s *testServer) recordWrite(req *bs.WriteRequest) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.writeRequests = append(s.writeRequests, req)
}

var bytestreamRegex = regexp.MustCompile("^(?:[^/]+/)?(?:uploads/[0-9a-f-]+/)?blobs/([0-9a-f]+)/([0-9]+)$")

func (s *testServer) bytestreamBlobName(bytestream string) (string, int64, error) {
	matches := bytestreamRegex.FindStringSubmatch(bytestream)
	if matches == nil {
		return "", 0, status.Errorf(codes.InvalidArgument, "invalid ResourceName: %s", bytestream)
	}
	size, _ := strconv.ParseInt(matches[2], 10, 64)
	return matches[1], size, nil
}

func (s *testServer) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "QueryWriteStatus not implemented for test")
}

// checkDigest checks a digest is structurally valid and panics if not.
func (s *testServer) checkDigest(digest *pb.Digest) {
	const length = sha256.Size * 2 // times 2 for the hex encoding
	if len(digest.Hash) != length {
		panic(fmt.Errorf("Incorrect digest length; was %d, should be %d", len(digest.Hash), length))
	} else if _, err := hex.DecodeString(digest.Hash); err != nil {
		panic(fmt.Errorf("Invalid hex encoding for digest: %s", err))
	}
}

// Put stores a blob on the server directly.
func (s *testServer) Put(b []byte) {
	sum := sha256.Sum256(b)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.blobs[hex.EncodeToString(sum[:])] = b
}

// Written returns a copy of the blobs that have been written to the server, keyed by hash.
func (s *testServer) Written() map[string][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ret := make(map[string][]byte, len(s.written))
	for k, v := range s.written {
		ret[k] = v
	}
	return ret
}

// WriteRequests returns a copy of all the write requests the server has received.
func (s *testServer) WriteRequests() []*bs.WriteRequest {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*bs.WriteRequest{}, s.writeRequests...)
}

// serve starts serving on an in-memory listener and returns a dial option to connect to it.
func (s *testServer) serve(t *testing.T) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	recovery := grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
		log.Errorf("Panic in test server: %s", p)
		return status.Errorf(codes.Unknown, "handler failed: %s", p)
	})
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpc_recovery.UnaryServerInterceptor(recovery)),
		grpc.ChainStreamInterceptor(grpc_recovery.StreamServerInterceptor(recovery)),
	)
	pb.RegisterCapabilitiesServer(srv, s)
	pb.RegisterActionCacheServer(srv, s)
	pb.RegisterContentAddressableStorageServer(srv, s)
	bs.RegisterByteStreamServer(srv, s)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

// testConfig returns the configuration we use for most tests.
func testConfig() *core.Configuration {
	config := core.DefaultConfiguration()
	config.Remote.URL = "bufconn"
	config.Remote.Instance = "instance"
	config.Remote.WorkDir = "work"
	return config
}

// newTestClient returns a new client connected to the given server. The client's filesystem
// is rooted in a fresh temporary directory.
func newTestClient(t *testing.T, s *testServer, config *core.Configuration) (*Client, billy.Filesystem) {
	t.Helper()
	conn, err := Dial(context.Background(), config, nil, s.serve(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	fs := osfs.New(t.TempDir())
	c, err := New(conn, fs, config)
	require.NoError(t, err)
	return c, fs
}
