// Package digest calculates the content addresses that identify blobs in the remote store.
//
// A digest is the hex-encoded hash of some content together with its length. Digests of
// structured messages are computed over their deterministic protobuf encoding so the same
// logical message always has the same address.
package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-billy/v5"
	"google.golang.org/protobuf/proto"
)

// marshalOptions guarantees stable output for map fields. Repeated fields are the caller's
// responsibility; they must be sorted before digesting.
var marshalOptions = proto.MarshalOptions{Deterministic: true}

// A Calculator computes digests using a single hash function.
type Calculator struct {
	new  func() hash.Hash
	fn   pb.DigestFunction_Value
	name string
}

// SHA256 is the default calculator.
var SHA256 = &Calculator{new: sha256.New, fn: pb.DigestFunction_SHA256, name: "sha256"}

// SHA1 is a calculator for servers that only speak sha1.
var SHA1 = &Calculator{new: sha1.New, fn: pb.DigestFunction_SHA1, name: "sha1"}

// NewCalculator returns the calculator for a hash function of the given name (as we name them in config).
func NewCalculator(name string) (*Calculator, error) {
	switch name {
	case "sha256", "":
		return SHA256, nil
	case "sha1":
		return SHA1, nil
	}
	return nil, fmt.Errorf("Unknown hash function %s", name)
}

// Function returns the REAPI enum value for this calculator's hash function.
func (c *Calculator) Function() pb.DigestFunction_Value {
	return c.fn
}

// String implements the fmt.Stringer interface.
func (c *Calculator) String() string {
	return c.name
}

// HashLength returns the length of a hex-encoded hash produced by this calculator.
func (c *Calculator) HashLength() int {
	return c.new().Size() * 2
}

// FromBytes digests an in-memory byte slice.
func (c *Calculator) FromBytes(b []byte) *pb.Digest {
	h := c.new()
	h.Write(b)
	return &pb.Digest{
		Hash:      hex.EncodeToString(h.Sum(nil)),
		SizeBytes: int64(len(b)),
	}
}

// FromReader digests everything read from r. The content is streamed through the hash
// so it is never held in memory all at once.
func (c *Calculator) FromReader(r io.Reader) (*pb.Digest, error) {
	h := c.new()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, err
	}
	return &pb.Digest{
		Hash:      hex.EncodeToString(h.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// FromFile digests a file on the given filesystem.
func (c *Calculator) FromFile(fs billy.Filesystem, filename string) (*pb.Digest, error) {
	f, err := fs.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := c.FromReader(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to digest %s: %w", filename, err)
	}
	return d, nil
}

// FromMessage digests the canonical serialised form of a message.
func (c *Calculator) FromMessage(msg proto.Message) (*pb.Digest, error) {
	d, _, err := c.FromMessageContents(msg)
	return d, err
}

// FromMessageContents is like FromMessage but returns the serialised contents as well.
func (c *Calculator) FromMessageContents(msg proto.Message) (*pb.Digest, []byte, error) {
	b, err := marshalOptions.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	return c.FromBytes(b), b, nil
}

// Validate checks that a digest is structurally valid for this calculator.
func (c *Calculator) Validate(d *pb.Digest) error {
	if d == nil {
		return fmt.Errorf("Missing digest")
	} else if len(d.Hash) != c.HashLength() {
		return fmt.Errorf("Invalid digest %s; hash should be %d characters for %s", d.Hash, c.HashLength(), c.name)
	} else if _, err := hex.DecodeString(d.Hash); err != nil {
		return fmt.Errorf("Invalid digest %s: %w", d.Hash, err)
	} else if d.SizeBytes < 0 {
		return fmt.Errorf("Invalid digest %s; negative size %d", d.Hash, d.SizeBytes)
	}
	return nil
}

// FromBytes digests a byte slice with sha256.
func FromBytes(b []byte) *pb.Digest {
	return SHA256.FromBytes(b)
}

// FromReader digests the contents of a reader with sha256.
func FromReader(r io.Reader) (*pb.Digest, error) {
	return SHA256.FromReader(r)
}

// FromFile digests a file with sha256.
func FromFile(fs billy.Filesystem, filename string) (*pb.Digest, error) {
	return SHA256.FromFile(fs, filename)
}

// FromMessage digests a message with sha256.
func FromMessage(msg proto.Message) (*pb.Digest, error) {
	return SHA256.FromMessage(msg)
}

// A Key is a comparable form of a digest, suitable for use as a map key.
// Two digests are equal iff their keys are equal.
type Key struct {
	Hash string
	Size int64
}

// KeyOf returns the key for a digest.
func KeyOf(d *pb.Digest) Key {
	return Key{Hash: d.GetHash(), Size: d.GetSizeBytes()}
}

// Proto converts this key back into a digest.
func (k Key) Proto() *pb.Digest {
	return &pb.Digest{Hash: k.Hash, SizeBytes: k.Size}
}

// String implements the fmt.Stringer interface.
func (k Key) String() string {
	return k.Hash + "/" + strconv.FormatInt(k.Size, 10)
}

// Equal returns true if two digests address the same content.
func Equal(a, b *pb.Digest) bool {
	return KeyOf(a) == KeyOf(b)
}

// IsEmpty returns true if the digest refers to zero-length content.
// All such digests are considered equivalent; transfers of them never touch the network.
func IsEmpty(d *pb.Digest) bool {
	return d.GetSizeBytes() == 0
}

// Empty returns the sha256 digest of zero-length content.
func Empty() *pb.Digest {
	return SHA256.FromBytes(nil)
}

// String returns the conventional hash/size form of a digest.
func String(d *pb.Digest) string {
	return KeyOf(d).String()
}

// Parse parses a digest in hash/size form.
func Parse(s string) (*pb.Digest, error) {
	h, size, found := strings.Cut(s, "/")
	if !found {
		return nil, fmt.Errorf("Invalid digest %s; should be of the form hash/size", s)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid size in digest %s: %w", s, err)
	} else if n < 0 {
		return nil, fmt.Errorf("Invalid size in digest %s: must not be negative", s)
	} else if _, err := hex.DecodeString(h); err != nil || h == "" {
		return nil, fmt.Errorf("Invalid hash in digest %s", s)
	}
	return &pb.Digest{Hash: h, SizeBytes: n}, nil
}
