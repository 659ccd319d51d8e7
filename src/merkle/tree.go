// Package merkle builds Merkle trees of Directory messages from a filesystem.
//
// Each directory's digest depends on the digests of everything beneath it, so two trees
// with the same content always have the same root digest and unchanged subtrees can be
// recognised without looking inside them.
package merkle

import (
	"fmt"
	"os"
	"sort"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-billy/v5"

	"github.com/thought-machine/actioncache/src/cli/logging"
	"github.com/thought-machine/actioncache/src/digest"
)

var log = logging.Log

// maxDepth bounds recursion so that symlink cycles fail instead of running forever.
const maxDepth = 256

// A Blob is one piece of content that the tree refers to.
// Exactly one of Data and Path is meaningful: directories are held in memory as their
// serialised Directory message, files are read from the tree's filesystem on demand.
type Blob struct {
	Digest *pb.Digest
	Data   []byte
	Path   string
}

// IsFile returns true if this blob's content lives in a file.
func (b *Blob) IsFile() bool {
	return b.Data == nil && b.Path != ""
}

// A Tree is the result of building a directory.
type Tree struct {
	FS         billy.Filesystem
	Root       *pb.Directory
	RootDigest *pb.Digest
	// Blobs contains every file and directory in the tree, keyed by digest.
	// Content that appears more than once is only present once.
	Blobs map[digest.Key]*Blob
	dirs  map[digest.Key]*pb.Directory
}

// Digests returns the digests of every blob in the tree, in a stable order.
func (t *Tree) Digests() []*pb.Digest {
	keys := make([]digest.Key, 0, len(t.Blobs))
	for k := range t.Blobs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Hash != keys[j].Hash {
			return keys[i].Hash < keys[j].Hash
		}
		return keys[i].Size < keys[j].Size
	})
	ret := make([]*pb.Digest, len(keys))
	for i, k := range keys {
		ret[i] = k.Proto()
	}
	return ret
}

// Directory returns the Directory message with the given digest, or nil if it isn't in this tree.
func (t *Tree) Directory(d *pb.Digest) *pb.Directory {
	return t.dirs[digest.KeyOf(d)]
}

// Proto returns the tree as a single Tree message, with children in breadth-first order.
func (t *Tree) Proto() *pb.Tree {
	tree := &pb.Tree{Root: t.Root}
	seen := map[digest.Key]bool{}
	queue := []*pb.Directory{t.Root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		for _, child := range dir.Directories {
			key := digest.KeyOf(child.Digest)
			if seen[key] {
				continue
			}
			seen[key] = true
			childDir := t.dirs[key]
			tree.Children = append(tree.Children, childDir)
			queue = append(queue, childDir)
		}
	}
	return tree
}

// A Builder constructs Trees from a filesystem.
type Builder struct {
	calc *digest.Calculator
	fs   billy.Filesystem
}

// NewBuilder returns a new Builder reading from the given filesystem.
func NewBuilder(calc *digest.Calculator, fs billy.Filesystem) *Builder {
	return &Builder{calc: calc, fs: fs}
}

// Build builds the tree rooted at the given directory.
func (b *Builder) Build(root string) (*Tree, error) {
	if info, err := b.fs.Stat(root); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	t := &Tree{
		FS:    b.fs,
		Blobs: map[digest.Key]*Blob{},
		dirs:  map[digest.Key]*pb.Directory{},
	}
	dir, d, err := b.dir(t, root, 0)
	if err != nil {
		return nil, err
	}
	t.Root = dir
	t.RootDigest = d
	log.Debug("Built tree for %s: %d blobs, root %s", root, len(t.Blobs), digest.String(d))
	return t, nil
}

func (b *Builder) dir(t *Tree, name string, depth int) (*pb.Directory, *pb.Digest, error) {
	if depth > maxDepth {
		return nil, nil, fmt.Errorf("Directory tree too deep at %s; is there a symlink cycle?", name)
	}
	entries, err := b.fs.ReadDir(name)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read directory %s: %w", name, err)
	}
	dir := &pb.Directory{}
	for _, entry := range entries {
		path := b.fs.Join(name, entry.Name())
		info := entry
		if entry.Mode()&os.ModeSymlink != 0 {
			if info, err = b.fs.Stat(path); err != nil {
				return nil, nil, fmt.Errorf("Failed to resolve symlink %s: %w", path, err)
			}
		}
		if info.IsDir() {
			_, d, err := b.dir(t, path, depth+1)
			if err != nil {
				return nil, nil, err
			}
			dir.Directories = append(dir.Directories, &pb.DirectoryNode{
				Name:   entry.Name(),
				Digest: d,
			})
		} else if info.Mode().IsRegular() {
			d, err := b.calc.FromFile(b.fs, path)
			if err != nil {
				return nil, nil, err
			}
			dir.Files = append(dir.Files, &pb.FileNode{
				Name:         entry.Name(),
				Digest:       d,
				IsExecutable: info.Mode()&0111 != 0,
			})
			if key := digest.KeyOf(d); t.Blobs[key] == nil {
				t.Blobs[key] = &Blob{Digest: d, Path: path}
			}
		} else {
			log.Debug("Skipping %s, it is neither a file nor a directory", path)
		}
	}
	// The protocol requires these in lexicographic order, and we need that to get the
	// same digest for the same contents every time.
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	d, contents, err := b.calc.FromMessageContents(dir)
	if err != nil {
		return nil, nil, err
	}
	key := digest.KeyOf(d)
	if t.dirs[key] == nil {
		t.dirs[key] = dir
	}
	if t.Blobs[key] == nil {
		if contents == nil {
			contents = []byte{}
		}
		t.Blobs[key] = &Blob{Digest: d, Data: contents}
	}
	return dir, d, nil
}
