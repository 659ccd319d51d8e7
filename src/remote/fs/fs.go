// Package fs provides an io/fs.FS implementation over a tree of Directory messages
// stored in the remote CAS.
package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/thought-machine/actioncache/src/digest"
)

// maxLinks is the most symlinks we will follow while resolving one name.
const maxLinks = 40

// A BlobReader is the subset of the remote client that we need to read content.
type BlobReader interface {
	ReadBlob(ctx context.Context, d *pb.Digest) ([]byte, error)
}

type fs struct {
	c    BlobReader
	root *pb.Directory
	wd   string

	mutex sync.Mutex
	dirs  map[digest.Key]*pb.Directory
}

// New returns a new filesystem over the given tree. Any Directory messages in the tree's
// children are used directly; others are fetched from the remote as they're needed.
// Names passed to it are interpreted relative to wd.
func New(c BlobReader, tree *pb.Tree, wd string) iofs.FS {
	f := &fs{
		c:    c,
		root: tree.Root,
		wd:   wd,
		dirs: map[digest.Key]*pb.Directory{},
	}
	for _, child := range tree.Children {
		if d, err := digest.FromMessage(child); err == nil {
			f.dirs[digest.KeyOf(d)] = child
		}
	}
	return f
}

// A node is the result of resolving a name in the tree. Exactly one of its fields is set.
type node struct {
	name    string
	dir     *pb.Directory
	file    *pb.FileNode
	symlink *pb.SymlinkNode
}

func (n *node) info() *info {
	if n.file != nil {
		return fileInfo(n.file)
	} else if n.symlink != nil {
		return symlinkInfo(n.symlink)
	}
	return dirInfo(n.name, n.dir)
}

func (f *fs) Open(name string) (iofs.File, error) {
	n, err := f.resolve(name, true)
	if err != nil {
		return nil, &iofs.PathError{Op: "open", Path: name, Err: err}
	}
	if n.file != nil {
		b, err := f.c.ReadBlob(context.Background(), n.file.Digest)
		if err != nil {
			return nil, &iofs.PathError{Op: "open", Path: name, Err: err}
		}
		return &file{Reader: bytes.NewReader(b), info: n.info()}, nil
	}
	return &dir{info: n.info(), entries: f.entries(n.dir)}, nil
}

// Stat implements fs.StatFS. Symlinks are not followed.
func (f *fs) Stat(name string) (iofs.FileInfo, error) {
	n, err := f.resolve(name, false)
	if err != nil {
		return nil, &iofs.PathError{Op: "stat", Path: name, Err: err}
	}
	return n.info(), nil
}

// resolve finds the node for a name. If follow is true and the final component is a symlink,
// it is resolved to its target.
func (f *fs) resolve(name string, follow bool) (*node, error) {
	name = path.Join(f.wd, name)
	if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return nil, iofs.ErrInvalid
	}
	return f.lookup(name, follow, 0)
}

func (f *fs) lookup(name string, follow bool, links int) (*node, error) {
	if name == "." {
		return &node{name: ".", dir: f.root}, nil
	}
	dir := f.root
	parts := strings.Split(name, "/")
	for i, part := range parts {
		last := i == len(parts)-1
		if file := findFile(dir, part); file != nil {
			if !last {
				return nil, iofs.ErrNotExist
			}
			return &node{name: part, file: file}, nil
		} else if d := findDir(dir, part); d != nil {
			child, err := f.directory(d.Digest)
			if err != nil {
				return nil, err
			} else if last {
				return &node{name: part, dir: child}, nil
			}
			dir = child
		} else if s := findSymlink(dir, part); s != nil {
			if last && !follow {
				return &node{name: part, symlink: s}, nil
			} else if links >= maxLinks || path.IsAbs(s.Target) {
				return nil, iofs.ErrNotExist
			}
			target := path.Join(append([]string{path.Join(parts[:i]...), s.Target}, parts[i+1:]...)...)
			if target == ".." || strings.HasPrefix(target, "../") {
				return nil, iofs.ErrNotExist // Points outside the tree
			}
			return f.lookup(target, follow, links+1)
		} else {
			return nil, iofs.ErrNotExist
		}
	}
	return nil, iofs.ErrNotExist
}

// directory returns the Directory message for a digest, fetching it if we haven't seen it yet.
func (f *fs) directory(d *pb.Digest) (*pb.Directory, error) {
	key := digest.KeyOf(d)
	f.mutex.Lock()
	dir, present := f.dirs[key]
	f.mutex.Unlock()
	if present {
		return dir, nil
	}
	b, err := f.c.ReadBlob(context.Background(), d)
	if err != nil {
		return nil, err
	}
	dir = &pb.Directory{}
	if err := proto.Unmarshal(b, dir); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.dirs[key] = dir
	return dir, nil
}

// entries returns the contents of a directory, sorted by name.
// Child directories aren't fetched so their entries carry less information than they might.
func (f *fs) entries(d *pb.Directory) []iofs.DirEntry {
	ret := make([]iofs.DirEntry, 0, len(d.Files)+len(d.Directories)+len(d.Symlinks))
	for _, dir := range d.Directories {
		ret = append(ret, iofs.FileInfoToDirEntry(dirNodeInfo(dir)))
	}
	for _, file := range d.Files {
		ret = append(ret, iofs.FileInfoToDirEntry(fileInfo(file)))
	}
	for _, link := range d.Symlinks {
		ret = append(ret, iofs.FileInfoToDirEntry(symlinkInfo(link)))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name() < ret[j].Name() })
	return ret
}

func findFile(dir *pb.Directory, name string) *pb.FileNode {
	for _, f := range dir.Files {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func findDir(dir *pb.Directory, name string) *pb.DirectoryNode {
	for _, d := range dir.Directories {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func findSymlink(dir *pb.Directory, name string) *pb.SymlinkNode {
	for _, s := range dir.Symlinks {
		if s.Name == name {
			return s
		}
	}
	return nil
}

type file struct {
	*bytes.Reader
	info *info
}

func (f *file) Stat() (iofs.FileInfo, error) {
	return f.info, nil
}

func (f *file) Close() error {
	return nil
}

type dir struct {
	info    *info
	entries []iofs.DirEntry
	offset  int
}

func (d *dir) Stat() (iofs.FileInfo, error) {
	return d.info, nil
}

func (d *dir) Read(_ []byte) (int, error) {
	return 0, errors.New("attempt to read a directory")
}

func (d *dir) Close() error {
	return nil
}

// ReadDir implements fs.ReadDirFile.
func (d *dir) ReadDir(n int) ([]iofs.DirEntry, error) {
	remaining := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return remaining, nil
	} else if len(remaining) == 0 {
		return nil, io.EOF
	} else if n > len(remaining) {
		n = len(remaining)
	}
	d.offset += n
	return remaining[:n], nil
}
