package fs

import (
	iofs "io/fs"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// info describes a single node in the tree. It implements fs.FileInfo.
type info struct {
	name    string
	size    int64
	modTime time.Time
	mode    iofs.FileMode
}

// newInfo returns the info for a node with the given default mode, overridden by any
// properties the remote stored for it.
func newInfo(name string, size int64, mode iofs.FileMode, props *pb.NodeProperties) *info {
	i := &info{name: name, size: size, mode: mode}
	if props == nil {
		return i
	}
	if props.UnixMode != nil {
		// The remote only sends permission bits; the type comes from the kind of node.
		i.mode = mode.Type() | iofs.FileMode(props.UnixMode.Value).Perm()
	}
	if props.Mtime != nil {
		i.modTime = props.Mtime.AsTime()
	}
	return i
}

func fileInfo(f *pb.FileNode) *info {
	var mode iofs.FileMode = 0644
	if f.IsExecutable {
		mode = 0755
	}
	return newInfo(f.Name, f.Digest.GetSizeBytes(), mode, f.NodeProperties)
}

func dirInfo(name string, d *pb.Directory) *info {
	return newInfo(name, 0, iofs.ModeDir|0755, d.NodeProperties)
}

// dirNodeInfo is the info for a directory we haven't fetched yet, so it has no properties.
func dirNodeInfo(d *pb.DirectoryNode) *info {
	return newInfo(d.Name, 0, iofs.ModeDir|0755, nil)
}

func symlinkInfo(s *pb.SymlinkNode) *info {
	return newInfo(s.Name, 0, iofs.ModeSymlink|0777, s.NodeProperties)
}

func (i *info) Name() string { return i.name }
func (i *info) Size() int64 { return i.size }
func (i *info) Mode() iofs.FileMode { return i.mode }
func (i *info) ModTime() time.Time { return i.modTime }
func (i *info) IsDir() bool { return i.mode.IsDir() }
func (i *info) Sys() any { return nil }
