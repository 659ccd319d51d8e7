package remote

import (
	"fmt"
	"sort"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-git/go-billy/v5"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/thought-machine/actioncache/src/digest"
	"github.com/thought-machine/actioncache/src/merkle"
)

// An ExecutableAction is a command together with the directory it runs against.
// Two actions with the same arguments, environment, timeout and input content have the
// same digest, which is what we key the cache on.
type ExecutableAction struct {
	Tree    *merkle.Tree
	Command *pb.Command
	Action  *pb.Action

	commandDigest, actionDigest *pb.Digest
	commandData, actionData     []byte
}

// NewExecutableAction builds an action from an input directory on the given filesystem.
// A zero timeout means the action doesn't have one.
func NewExecutableAction(calc *digest.Calculator, filesystem billy.Filesystem, inputDir string, args []string, env map[string]string, timeout time.Duration) (*ExecutableAction, error) {
	tree, err := merkle.NewBuilder(calc, filesystem).Build(inputDir)
	if err != nil {
		return nil, fmt.Errorf("Failed to build input tree for %s: %w", inputDir, err)
	}
	a := &ExecutableAction{
		Tree:    tree,
		Command: &pb.Command{Arguments: args},
	}
	for k, v := range env {
		a.Command.EnvironmentVariables = append(a.Command.EnvironmentVariables, &pb.Command_EnvironmentVariable{
			Name:  k,
			Value: v,
		})
	}
	// The protocol requires these to be sorted, and we need the same order every time anyway.
	sort.Slice(a.Command.EnvironmentVariables, func(i, j int) bool {
		return a.Command.EnvironmentVariables[i].Name < a.Command.EnvironmentVariables[j].Name
	})
	if a.commandDigest, a.commandData, err = calc.FromMessageContents(a.Command); err != nil {
		return nil, err
	}
	a.Action = &pb.Action{
		CommandDigest:   a.commandDigest,
		InputRootDigest: tree.RootDigest,
	}
	if timeout > 0 {
		a.Action.Timeout = durationpb.New(timeout)
	}
	if a.actionDigest, a.actionData, err = calc.FromMessageContents(a.Action); err != nil {
		return nil, err
	}
	return a, nil
}

// Digest returns the digest of the Action message, which identifies this action in the cache.
func (a *ExecutableAction) Digest() *pb.Digest {
	return a.actionDigest
}

// CommandDigest returns the digest of the Command message.
func (a *ExecutableAction) CommandDigest() *pb.Digest {
	return a.commandDigest
}

// InputRootDigest returns the digest of the root of the input tree.
func (a *ExecutableAction) InputRootDigest() *pb.Digest {
	return a.Tree.RootDigest
}

// String implements the fmt.Stringer interface.
func (a *ExecutableAction) String() string {
	return fmt.Sprintf("action %s (command %s, inputs %s)", digest.String(a.actionDigest), digest.String(a.commandDigest), digest.String(a.Tree.RootDigest))
}

// blobs returns everything that needs to be in the CAS for this action to be usable.
func (a *ExecutableAction) blobs() []*blob {
	ret := make([]*blob, 0, len(a.Tree.Blobs)+2)
	ret = append(ret, &blob{Digest: a.actionDigest, Data: a.actionData}, &blob{Digest: a.commandDigest, Data: a.commandData})
	for _, d := range a.Tree.Digests() {
		b := a.Tree.Blobs[digest.KeyOf(d)]
		if b.IsFile() {
			ret = append(ret, &blob{Digest: b.Digest, FS: a.Tree.FS, Path: b.Path})
		} else {
			ret = append(ret, &blob{Digest: b.Digest, Data: b.Data})
		}
	}
	return ret
}

// An ExecutableActionResult is the outcome of running an action.
// Stdout and Stderr are paths on the client's filesystem; either may be empty if there was
// no such output.
type ExecutableActionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
