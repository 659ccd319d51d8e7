package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLessThan(t *testing.T) {
	v2 := &semver.SemVer{Major: 2}
	v21 := &semver.SemVer{Major: 2, Minor: 1}
	v3 := &semver.SemVer{Major: 3}
	assert.True(t, lessThan(v2, v21))
	assert.True(t, lessThan(v21, v3))
	assert.False(t, lessThan(v3, v2))
	assert.False(t, lessThan(v2, v2))
}

func TestPrintVer(t *testing.T) {
	assert.Equal(t, "2.0.0", printVer(&semver.SemVer{Major: 2}))
	assert.Equal(t, "2.1.3-beta", printVer(&semver.SemVer{Major: 2, Minor: 1, Patch: 3, Prerelease: "beta"}))
}

func TestWrapKeepsCode(t *testing.T) {
	err := wrap(status.Errorf(codes.NotFound, "no such blob"), "Failed to download %s", "abc/3")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "Failed to download abc/3: no such blob", status.Convert(err).Message())
}

func TestWrapDeadline(t *testing.T) {
	err := wrap(fmt.Errorf("oops: %w", context.DeadlineExceeded), "Failed")
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestWrapPlainError(t *testing.T) {
	err := wrap(ErrSizeMismatch, "Failed to upload %s", "abc/3")
	assert.True(t, errors.Is(err, ErrSizeMismatch))
	assert.Equal(t, "Failed to upload abc/3: committed size mismatch", err.Error())
}

func TestBearerToken(t *testing.T) {
	md, err := newBearerToken("secret\n").GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"authorization": "Bearer secret"}, md)
}
