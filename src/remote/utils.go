package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// compareVersions returns a negative number if a is older than b, a positive one if it's newer
// and zero if they're the same.
func compareVersions(a, b *semver.SemVer) int {
	for _, pair := range [][2]int32{{a.Major, b.Major}, {a.Minor, b.Minor}, {a.Patch, b.Patch}} {
		if pair[0] != pair[1] {
			return int(pair[0] - pair[1])
		}
	}
	return strings.Compare(a.Prerelease, b.Prerelease)
}

// lessThan returns true if version a is older than b.
func lessThan(a, b *semver.SemVer) bool {
	return compareVersions(a, b) < 0
}

// printVer formats a semver message as we'd normally write it.
func printVer(v *semver.SemVer) string {
	if v.Prerelease != "" {
		return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.Prerelease)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsNotFound returns true if the error is a gRPC NotFound, for example because the action
// cache has no result for an action.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// wrap adds a description to an error while keeping its gRPC code, so callers can still
// tell what kind of failure it was.
// Errors that aren't from gRPC are wrapped with %w so errors.Is still works on them.
// A context deadline becomes codes.DeadlineExceeded.
func wrap(err error, msg string, args ...interface{}) error {
	prefix := fmt.Sprintf(msg, args...)
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, prefix+": "+err.Error())
	} else if s, ok := status.FromError(err); ok {
		return status.Error(s.Code(), prefix+": "+s.Message())
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

// A bearerToken is a gRPC credential that sends a pre-shared token with every request.
type bearerToken struct {
	token string
}

func newBearerToken(token string) *bearerToken {
	return &bearerToken{token: strings.TrimSpace(token)}
}

func (b *bearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

// RequireTransportSecurity allows the token over plaintext connections, which is common behind
// a service mesh that terminates TLS.
func (b *bearerToken) RequireTransportSecurity() bool {
	return false
}
