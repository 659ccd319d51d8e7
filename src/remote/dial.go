package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/thought-machine/actioncache/src/core"
)

// maxRecvMsgSize is an arbitrarily large (400MB) max message size so it isn't a limitation.
const maxRecvMsgSize = 419430400

// Dial opens a connection to the server described by the given configuration.
// If stats is non-nil it is attached to the connection to count traffic on it.
// Any extra options are applied after the ones derived from the config.
func Dial(ctx context.Context, config *core.Configuration, stats *Stats, extraOpts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if config.Remote.URL == "" {
		return nil, fmt.Errorf("No remote URL configured")
	}
	opts, err := dialOpts(config)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		opts = append(opts, grpc.WithStatsHandler(stats))
	}
	opts = append(opts, extraOpts...)
	log.Debug("Connecting to %s", config.Remote.URL)
	return grpc.DialContext(ctx, config.Remote.URL, opts...)
}

// dialOpts returns a set of dial options to apply based on the config.
func dialOpts(config *core.Configuration) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
		grpc.WithUnaryInterceptor(otelgrpc.UnaryClientInterceptor()),
		grpc.WithStreamInterceptor(otelgrpc.StreamClientInterceptor()),
	}
	if config.Remote.Secure {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if config.Remote.TokenFile == "" {
		return opts, nil
	}
	token, err := os.ReadFile(config.Remote.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("Failed to load token from file: %s", err)
	}
	return append(opts, grpc.WithPerRPCCredentials(newBearerToken(string(token)))), nil
}
