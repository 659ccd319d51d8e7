package remote

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/stats"
)

// Stats is an implementation of a grpc stats.Handler that counts the bytes sent and
// received over a connection.
type Stats struct {
	in, out atomic.Int64
}

// NewStats returns a new, empty, Stats.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	return ctx
}

func (s *Stats) HandleRPC(ctx context.Context, rs stats.RPCStats) {
	switch p := rs.(type) {
	case *stats.InHeader:
		s.in.Add(int64(p.WireLength))
	case *stats.OutHeader:
		// The out header seems not to have any size on it that we can use
	case *stats.InPayload:
		s.in.Add(int64(p.WireLength))
	case *stats.OutPayload:
		s.out.Add(int64(p.WireLength))
	}
}

func (s *Stats) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	return ctx
}

func (s *Stats) HandleConn(ctx context.Context, cs stats.ConnStats) {
}

// Totals returns the number of bytes received and sent so far.
func (s *Stats) Totals() (in, out int64) {
	return s.in.Load(), s.out.Load()
}
