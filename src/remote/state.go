package remote

import (
	"errors"
	"fmt"
)

// ErrSizeMismatch is returned when the server commits a different number of bytes to
// what we uploaded.
var ErrSizeMismatch = errors.New("committed size mismatch")

// ErrReadIncomplete is returned when a download stream ends without delivering the
// whole blob, or delivers more than it should have.
var ErrReadIncomplete = errors.New("read incomplete")

// errPending is returned if we ask for the result of a transfer that never got anywhere.
var errPending = errors.New("transfer did not complete")

type transferState int

const (
	// statePending is where every transfer starts.
	statePending transferState = iota
	// stateAlreadyComplete means the server told us it had everything before the stream ended.
	// For uploads the content was already present; for downloads it was fully delivered
	// before the stream failed.
	stateAlreadyComplete
	// stateStreamCompleted means the stream ran to its natural end.
	stateStreamCompleted
	// stateFailed means something went wrong.
	stateFailed
)

func (s transferState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAlreadyComplete:
		return "already complete"
	case stateStreamCompleted:
		return "stream completed"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// A transfer tracks the progress of a single upload or download.
// Each one moves out of statePending at most once; later transitions are ignored so the
// first outcome observed is the one that sticks.
type transfer struct {
	state     transferState
	expected  int64
	committed int64
	err       error
	// mismatch is the error we report if the stream completes with the wrong size.
	mismatch error
}

func newTransfer(expected int64, mismatch error) *transfer {
	return &transfer{expected: expected, mismatch: mismatch}
}

// AlreadyComplete records that the server has all the content without the stream finishing.
func (t *transfer) AlreadyComplete() {
	if t.state == statePending {
		t.state = stateAlreadyComplete
		t.committed = t.expected
	}
}

// Completed records that the stream finished, having committed the given number of bytes.
func (t *transfer) Completed(committed int64) {
	if t.state == statePending {
		t.state = stateStreamCompleted
		t.committed = committed
	}
}

// Fail records that the transfer failed.
func (t *transfer) Fail(err error) {
	if t.state == statePending {
		t.state = stateFailed
		t.err = err
	}
}

// Result returns the overall outcome of the transfer.
func (t *transfer) Result() error {
	switch t.state {
	case stateAlreadyComplete:
		return nil
	case stateStreamCompleted:
		if t.committed != t.expected {
			return fmt.Errorf("%w: got %d bytes, expected %d", t.mismatch, t.committed, t.expected)
		}
		return nil
	case stateFailed:
		return t.err
	}
	return errPending
}
