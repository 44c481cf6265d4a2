package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("attribute read timed out")
)

// Status is the outcome of reading one process attribute.
type Status uint8

const (
	StatusOK Status = iota
	StatusAccessDenied
	StatusNotFound
	StatusTimeout
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAccessDenied:
		return "access_denied"
	case StatusNotFound:
		return "not_found"
	case StatusTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Result carries an attribute value or the reason it could not be read.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
}

func (r Result[T]) OK() bool { return r.Status == StatusOK }

func resultOf[T any](v T, err error) Result[T] {
	if err == nil {
		return Result[T]{Value: v}
	}
	return Result[T]{Status: Classify(err), Err: err}
}

// Classify maps an OS or gopsutil error onto a Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrNotFound),
		errors.Is(err, psprocess.ErrorProcessNotRunning),
		errors.Is(err, os.ErrNotExist):
		return StatusNotFound
	case errors.Is(err, ErrAccessDenied),
		errors.Is(err, psprocess.ErrorNotPermitted),
		errors.Is(err, os.ErrPermission):
		return StatusAccessDenied
	default:
		return StatusFailed
	}
}

// bounded runs fn with a deadline of d and gives up waiting once it passes.
// fn keeps running in the background until it returns on its own.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) Result[T] {
	if d <= 0 {
		v, err := fn(ctx)
		return resultOf(v, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- resultOf(v, err)
	}()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Result[T]{Status: StatusTimeout, Err: fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())}
	}
}

// AccessError reports that a process could not be inspected this tick.
type AccessError struct {
	PID    int
	Attr   string
	Status Status
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("pid %d: read %s: %s: %v", e.PID, e.Attr, e.Status, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }
