package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"budgenator/pkg/logx"
)

func TestSupervisorRetainsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := newSupervisor(context.Background(), logx.Nop())

	boom := errors.New("boom")
	s.Go("worker", func(ctx context.Context) error {
		return boom
	})
	s.Go0("follower", func(ctx context.Context) {
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "worker") {
		t.Fatalf("Wait() error %q does not name the goroutine", err)
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context not canceled after goroutine failure")
	}
}

func TestSupervisorRecoversPanics(t *testing.T) {
	t.Parallel()

	s := newSupervisor(context.Background(), logx.Nop())
	s.Go0("panicky", func(ctx context.Context) {
		panic("kaboom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Wait() = %v, want recorded panic", err)
	}
}

func TestSupervisorCleanExitOnCancel(t *testing.T) {
	t.Parallel()

	s := newSupervisor(context.Background(), logx.Nop())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() after cancel = %v, want nil", err)
	}
}

func TestSupervisorWaitHonorsContext(t *testing.T) {
	t.Parallel()

	s := newSupervisor(context.Background(), logx.Nop())
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) {
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
	close(release)
}
