package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"

	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/internal/eventlog"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-sweep-once"})
	if err != nil || !opts.sweepOnce {
		t.Fatalf("expected sweep-once, got %+v err=%v", opts, err)
	}

	id := uuid.NewString()
	opts, err = parseFlags([]string{"-requeue", id})
	if err != nil || opts.requeue != id {
		t.Fatalf("expected requeue %s, got %+v err=%v", id, opts, err)
	}

	if _, err := parseFlags([]string{"-requeue", id, "-sweep-once"}); err == nil {
		t.Fatalf("expected conflicting flags to fail")
	}
}

func TestRunRejectsBadEventID(t *testing.T) {
	err := run(context.Background(), &appconfig.Config{}, options{requeue: "not-a-uuid"}, logging.NewWithWriter("error", io.Discard))
	if err == nil || !strings.Contains(err.Error(), "invalid event id") {
		t.Fatalf("expected invalid event id error, got %v", err)
	}
}

type fakeRequeuer struct {
	err error
	ids []uuid.UUID
}

func (f *fakeRequeuer) Requeue(_ context.Context, id uuid.UUID) error {
	f.ids = append(f.ids, id)
	return f.err
}

func TestRequeue(t *testing.T) {
	logger := logging.NewWithWriter("error", io.Discard)
	id := uuid.New()

	store := &fakeRequeuer{}
	if err := requeue(context.Background(), store, id, logger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.ids) != 1 || store.ids[0] != id {
		t.Fatalf("expected requeue of %s, got %v", id, store.ids)
	}

	store = &fakeRequeuer{err: eventlog.ErrEventNotFound}
	if err := requeue(context.Background(), store, id, logger); err == nil || !strings.Contains(err.Error(), "not dead-lettered") {
		t.Fatalf("expected not dead-lettered error, got %v", err)
	}

	boom := errors.New("boom")
	store = &fakeRequeuer{err: boom}
	if err := requeue(context.Background(), store, id, logger); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
