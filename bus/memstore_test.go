package bus

import (
	"context"
	"testing"

	"github.com/reflow-labs/reflow"
)

func TestMemEventStore_AppendAssignsSequence(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	seq1, err := s.Append(ctx, reflow.NewEvent(reflow.EventRunStarted, "run-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := s.Append(ctx, reflow.NewEvent(reflow.EventNodeStarted, "run-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq2 <= seq1 {
		t.Errorf("sequences not increasing: %d then %d", seq1, seq2)
	}
}

func TestMemEventStore_ListAfterSeq(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := s.Append(ctx, reflow.NewEvent(reflow.EventNodeStarted, "run-1"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}

	events, err := s.List(ctx, "run-1", seqs[1], 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events after seq %d, want 3", len(events), seqs[1])
	}
	if events[0].Seq != seqs[2] {
		t.Errorf("first event seq = %d, want %d", events[0].Seq, seqs[2])
	}
}

func TestMemEventStore_ListLimit(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, reflow.NewEvent(reflow.EventNodeStarted, "run-1")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := s.List(ctx, "run-1", 0, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func TestMemEventStore_RunIsolation(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, reflow.NewEvent(reflow.EventRunStarted, "run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, reflow.NewEvent(reflow.EventRunStarted, "run-2")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := s.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events for run-1, want 1", len(events))
	}
	if events[0].Event.RunID != "run-1" {
		t.Errorf("event RunID = %q, want run-1", events[0].Event.RunID)
	}
}

func TestMemEventStore_LatestSeq(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	seq, err := s.LatestSeq(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty store LatestSeq = %d, want 0", seq)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		last, err = s.Append(ctx, reflow.NewEvent(reflow.EventNodeStarted, "run-1"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	seq, err = s.LatestSeq(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != last {
		t.Errorf("LatestSeq = %d, want %d", seq, last)
	}
}
