package cache

import (
	"context"
	"testing"
	"time"
)

func TestSnapshotCache_FleetSnapshotRoundTrip(t *testing.T) {
	s := NewSnapshotCache(NewInMemoryCache())
	ctx := context.Background()

	if _, found := s.LoadFleetSnapshot(ctx); found {
		t.Fatal("expected no snapshot before the first save")
	}

	if err := s.SaveFleetSnapshot(ctx, []string{"10.0.0.1:11211", "10.0.0.2:11211"}); err != nil {
		t.Fatalf("SaveFleetSnapshot failed: %v", err)
	}

	got, found := s.LoadFleetSnapshot(ctx)
	if !found {
		t.Fatal("expected a snapshot after save")
	}
	if len(got) != 2 || got[0] != "10.0.0.1:11211" || got[1] != "10.0.0.2:11211" {
		t.Fatalf("unexpected snapshot: %v", got)
	}
}

func TestSnapshotCache_VersionProbeExpires(t *testing.T) {
	s := NewSnapshotCache(NewInMemoryCache())
	ctx := context.Background()

	if _, found := s.RecentVersionProbe(ctx, "10.0.0.1:11211"); found {
		t.Fatal("expected no cached probe result before save")
	}

	if err := s.SaveVersionProbe(ctx, "10.0.0.1:11211", true, 20*time.Millisecond); err != nil {
		t.Fatalf("SaveVersionProbe failed: %v", err)
	}

	ok, found := s.RecentVersionProbe(ctx, "10.0.0.1:11211")
	if !found || !ok {
		t.Fatal("expected a fresh successful probe result")
	}

	time.Sleep(30 * time.Millisecond)
	if _, found := s.RecentVersionProbe(ctx, "10.0.0.1:11211"); found {
		t.Fatal("expected the cached probe result to have expired")
	}
}
