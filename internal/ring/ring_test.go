package ring_test

import (
	"fmt"
	"testing"

	"github.com/voltsync/grid-sync-worker/internal/ring"
)

const (
	testShards       = 3
	testVirtualNodes = 150
)

func deviceIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("device-%06d", i)
	}
	return ids
}

func TestRoute_Deterministic(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)

	for _, id := range deviceIDs(100) {
		first := r.Route(id)
		for i := 0; i < 5; i++ {
			if got := r.Route(id); got != first {
				t.Fatalf("Route(%q) not deterministic: got %d, want %d", id, got, first)
			}
		}
	}
}

func TestRoute_SameRingDifferentInstances(t *testing.T) {
	a := ring.New(testShards, testVirtualNodes)
	b := ring.New(testShards, testVirtualNodes)

	for _, id := range deviceIDs(200) {
		if a.Route(id) != b.Route(id) {
			t.Fatalf("two rings with the same shard set disagree on %q", id)
		}
	}
}

func TestRoute_ValidShard(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)

	for _, id := range deviceIDs(1000) {
		shard := r.Route(id)
		if shard < 1 || shard > testShards {
			t.Fatalf("Route(%q) = %d, outside 1..%d", id, shard, testShards)
		}
	}
}

func TestDistribution_VirtualNodeSmoothing(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)
	ids := deviceIDs(10000)

	dist := r.Distribution(ids)

	evenShare := len(ids) / testShards
	for shard, count := range dist {
		if count > 2*evenShare || count < evenShare/2 {
			t.Errorf("shard %d owns %d devices, outside 2x of even share %d", shard, count, evenShare)
		}
	}
}

func TestRemoveShard_RemapsOnlyRemovedShard(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)
	ids := deviceIDs(5000)

	before := make(map[string]int, len(ids))
	for _, id := range ids {
		before[id] = r.Route(id)
	}

	const removed = 2
	if err := r.RemoveShard(removed); err != nil {
		t.Fatalf("RemoveShard failed: %v", err)
	}

	for _, id := range ids {
		after := r.Route(id)
		if before[id] != removed && after != before[id] {
			t.Fatalf("device %q moved from shard %d to %d although its shard was not removed",
				id, before[id], after)
		}
		if after == removed {
			t.Fatalf("device %q still routed to removed shard %d", id, removed)
		}
	}
}

func TestAddShard_BoundedRemapping(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)
	ids := deviceIDs(5000)

	before := make(map[string]int, len(ids))
	for _, id := range ids {
		before[id] = r.Route(id)
	}

	added := r.AddShard()
	if added != testShards+1 {
		t.Fatalf("AddShard returned %d, want %d", added, testShards+1)
	}

	moved := 0
	for _, id := range ids {
		after := r.Route(id)
		if after != before[id] {
			moved++
			// A device only moves because the new shard took it over.
			if after != added {
				t.Fatalf("device %q moved to shard %d, not the added shard %d", id, after, added)
			}
		}
	}

	// Expected remap fraction is about 1/(R+1); half the ids moving
	// would mean the ring rebuilt from scratch.
	if moved > len(ids)/2 {
		t.Errorf("adding one shard remapped %d of %d devices", moved, len(ids))
	}
	if moved == 0 {
		t.Error("adding a shard moved no devices at all")
	}
}

func TestRemoveShard_LastShardRejected(t *testing.T) {
	r := ring.New(1, testVirtualNodes)

	routedBefore := r.Route("device-x")

	if err := r.RemoveShard(1); err == nil {
		t.Fatal("expected error removing the last shard")
	}

	if got := r.Route("device-x"); got != routedBefore {
		t.Errorf("ring changed after rejected removal: got %d, want %d", got, routedBefore)
	}
	if len(r.Shards()) != 1 {
		t.Errorf("expected 1 shard to remain, got %d", len(r.Shards()))
	}
}

func TestRemoveShard_UnknownShard(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)

	if err := r.RemoveShard(99); err == nil {
		t.Fatal("expected error removing a shard that is not on the ring")
	}
	if got := r.Size(); got != testShards*testVirtualNodes {
		t.Errorf("ring size changed after rejected removal: got %d", got)
	}
}

func TestSize(t *testing.T) {
	r := ring.New(testShards, testVirtualNodes)

	if got := r.Size(); got != testShards*testVirtualNodes {
		t.Errorf("expected %d points, got %d", testShards*testVirtualNodes, got)
	}

	r.AddShard()
	if got := r.Size(); got != (testShards+1)*testVirtualNodes {
		t.Errorf("expected %d points after AddShard, got %d", (testShards+1)*testVirtualNodes, got)
	}
}
