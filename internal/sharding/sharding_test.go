package sharding

import (
	"fmt"
	"strings"
	"testing"
)

func TestGetShardID_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("task-%d", i)
		shard := GetShardID(id)
		if shard < 0 || shard >= ShardCount {
			t.Fatalf("GetShardID(%q) = %d, outside [0,%d)", id, shard, ShardCount)
		}
	}
}

func TestStableSharding(t *testing.T) {
	id := "test-stable-id"
	if GetShardID(id) != GetShardID(id) {
		t.Errorf("sharding is not deterministic for %q", id)
	}
}

func TestSubjects(t *testing.T) {
	taskID := "task-1"
	shard := GetShardID(taskID)

	if got, want := EventSubject(taskID), fmt.Sprintf("board.event.%d.task.task-1", shard); got != want {
		t.Errorf("EventSubject = %q, want %q", got, want)
	}
	if got, want := MessageSubject(taskID), fmt.Sprintf("board.message.%d.task.task-1", shard); got != want {
		t.Errorf("MessageSubject = %q, want %q", got, want)
	}
	if got := MessageFilter(taskID); got != "board.message.*.task.task-1" {
		t.Errorf("MessageFilter = %q", got)
	}
	if !strings.HasPrefix(EventSubject(taskID), "board.event.") {
		t.Errorf("event subject must live under the events stream")
	}
}

func TestDistribution(t *testing.T) {
	// Rough check to ensure we don't map everything to shard 0
	distribution := make(map[int]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		distribution[GetShardID(key)]++
	}

	if len(distribution) < ShardCount/4 {
		t.Errorf("sharding distribution is too poor: only %d unique shards for 1000 keys", len(distribution))
	}
}
