package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of subject partitions. 256 keeps per-shard
// consumers cheap while spreading hot tasks across subjects.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a given task ID.
func GetShardID(taskID string) int {
	checksum := crc32.ChecksumIEEE([]byte(taskID))
	return int(checksum % ShardCount)
}

// EventSubject returns the subject task lifecycle events are published on.
// Format: board.event.{shard_id}.task.{task_id}
func EventSubject(taskID string) string {
	return fmt.Sprintf("board.event.%d.task.%s", GetShardID(taskID), taskID)
}

// MessageSubject returns the subject a task's thread messages are published on.
// Format: board.message.{shard_id}.task.{task_id}
func MessageSubject(taskID string) string {
	return fmt.Sprintf("board.message.%d.task.%s", GetShardID(taskID), taskID)
}

// EventWildcard matches lifecycle events for every task.
func EventWildcard() string {
	return "board.event.>"
}

// MessageFilter matches the thread subject of one task regardless of shard.
func MessageFilter(taskID string) string {
	return "board.message.*.task." + taskID
}
