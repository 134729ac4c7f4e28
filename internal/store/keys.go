package store

import "fmt"

// Key builders for the fixed Redis key layout (spec §4.1, §6). These
// prefixes are wire-compatible and must not change.

func MetaKey(queueID string) string {
	return fmt.Sprintf("qm:meta:%s", queueID)
}

func ItemsKey(queueID string) string {
	return fmt.Sprintf("qm:items:%s", queueID)
}

func DependencyItemKey(queueID, itemID string) string {
	return fmt.Sprintf("qm:queue:item:%s:%s", queueID, itemID)
}

func ScheduledSetKey(queueID string) string {
	return fmt.Sprintf("qm:queue:scheduled:%s", queueID)
}

func JobKey(jobID string) string {
	return fmt.Sprintf("qm:queue:job:%s", jobID)
}

// ScheduledIndexKey is the set of queue IDs that currently have scheduled
// jobs pending, so the scheduler tick does not need a Redis KEYS scan to
// find every qm:queue:scheduled:<id> set.
func ScheduledIndexKey() string {
	return "qm:queue:scheduled:index"
}

func DependenciesKey(queueID, itemID string) string {
	return fmt.Sprintf("qm:queue:dependencies:%s:%s", queueID, itemID)
}

func RateLimitConfigKey(queueID string) string {
	return fmt.Sprintf("qm:queue:rate_limit:%s", queueID)
}

func RateCountersKey(queueID string) string {
	return fmt.Sprintf("qm:queue:rate_counters:%s", queueID)
}

func ExecutionKey(queueID, jobID string) string {
	return fmt.Sprintf("qm:queue:execution:%s:%s", queueID, jobID)
}

func TimeoutKey(queueID, jobID string) string {
	return fmt.Sprintf("qm:queue:timeout:%s:%s", queueID, jobID)
}

// TimeoutSetKey is a per-queue sorted set of jobId->deadline (epoch ms)
// letting the timeout monitor fetch due trackers without a KEYS scan.
func TimeoutSetKey(queueID string) string {
	return fmt.Sprintf("qm:queue:timeout:set:%s", queueID)
}

// TimeoutIndexKey is the set of queue IDs with active timeout trackers.
func TimeoutIndexKey() string {
	return "qm:queue:timeout:index"
}

func AuditConfigKey(queueID string) string {
	return fmt.Sprintf("qm:queue:audit:config:%s", queueID)
}

func AuditLogKey(queueID, auditID string) string {
	return fmt.Sprintf("qm:queue:audit:log:%s:%s", queueID, auditID)
}

func AuditIndexKey(queueID string) string {
	return fmt.Sprintf("qm:queue:audit:index:%s", queueID)
}

func RetryHistoryKey(queueID string) string {
	return fmt.Sprintf("qm:queue:retry:history:%s", queueID)
}

func RetryJobKey(jobID string) string {
	return fmt.Sprintf("qm:queue:retry:job:%s", jobID)
}

func SchemaKey(queueID string) string {
	return fmt.Sprintf("qm:queue:schema:%s", queueID)
}

// QueueRegistryKey is the set of every known queue ID, used to satisfy
// listQueues/getAllQueues without a Redis KEYS scan.
func QueueRegistryKey() string {
	return "qm:queues"
}
