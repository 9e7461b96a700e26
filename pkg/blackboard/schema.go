package blackboard

import "fmt"

// Key pattern helpers
//
// All store keys and Pub/Sub channels are namespaced so several deployments
// can share one Redis server or SQLite file.
//
// Thread id pattern: {namespace}:user:{user_id}:session:{session_id}
// Key pattern:       warren:{namespace}:...

// ThreadID returns the stable identity a session is checkpointed under.
func ThreadID(namespace, userID, sessionID string) string {
	return fmt.Sprintf("%s:user:%s:session:%s", namespace, userID, sessionID)
}

// CheckpointKey returns the Redis key for a thread's checkpoint hash.
// Pattern: warren:{thread_id}:checkpoint
func CheckpointKey(threadID string) string {
	return fmt.Sprintf("warren:%s:checkpoint", threadID)
}

// DeliverablesKey returns the Redis key for a session's deliverable hash.
// Pattern: warren:{namespace}:session:{session_id}:deliverables
func DeliverablesKey(namespace, sessionID string) string {
	return fmt.Sprintf("warren:%s:session:%s:deliverables", namespace, sessionID)
}

// EventsChannel returns the Pub/Sub channel a session's events are
// published on.
// Pattern: warren:{namespace}:session:{session_id}:events
func EventsChannel(namespace, sessionID string) string {
	return fmt.Sprintf("warren:%s:session:%s:events", namespace, sessionID)
}
