// Package blackboard provides the shared session state for the Warren
// coordination engine.
//
// # Overview
//
// A Blackboard is the single record a session's workers collaborate through.
// It carries the task text, the last report of every worker, the pending
// request queue, the audit of resolved requests, an index of produced
// artifacts, review progress, and per-worker conversation memory.
//
// The Execution Engine is the only component that owns a Blackboard. Every
// other component receives a working copy (see Clone), mutates it, and hands
// it back; the engine persists the result as one checkpoint per step.
//
// # Request Queue
//
// PendingRequests is a FIFO queue with two head-of-queue rules:
//
//   - The first pending human request is selected before any delegate
//     request, wherever it sits in the queue.
//   - A delegate request at the head is popped only when the worker that just
//     executed is exactly its TargetAgent (see PopCompletedDelegate).
//
// # Key Schema
//
// Checkpoints and deliverables are addressed by namespace and session:
//
//	thread id:     {namespace}:user:{user_id}:session:{session_id}
//	checkpoint:    warren:{thread_id}:checkpoint
//	deliverables:  warren:{namespace}:session:{session_id}:deliverables
//	event channel: warren:{namespace}:session:{session_id}:events
//
// # Usage Example
//
//	bb := blackboard.New("s1", "u1", "build a daily revenue report")
//	bb.Enqueue(blackboard.NewDelegateRequest(
//		blackboard.Architect, blackboard.Analyst, blackboard.Architect,
//		"missing upstream artifact: analysis", nil,
//	))
//
//	if req, ok := bb.Head(); ok {
//		fmt.Println(req.TargetAgent) // analyst
//	}
package blackboard
