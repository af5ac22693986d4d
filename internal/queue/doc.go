// Package queue serializes work per conversation.
//
// Each conversation id maps to a FIFO of tasks drained by at most one worker
// goroutine, so tasks for one conversation never overlap while different
// conversations proceed in parallel. Admission is bounded by a per-queue
// depth that counts the in-flight task.
package queue
