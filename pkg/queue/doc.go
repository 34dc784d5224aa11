// Package queue provides an ordered completion queue.
//
// Work admitted to a Queue may run and finish concurrently and in any order, but
// the consumer is notified of each result strictly in submission order. When an
// entry resolves, the queue delivers notifications for the longest contiguous run
// of resolved entries at its head and removes them. An entry that resolves early
// is held, not notified, until every entry ahead of it has resolved.
//
// An Entry is a single-fire completion handle: Resolve succeeds once. A second
// Resolve is a defect in the caller; it is logged, returns ErrAlreadySettled and
// leaves the queue order untouched.
//
// The gateway uses one Queue per persistent connection so responses and pushed
// notifications leave in the order they were owed, and one per batch so the
// response array matches the request array.
package queue
