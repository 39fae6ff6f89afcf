// Package storage is the SQLite persistence layer.
//
// One Store serves every persisted concern: work items and their progress,
// recipients and project membership, the notification trail the dedup
// window queries, and the delayed-job rows the queue reloads on startup.
package storage
