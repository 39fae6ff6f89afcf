// Package jobqueue provides a store-backed delayed-job dispatcher.
//
// Jobs are keyed: submitting an existing key replaces the previous job,
// revoking an unknown key is a no-op. Every submission is persisted before
// its in-process timer is armed, so pending work survives restarts and
// past-due jobs fire immediately on reload.
package jobqueue
