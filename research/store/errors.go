// Package store adds research-domain-specific durability concerns on top
// of the adapted graph/store.Store[S] checkpoint backends: a blob sidecar
// for oversized payloads, and the sentinel error that names an
// unavailable checkpoint store.
package store

import "errors"

// ErrCheckpointUnavailable names the condition in which the checkpoint
// backend cannot durably persist or load a checkpoint. No code in this
// module returns it. research.Engine moves a session to paused with
// reason "checkpoint_unavailable" when loading its latest checkpoint
// fails; a checkpoint write that fails during a graph run ends that run
// with an error, and the session is marked failed with reason
// "internal_error".
var ErrCheckpointUnavailable = errors.New("checkpoint store unavailable: cannot persist durable checkpoint")
