package cluster

import (
	"errors"

	"github.com/hamicek/noex-sub011/internal/errs"
)

// Canonical error codes carried over the wire in CallReplyMsg.Error and
// SpawnErrorWire.Kind, so the originating node can reconstruct a typed
// error instead of an opaque string.
const (
	codeServerNotRunning = "server_not_running"
	codeBehaviorNotFound = "behavior_not_found"
	codeSpawnInitFailed  = "spawn_init_failed"
	codeSpawnRegFailed   = "spawn_registration_failed"
)

func encodeCallError(err error) string {
	switch {
	case errors.Is(err, errs.ErrServerNotRunning):
		return codeServerNotRunning
	default:
		return err.Error()
	}
}

func decodeCallError(code string) error {
	switch code {
	case codeServerNotRunning:
		return errs.ErrRemoteServerNotRunning
	default:
		return errors.New(code)
	}
}

