// Package process controls the automation server process on a host, through
// either systemd or docker. The process manager in use is injected
// configuration; container auto-detection exists only as a fallback adapter.
package process

import (
	"context"
	"errors"
)

// ErrServiceNotFound indicates the named service or container does not exist
// on the host.
var ErrServiceNotFound = errors.New("service not found")

// Control supervises one service.
type Control interface {
	Stop(ctx context.Context, serviceID string) error
	Start(ctx context.Context, serviceID string) error
	Restart(ctx context.Context, serviceID string) error
	IsRunning(ctx context.Context, serviceID string) (bool, error)
}
