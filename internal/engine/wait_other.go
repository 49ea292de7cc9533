//go:build !linux

package engine

import (
	"context"

	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

// WaitForTunnelUp is not available on this operating system.
func (l *Local) WaitForTunnelUp(context.Context, int, bool) error {
	return util.ErrNotSupported
}
