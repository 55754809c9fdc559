//go:build !linux

package monitor

import (
	"context"
	"errors"
)

func watchLinks(ctx context.Context, changed func()) error {
	return errors.New("link events are only supported on linux")
}
