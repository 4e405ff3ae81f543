//go:build !windows
// +build !windows

package msidb

import "context"

func openNative(ctx context.Context, path string, mode Mode) (Editor, error) {
	return nil, ErrUnsupported
}
