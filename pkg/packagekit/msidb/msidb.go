// Package msidb edits the metadata of a compiled Windows Installer
// package.
//
// Only the handful of operations the installer pipeline needs are exposed:
// reading and writing a property, and embedding a transform as a
// sub-storage. Properties are either rows of the Property table, or
// fields of the summary information stream. The latter are named with
// a leading @.
//
// On windows the native implementation drives the WindowsInstaller.Installer
// automation object. Other platforms return ErrUnsupported from Open.
package msidb

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrUnsupported = errors.New("editing installer databases is not supported on this platform")
	ErrNotFound    = errors.New("property not found")
)

type Property string

const (
	ProductCode     Property = "ProductCode"
	UpgradeCode     Property = "UpgradeCode"
	ProductVersion  Property = "ProductVersion"
	ProductLanguage Property = "ProductLanguage"

	// Template is summary information PID_TEMPLATE. It has the form
	// "platform;lang1,lang2".
	Template Property = "@Template"
	// PackageCode is summary information PID_REVNUMBER.
	PackageCode Property = "@RevisionNumber"
)

// summary information property ids
var summaryPIDs = map[Property]int{
	Template:    7,
	PackageCode: 9,
}

// SummaryPID returns the summary information id of p, if p lives in the
// summary information stream.
func SummaryPID(p Property) (int, bool) {
	pid, ok := summaryPIDs[p]
	return pid, ok
}

// Mode is the open mode passed to OpenDatabase.
type Mode int

const (
	ReadOnly Mode = 0
	Transact Mode = 1
)

// Editor is an open installer database. Changes made through a Transact
// editor only land on disk after Commit.
type Editor interface {
	Property(ctx context.Context, name Property) (string, error)
	SetProperty(ctx context.Context, name Property, value string) error
	// EmbedTransform stores the transform at transformPath as a
	// sub-storage named key. Installers apply it with TRANSFORMS=:key
	EmbedTransform(ctx context.Context, key, transformPath string) error
	Commit(ctx context.Context) error
	Close() error
}

// Opener opens the package at path.
type Opener func(ctx context.Context, path string, mode Mode) (Editor, error)

// Open opens path with the platform's native installer API.
func Open(ctx context.Context, path string, mode Mode) (Editor, error) {
	return openNative(ctx, path, mode)
}

var _ Opener = Open
