// Package installer assembles a multi-language Windows Installer
// package for each architecture.
//
// For every architecture, the sources are compiled once, then linked
// once per language. The first language is the base. Each secondary
// language's package is diffed against the base into a language
// transform, the transforms are embedded into the base package, and the
// base package's language list is rewritten so installers can offer a
// UI language. The result is recorded in the provenance ledger.
//
// The whole run holds a build lock, so agents sharing a work tree do
// not trample each other.
package installer
