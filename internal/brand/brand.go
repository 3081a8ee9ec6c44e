// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package brand centralizes product naming so renames stay one-line changes.
package brand

const (
	Name           = "Proxwatch"
	LowerName      = "proxwatch"
	BinaryName     = "proxwatch"
	ConfigFileName = "proxwatch.hcl"

	// DefaultDBFileName is the SQLite database created when storage.path is unset.
	DefaultDBFileName = "proxwatch.db"
)
