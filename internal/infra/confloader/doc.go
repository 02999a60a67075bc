// Package confloader loads configuration with koanf.
//
// Priority (highest to lowest):
//
//  1. Overrides (command-line flags)
//  2. Environment variables (SECUREKV_SECTION_KEY)
//  3. Configuration file (YAML)
//  4. Values already present in the target struct (defaults)
//
// Environment names are matched against the koanf tags of the target, so
// keys containing underscores resolve unambiguously:
// SECUREKV_PERSISTENCE_SNAPSHOT_FILE sets persistence.snapshot_file.
package confloader
