// Package config loads, validates, and writes the plumb YAML configuration,
// which points at the rules file and tunes dispatch behavior.
package config
