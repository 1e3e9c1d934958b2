// Package execs runs external programs on behalf of dispatched rule
// actions, with captured output and context cancellation.
package execs
