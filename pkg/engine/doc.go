// Package engine evaluates messages against an ordered rule sequence and
// dispatches the first matching rule's actions through pluggable
// collaborators for running programs, downloading URLs, and showing
// notifications.
package engine
