// Package rules parses plumb rule files and evaluates their match
// conditions against messages.
//
// A rule file is an ordered sequence of bracketed rule blocks:
//
//	[youtube]
//	kind is url
//	data matches (https?://)?(www\.)?youtu\.?be
//	plumb run mpv {data}
//
// Each block holds zero or more match conditions followed by one or more
// action lines. Rules are evaluated in file order and the first rule whose
// conditions all pass wins.
package rules
