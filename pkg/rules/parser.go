package rules

import (
	"fmt"
	"os"
	"strings"

	"github.com/plumbtool/plumb/pkg/message"
)

// ParseError reports a malformed rule file. Loading is fail-fast: one bad
// line rejects the entire file, there is no partial rule set.
type ParseError struct {
	Msg  string
	Text string
	Line int
}

func (e *ParseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}

	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

var matchVerbs = map[Verb]bool{
	VerbIs:      true,
	VerbIstype:  true,
	VerbMatches: true,
	VerbRewrite: true,
}

var actionVerbs = map[ActionVerb]bool{
	ActionRun:      true,
	ActionDownload: true,
	ActionNotify:   true,
	ActionSave:     true,
	ActionPlumb:    true,
}

// Load reads and parses the rule file at path.
func Load(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config or flag.
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return rs, nil
}

// Parse parses rule file text into an ordered rule sequence.
func Parse(data []byte) ([]*Rule, error) {
	p := &parser{}

	for i, raw := range strings.Split(string(data), "\n") {
		err := p.line(i+1, raw)
		if err != nil {
			return nil, err
		}
	}

	err := p.finish()
	if err != nil {
		return nil, err
	}

	return p.rules, nil
}

type parser struct {
	cur        *Rule
	rules      []*Rule
	headerLine int
	inActions  bool
}

func (p *parser) line(n int, raw string) error {
	line := stripComment(raw)
	trimmed := strings.TrimSpace(line)

	if trimmed == "" {
		return nil
	}

	indented := line[0] == ' ' || line[0] == '\t'

	if !indented && strings.HasPrefix(trimmed, "[") {
		return p.header(n, trimmed)
	}

	if p.cur == nil {
		return &ParseError{Line: n, Msg: "expected [rule] header", Text: trimmed}
	}

	if indented {
		return p.continuation(n, trimmed)
	}

	fields := strings.Fields(trimmed)

	switch Object(fields[0]) {
	case ObjectKind:
		return p.kindCondition(n, trimmed, fields)
	case ObjectArg, ObjectData:
		return p.condition(n, trimmed, fields)
	}

	if fields[0] == "plumb" {
		return p.action(n, trimmed, fields)
	}

	return &ParseError{Line: n, Msg: "unknown object " + fields[0], Text: trimmed}
}

func (p *parser) header(n int, trimmed string) error {
	if !strings.HasSuffix(trimmed, "]") {
		return &ParseError{Line: n, Msg: "unterminated rule name", Text: trimmed}
	}

	name := trimmed[1 : len(trimmed)-1]
	if name == "" || strings.ContainsAny(name, "{}[]") {
		return &ParseError{Line: n, Msg: "invalid rule name", Text: trimmed}
	}

	err := p.finish()
	if err != nil {
		return err
	}

	p.cur = &Rule{Name: name}
	p.headerLine = n
	p.inActions = false

	return nil
}

// continuation adds an alternative pattern to the previous condition.
func (p *parser) continuation(n int, trimmed string) error {
	if p.inActions || len(p.cur.Conditions) == 0 {
		return &ParseError{Line: n, Msg: "unexpected continuation line", Text: trimmed}
	}

	c := &p.cur.Conditions[len(p.cur.Conditions)-1]
	if c.Object == ObjectKind {
		return &ParseError{Line: n, Msg: "kind conditions take a single kind", Text: trimmed}
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 1 {
		return &ParseError{Line: n, Msg: "continuation must be a single pattern", Text: trimmed}
	}

	return p.appendPattern(n, trimmed, c, fields[0])
}

func (p *parser) kindCondition(n int, trimmed string, fields []string) error {
	if p.inActions {
		return &ParseError{Line: n, Msg: "match condition after action", Text: trimmed}
	}

	if len(fields) != 3 || Verb(fields[1]) != VerbIs {
		return &ParseError{Line: n, Msg: "want: kind is <kind>", Text: trimmed}
	}

	if _, err := message.ParseKind(fields[2]); err != nil {
		return &ParseError{Line: n, Msg: err.Error(), Text: trimmed}
	}

	p.cur.Conditions = append(p.cur.Conditions, Condition{
		Object:   ObjectKind,
		Verb:     VerbIs,
		Patterns: []string{fields[2]},
	})

	return nil
}

func (p *parser) condition(n int, trimmed string, fields []string) error {
	if p.inActions {
		return &ParseError{Line: n, Msg: "match condition after action", Text: trimmed}
	}

	obj := Object(fields[0])

	var c Condition

	switch obj {
	case ObjectArg:
		// arg <verb> <{field}> <pattern>
		if len(fields) != 4 {
			return &ParseError{Line: n, Msg: "want: arg <verb> <{field}> <pattern>", Text: trimmed}
		}

		c = Condition{Object: obj, Verb: Verb(fields[1]), Var: fields[2]}
		fields = fields[3:]

	case ObjectData:
		// data <verb> <pattern>, shorthand for: arg <verb> {data} <pattern>
		if len(fields) != 3 {
			return &ParseError{Line: n, Msg: "want: data <verb> <pattern>", Text: trimmed}
		}

		c = Condition{Object: obj, Verb: Verb(fields[1]), Var: "{data}"}
		fields = fields[2:]

	default:
		return &ParseError{Line: n, Msg: "unknown object " + fields[0], Text: trimmed}
	}

	if !matchVerbs[c.Verb] {
		return &ParseError{Line: n, Msg: "unknown verb " + string(c.Verb), Text: trimmed}
	}

	p.cur.Conditions = append(p.cur.Conditions, c)

	return p.appendPattern(n, trimmed, &p.cur.Conditions[len(p.cur.Conditions)-1], fields[0])
}

func (p *parser) action(n int, trimmed string, fields []string) error {
	if len(fields) < 2 {
		return &ParseError{Line: n, Msg: "want: plumb <verb> [argument]", Text: trimmed}
	}

	verb := ActionVerb(fields[1])
	if !actionVerbs[verb] {
		return &ParseError{Line: n, Msg: "unknown action verb " + fields[1], Text: trimmed}
	}

	// Keep the argument template as written, including inner spacing.
	rest := strings.TrimSpace(trimmed[len("plumb"):])
	rest = strings.TrimSpace(rest[len(fields[1]):])

	p.inActions = true
	p.cur.Actions = append(p.cur.Actions, Action{Verb: verb, Template: rest})

	return nil
}

func (p *parser) appendPattern(n int, trimmed string, c *Condition, pattern string) error {
	if c.Verb == VerbRewrite && !strings.Contains(pattern, ",") {
		return &ParseError{Line: n, Msg: "rewrite pattern must be old,new", Text: trimmed}
	}

	c.Patterns = append(c.Patterns, pattern)

	err := c.compile()
	if err != nil {
		return &ParseError{Line: n, Msg: fmt.Sprintf("invalid pattern: %v", err), Text: trimmed}
	}

	return nil
}

// finish validates and stores the rule being built, if any.
func (p *parser) finish() error {
	if p.cur == nil {
		return nil
	}

	if len(p.cur.Actions) == 0 {
		return &ParseError{Line: p.headerLine, Msg: fmt.Sprintf("rule [%s] has no action", p.cur.Name)}
	}

	p.rules = append(p.rules, p.cur)
	p.cur = nil

	return nil
}

// stripComment removes `#` comments: either a whole line whose first
// non-blank character is `#`, or a trailing comment preceded by whitespace.
// A `#` directly inside a pattern is preserved.
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
		return ""
	}

	for i := 1; i < len(line); i++ {
		if line[i] == '#' && (line[i-1] == ' ' || line[i-1] == '\t') {
			return line[:i]
		}
	}

	return line
}
