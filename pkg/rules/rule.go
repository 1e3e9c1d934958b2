package rules

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/plumbtool/plumb/pkg/log"
	"github.com/plumbtool/plumb/pkg/message"
)

// Object names the message part a condition inspects.
type Object string

const (
	ObjectKind Object = "kind"
	ObjectData Object = "data"
	ObjectArg  Object = "arg"
)

// Verb is a match condition verb.
type Verb string

const (
	// VerbIs passes when the value equals one of the listed alternatives.
	VerbIs Verb = "is"
	// VerbIstype passes when the detected MIME type of the value matches one
	// of the patterns.
	VerbIstype Verb = "istype"
	// VerbMatches passes when the value matches one of the patterns.
	// Capture groups become message fields: unnamed groups under 0, 1, ...
	// and named groups under their names.
	VerbMatches Verb = "matches"
	// VerbRewrite is not a predicate. It always passes, and replaces the
	// working value of the named field for the rest of the rule evaluation.
	VerbRewrite Verb = "rewrite"
)

// ActionVerb selects what to do with a resolved action argument.
type ActionVerb string

const (
	ActionRun      ActionVerb = "run"
	ActionDownload ActionVerb = "download"
	ActionNotify   ActionVerb = "notify"
	ActionSave     ActionVerb = "save"
	ActionPlumb    ActionVerb = "plumb"
)

// Condition is a single match line. Var is a `{name}` reference naming the
// field under test; Patterns holds the literal alternatives, regexps, or
// rewrite pairs depending on the verb.
type Condition struct {
	Var      string
	Verb     Verb
	Object   Object
	Patterns []string

	compiled []*regexp.Regexp
}

// Action is a single action line. The argument template may contain `{name}`
// placeholders, resolved against the message at dispatch time.
type Action struct {
	Verb     ActionVerb
	Template string
}

// Rule is one named block of a rule file. The name is a label only. A rule
// with zero conditions matches every message.
type Rule struct {
	Name       string
	Conditions []Condition
	Actions    []Action
}

// TypeDetector resolves the MIME type of message data, for istype conditions.
type TypeDetector interface {
	Detect(ctx context.Context, kind message.Kind, value string) (string, error)
}

// compile builds the regexps for matches/istype conditions. Called once at
// parse time so bad patterns fail the whole load.
func (c *Condition) compile() error {
	if c.Verb != VerbMatches && c.Verb != VerbIstype {
		return nil
	}

	c.compiled = make([]*regexp.Regexp, 0, len(c.Patterns))

	for _, p := range c.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return err
		}

		c.compiled = append(c.compiled, re)
	}

	return nil
}

// Eval evaluates the condition against msg. Rewrite conditions mutate the
// message and always return true; everything else is a pure predicate.
// Evaluation problems (unresolvable field, failed type detection) count as
// a non-match.
func (c *Condition) Eval(ctx context.Context, msg *message.Message, det TypeDetector) bool {
	logger := log.WithContext(ctx).With(
		slog.String("object", string(c.Object)),
		slog.String("verb", string(c.Verb)),
	)

	if c.Object == ObjectKind {
		return len(c.Patterns) == 1 && string(msg.Kind()) == c.Patterns[0]
	}

	value, err := msg.Expand(c.Var)
	if err != nil {
		logger.Debug("condition field unresolved", slog.Any("error", err))

		return false
	}

	switch c.Verb {
	case VerbIs:
		for _, p := range c.Patterns {
			if value == p {
				return true
			}
		}

		return false

	case VerbMatches:
		return c.evalMatch(msg, value)

	case VerbIstype:
		t, err := det.Detect(ctx, msg.Kind(), value)
		if err != nil {
			logger.Debug("type detection failed", slog.Any("error", err))

			return false
		}

		logger.Debug("detected type", slog.String("type", t))

		return c.evalMatch(msg, t)

	case VerbRewrite:
		c.evalRewrite(msg, value)

		return true
	}

	return false
}

// evalMatch tries each compiled pattern against value, storing the capture
// groups of the first match as message fields.
func (c *Condition) evalMatch(msg *message.Message, value string) bool {
	for _, re := range c.compiled {
		sub := re.FindStringSubmatch(value)
		if sub == nil {
			continue
		}

		names := re.SubexpNames()
		for i, capture := range sub[1:] {
			msg.Set(strconv.Itoa(i), capture)

			if name := names[i+1]; name != "" {
				msg.Set(name, capture)
			}
		}

		return true
	}

	return false
}

// evalRewrite applies each `old,new[,count]` pair to the working value and
// stores the result back under the condition's field name.
func (c *Condition) evalRewrite(msg *message.Message, value string) {
	for _, p := range c.Patterns {
		parts := strings.SplitN(p, ",", 3)
		if len(parts) < 2 {
			continue
		}

		n := -1
		if len(parts) == 3 {
			if count, err := strconv.Atoi(parts[2]); err == nil {
				n = count
			}
		}

		value = strings.Replace(value, parts[0], parts[1], n)
	}

	msg.Set(message.FieldName(c.Var), value)
}
