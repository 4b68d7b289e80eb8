package model

import "strings"

// RuleKind selects how a notification rule matches a message.
type RuleKind string

const (
	// RuleAny matches unconditionally, or by group when a target is set.
	RuleAny RuleKind = "any"
	// RuleMention matches when the subscriber is mentioned, optionally
	// narrowed to one group.
	RuleMention RuleKind = "mention"
	// RuleTag matches when a specific tag has accumulated on the thread.
	RuleTag RuleKind = "tag"
)

// NotificationRule is one entry of a user's ordered rule list.
// Target semantics depend on Kind: empty means "any" for RuleAny and
// RuleMention, a group id narrows both, and RuleTag requires a tag id.
type NotificationRule struct {
	Kind   RuleKind
	Target string
}

func (r NotificationRule) String() string {
	if r.Target == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.Target
}

// ParseRules decodes an ordered rule list from its stored preference
// value: comma- or newline-separated "kind" or "kind:target" entries.
// Malformed entries are skipped; order of the valid ones is preserved.
func ParseRules(raw string) []NotificationRule {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]NotificationRule, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		kind, target, _ := strings.Cut(f, ":")
		target = strings.TrimSpace(target)
		switch RuleKind(strings.ToLower(strings.TrimSpace(kind))) {
		case RuleAny:
			out = append(out, NotificationRule{Kind: RuleAny, Target: target})
		case RuleMention:
			out = append(out, NotificationRule{Kind: RuleMention, Target: target})
		case RuleTag:
			if target == "" {
				// a tag rule without a tag id can never match
				continue
			}
			out = append(out, NotificationRule{Kind: RuleTag, Target: target})
		}
	}
	return out
}

// FormatRules encodes rules back to the stored preference value.
func FormatRules(rules []NotificationRule) string {
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
