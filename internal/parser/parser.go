// Package parser implements the deterministic first stage of the parsing
// funnel: provider-scoped regex rules that mechanically map captured groups
// onto structured record fields. A miss here is not an error; it routes the
// event to the constrained extractor.
package parser

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/user/logsift/internal/types"
)

// Rule is one deterministic pattern rule. Rules are matched only against
// events whose provider equals Provider. Priority orders rules within a
// provider: lower values are tried first, so narrow rules must carry a
// lower priority than catch-alls. Ties keep registration order.
type Rule struct {
	Name         string
	Provider     string
	Priority     int
	Pattern      string
	EventType    types.EventType
	EventSubtype string

	// FieldMap copies named capture groups onto record fields. Keys are
	// group names, values are record field names from fieldTargets.
	FieldMap map[string]string

	// Summarize composes the record summary from the captured groups using
	// fixed formatting only. When nil, the "message" group (if any) is used.
	Summarize func(groups map[string]string) string

	// Subtype derives the event subtype from the captured groups. When nil,
	// the static EventSubtype is used.
	Subtype func(groups map[string]string) string
}

var fieldTargets = map[string]bool{
	"app_name":       true,
	"file_path":      true,
	"status":         true,
	"operation_code": true,
	"event_subtype":  true,
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Registry holds compiled rules grouped by provider. Immutable after
// construction; safe for concurrent use.
type Registry struct {
	byProvider map[string][]compiledRule
}

// NewRegistry compiles and validates the given rules. Pattern errors,
// field-map groups absent from the pattern, and unknown target fields are
// configuration errors reported here, never at parse time.
func NewRegistry(rules []Rule) (*Registry, error) {
	byProvider := make(map[string][]compiledRule)
	for _, rule := range rules {
		if rule.Provider == "" {
			return nil, fmt.Errorf("rule %q: empty provider", rule.Name)
		}
		if !rule.EventType.Valid() {
			return nil, fmt.Errorf("rule %q: invalid event type %q", rule.Name, rule.EventType)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: compile pattern: %w", rule.Name, err)
		}
		groups := make(map[string]bool)
		for _, name := range re.SubexpNames() {
			if name != "" {
				groups[name] = true
			}
		}
		for group, field := range rule.FieldMap {
			if !groups[group] {
				return nil, fmt.Errorf("rule %q: field map references unknown group %q", rule.Name, group)
			}
			if !fieldTargets[field] {
				return nil, fmt.Errorf("rule %q: field map targets unknown field %q", rule.Name, field)
			}
		}
		byProvider[rule.Provider] = append(byProvider[rule.Provider], compiledRule{Rule: rule, re: re})
	}
	for provider := range byProvider {
		rules := byProvider[provider]
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority < rules[j].Priority
		})
	}
	return &Registry{byProvider: byProvider}, nil
}

// TryParse tests the event against the provider's rules in priority order.
// The first matching rule wins. Returns (nil, false) when no rule matches;
// repeated calls with the same inputs return identical records.
func (r *Registry) TryParse(provider, message string) (*types.StructuredRecord, bool) {
	for _, rule := range r.byProvider[provider] {
		m := rule.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		groups := make(map[string]string)
		for i, name := range rule.re.SubexpNames() {
			if name != "" && i < len(m) && m[i] != "" {
				groups[name] = m[i]
			}
		}

		rec := &types.StructuredRecord{
			EventType:        rule.EventType,
			EventSubtype:     rule.EventSubtype,
			ExtractionMethod: types.MethodDeterministic,
		}
		for group, field := range rule.FieldMap {
			val, ok := groups[group]
			if !ok {
				continue
			}
			switch field {
			case "app_name":
				rec.AppName = val
			case "file_path":
				rec.FilePath = val
			case "status":
				rec.Status = val
			case "operation_code":
				rec.OperationCode = val
			case "event_subtype":
				rec.EventSubtype = val
			}
		}
		if rule.Subtype != nil {
			rec.EventSubtype = rule.Subtype(groups)
		}
		if rule.Summarize != nil {
			rec.Summary = rule.Summarize(groups)
		} else {
			rec.Summary = groups["message"]
		}
		return rec, true
	}
	return nil, false
}

// Providers returns the set of providers the registry has rules for.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.byProvider))
	for p := range r.byProvider {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
