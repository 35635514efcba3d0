package decision

import (
	"fmt"
	"strings"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// HeuristicRule routes a setting absent from the profile by keyword.
// Keywords match case-insensitively against the setting name with
// separators removed; the first matching rule wins.
type HeuristicRule struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Method   Method   `yaml:"method" json:"method"`
}

func (r HeuristicRule) validate() error {
	if r.Name == "" || len(r.Keywords) == 0 {
		return merrors.Configuration("heuristic rule needs a name and at least one keyword")
	}
	if r.Method != MethodRedfish && r.Method != MethodVendor {
		return merrors.Newf(merrors.ErrConfiguration, "heuristic rule %s has unknown method %q", r.Name, r.Method)
	}
	return nil
}

// DefaultRules is the rule table used when a profile declares none
func DefaultRules() []HeuristicRule {
	return []HeuristicRule{
		{Name: "secure_boot", Keywords: []string{"secureboot"}, Method: MethodRedfish},
		{Name: "boot", Keywords: []string{"boot"}, Method: MethodRedfish},
		{Name: "microcode", Keywords: []string{"microcode"}, Method: MethodVendor},
		{Name: "timing", Keywords: []string{"timing", "latency", "frequency"}, Method: MethodVendor},
		{Name: "fan_control", Keywords: []string{"fan", "thermal"}, Method: MethodVendor},
		// compound keywords only: "profile" or "power" alone also appear in
		// fan and memory timing names
		{Name: "power_profile", Keywords: []string{"powerprofile", "powerpolicy", "workloadprofile", "powerregulator"}, Method: MethodRedfish},
	}
}

// Match is the outcome of running the rule table over one setting name
type Match struct {
	Rule    string
	Keyword string
	Method  Method
}

// Rationale renders the match for MethodAnalysis.Rationale
func (m Match) Rationale() string {
	return fmt.Sprintf("heuristic:%s matched %q, routed to %s", m.Rule, m.Keyword, m.Method)
}

// MatchRules returns the first rule whose keyword occurs in name
func MatchRules(rules []HeuristicRule, name string) (Match, bool) {
	normalized := normalizeName(name)
	for _, r := range rules {
		for _, kw := range r.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(normalized, normalizeName(kw)) {
				return Match{Rule: r.Name, Keyword: kw, Method: r.Method}, true
			}
		}
	}
	return Match{}, false
}

func normalizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(s))
}
