// Package alerts turns newly created or escalated insights into trigger
// records and hands them to delivery sinks. Delivery itself, including its
// own notification cooldown, belongs to whatever sits behind a sink.
package alerts

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/agentoven/insights/internal/config"
	"github.com/agentoven/agentoven/insights/pkg/models"
)

// Wildcard matches every analyzer code.
const Wildcard = "*"

// Rule fires for insights of Code at or above MinSeverity.
type Rule struct {
	Code        string          `json:"code"`
	MinSeverity models.Severity `json:"min_severity"`
	Cooldown    time.Duration   `json:"-"`
}

// CooldownSeconds is the delivery cooldown forwarded on every trigger.
func (r Rule) CooldownSeconds() int {
	return int(r.Cooldown / time.Second)
}

func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code            string          `json:"code"`
		MinSeverity     models.Severity `json:"min_severity"`
		CooldownSeconds int             `json:"cooldown_seconds"`
	}{r.Code, r.MinSeverity, r.CooldownSeconds()})
}

func (r Rule) matches(ins *models.Insight) bool {
	if r.Code != Wildcard && r.Code != ins.Code {
		return false
	}
	return ins.Severity.AtLeast(r.MinSeverity)
}

// CompileRules validates raw rules from the threshold file. Exact-code
// rules are ordered ahead of wildcard rules so they win on overlap.
func CompileRules(raw []config.AlertRuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	for i, rc := range raw {
		sev, err := models.ParseSeverity(rc.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("alert rule %d: %w", i, err)
		}
		if rc.CooldownSeconds < 0 {
			return nil, fmt.Errorf("alert rule %d: negative cooldown", i)
		}
		code := rc.Code
		if code == "" {
			code = Wildcard
		}
		rules = append(rules, Rule{
			Code:        code,
			MinSeverity: sev,
			Cooldown:    time.Duration(rc.CooldownSeconds) * time.Second,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Code != Wildcard && rules[j].Code == Wildcard
	})
	return rules, nil
}

// match returns the first rule that fires for ins.
func match(rules []Rule, ins *models.Insight) (Rule, bool) {
	for _, r := range rules {
		if r.matches(ins) {
			return r, true
		}
	}
	return Rule{}, false
}
