// Package policy implements C5: the Policy Gate every Intent passes through
// before an agent is allowed to act. A PolicySnapshot's static Thresholds,
// Allowlists, and QuietHours give a first verdict; an optional goja-scripted
// rule (grounded on system/tee's per-call goja.New() sandboxed VM) may only
// downgrade that verdict, never upgrade it past deny.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/hearth-os/hearth/system/store"
)

// Decision is the Gate's verdict on an Intent.
type Decision string

const (
	DecisionAuto           Decision = "auto"
	DecisionRequireConfirm Decision = "require_confirm"
	DecisionDeny           Decision = "deny"
)

// rank orders decisions from least to most restrictive so a script rule can
// be checked against "never upgrades past deny" (§5 invariant).
func rank(d Decision) int {
	switch d {
	case DecisionAuto:
		return 0
	case DecisionRequireConfirm:
		return 1
	case DecisionDeny:
		return 2
	default:
		return 2
	}
}

// Restricted side-effect tags: an Intent carrying any of these can never
// reach DecisionAuto, even when cost and reversibility would otherwise
// qualify it — it is at best require_confirm.
const (
	SideEffectCredentials      = "credentials"
	SideEffectNewContact       = "external_message_new_contact"
	SideEffectFinanceTransfer  = "finance_transfer"
	SideEffectPermissionChange = "permission_change"
)

// Prohibited risk tags: an Intent carrying any of these is always denied,
// regardless of cost, reversibility, or side effects.
const (
	RiskSecretExfiltration = "secret_exfiltration"
	RiskBypassApproval     = "bypass_approval"
)

var restrictedSideEffects = map[string]bool{
	SideEffectCredentials:      true,
	SideEffectNewContact:       true,
	SideEffectFinanceTransfer:  true,
	SideEffectPermissionChange: true,
}

var prohibitedRiskTags = map[string]bool{
	RiskSecretExfiltration: true,
	RiskBypassApproval:     true,
}

// Intent is the action an agent proposes to the Gate, named to mirror the
// glossary term used throughout the spec and DESIGN.md.
type Intent struct {
	Agent          store.AgentKind
	Action         string
	CostEstimate   float64
	Reversibility  store.Reversibility
	EgressHost     string
	ContactChannel string
	SideEffects    []string
	RiskTags       []string
	CriticalSafety bool // bypasses quiet hours when true
	CorrelationID  string
	// PolicyVersion is the snapshot version the agent evaluated against when
	// it formed this intent. Zero means "current". A non-zero value that no
	// longer matches the installed snapshot denies outright (§4.5 rule 3
	// "policy version mismatch") — an intent planned under a policy that has
	// since been replaced, e.g. by an incident freeze, must be re-proposed.
	PolicyVersion int64
}

// hasRestrictedSideEffect reports whether intent declares any side effect
// that bars it from auto-approval (§4.5 "no restricted side-effect").
func (intent Intent) hasRestrictedSideEffect() bool {
	for _, e := range intent.SideEffects {
		if restrictedSideEffects[e] {
			return true
		}
	}
	return false
}

// hasProhibitedRiskTag reports whether intent carries a tag that must
// always deny, independent of cost or reversibility (§4.5 rule 3).
func (intent Intent) hasProhibitedRiskTag() bool {
	for _, tag := range intent.RiskTags {
		if prohibitedRiskTags[tag] {
			return true
		}
	}
	return false
}

// Verdict is the Gate's result for one Intent.
type Verdict struct {
	Decision Decision
	Reason   string
}

func deny(reason string) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

// Evaluate applies snapshot's static rules to intent, then (if present) the
// snapshot's scripted rule, which may only narrow the verdict further.
func Evaluate(ctx context.Context, snapshot *store.PolicySnapshot, intent Intent, now time.Time) Verdict {
	v := evaluateStatic(snapshot, intent, now)

	if snapshot.RuleScript != "" {
		scripted, err := runRuleScript(snapshot.RuleScript, intent, v)
		if err == nil && rank(scripted.Decision) > rank(v.Decision) {
			v = scripted
		}
	}
	return v
}

func evaluateStatic(snapshot *store.PolicySnapshot, intent Intent, now time.Time) Verdict {
	// Prohibited tags and policy staleness deny outright, ahead of every
	// other rule (§4.5 rule 3).
	if intent.hasProhibitedRiskTag() {
		return deny("intent carries a prohibited risk tag")
	}
	if intent.PolicyVersion != 0 && intent.PolicyVersion != snapshot.Version {
		return deny(fmt.Sprintf("policy version mismatch: intent formed under v%d, current is v%d", intent.PolicyVersion, snapshot.Version))
	}

	if intent.EgressHost != "" && !allowed(snapshot.Allowlists.EgressHosts, intent.EgressHost) {
		return deny(fmt.Sprintf("egress host %q not allowlisted", intent.EgressHost))
	}
	if intent.ContactChannel != "" && !allowed(snapshot.Allowlists.ContactChannels, intent.ContactChannel) {
		return deny(fmt.Sprintf("contact channel %q not allowlisted", intent.ContactChannel))
	}

	if intent.Reversibility == store.Irreversible && intent.CostEstimate > snapshot.Thresholds.CostConfirmCap {
		return deny("irreversible intent exceeds cost_confirm_cap")
	}

	if inQuietHours(snapshot.QuietHours, now) && !intent.CriticalSafety {
		return Verdict{Decision: DecisionRequireConfirm, Reason: "quiet hours: intent deferred"}
	}

	restricted := intent.hasRestrictedSideEffect()

	switch {
	case !restricted && snapshot.Thresholds.CostAutoCap > 0 && intent.CostEstimate <= snapshot.Thresholds.CostAutoCap && intent.Reversibility == store.Reversible:
		return Verdict{Decision: DecisionAuto, Reason: "within auto cap, reversible"}
	case intent.CostEstimate <= snapshot.Thresholds.CostConfirmCap:
		if restricted {
			return Verdict{Decision: DecisionRequireConfirm, Reason: "restricted side effect requires confirmation"}
		}
		return Verdict{Decision: DecisionRequireConfirm, Reason: "exceeds auto cap"}
	default:
		return deny("exceeds cost_confirm_cap")
	}
}

func allowed(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// inQuietHours reports whether now falls in the daily [Start, End) window,
// handling windows that wrap past midnight (e.g. 22:00-07:00).
func inQuietHours(q store.QuietHours, now time.Time) bool {
	start, err1 := time.Parse("15:04", q.Start)
	end, err2 := time.Parse("15:04", q.End)
	if err1 != nil || err2 != nil || q.Start == "" || q.End == "" {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}
