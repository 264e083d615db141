package policy

import (
	"fmt"

	"github.com/dop251/goja"
)

// runRuleScript evaluates an operator-supplied supplemental rule in a fresh
// goja VM per call, the same per-call-isolation pattern the teacher's
// tee.gojaScriptEngine uses. The script sees `intent` and the static
// `decision` and must set a global `result` to one of "auto",
// "require_confirm", or "deny"; any other value, a thrown error, or a
// timeout is treated as "no opinion" (static verdict stands) by the caller.
func runRuleScript(script string, intent Intent, staticVerdict Verdict) (Verdict, error) {
	vm := goja.New()

	intentObj := vm.NewObject()
	_ = intentObj.Set("agent", string(intent.Agent))
	_ = intentObj.Set("action", intent.Action)
	_ = intentObj.Set("costEstimate", intent.CostEstimate)
	_ = intentObj.Set("reversibility", string(intent.Reversibility))
	_ = intentObj.Set("egressHost", intent.EgressHost)
	_ = intentObj.Set("contactChannel", intent.ContactChannel)
	_ = intentObj.Set("riskTags", intent.RiskTags)
	_ = intentObj.Set("criticalSafety", intent.CriticalSafety)
	if err := vm.Set("intent", intentObj); err != nil {
		return Verdict{}, err
	}
	if err := vm.Set("decision", string(staticVerdict.Decision)); err != nil {
		return Verdict{}, err
	}

	v, err := vm.RunString(script)
	if err != nil {
		return Verdict{}, fmt.Errorf("policy: rule script error: %w", err)
	}
	_ = v

	resultVal := vm.Get("result")
	if resultVal == nil || goja.IsUndefined(resultVal) {
		return Verdict{}, fmt.Errorf("policy: rule script did not set result")
	}
	reason := "rule_script"
	if r := vm.Get("reason"); r != nil && !goja.IsUndefined(r) {
		reason = r.String()
	}

	switch resultVal.String() {
	case "auto":
		return Verdict{Decision: DecisionAuto, Reason: reason}, nil
	case "require_confirm":
		return Verdict{Decision: DecisionRequireConfirm, Reason: reason}, nil
	case "deny":
		return Verdict{Decision: DecisionDeny, Reason: reason}, nil
	default:
		return Verdict{}, fmt.Errorf("policy: rule script returned unrecognized result %q", resultVal.String())
	}
}
