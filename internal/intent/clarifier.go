package intent

import "errand/internal/config"

// riskyTypes is the fixed set of task types the "risky" confirmation policy
// always gates. These can move money or speak on the owner's behalf.
var riskyTypes = map[string]bool{
	TypeShopping:      true,
	TypePayment:       true,
	TypeCommunication: true,
	TypeDelegation:    true,
}

// confirmThreshold is the confidence below which the "unclear" policy
// requires confirmation.
const confirmThreshold = 80

// NeedsConfirmation decides whether a task must pause for owner approval
// before execution. Pure function of its inputs.
func NeedsConfirmation(cl Classification, policy config.ConfirmationPolicy) bool {
	switch policy {
	case config.ConfirmAlways:
		return true
	case config.ConfirmNever:
		return false
	case config.ConfirmRisky:
		return riskyTypes[cl.TaskType]
	default: // config.ConfirmUnclear
		return cl.Confidence < confirmThreshold || len(cl.Assumptions) > 0 || len(cl.Unclear) > 0
	}
}
