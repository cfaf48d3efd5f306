// Package plan turns a classified, confirmed task into an ordered action
// plan with a chosen execution method.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"errand/internal/types"
)

// Plan is the ordered action list for one task. Re-planning builds a new
// Plan and replaces the stored one, it never appends.
type Plan struct {
	TaskID        string
	Method        types.ExecutionMethod // api or browser
	Steps         []types.Action
	EstimatedCost float64

	// AuthGaps lists third-party authorizations the plan needs but the
	// owner has not granted. Recorded and surfaced, never blocking.
	AuthGaps []string
}

// Hash fingerprints the step list so a checkpoint can detect that it refers
// to a different plan generation.
func (p *Plan) Hash() string {
	raw, _ := json.Marshal(p.Steps)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// StepsJSON serializes the steps for persistence.
func (p *Plan) StepsJSON() string {
	raw, _ := json.Marshal(p.Steps)
	return string(raw)
}

// AuthGapsJSON serializes the auth gaps for persistence.
func (p *Plan) AuthGapsJSON() string {
	if p.AuthGaps == nil {
		return "[]"
	}
	raw, _ := json.Marshal(p.AuthGaps)
	return string(raw)
}

// FromStored rebuilds a plan from its persisted form.
func FromStored(taskID, method, stepsJSON, authGapsJSON string) (*Plan, error) {
	p := &Plan{TaskID: taskID, Method: types.ExecutionMethod(method)}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode stored plan for %s: %w", taskID, err)
	}
	if authGapsJSON != "" {
		json.Unmarshal([]byte(authGapsJSON), &p.AuthGaps)
	}
	return p, nil
}
