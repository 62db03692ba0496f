// Package policy resolves rebase conflicts (spec §9's open question: "the
// merge policy for overlapping edits is not fully pinned down... should be
// defined by product policy"). Rather than hardcoding a resolution in Go,
// it evaluates a Rego module (open-policy-agent/opa's rego package) that a
// workspace can swap out without a code change.
package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed default.rego
var defaultBundle string

// Input is the evaluation context handed to the conflict policy: the
// entity both branches modified, plus the revision each branch produced.
type Input struct {
	WorkspaceID  string `json:"workspace_id"`
	EntityID     string `json:"entity_id"`
	EntityKind   string `json:"entity_kind"`
	HeadRevision string `json:"head_revision"`
	OwnRevision  string `json:"own_revision"`
}

// Resolution is the conflict policy's verdict.
type Resolution string

const (
	// ResolutionTakeOnto keeps the change-set's own edit over head's.
	ResolutionTakeOnto Resolution = "take-onto"
	// ResolutionTakeToRebase keeps head's edit over the change-set's own.
	ResolutionTakeToRebase Resolution = "take-to-rebase"
	// ResolutionNeedsApproval defers the conflict to a human reviewer.
	ResolutionNeedsApproval Resolution = "needs-approval"
)

// Engine evaluates a compiled Rego module against a rebase conflict Input.
type Engine struct {
	query rego.PreparedEvalQuery
}

// DefaultEngine loads the bundled default policy, which always returns
// ResolutionNeedsApproval — the documented resolution for spec §9's open
// question until a workspace opts into something more specific.
func DefaultEngine(ctx context.Context) (*Engine, error) {
	return New(ctx, defaultBundle)
}

// New compiles module, a Rego source implementing
// data.changeset.policy.result, into an Engine.
func New(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.changeset.policy.result"),
		rego.Module("policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rebase conflict policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// Decide evaluates the policy against in, returning the resolution it
// names.
func (e *Engine) Decide(ctx context.Context, in Input) (Resolution, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", fmt.Errorf("evaluate rebase conflict policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("rebase conflict policy produced no result")
	}
	result, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("rebase conflict policy result was not a string")
	}
	switch Resolution(result) {
	case ResolutionTakeOnto, ResolutionTakeToRebase, ResolutionNeedsApproval:
		return Resolution(result), nil
	default:
		return "", fmt.Errorf("rebase conflict policy returned unrecognized resolution %q", result)
	}
}
