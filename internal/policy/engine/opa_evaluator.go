package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"school-platform/devicequota/internal/devicesession/domain"
)

const allowQuery = "data.devicequota.admin.allow"

// DefaultRegoPolicy is the built-in admin policy.
const DefaultRegoPolicy = `package devicequota.admin

default allow := false

self_service := {"admit", "logout", "list", "usage"}

allow if input.subject.role == "platform_admin"

allow if {
	input.subject.role == "school_admin"
	input.subject.school_id != ""
	startswith(input.group.id, concat("", ["school:", input.subject.school_id, ":"]))
}

allow if {
	input.subject.role in {"school_admin", "group_admin"}
	input.group.id in input.subject.groups
}

allow if {
	input.action in self_service
	input.subject.group != ""
	input.group.id == input.subject.group
}
`

// OPAEvaluator evaluates admin authorization with a prepared OPA Rego query.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (DefaultRegoPolicy when empty) and prepares the allow query.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"admin.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile admin policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admin policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// NewOPAEvaluatorFromFile loads the policy from path, or uses the built-in policy when path is empty.
func NewOPAEvaluatorFromFile(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admin policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// Allow evaluates the policy for req.
func (e *OPAEvaluator) Allow(ctx context.Context, req Request) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(req)))
	if err != nil {
		return false, fmt.Errorf("eval admin policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck verifies that the prepared policy evaluates and grants a platform admin.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	ok, err := e.Allow(ctx, Request{
		Subject: Subject{UserID: "healthcheck", Role: "platform_admin"},
		Action:  ActionUsage,
		GroupID: "class:healthcheck",
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("admin policy denied platform_admin")
	}
	return nil
}

func buildInput(req Request) map[string]interface{} {
	ref, err := domain.ParseGroupID(req.GroupID)
	if err != nil {
		ref = domain.GroupRef{ID: req.GroupID, Kind: domain.GroupKindOther}
	}
	groups := make([]interface{}, 0, len(req.Subject.Groups))
	for _, g := range req.Subject.Groups {
		groups = append(groups, g)
	}
	return map[string]interface{}{
		"action": req.Action,
		"subject": map[string]interface{}{
			"id":        req.Subject.UserID,
			"role":      req.Subject.Role,
			"school_id": req.Subject.SchoolID,
			"group":     req.Subject.Group,
			"groups":    groups,
		},
		"group": map[string]interface{}{
			"id":        ref.ID,
			"kind":      string(ref.Kind),
			"school_id": ref.SchoolID,
			"class_id":  ref.ClassID,
		},
	}
}
