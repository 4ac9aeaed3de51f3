// Package policy decides which actors may move a patient between intake
// stages and which record-level capabilities they hold. Every decision is a
// pure function of its inputs; a Policy value is never mutated after it is
// built.
package policy

import "strings"

// Edge is a directed stage transition.
type Edge struct {
	From Stage
	To   Stage
}

func (e Edge) String() string {
	return string(e.From) + " -> " + string(e.To)
}

// Requirement describes who may take an edge. Administrators are always
// allowed on a valid edge and are not listed in Roles.
type Requirement struct {
	Valid bool
	Roles []Role
}

// Allows reports whether role satisfies the requirement.
func (r Requirement) Allows(role Role) bool {
	if !r.Valid {
		return false
	}
	if role == RoleAdmin {
		return true
	}
	for _, allowed := range r.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

func (r Requirement) String() string {
	if !r.Valid {
		return "none"
	}
	if len(r.Roles) == 0 {
		return "admin only"
	}
	names := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		names[i] = role.String()
	}
	return strings.Join(names, " or ")
}

// EdgeRule pairs an edge with its requirement, for display.
type EdgeRule struct {
	Edge        Edge
	Requirement Requirement
}

// Policy holds the edge to role matrix.
type Policy struct {
	rules map[Edge][]Role
}

// RecheckEdge is the single sanctioned backward move.
var RecheckEdge = Edge{From: StageComplete, To: StageAwaiting}

// Default returns the built-in matrix.
func Default() *Policy {
	return &Policy{rules: map[Edge][]Role{
		{StageAwaiting, StageScheduled}: {RoleDoctor, RoleNurse},
		{StageScheduled, StageDrawn}:    {RoleNurse},
		{StageDrawn, StageInTransit}:    {RoleNurse},
		{StageInTransit, StageInLab}:    {RoleLabTech},
		{StageInLab, StageComplete}:     {RoleLabTech, RoleDoctor},
		RecheckEdge:                     {RoleDoctor},
	}}
}

// IsValidTransition is true only for single forward steps and the recheck
// edge.
func (p *Policy) IsValidTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == RecheckEdge.From && to == RecheckEdge.To {
		return true
	}
	return to.index() == from.index()+1
}

// RequiredRoleFor returns the requirement for an edge. Invalid edges yield a
// requirement nobody satisfies.
func (p *Policy) RequiredRoleFor(from, to Stage) Requirement {
	if !p.IsValidTransition(from, to) {
		return Requirement{}
	}
	roles := p.rules[Edge{from, to}]
	out := make([]Role, len(roles))
	copy(out, roles)
	return Requirement{Valid: true, Roles: out}
}

// CanTransition reports whether role may move a patient from one stage to
// another. Administrators may take any valid edge.
func (p *Policy) CanTransition(role Role, from, to Stage) bool {
	if !role.Valid() {
		return false
	}
	return p.RequiredRoleFor(from, to).Allows(role)
}

// Edges lists every valid edge in sequence order, recheck last.
func (p *Policy) Edges() []EdgeRule {
	var out []EdgeRule
	for i := 0; i+1 < len(Stages); i++ {
		from, to := Stages[i], Stages[i+1]
		out = append(out, EdgeRule{Edge: Edge{from, to}, Requirement: p.RequiredRoleFor(from, to)})
	}
	out = append(out, EdgeRule{Edge: RecheckEdge, Requirement: p.RequiredRoleFor(RecheckEdge.From, RecheckEdge.To)})
	return out
}

// CanCreatePatient: clinical staff who register patients at intake.
func (p *Policy) CanCreatePatient(role Role) bool {
	switch role {
	case RoleAdmin, RoleDoctor, RoleNurse:
		return true
	}
	return false
}

func (p *Policy) CanEditPatientRecord(role Role, isResponsible bool) bool {
	if role == RoleAdmin {
		return true
	}
	return role.Valid() && isResponsible
}

// CanDeletePatient is reserved for administrators and the patient's creator.
func (p *Policy) CanDeletePatient(role Role, isOwner bool) bool {
	if role == RoleAdmin {
		return true
	}
	return role.Valid() && isOwner
}

func (p *Policy) CanManageResponsibility(role Role, isResponsible bool) bool {
	if role == RoleAdmin {
		return true
	}
	return role.Valid() && isResponsible
}
