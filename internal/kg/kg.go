// Package kg implements the tier-protected knowledge graph: an
// entity/relation store with append-only JSONL persistence, periodic
// compaction, metadata observations and markdown ingestion.
package kg

import (
	"fmt"
	"strings"
)

// Kind is the closed set of entity kinds.
type Kind string

const (
	KindComponent             Kind = "component"
	KindVisionStandard        Kind = "vision_standard"
	KindArchitecturalStandard Kind = "architectural_standard"
	KindPattern               Kind = "pattern"
	KindProblem               Kind = "problem"
	KindSolutionPattern       Kind = "solution_pattern"
	KindGovernanceDecision    Kind = "governance_decision"
)

// ValidKind reports whether k is a known entity kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindComponent, KindVisionStandard, KindArchitecturalStandard,
		KindPattern, KindProblem, KindSolutionPattern, KindGovernanceDecision:
		return true
	}
	return false
}

// Tier is a protection level attached to an entity via a protection_tier
// observation.
type Tier string

const (
	TierVision       Tier = "vision"
	TierArchitecture Tier = "architecture"
	TierQuality      Tier = "quality"

	// TierNone marks an entity with no protection_tier observation.
	// Unprotected entities are treated as quality for access checks.
	TierNone Tier = ""
)

// Role identifies who is asking for a mutation.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// TierPrefix is the observation prefix carrying the governance key.
const TierPrefix = "protection_tier:"

// Entity is a named node with an ordered observation list. Observations carry
// both free text and metadata-prefixed strings (see metadata.go).
type Entity struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"entityType"`
	Observations []string `json:"observations"`
}

// Tier returns the entity's protection tier: the value of the first
// protection_tier observation in insertion order. Later tier observations are
// ignored.
func (e *Entity) Tier() Tier {
	for _, obs := range e.Observations {
		if strings.HasPrefix(obs, TierPrefix) {
			return Tier(strings.TrimSpace(strings.TrimPrefix(obs, TierPrefix)))
		}
	}
	return TierNone
}

// Relation is a directed, typed edge. Endpoints may dangle for a short
// window; compaction is free to drop them.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"relationType"`
}

// EntityView is an entity together with every relation touching it.
type EntityView struct {
	Entity    Entity     `json:"entity"`
	Relations []Relation `json:"relations"`
}

// NotFoundError reports a query for a missing entity.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Entity '%s' not found", e.Name)
}

// DeniedError reports a tier-protection denial. The message names the
// blocking tier so callers can surface it verbatim.
type DeniedError struct {
	Tier   Tier
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

// IsDenied reports whether err is a tier-protection denial.
func IsDenied(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// checkWrite decides whether a mutation of an entity's observations is
// permitted. Human callers may write any tier. Agents may write quality and
// unprotected entities freely, and architecture entities only with an
// approved change. Vision entities are human-owned.
func checkWrite(tier Tier, caller Role, changeApproved bool) error {
	if caller == RoleHuman {
		return nil
	}
	switch tier {
	case TierVision:
		return &DeniedError{Tier: TierVision, Reason: "Vision-tier entities are human-owned and cannot be modified by agents"}
	case TierArchitecture:
		if changeApproved {
			return nil
		}
		return &DeniedError{Tier: TierArchitecture, Reason: "Architecture-tier entities require an approved change before agent modification"}
	default: // quality or unprotected
		return nil
	}
}

// checkDelete decides whether an entity deletion is permitted. Humans may
// delete any tier; agents only quality-tier (and unprotected) entities.
func checkDelete(tier Tier, caller Role) error {
	if caller == RoleHuman {
		return nil
	}
	switch tier {
	case TierVision:
		return &DeniedError{Tier: TierVision, Reason: "Vision-tier entities can only be deleted by humans"}
	case TierArchitecture:
		return &DeniedError{Tier: TierArchitecture, Reason: "Architecture-tier entities can only be deleted by humans"}
	default:
		return nil
	}
}

// validateEntity enforces the kind/tier pairing invariants.
func validateEntity(e Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("entity %q: unknown kind %q", e.Name, e.Kind)
	}
	switch (&e).Tier() {
	case TierVision:
		if e.Kind != KindVisionStandard {
			return fmt.Errorf("entity %q: vision-tier entities must have kind vision_standard, got %q", e.Name, e.Kind)
		}
	case TierArchitecture:
		switch e.Kind {
		case KindArchitecturalStandard, KindPattern, KindComponent:
		default:
			return fmt.Errorf("entity %q: architecture-tier entities must have kind architectural_standard, pattern or component, got %q", e.Name, e.Kind)
		}
	}
	return nil
}
