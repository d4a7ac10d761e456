package engine

import (
	"encoding/json"
	"fmt"
)

// SessionState represents the lifecycle state of a deployment session.
type SessionState string

const (
	// StateDraft indicates the session accepts resource declarations.
	StateDraft SessionState = "DRAFT"

	// StateValidating indicates policy and quota validation is in progress.
	StateValidating SessionState = "VALIDATING"

	// StatePlanning indicates the provisioning tool is computing a plan.
	StatePlanning SessionState = "PLANNING"

	// StatePlanReady indicates a plan was produced and awaits approval.
	StatePlanReady SessionState = "PLAN_READY"

	// StateApproved indicates an authorized actor approved the plan; apply is scheduled.
	StateApproved SessionState = "APPROVED"

	// StateApplying indicates the approved plan is being applied.
	StateApplying SessionState = "APPLYING"

	// StateApplied indicates the plan was applied successfully.
	StateApplied SessionState = "APPLIED"

	// StateFailed indicates validation, planning or apply failed.
	StateFailed SessionState = "FAILED"

	// StateCancelled indicates the session was cancelled by an operator.
	StateCancelled SessionState = "CANCELLED"

	// StateExpired indicates the session outlived its expiry timestamp.
	StateExpired SessionState = "EXPIRED"
)

// AllStates lists every session state in lifecycle order.
var AllStates = []SessionState{
	StateDraft, StateValidating, StatePlanning, StatePlanReady, StateApproved,
	StateApplying, StateApplied, StateFailed, StateCancelled, StateExpired,
}

// IsTerminal returns true if the state accepts no further transitions.
func (s SessionState) IsTerminal() bool {
	return s == StateApplied || s == StateFailed || s == StateCancelled || s == StateExpired
}

// IsLocked returns true if the resource list is frozen because a plan or apply
// is in progress or complete.
func (s SessionState) IsLocked() bool {
	return s == StatePlanning || s == StateApplying || s == StateApplied
}

// IsMutable returns true if resources may be added in this state.
func (s SessionState) IsMutable() bool {
	return s == StateDraft || s == StateValidating
}

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	switch s {
	case StateDraft, StateValidating, StatePlanning, StatePlanReady, StateApproved,
		StateApplying, StateApplied, StateFailed, StateCancelled, StateExpired:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = SessionState(str)
	return s.Validate()
}

// Provider identifies the cloud provider a session deploys to.
type Provider string

const (
	// ProviderAWS is Amazon Web Services.
	ProviderAWS Provider = "aws"

	// ProviderGCP is Google Cloud Platform.
	ProviderGCP Provider = "gcp"

	// ProviderAzure is Microsoft Azure.
	ProviderAzure Provider = "azure"
)

// Validate checks if the provider is part of the supported set.
func (p Provider) Validate() error {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderAzure:
		return nil
	default:
		return fmt.Errorf("invalid provider: %s", p)
	}
}

// ResourceType is the fixed vocabulary of declarable infrastructure.
type ResourceType string

const (
	// ResourceCompute is a virtual machine instance.
	ResourceCompute ResourceType = "compute_instance"

	// ResourceDatabase is a managed relational database.
	ResourceDatabase ResourceType = "managed_database"

	// ResourceNetwork is a virtual network with its address space.
	ResourceNetwork ResourceType = "network"

	// ResourceBucket is an object-storage bucket.
	ResourceBucket ResourceType = "object_storage_bucket"
)

// AllResourceTypes lists the resource vocabulary.
var AllResourceTypes = []ResourceType{ResourceCompute, ResourceDatabase, ResourceNetwork, ResourceBucket}

// Validate checks if the resource type is part of the vocabulary.
func (t ResourceType) Validate() error {
	switch t {
	case ResourceCompute, ResourceDatabase, ResourceNetwork, ResourceBucket:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", t)
	}
}

// AuditOutcome is the result recorded on an audit entry.
type AuditOutcome string

const (
	OutcomeSuccess  AuditOutcome = "success"
	OutcomeFailure  AuditOutcome = "failure"
	OutcomeRejected AuditOutcome = "rejected"
)
