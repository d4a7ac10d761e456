// Package engine provides the core types of the plan-first deployment engine.
//
// # Overview
//
// A deployment is carried out inside a Session. Operators declare resources,
// the session is validated against policy and quota, the provisioning tool
// computes a plan, an authorized actor approves it, and only then is the plan
// applied:
//
//	DRAFT -> VALIDATING -> DRAFT -> PLANNING -> PLAN_READY -> APPROVED -> APPLYING -> APPLIED
//
// Any step may end in FAILED; sessions may be CANCELLED until they start
// applying, and EXPIRED once their expiry timestamp passes.
//
// # Core Domain Types
//
//   - Session: one deployment attempt with its resources, plan and approval
//   - Resource: a declared unit of infrastructure; Spec decodes its config into
//     a typed variant (ComputeSpec, DatabaseSpec, NetworkSpec, BucketSpec)
//   - PlanResult: the outcome of one plan invocation
//   - ValidationResult: the admit/deny decision of the validator
//   - Quota: a per-project, per-type bound on resource counts
//
// # State Machine
//
// Machine enforces the transition table. It is stateless; callers must
// serialize operations on one session, for example with KeyedMutex:
//
//	unlock := locks.Lock(session.ID)
//	defer unlock()
//	if _, err := machine.Fire(session, engine.EventAddResource); err != nil {
//	    // session is locked, expired or in the wrong state
//	}
//
// The lock predicate (PLANNING, APPLYING, APPLIED) keeps a plan from going
// stale relative to the resources it was computed from.
//
// # Error Classification
//
// Errors are EngineError values classified as transient, conflict, not_found
// or permanent, and carry a code such as ErrCodeSessionLocked:
//
//	if engine.HasCode(err, engine.ErrCodeSessionLocked) {
//	    // reject the mutation
//	}
package engine
