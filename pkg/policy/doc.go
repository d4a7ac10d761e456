// Package policy decides whether a proposed resource set may be planned.
//
// # Architecture
//
// The package consists of three parts:
//
//  1. Engine - compiles Rego modules once and evaluates their "deny" sets
//  2. Loader - loads .rego and .json policy files and hot-reloads them
//  3. Validator - the admit/deny gate combining typed spec checks, catalog
//     schemas, project quotas and the Engine
//
// # Usage
//
// Creating a validator:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/deployer/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	v := policy.NewValidator(policy.ValidatorOptions{
//	    Engine:  eng,
//	    Schemas: catalog.NewSchemaRegistry(),
//	    Quotas:  store,
//	    Logger:  logger,
//	})
//
//	result, err := v.Validate(ctx, engine.ValidationRequest{...})
//
// Hot reload keeps the built-in policies and swaps the file-based ones:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return eng.ReplaceLoaded(ctx, p)
//	})
//
// # Writing Policies
//
// Policies use Rego v1 syntax and contribute to a "deny" set. A member is
// either a message string or an object:
//
//	package deployer.policies.regions
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.region == "us-west-1"
//	    violation := {
//	        "message": "us-west-1 is closed for new deployments",
//	        "severity": "error",
//	    }
//	}
//
// The input document holds user, project_id, provider, region and the
// resources array; each resource carries id, name, type, provider and its
// free-form config. Violations with severity "error" or "critical" deny
// admission, "warning" and "info" are reported as warnings.
package policy
