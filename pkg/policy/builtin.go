package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	policies := []Policy{
		resourceNamingPolicy(),
		providerConsistencyPolicy(),
		publicExposurePolicy(),
		computeLimitsPolicy(),
		databaseResiliencePolicy(),
		requiredTagsPolicy(),
	}
	now := time.Now()
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

// resourceNamingPolicy enforces names usable as provisioning-tool identifiers.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are 3-63 lowercase letters, digits or hyphens and unique within a session",
		Severity:    SeverityError,
		Tags:        []string{"naming", "conventions"},
		Rego: `package deployer.policies.naming

import rego.v1

deny contains violation if {
	some r in input.resources
	not regex.match("^[a-z][a-z0-9-]{1,61}[a-z0-9]$", r.name)
	violation := {
		"message": sprintf("resource name '%s' must be 3-63 lowercase letters, digits or hyphens, start with a letter and not end with a hyphen", [r.name]),
		"resource": r.name,
	}
}

deny contains violation if {
	some i, r in input.resources
	some j, other in input.resources
	i < j
	r.name == other.name
	violation := {
		"message": sprintf("resource name '%s' is declared more than once", [r.name]),
		"resource": r.name,
	}
}
`,
	}
}

// providerConsistencyPolicy forbids mixing providers inside one session.
func providerConsistencyPolicy() Policy {
	return Policy{
		Name:        "provider-consistency",
		Description: "Every resource targets the provider of its session",
		Severity:    SeverityError,
		Tags:        []string{"provider"},
		Rego: `package deployer.policies.provider

import rego.v1

deny contains violation if {
	some r in input.resources
	r.provider != input.provider
	violation := {
		"message": sprintf("resource '%s' targets provider %s but the session targets %s", [r.name, r.provider, input.provider]),
		"resource": r.name,
	}
}
`,
	}
}

// publicExposurePolicy denies databases and buckets reachable from the internet.
func publicExposurePolicy() Policy {
	return Policy{
		Name:        "public-exposure",
		Description: "Databases and buckets must not be publicly accessible",
		Severity:    SeverityError,
		Tags:        []string{"security"},
		Rego: `package deployer.policies.exposure

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "managed_database"
	r.config.publicly_accessible == true
	violation := {
		"message": sprintf("database '%s' must not be publicly accessible", [r.name]),
		"resource": r.name,
	}
}

deny contains violation if {
	some r in input.resources
	r.type == "object_storage_bucket"
	r.config.public_access == true
	violation := {
		"message": sprintf("bucket '%s' must not allow public access", [r.name]),
		"resource": r.name,
		"severity": "critical",
	}
}
`,
	}
}

// computeLimitsPolicy bounds the number of instances one declaration may create.
func computeLimitsPolicy() Policy {
	return Policy{
		Name:        "compute-limits",
		Description: "A compute declaration creates at most 20 instances",
		Severity:    SeverityError,
		Tags:        []string{"cost", "limits"},
		Rego: `package deployer.policies.compute

import rego.v1

max_instances := 20

deny contains violation if {
	some r in input.resources
	r.type == "compute_instance"
	n := object.get(r.config, "count", 1)
	n > max_instances
	violation := {
		"message": sprintf("compute '%s' requests %v instances; at most %v are allowed per declaration", [r.name, n, max_instances]),
		"resource": r.name,
	}
}
`,
	}
}

// databaseResiliencePolicy warns about databases without redundancy or backups.
func databaseResiliencePolicy() Policy {
	return Policy{
		Name:        "database-resilience",
		Description: "Databases should be multi-AZ and keep at least 7 days of backups",
		Severity:    SeverityWarning,
		Tags:        []string{"reliability"},
		Rego: `package deployer.policies.database

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "managed_database"
	not r.config.multi_az
	violation := {
		"message": sprintf("database '%s' is not multi-AZ", [r.name]),
		"resource": r.name,
		"severity": "warning",
	}
}

deny contains violation if {
	some r in input.resources
	r.type == "managed_database"
	days := object.get(r.config, "backup_retention_days", 0)
	days < 7
	violation := {
		"message": sprintf("database '%s' keeps %v days of backups; 7 or more is recommended", [r.name, days]),
		"resource": r.name,
		"severity": "warning",
	}
}
`,
	}
}

// requiredTagsPolicy warns about compute instances nobody owns.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Compute instances should carry an owner tag",
		Severity:    SeverityWarning,
		Tags:        []string{"tagging"},
		Rego: `package deployer.policies.tags

import rego.v1

deny contains violation if {
	some r in input.resources
	r.type == "compute_instance"
	not r.config.tags.owner
	violation := {
		"message": sprintf("compute '%s' has no owner tag", [r.name]),
		"resource": r.name,
		"severity": "warning",
	}
}
`,
	}
}
