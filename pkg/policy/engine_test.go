package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func testInput(resources ...engine.Resource) *Input {
	return NewInput(engine.ValidationRequest{
		User:      "alice",
		ProjectID: "web",
		Provider:  engine.ProviderAWS,
		Region:    "us-east-1",
		Resources: resources,
	}, "validate")
}

func compute(name string, config map[string]interface{}) engine.Resource {
	return engine.Resource{ID: "id-" + name, Name: name, Type: engine.ResourceCompute, Provider: engine.ProviderAWS, Config: config}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"compute-limits",
		"database-resilience",
		"provider-consistency",
		"public-exposure",
		"required-tags",
		"resource-naming",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("policy %d = %s, want %s", i, p.Name, expected[i])
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		resources     []engine.Resource
		expectAllowed bool
		expectPolicy  string
		expectWarning string
	}{
		{
			name:          "compliant compute",
			resources:     []engine.Resource{compute("web-1", map[string]interface{}{"size": "t3.micro", "tags": map[string]interface{}{"owner": "team-a"}})},
			expectAllowed: true,
		},
		{
			name:          "uppercase name",
			resources:     []engine.Resource{compute("Web", map[string]interface{}{"size": "t3.micro", "tags": map[string]interface{}{"owner": "a"}})},
			expectAllowed: false,
			expectPolicy:  "resource-naming",
		},
		{
			name: "duplicate names",
			resources: []engine.Resource{
				compute("web", map[string]interface{}{"size": "t3.micro", "tags": map[string]interface{}{"owner": "a"}}),
				compute("web", map[string]interface{}{"size": "t3.small", "tags": map[string]interface{}{"owner": "a"}}),
			},
			expectAllowed: false,
			expectPolicy:  "resource-naming",
		},
		{
			name: "foreign provider",
			resources: []engine.Resource{{
				Name: "net", Type: engine.ResourceNetwork, Provider: engine.ProviderGCP,
				Config: map[string]interface{}{"cidr": "10.0.0.0/16"},
			}},
			expectAllowed: false,
			expectPolicy:  "provider-consistency",
		},
		{
			name: "public database",
			resources: []engine.Resource{{
				Name: "orders-db", Type: engine.ResourceDatabase, Provider: engine.ProviderAWS,
				Config: map[string]interface{}{"publicly_accessible": true, "multi_az": true, "backup_retention_days": 7},
			}},
			expectAllowed: false,
			expectPolicy:  "public-exposure",
		},
		{
			name: "public bucket",
			resources: []engine.Resource{{
				Name: "assets", Type: engine.ResourceBucket, Provider: engine.ProviderAWS,
				Config: map[string]interface{}{"public_access": true},
			}},
			expectAllowed: false,
			expectPolicy:  "public-exposure",
		},
		{
			name:          "too many instances",
			resources:     []engine.Resource{compute("fleet", map[string]interface{}{"size": "t3.micro", "count": 25, "tags": map[string]interface{}{"owner": "a"}})},
			expectAllowed: false,
			expectPolicy:  "compute-limits",
		},
		{
			name: "single-AZ database only warns",
			resources: []engine.Resource{{
				Name: "orders-db", Type: engine.ResourceDatabase, Provider: engine.ProviderAWS,
				Config: map[string]interface{}{"engine": "postgres", "size": "db.t3.micro", "backup_retention_days": 7},
			}},
			expectAllowed: true,
			expectWarning: "database-resilience",
		},
		{
			name:          "missing owner tag only warns",
			resources:     []engine.Resource{compute("web", map[string]interface{}{"size": "t3.micro"})},
			expectAllowed: true,
			expectWarning: "required-tags",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(ctx, testInput(tt.resources...))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Allowed = %v, want %v (violations: %v)", result.Allowed, tt.expectAllowed, result.Violations)
			}
			if tt.expectPolicy != "" && !hasPolicy(result.Violations, tt.expectPolicy) {
				t.Errorf("expected violation of %s, got %v", tt.expectPolicy, result.Violations)
			}
			if tt.expectWarning != "" && !hasPolicy(result.Warnings, tt.expectWarning) {
				t.Errorf("expected warning from %s, got %v", tt.expectWarning, result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 6 {
				t.Errorf("expected 6 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func hasPolicy(violations []Violation, name string) bool {
	for _, v := range violations {
		if v.Policy == name {
			return true
		}
	}
	return false
}

func TestEvaluate_ViolationDetails(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), testInput(engine.Resource{
		Name: "assets", Type: engine.ResourceBucket, Provider: engine.ProviderAWS,
		Config: map[string]interface{}{"public_access": true},
	}))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %v", result.Violations)
	}

	v := result.Violations[0]
	if v.Severity != SeverityCritical || v.Resource != "assets" {
		t.Errorf("unexpected violation: %+v", v)
	}
	if got := v.String(); got != "public-exposure: bucket 'assets' must not allow public access" {
		t.Errorf("String() = %q", got)
	}
}

func TestAddPolicy_Custom(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "region-freeze",
		Enabled: true,
		Rego: `package custom.regions

deny contains "us-east-1 is frozen" if {
	input.region == "us-east-1"
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	result, err := eng.Evaluate(ctx, testInput(compute("web", map[string]interface{}{"tags": map[string]interface{}{"owner": "a"}})))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("expected custom policy to deny")
	}
	if result.Violations[0].Message != "us-east-1 is frozen" || result.Violations[0].Severity != SeverityError {
		t.Errorf("unexpected violation: %+v", result.Violations[0])
	}

	if err := eng.DisablePolicy("region-freeze"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, _ = eng.Evaluate(ctx, testInput(compute("web", map[string]interface{}{"tags": map[string]interface{}{"owner": "a"}})))
	if !result.Allowed {
		t.Errorf("disabled policy still denies: %v", result.Violations)
	}

	if err := eng.EnablePolicy("region-freeze"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	p, err := eng.GetPolicy("region-freeze")
	if err != nil || !p.Enabled {
		t.Errorf("GetPolicy() = %+v, %v", p, err)
	}
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains if {"})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("broken policy was registered")
	}
}

func TestReplaceLoaded(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first := Policy{Name: "a", Enabled: true, Rego: "package a\n\ndeny contains \"a\" if { false }\n"}
	if err := eng.ReplaceLoaded(ctx, []Policy{first}); err != nil {
		t.Fatalf("ReplaceLoaded() error = %v", err)
	}
	second := Policy{Name: "b", Enabled: true, Rego: "package b\n\ndeny contains \"b\" if { false }\n"}
	if err := eng.ReplaceLoaded(ctx, []Policy{second}); err != nil {
		t.Fatalf("ReplaceLoaded() error = %v", err)
	}

	if _, err := eng.GetPolicy("a"); err == nil {
		t.Error("stale loaded policy survived reload")
	}
	if _, err := eng.GetPolicy("b"); err != nil {
		t.Error("reloaded policy missing")
	}
	if _, err := eng.GetPolicy("resource-naming"); err != nil {
		t.Error("built-in policy removed by reload")
	}

	// A broken set leaves the current one in place.
	broken := Policy{Name: "c", Rego: "not rego"}
	if err := eng.ReplaceLoaded(ctx, []Policy{broken}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := eng.GetPolicy("b"); err != nil {
		t.Error("failed reload dropped the current policies")
	}
}
