package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
)

type fakeQuotas struct {
	quotas []engine.Quota
	err    error
}

func (f *fakeQuotas) ListQuotas(ctx context.Context, projectID string) ([]engine.Quota, error) {
	return f.quotas, f.err
}

type fakeSchemas struct {
	reject map[string]error
	seen   []string
}

func (f *fakeSchemas) ValidateResource(r engine.Resource) error {
	f.seen = append(f.seen, r.Name)
	return f.reject[r.Name]
}

func intPtr(n int) *int { return &n }

func newTestValidator(t *testing.T, quotas QuotaSource, schemas SchemaChecker) *Validator {
	t.Helper()
	return NewValidator(ValidatorOptions{
		Engine:       newTestEngine(t),
		Schemas:      schemas,
		Quotas:       quotas,
		MaxResources: 5,
		Logger:       zerolog.New(nil).Level(zerolog.Disabled),
	})
}

func request(resources ...engine.Resource) engine.ValidationRequest {
	return engine.ValidationRequest{
		User:      "alice",
		ProjectID: "web",
		Provider:  engine.ProviderAWS,
		Region:    "us-east-1",
		Resources: resources,
	}
}

func webServer(name string) engine.Resource {
	return compute(name, map[string]interface{}{
		"size": "t3.micro",
		"tags": map[string]interface{}{"owner": "team-a"},
	})
}

func containsViolation(violations []string, substr string) bool {
	for _, v := range violations {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}

func TestValidate_Admitted(t *testing.T) {
	schemas := &fakeSchemas{}
	v := newTestValidator(t, &fakeQuotas{}, schemas)

	result, err := v.Validate(context.Background(), request(webServer("web-1"), engine.Resource{
		Name: "orders-db", Type: engine.ResourceDatabase, Provider: engine.ProviderAWS,
		Config: map[string]interface{}{"engine": "postgres", "size": "db.t3.micro", "backup_retention_days": 3},
	}))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if !result.Admitted {
		t.Fatalf("expected admission, got violations %v", result.Violations)
	}
	if len(result.Warnings) != 2 {
		t.Errorf("expected 2 resilience warnings, got %v", result.Warnings)
	}
	if result.ValidatedAt.IsZero() {
		t.Error("ValidatedAt should be set")
	}
	if len(schemas.seen) != 2 {
		t.Errorf("schema checker saw %v", schemas.seen)
	}
}

func TestValidate_EmptyResourceSet(t *testing.T) {
	v := newTestValidator(t, nil, nil)

	result, err := v.Validate(context.Background(), request())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Admitted || !containsViolation(result.Violations, "no resources") {
		t.Errorf("expected empty set to be denied, got %+v", result)
	}
}

func TestValidate_TooManyResources(t *testing.T) {
	v := newTestValidator(t, nil, nil)

	var resources []engine.Resource
	for _, name := range []string{"web-a", "web-b", "web-c", "web-d", "web-e", "web-f"} {
		resources = append(resources, webServer(name))
	}

	result, err := v.Validate(context.Background(), request(resources...))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Admitted || !containsViolation(result.Violations, "at most 5 are allowed") {
		t.Errorf("expected resource limit violation, got %v", result.Violations)
	}
}

func TestValidate_SpecErrors(t *testing.T) {
	tests := []struct {
		name     string
		resource engine.Resource
		expected string
	}{
		{
			name:     "missing size",
			resource: compute("web", map[string]interface{}{"tags": map[string]interface{}{"owner": "a"}}),
			expected: "web: size is required",
		},
		{
			name: "unknown engine",
			resource: engine.Resource{Name: "db", Type: engine.ResourceDatabase, Provider: engine.ProviderAWS,
				Config: map[string]interface{}{"engine": "oracle", "size": "db.t3.micro", "multi_az": true, "backup_retention_days": 7}},
			expected: "db: engine must be one of [postgres mysql mariadb sqlserver]",
		},
		{
			name: "bad cidr",
			resource: engine.Resource{Name: "net", Type: engine.ResourceNetwork, Provider: engine.ProviderAWS,
				Config: map[string]interface{}{"cidr": "10.0.0.0/33"}},
			expected: "net: cidr must be an IPv4 CIDR block",
		},
		{
			name: "short bucket name",
			resource: engine.Resource{Name: "logs", Type: engine.ResourceBucket, Provider: engine.ProviderAWS,
				Config: map[string]interface{}{"bucket_name": "ab"}},
			expected: "logs: bucket_name must be at least 3",
		},
		{
			name:     "unknown type",
			resource: engine.Resource{Name: "queue", Type: "message_queue", Provider: engine.ProviderAWS},
			expected: "queue: invalid resource type",
		},
		{
			name:     "wrong config shape",
			resource: compute("web", map[string]interface{}{"size": 42}),
			expected: "invalid compute_instance config for web",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, nil, nil)

			result, err := v.Validate(context.Background(), request(tt.resource))
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if result.Admitted {
				t.Fatal("expected denial")
			}
			if !containsViolation(result.Violations, tt.expected) {
				t.Errorf("expected violation containing %q, got %v", tt.expected, result.Violations)
			}
		})
	}
}

func TestValidate_SchemaRejection(t *testing.T) {
	schemas := &fakeSchemas{reject: map[string]error{"web-1": errors.New("image: conflicting values")}}
	v := newTestValidator(t, nil, schemas)

	result, err := v.Validate(context.Background(), request(webServer("web-1")))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Admitted || !containsViolation(result.Violations, "web-1: image: conflicting values") {
		t.Errorf("expected schema violation, got %v", result.Violations)
	}
}

func TestValidate_Quotas(t *testing.T) {
	quotas := &fakeQuotas{quotas: []engine.Quota{
		{ProjectID: "web", ResourceType: engine.ResourceCompute, Limit: intPtr(3), Used: 2},
		{ProjectID: "web", ResourceType: engine.ResourceNetwork, Limit: intPtr(0)},
		{ProjectID: "web", ResourceType: engine.ResourceBucket},
	}}
	v := newTestValidator(t, quotas, nil)

	result, err := v.Validate(context.Background(), request(webServer("web-1"), webServer("web-2")))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Admitted {
		t.Fatal("expected quota denial")
	}
	want := "quota exceeded for compute_instance: requested 2, 2 of 3 already in use"
	if len(result.Violations) != 1 || result.Violations[0] != want {
		t.Errorf("Violations = %v, want [%s]", result.Violations, want)
	}

	// One more instance still fits.
	result, err = v.Validate(context.Background(), request(webServer("web-1")))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !result.Admitted {
		t.Errorf("expected admission, got %v", result.Violations)
	}
}

func TestValidate_QuotaCountsInstances(t *testing.T) {
	quotas := &fakeQuotas{quotas: []engine.Quota{
		{ProjectID: "web", ResourceType: engine.ResourceCompute, Limit: intPtr(3), Used: 2},
	}}
	v := newTestValidator(t, quotas, nil)

	fleet := compute("fleet", map[string]interface{}{
		"size":  "t3.micro",
		"count": 2,
		"tags":  map[string]interface{}{"owner": "team-a"},
	})
	result, err := v.Validate(context.Background(), request(fleet))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := "quota exceeded for compute_instance: requested 2, 2 of 3 already in use"
	if result.Admitted || !containsViolation(result.Violations, want) {
		t.Errorf("Violations = %v, want %q", result.Violations, want)
	}
}

func TestValidate_QuotaSourceError(t *testing.T) {
	v := newTestValidator(t, &fakeQuotas{err: errors.New("database is locked")}, nil)

	_, err := v.Validate(context.Background(), request(webServer("web-1")))
	if err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Errorf("expected quota load error, got %v", err)
	}
}

func TestValidate_PolicyViolationsReported(t *testing.T) {
	v := newTestValidator(t, nil, nil)

	result, err := v.Validate(context.Background(), request(engine.Resource{
		Name: "orders-db", Type: engine.ResourceDatabase, Provider: engine.ProviderAWS,
		Config: map[string]interface{}{
			"engine": "postgres", "size": "db.t3.micro",
			"multi_az": true, "backup_retention_days": 7, "publicly_accessible": true,
		},
	}))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := "public-exposure: database 'orders-db' must not be publicly accessible"
	if result.Admitted || len(result.Violations) != 1 || result.Violations[0] != want {
		t.Errorf("Violations = %v, want [%s]", result.Violations, want)
	}
}
