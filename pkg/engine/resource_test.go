package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestResource_Spec(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		wantKind ResourceType
		wantErr  bool
		check    func(t *testing.T, spec ResourceSpec)
	}{
		{
			name: "compute with extras",
			resource: Resource{
				Name: "web",
				Type: ResourceCompute,
				Config: map[string]interface{}{
					"size":          "t3.medium",
					"disk_size_gb":  float64(50),
					"spot_instance": true,
				},
			},
			wantKind: ResourceCompute,
			check: func(t *testing.T, spec ResourceSpec) {
				c := spec.(*ComputeSpec)
				if c.Size != "t3.medium" || c.DiskSizeGB != 50 {
					t.Errorf("unexpected compute spec: %+v", c)
				}
				if c.ExtraFields()["spot_instance"] != true {
					t.Errorf("spot_instance not kept in extras: %v", c.ExtraFields())
				}
			},
		},
		{
			name: "database",
			resource: Resource{
				Name:   "db",
				Type:   ResourceDatabase,
				Config: map[string]interface{}{"engine": "postgres", "size": "db.t3.micro", "storage_gb": 20},
			},
			wantKind: ResourceDatabase,
			check: func(t *testing.T, spec ResourceSpec) {
				d := spec.(*DatabaseSpec)
				if d.Engine != "postgres" || d.StorageGB != 20 {
					t.Errorf("unexpected database spec: %+v", d)
				}
				if len(d.ExtraFields()) != 0 {
					t.Errorf("unexpected extras: %v", d.ExtraFields())
				}
			},
		},
		{
			name: "wrong field type",
			resource: Resource{
				Name:   "bucket",
				Type:   ResourceBucket,
				Config: map[string]interface{}{"bucket_name": 42},
			},
			wantErr: true,
		},
		{
			name:     "unknown type",
			resource: Resource{Name: "queue", Type: "queue"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := tt.resource.Spec()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !HasCode(err, ErrCodeValidation) {
					t.Errorf("expected VALIDATION_ERROR, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Spec() error = %v", err)
			}
			if spec.Kind() != tt.wantKind {
				t.Errorf("Kind() = %s, want %s", spec.Kind(), tt.wantKind)
			}
			if tt.check != nil {
				tt.check(t, spec)
			}
		})
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:         "s-1",
		Resources:  []Resource{{Name: "web", Type: ResourceCompute, Config: map[string]interface{}{"size": "small"}}},
		Plan:       &PlanResult{Success: true, Warnings: []string{"w"}},
		ApprovedAt: &now,
	}

	c := s.Clone()
	c.Resources[0].Config["size"] = "large"
	c.Plan.Warnings[0] = "changed"
	c.Resources = append(c.Resources, Resource{Name: "extra"})

	if s.Resources[0].Config["size"] != "small" {
		t.Error("clone shares resource config")
	}
	if s.Plan.Warnings[0] != "w" {
		t.Error("clone shares plan warnings")
	}
	if len(s.Resources) != 1 {
		t.Error("clone shares resource slice")
	}
}

func TestSession_ResourceCounts(t *testing.T) {
	s := &Session{Resources: []Resource{
		{Type: ResourceCompute}, {Type: ResourceCompute}, {Type: ResourceBucket},
	}}
	counts := s.ResourceCounts()
	if counts[ResourceCompute] != 2 || counts[ResourceBucket] != 1 || counts[ResourceDatabase] != 0 {
		t.Errorf("ResourceCounts() = %v", counts)
	}
}

func TestResource_Units(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		want     int
	}{
		{"compute without count", Resource{Type: ResourceCompute, Config: map[string]interface{}{"size": "t3.micro"}}, 1},
		{"compute count zero", Resource{Type: ResourceCompute, Config: map[string]interface{}{"size": "t3.micro", "count": 0}}, 1},
		{"compute count ten", Resource{Type: ResourceCompute, Config: map[string]interface{}{"size": "t3.micro", "count": 10}}, 10},
		{"compute bad count", Resource{Type: ResourceCompute, Config: map[string]interface{}{"count": "many"}}, 1},
		{"database ignores count", Resource{Type: ResourceDatabase, Config: map[string]interface{}{"count": 4}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resource.Units(); got != tt.want {
				t.Errorf("Units() = %d, want %d", got, tt.want)
			}
		})
	}

	s := &Session{Resources: []Resource{
		{Type: ResourceCompute, Config: map[string]interface{}{"size": "t3.micro", "count": 3}},
		{Type: ResourceCompute, Config: map[string]interface{}{"size": "t3.micro"}},
		{Type: ResourceBucket},
	}}
	if counts := s.ResourceCounts(); counts[ResourceCompute] != 4 || counts[ResourceBucket] != 1 {
		t.Errorf("ResourceCounts() = %v", counts)
	}
}

func TestQuota_Allows(t *testing.T) {
	limit := 3
	q := Quota{ResourceType: ResourceCompute, Limit: &limit, Used: 2}
	if !q.Allows(1) {
		t.Error("Allows(1) = false at exact limit")
	}
	if q.Allows(2) {
		t.Error("Allows(2) = true above limit")
	}
	if q.Remaining() != 1 {
		t.Errorf("Remaining() = %d, want 1", q.Remaining())
	}

	unlimited := Quota{ResourceType: ResourceCompute, Used: 1000}
	if !unlimited.Allows(1000) || unlimited.Remaining() != -1 {
		t.Error("unlimited quota should allow everything")
	}
}

func TestSessionState_JSON(t *testing.T) {
	data, err := json.Marshal(StatePlanReady)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"PLAN_READY"` {
		t.Errorf("Marshal() = %s", data)
	}

	var s SessionState
	if err := json.Unmarshal([]byte(`"BOGUS"`), &s); err == nil {
		t.Error("Unmarshal accepted an unknown state")
	}
}

func TestEngineError_Is(t *testing.T) {
	err := NewConflictError("session is locked in state PLANNING", nil).
		WithCode(ErrCodeSessionLocked).WithSession("s-1")

	if !errors.Is(err, ErrSessionLocked) {
		t.Error("errors.Is should match class and code")
	}
	if errors.Is(err, ErrInvalidTransition) {
		t.Error("errors.Is matched a different code")
	}
	if got := err.Error(); got != "[conflict] session is locked in state PLANNING (session=s-1)" {
		t.Errorf("Error() = %q", got)
	}
}
