package cost

import (
	"math"
	"reflect"
	"testing"

	"github.com/openfroyo/deployer/pkg/engine"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEstimateResource_Compute(t *testing.T) {
	e := NewEstimator()
	est := e.EstimateResource(engine.ProviderAWS, engine.ResourceCompute, map[string]interface{}{
		"size":         "t3.medium",
		"disk_size_gb": float64(100),
	})

	wantCompute := 0.0416
	wantDisk := 0.08 * 100 / HoursPerMonth
	if !almostEqual(est.Breakdown["compute"], wantCompute) {
		t.Errorf("compute = %v, want %v", est.Breakdown["compute"], wantCompute)
	}
	if !almostEqual(est.Breakdown["disk"], wantDisk) {
		t.Errorf("disk = %v, want %v", est.Breakdown["disk"], wantDisk)
	}
	if !almostEqual(est.HourlyCost, wantCompute+wantDisk) {
		t.Errorf("HourlyCost = %v", est.HourlyCost)
	}
	if !almostEqual(est.MonthlyCost, est.HourlyCost*HoursPerMonth) {
		t.Errorf("MonthlyCost = %v, want hourly*730", est.MonthlyCost)
	}
}

func TestEstimateResource_UnknownSizeIsFree(t *testing.T) {
	e := NewEstimator()
	est := e.EstimateResource(engine.ProviderAWS, engine.ResourceCompute, map[string]interface{}{"size": "x99.huge"})
	if est.HourlyCost != 0 || est.MonthlyCost != 0 {
		t.Errorf("unknown size cost = %v/%v, want 0", est.HourlyCost, est.MonthlyCost)
	}
	if len(est.Recommendations) != 0 {
		t.Errorf("unexpected recommendations: %v", est.Recommendations)
	}

	est = e.EstimateResource("digitalocean", engine.ResourceDatabase, map[string]interface{}{"size": "db.t3.micro"})
	if est.HourlyCost != 0 {
		t.Errorf("unknown provider cost = %v, want 0", est.HourlyCost)
	}
}

func TestEstimateResource_Deterministic(t *testing.T) {
	e := NewEstimator()
	config := map[string]interface{}{"size": "t3.xlarge", "disk_size_gb": 40}

	first := e.EstimateResource(engine.ProviderAWS, engine.ResourceCompute, config)
	for i := 0; i < 20; i++ {
		again := e.EstimateResource(engine.ProviderAWS, engine.ResourceCompute, config)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("estimate differs on run %d: %+v vs %+v", i, first, again)
		}
	}
}

func TestEstimateResource_ComputeRecommendations(t *testing.T) {
	e := NewEstimator()
	est := e.EstimateResource(engine.ProviderAWS, engine.ResourceCompute, map[string]interface{}{"size": "t3.xlarge"})

	if len(est.Recommendations) != 2 {
		t.Fatalf("got %d recommendations, want 2: %v", len(est.Recommendations), est.Recommendations)
	}

	down := est.Recommendations[0]
	if down.Kind != RecommendDownsize {
		t.Fatalf("first recommendation = %s, want downsize", down.Kind)
	}
	if down.Message != "consider m5.large instead of t3.xlarge" {
		t.Errorf("downsize message = %q", down.Message)
	}
	if !almostEqual(down.MonthlySavings, (0.1664-0.096)*HoursPerMonth) {
		t.Errorf("downsize savings = %v", down.MonthlySavings)
	}

	reserved := est.Recommendations[1]
	if reserved.Kind != RecommendReserved {
		t.Fatalf("second recommendation = %s, want reserved", reserved.Kind)
	}
	if !almostEqual(reserved.MonthlySavings, 0.1664*HoursPerMonth*ReservedDiscount) {
		t.Errorf("reserved savings = %v", reserved.MonthlySavings)
	}
}

func TestEstimateResource_CheapComputeNoReserved(t *testing.T) {
	e := NewEstimator()
	est := e.EstimateResource(engine.ProviderAWS, engine.ResourceCompute, map[string]interface{}{"size": "t3.micro"})
	for _, r := range est.Recommendations {
		if r.Kind == RecommendReserved {
			t.Errorf("reserved capacity recommended for a $%.2f/month instance", est.MonthlyCost)
		}
	}
}

func TestEstimateResource_DatabaseReadReplica(t *testing.T) {
	e := NewEstimator()

	big := e.EstimateResource(engine.ProviderAWS, engine.ResourceDatabase, map[string]interface{}{"size": "db.r5.xlarge"})
	if len(big.Recommendations) != 1 || big.Recommendations[0].Kind != RecommendReadReplica {
		t.Errorf("expected read replica recommendation, got %v", big.Recommendations)
	}

	small := e.EstimateResource(engine.ProviderAWS, engine.ResourceDatabase, map[string]interface{}{"size": "db.t3.micro"})
	if len(small.Recommendations) != 0 {
		t.Errorf("unexpected recommendations for small database: %v", small.Recommendations)
	}
}

func TestEstimateResource_Network(t *testing.T) {
	e := NewEstimator()
	plain := e.EstimateResource(engine.ProviderGCP, engine.ResourceNetwork, map[string]interface{}{"cidr": "10.0.0.0/16"})
	if plain.HourlyCost != 0 {
		t.Errorf("network without NAT cost = %v", plain.HourlyCost)
	}
	nat := e.EstimateResource(engine.ProviderGCP, engine.ResourceNetwork, map[string]interface{}{"nat_gateway": true})
	if !almostEqual(nat.HourlyCost, 0.045) {
		t.Errorf("NAT cost = %v", nat.HourlyCost)
	}
}

func TestEstimateDeployment(t *testing.T) {
	e := NewEstimator()
	resources := []engine.Resource{
		{Name: "web", Type: engine.ResourceCompute, Config: map[string]interface{}{"size": "t3.xlarge"}},
		{Name: "api", Type: engine.ResourceCompute, Config: map[string]interface{}{"size": "m5.2xlarge"}},
		{Name: "db", Type: engine.ResourceDatabase, Config: map[string]interface{}{"size": "db.r5.xlarge"}},
		{Name: "assets", Type: engine.ResourceBucket},
		{Name: "worker", Type: engine.ResourceCompute, Config: map[string]interface{}{"size": "m5.xlarge"}},
	}

	est := e.EstimateDeployment(engine.ProviderAWS, resources)

	wantHourly := 0.1664 + 0.384 + 0.48 + 0.0007 + 0.192
	if !almostEqual(est.HourlyCost, wantHourly) {
		t.Errorf("HourlyCost = %v, want %v", est.HourlyCost, wantHourly)
	}
	if !almostEqual(est.MonthlyCost, wantHourly*HoursPerMonth) {
		t.Errorf("MonthlyCost = %v", est.MonthlyCost)
	}
	if len(est.Breakdown) != len(resources) {
		t.Errorf("breakdown has %d entries, want %d", len(est.Breakdown), len(resources))
	}
	if !almostEqual(est.Breakdown["db"], 0.48) {
		t.Errorf("breakdown[db] = %v", est.Breakdown["db"])
	}
	if len(est.Recommendations) != MaxRecommendations {
		t.Fatalf("got %d recommendations, want %d", len(est.Recommendations), MaxRecommendations)
	}
	for i := 1; i < len(est.Recommendations); i++ {
		if est.Recommendations[i].MonthlySavings > est.Recommendations[i-1].MonthlySavings {
			t.Errorf("recommendations not ranked by savings at %d", i)
		}
	}
}

func TestCheckBudgetCompliance(t *testing.T) {
	tests := []struct {
		name          string
		monthly       float64
		budget        float64
		wantCompliant bool
		wantUsage     float64
		wantRemaining float64
		wantOverage   float64
	}{
		{"under budget", 250, 1000, true, 25, 750, 0},
		{"exactly at budget", 1000, 1000, true, 100, 0, 0},
		{"over budget", 1500, 1000, false, 150, 0, 500},
		{"zero budget free deployment", 0, 0, true, 0, 0, 0},
		{"zero budget paid deployment", 10, 0, false, 100, 0, 10},
		{"negative budget", 10, -5, false, 100, 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckBudgetCompliance(&Estimate{MonthlyCost: tt.monthly}, tt.budget)
			if got.Compliant != tt.wantCompliant {
				t.Errorf("Compliant = %v, want %v", got.Compliant, tt.wantCompliant)
			}
			if !almostEqual(got.UsagePercent, tt.wantUsage) {
				t.Errorf("UsagePercent = %v, want %v", got.UsagePercent, tt.wantUsage)
			}
			if !almostEqual(got.Remaining, tt.wantRemaining) {
				t.Errorf("Remaining = %v, want %v", got.Remaining, tt.wantRemaining)
			}
			if !almostEqual(got.Overage, tt.wantOverage) {
				t.Errorf("Overage = %v, want %v", got.Overage, tt.wantOverage)
			}
		})
	}
}
