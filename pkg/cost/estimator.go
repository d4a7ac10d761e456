// Package cost estimates the running cost of declared resources.
//
// Estimates are pure functions of (provider, resource type, config) over a
// static rate card: the same input always yields the same hourly and
// monthly cost, breakdown and recommendations.
package cost

import (
	"fmt"
	"math"
	"sort"

	"github.com/openfroyo/deployer/pkg/engine"
)

const (
	// MaxRecommendations caps the recommendations returned for a deployment.
	MaxRecommendations = 5

	// ReservedDiscount is the assumed flat discount of reserved capacity.
	ReservedDiscount = 0.30

	// ReservedThreshold is the monthly compute cost above which reserved
	// capacity is recommended.
	ReservedThreshold = 100.0

	// ReadReplicaThreshold is the monthly database cost above which read
	// replicas are recommended.
	ReadReplicaThreshold = 200.0

	downsizeLow    = 0.50
	downsizeHigh   = 0.90
	downsizeTarget = 0.70
)

// RecommendationKind classifies an optimization recommendation.
type RecommendationKind string

const (
	RecommendDownsize    RecommendationKind = "downsize"
	RecommendReserved    RecommendationKind = "reserved_capacity"
	RecommendReadReplica RecommendationKind = "read_replica"
)

// Recommendation is one cost optimization suggestion.
type Recommendation struct {
	// Resource is the name of the resource the recommendation applies to.
	Resource string `json:"resource"`

	// Kind is the recommendation category.
	Kind RecommendationKind `json:"kind"`

	// Message is the human-readable suggestion.
	Message string `json:"message"`

	// MonthlySavings is the estimated monthly saving; zero when not quantified.
	MonthlySavings float64 `json:"monthly_savings"`
}

// String renders the recommendation for display in plan warnings.
func (r Recommendation) String() string {
	if r.MonthlySavings > 0 {
		return fmt.Sprintf("%s: %s (save ~$%.2f/month)", r.Resource, r.Message, r.MonthlySavings)
	}
	return fmt.Sprintf("%s: %s", r.Resource, r.Message)
}

// Estimate is a computed cost estimate. It is never persisted on its own.
type Estimate struct {
	// HourlyCost is the estimated hourly cost.
	HourlyCost float64 `json:"hourly_cost"`

	// MonthlyCost is HourlyCost times HoursPerMonth.
	MonthlyCost float64 `json:"monthly_cost"`

	// Breakdown maps a category (single resource) or a resource name
	// (deployment) to its hourly cost.
	Breakdown map[string]float64 `json:"breakdown"`

	// Recommendations are ranked by savings, highest first.
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Estimator computes cost estimates from a rate card.
type Estimator struct {
	pricing Pricing
}

// NewEstimator creates an estimator over the default rate card.
func NewEstimator() *Estimator {
	return &Estimator{pricing: DefaultPricing()}
}

// NewEstimatorWithPricing creates an estimator over a custom rate card.
func NewEstimatorWithPricing(p Pricing) *Estimator {
	return &Estimator{pricing: p}
}

// EstimateResource estimates a single resource. Sizes missing from the rate
// card cost 0.0.
func (e *Estimator) EstimateResource(provider engine.Provider, resourceType engine.ResourceType, config map[string]interface{}) *Estimate {
	return e.estimate(string(resourceType), provider, resourceType, config)
}

// EstimateDeployment sums the hourly cost of every resource and merges their
// recommendations, keeping the MaxRecommendations with the highest savings.
func (e *Estimator) EstimateDeployment(provider engine.Provider, resources []engine.Resource) *Estimate {
	total := &Estimate{Breakdown: make(map[string]float64)}
	var recs []Recommendation

	for i := range resources {
		r := &resources[i]
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", r.Type, i)
		}
		est := e.estimate(name, provider, r.Type, r.Config)
		total.HourlyCost += est.HourlyCost
		total.Breakdown[name] += est.HourlyCost
		recs = append(recs, est.Recommendations...)
	}

	total.MonthlyCost = total.HourlyCost * HoursPerMonth
	total.Recommendations = rank(recs, MaxRecommendations)
	return total
}

func (e *Estimator) estimate(name string, provider engine.Provider, resourceType engine.ResourceType, config map[string]interface{}) *Estimate {
	est := &Estimate{Breakdown: make(map[string]float64)}
	pp := e.pricing[provider]

	switch resourceType {
	case engine.ResourceCompute:
		size := stringValue(config, "size")
		count := intValue(config, "count")
		if count < 1 {
			count = 1
		}
		rate, _ := e.pricing.ComputeRate(provider, size)
		compute := rate * float64(count)
		disk := pp.DiskGBMonth * float64(intValue(config, "disk_size_gb")) / HoursPerMonth * float64(count)
		est.Breakdown["compute"] = compute
		est.Breakdown["disk"] = disk
		est.HourlyCost = compute + disk
		est.Recommendations = e.computeRecommendations(name, provider, size, rate, count)

	case engine.ResourceDatabase:
		rate, _ := e.pricing.DatabaseRate(provider, stringValue(config, "size"))
		est.Breakdown["database"] = rate
		est.HourlyCost = rate
		if monthly := rate * HoursPerMonth; monthly > ReadReplicaThreshold {
			est.Recommendations = append(est.Recommendations, Recommendation{
				Resource: name,
				Kind:     RecommendReadReplica,
				Message:  fmt.Sprintf("database costs $%.2f/month; offload reads to read replicas before scaling up", monthly),
			})
		}

	case engine.ResourceNetwork:
		if boolValue(config, "nat_gateway") {
			est.Breakdown["nat_gateway"] = pp.NATGatewayHourly
			est.HourlyCost = pp.NATGatewayHourly
		}

	case engine.ResourceBucket:
		est.Breakdown["storage"] = pp.BucketHourly
		est.HourlyCost = pp.BucketHourly
	}

	est.MonthlyCost = est.HourlyCost * HoursPerMonth
	est.Recommendations = rank(est.Recommendations, MaxRecommendations)
	return est
}

// computeRecommendations suggests a smaller size within the downsizing band
// and reserved capacity for expensive instances.
func (e *Estimator) computeRecommendations(name string, provider engine.Provider, size string, rate float64, count int) []Recommendation {
	if rate <= 0 {
		return nil
	}
	var recs []Recommendation

	current := rate * HoursPerMonth
	if alt, altRate, ok := e.downsizeCandidate(provider, size, rate); ok {
		if savings := (current - altRate*HoursPerMonth) * float64(count); savings > 0 {
			recs = append(recs, Recommendation{
				Resource:       name,
				Kind:           RecommendDownsize,
				Message:        fmt.Sprintf("consider %s instead of %s", alt, size),
				MonthlySavings: savings,
			})
		}
	}

	if monthly := current * float64(count); monthly > ReservedThreshold {
		recs = append(recs, Recommendation{
			Resource:       name,
			Kind:           RecommendReserved,
			Message:        fmt.Sprintf("purchase reserved capacity for %s", size),
			MonthlySavings: monthly * ReservedDiscount,
		})
	}
	return recs
}

// downsizeCandidate returns the size whose cost ratio to the current size
// falls within the band and lies nearest the target ratio.
func (e *Estimator) downsizeCandidate(provider engine.Provider, size string, rate float64) (string, float64, bool) {
	sizes := make([]string, 0, len(e.pricing[provider].Compute))
	for s := range e.pricing[provider].Compute {
		sizes = append(sizes, s)
	}
	sort.Strings(sizes)

	best, bestRate, bestDist := "", 0.0, math.Inf(1)
	for _, s := range sizes {
		if s == size {
			continue
		}
		r := e.pricing[provider].Compute[s]
		ratio := r / rate
		if ratio < downsizeLow || ratio > downsizeHigh {
			continue
		}
		if d := math.Abs(ratio - downsizeTarget); d < bestDist {
			best, bestRate, bestDist = s, r, d
		}
	}
	return best, bestRate, best != ""
}

func rank(recs []Recommendation, limit int) []Recommendation {
	if len(recs) == 0 {
		return nil
	}
	sorted := append([]Recommendation(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MonthlySavings > sorted[j].MonthlySavings
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func stringValue(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func intValue(config map[string]interface{}, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return 0
	}
}

func boolValue(config map[string]interface{}, key string) bool {
	v, _ := config[key].(bool)
	return v
}
