package cost

import (
	"github.com/openfroyo/deployer/pkg/engine"
)

// HoursPerMonth is the billing convention used to convert hourly rates.
const HoursPerMonth = 730.0

// ProviderPricing is the static rate card of one provider. Hourly rates are
// in USD.
type ProviderPricing struct {
	// Compute maps an instance size to its hourly rate.
	Compute map[string]float64

	// Database maps a managed database size to its hourly rate.
	Database map[string]float64

	// DiskGBMonth is the block storage rate per GB-month.
	DiskGBMonth float64

	// NATGatewayHourly is the flat hourly rate of a network's NAT gateway.
	NATGatewayHourly float64

	// BucketHourly is the flat base rate of an object-storage bucket.
	BucketHourly float64
}

// Pricing is a rate card per provider.
type Pricing map[engine.Provider]ProviderPricing

// DefaultPricing returns the built-in on-demand rate card.
func DefaultPricing() Pricing {
	return Pricing{
		engine.ProviderAWS: {
			Compute: map[string]float64{
				"t3.micro":   0.0104,
				"t3.small":   0.0208,
				"t3.medium":  0.0416,
				"t3.large":   0.0832,
				"t3.xlarge":  0.1664,
				"m5.large":   0.096,
				"m5.xlarge":  0.192,
				"m5.2xlarge": 0.384,
				"c5.large":   0.085,
				"c5.xlarge":  0.17,
			},
			Database: map[string]float64{
				"db.t3.micro":  0.017,
				"db.t3.small":  0.034,
				"db.t3.medium": 0.068,
				"db.m5.large":  0.171,
				"db.m5.xlarge": 0.342,
				"db.r5.large":  0.24,
				"db.r5.xlarge": 0.48,
			},
			DiskGBMonth:      0.08,
			NATGatewayHourly: 0.045,
			BucketHourly:     0.0007,
		},
		engine.ProviderGCP: {
			Compute: map[string]float64{
				"e2-micro":      0.0084,
				"e2-small":      0.0168,
				"e2-medium":     0.0335,
				"e2-standard-2": 0.067,
				"e2-standard-4": 0.134,
				"n2-standard-2": 0.0971,
				"n2-standard-4": 0.1942,
				"n2-standard-8": 0.3885,
			},
			Database: map[string]float64{
				"db-f1-micro":       0.015,
				"db-g1-small":       0.05,
				"db-custom-2-7680":  0.1365,
				"db-custom-4-15360": 0.273,
				"db-custom-8-30720": 0.546,
			},
			DiskGBMonth:      0.04,
			NATGatewayHourly: 0.045,
			BucketHourly:     0.0007,
		},
		engine.ProviderAzure: {
			Compute: map[string]float64{
				"Standard_B1s":    0.0104,
				"Standard_B2s":    0.0416,
				"Standard_B2ms":   0.0832,
				"Standard_D2s_v3": 0.096,
				"Standard_D4s_v3": 0.192,
				"Standard_D8s_v3": 0.384,
			},
			Database: map[string]float64{
				"B_Gen5_1":  0.034,
				"B_Gen5_2":  0.068,
				"GP_Gen5_2": 0.2522,
				"GP_Gen5_4": 0.5044,
			},
			DiskGBMonth:      0.075,
			NATGatewayHourly: 0.045,
			BucketHourly:     0.0007,
		},
	}
}

// ComputeRate returns the hourly compute rate for a size, or false on a miss.
func (p Pricing) ComputeRate(provider engine.Provider, size string) (float64, bool) {
	rate, ok := p[provider].Compute[size]
	return rate, ok
}

// DatabaseRate returns the hourly database rate for a size, or false on a miss.
func (p Pricing) DatabaseRate(provider engine.Provider, size string) (float64, bool) {
	rate, ok := p[provider].Database[size]
	return rate, ok
}
