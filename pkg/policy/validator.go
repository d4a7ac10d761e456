package policy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// SchemaChecker validates one resource configuration against its schema.
type SchemaChecker interface {
	ValidateResource(resource engine.Resource) error
}

// QuotaSource lists the quotas of a project.
type QuotaSource interface {
	ListQuotas(ctx context.Context, projectID string) ([]engine.Quota, error)
}

// ValidatorOptions configures a Validator. Nil collaborators disable the
// corresponding check.
type ValidatorOptions struct {
	Engine       *Engine
	Schemas      SchemaChecker
	Quotas       QuotaSource
	MaxResources int
	Logger       zerolog.Logger
	Metrics      *telemetry.Metrics
}

// Validator admits or denies a proposed resource set. It checks, in order,
// the typed resource specs, the catalog schemas, project quotas and the
// Rego policies, and reports every violation it finds.
type Validator struct {
	engine       *Engine
	schemas      SchemaChecker
	quotas       QuotaSource
	maxResources int
	validate     *validator.Validate
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
}

var _ engine.Validator = (*Validator)(nil)

// NewValidator creates a validator.
func NewValidator(opts ValidatorOptions) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		engine:       opts.Engine,
		schemas:      opts.Schemas,
		quotas:       opts.Quotas,
		maxResources: opts.MaxResources,
		validate:     v,
		logger:       opts.Logger.With().Str("component", "validator").Logger(),
		metrics:      opts.Metrics,
	}
}

// Validate evaluates req. An error is returned only when a check could not
// run; a denial is reported through the result.
func (v *Validator) Validate(ctx context.Context, req engine.ValidationRequest) (*engine.ValidationResult, error) {
	result := &engine.ValidationResult{}

	if len(req.Resources) == 0 {
		result.Violations = append(result.Violations, "session declares no resources")
	}
	if v.maxResources > 0 && len(req.Resources) > v.maxResources {
		result.Violations = append(result.Violations,
			fmt.Sprintf("session declares %d resources; at most %d are allowed", len(req.Resources), v.maxResources))
	}

	specViolations := v.checkSpecs(req)
	v.metrics.RecordPolicyViolations("schema", len(specViolations))
	result.Violations = append(result.Violations, specViolations...)

	quotaViolations, err := v.checkQuotas(ctx, req)
	if err != nil {
		return nil, err
	}
	v.metrics.RecordPolicyViolations("quota", len(quotaViolations))
	result.Violations = append(result.Violations, quotaViolations...)

	if v.engine != nil {
		policyResult, err := v.engine.Evaluate(ctx, NewInput(req, "validate"))
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		v.metrics.RecordPolicyViolations("rego", len(policyResult.Violations))
		for _, violation := range policyResult.Violations {
			result.Violations = append(result.Violations, violation.String())
		}
		for _, warning := range policyResult.Warnings {
			result.Warnings = append(result.Warnings, warning.String())
		}
	}

	result.Admitted = len(result.Violations) == 0
	result.ValidatedAt = time.Now().UTC()

	v.logger.Debug().
		Str("project_id", req.ProjectID).
		Int("resources", len(req.Resources)).
		Bool("admitted", result.Admitted).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Msg("Resource set validated")

	return result, nil
}

// checkSpecs decodes every resource into its typed variant and validates it.
func (v *Validator) checkSpecs(req engine.ValidationRequest) []string {
	var violations []string

	for i := range req.Resources {
		r := req.Resources[i]

		if err := r.Type.Validate(); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", r.Name, err))
			continue
		}
		if err := r.Provider.Validate(); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", r.Name, err))
			continue
		}

		spec, err := r.Spec()
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", r.Name, err))
			continue
		}

		if err := v.validate.Struct(spec); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					violations = append(violations, fmt.Sprintf("%s: %s", r.Name, describeFieldError(fe)))
				}
			} else {
				violations = append(violations, fmt.Sprintf("%s: %v", r.Name, err))
			}
			continue
		}

		if v.schemas != nil {
			if err := v.schemas.ValidateResource(r); err != nil {
				violations = append(violations, fmt.Sprintf("%s: %v", r.Name, err))
			}
		}
	}

	return violations
}

// checkQuotas compares the requested resource counts with project quotas.
func (v *Validator) checkQuotas(ctx context.Context, req engine.ValidationRequest) ([]string, error) {
	if v.quotas == nil {
		return nil, nil
	}

	quotas, err := v.quotas.ListQuotas(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quotas for project %s: %w", req.ProjectID, err)
	}

	requested := engine.CountUnits(req.Resources)

	var violations []string
	for _, q := range quotas {
		n := requested[q.ResourceType]
		if n == 0 || q.Allows(n) {
			continue
		}
		violations = append(violations, fmt.Sprintf("quota exceeded for %s: requested %d, %d of %d already in use",
			q.ResourceType, n, q.Used, *q.Limit))
	}
	sort.Strings(violations)

	return violations, nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "cidrv4":
		return fmt.Sprintf("%s must be an IPv4 CIDR block", field)
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
