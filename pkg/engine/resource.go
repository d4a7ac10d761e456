package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Resource is one declared unit of infrastructure. Resources are immutable
// once added to a session.
type Resource struct {
	// ID is the unique identifier of the resource within its session.
	ID string `json:"id"`

	// Name is the logical name used in the rendered configuration.
	Name string `json:"name"`

	// Type is the resource type tag.
	Type ResourceType `json:"type"`

	// Provider is the provider that owns the resource.
	Provider Provider `json:"provider"`

	// Config is the free-form configuration as declared.
	Config map[string]interface{} `json:"config"`

	// AddedAt is when the resource was appended to the session.
	AddedAt time.Time `json:"added_at"`
}

// Clone returns a copy of r with its own config map.
func (r Resource) Clone() Resource {
	c := r
	c.Config = make(map[string]interface{}, len(r.Config))
	for k, v := range r.Config {
		c.Config[k] = v
	}
	return c
}

// Spec decodes the free-form configuration into the typed variant for the
// resource's type. Keys the variant does not declare are kept in its Extras.
func (r Resource) Spec() (ResourceSpec, error) {
	var spec ResourceSpec
	switch r.Type {
	case ResourceCompute:
		spec = &ComputeSpec{}
	case ResourceDatabase:
		spec = &DatabaseSpec{}
	case ResourceNetwork:
		spec = &NetworkSpec{}
	case ResourceBucket:
		spec = &BucketSpec{}
	default:
		return nil, NewPermanentError(fmt.Sprintf("unknown resource type %q", r.Type), nil).
			WithCode(ErrCodeValidation)
	}

	raw, err := json.Marshal(r.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s config: %w", r.Name, err)
	}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, NewPermanentError(fmt.Sprintf("invalid %s config for %s", r.Type, r.Name), err).
			WithCode(ErrCodeValidation)
	}

	known := jsonFieldNames(spec)
	extras := make(map[string]interface{})
	for k, v := range r.Config {
		if !known[k] {
			extras[k] = v
		}
	}
	if len(extras) > 0 {
		spec.setExtras(extras)
	}
	return spec, nil
}

// ResourceSpec is the tagged union over the resource vocabulary.
type ResourceSpec interface {
	// Kind returns the resource type tag of the variant.
	Kind() ResourceType

	// ExtraFields returns provider-specific keys not modelled by the variant.
	ExtraFields() map[string]interface{}

	setExtras(map[string]interface{})
}

// Units returns how many quota units the resource consumes: the instance
// count of a compute resource, one for everything else. A config that does
// not decode counts as one unit; validation reports it separately.
func (r Resource) Units() int {
	if r.Type != ResourceCompute {
		return 1
	}
	spec, err := r.Spec()
	if err != nil {
		return 1
	}
	if c, ok := spec.(*ComputeSpec); ok && c.Count > 1 {
		return c.Count
	}
	return 1
}

// CountUnits sums quota units per resource type.
func CountUnits(resources []Resource) map[ResourceType]int {
	counts := make(map[ResourceType]int)
	for i := range resources {
		counts[resources[i].Type] += resources[i].Units()
	}
	return counts
}

// ComputeSpec configures a compute instance.
type ComputeSpec struct {
	Size       string            `json:"size" validate:"required"`
	DiskSizeGB int               `json:"disk_size_gb" validate:"gte=0,lte=16384"`
	Image      string            `json:"image,omitempty"`
	Count      int               `json:"count,omitempty" validate:"gte=0,lte=100"`
	Tags       map[string]string `json:"tags,omitempty"`

	Extras map[string]interface{} `json:"-"`
}

// DatabaseSpec configures a managed relational database.
type DatabaseSpec struct {
	Engine         string `json:"engine" validate:"required,oneof=postgres mysql mariadb sqlserver"`
	EngineVersion  string `json:"engine_version,omitempty"`
	Size           string `json:"size" validate:"required"`
	StorageGB      int    `json:"storage_gb" validate:"gte=0,lte=65536"`
	MultiAZ        bool   `json:"multi_az,omitempty"`
	BackupDays     int    `json:"backup_retention_days,omitempty" validate:"gte=0,lte=35"`
	PubliclyAccess bool   `json:"publicly_accessible,omitempty"`

	Extras map[string]interface{} `json:"-"`
}

// NetworkSpec configures a virtual network.
type NetworkSpec struct {
	CIDR       string   `json:"cidr" validate:"required,cidrv4"`
	Subnets    []string `json:"subnets,omitempty" validate:"dive,cidrv4"`
	NATGateway bool     `json:"nat_gateway,omitempty"`

	Extras map[string]interface{} `json:"-"`
}

// BucketSpec configures an object-storage bucket.
type BucketSpec struct {
	BucketName   string `json:"bucket_name" validate:"required,min=3,max=63"`
	Versioning   bool   `json:"versioning,omitempty"`
	PublicAccess bool   `json:"public_access,omitempty"`
	StorageClass string `json:"storage_class,omitempty"`

	Extras map[string]interface{} `json:"-"`
}

func (s *ComputeSpec) Kind() ResourceType  { return ResourceCompute }
func (s *DatabaseSpec) Kind() ResourceType { return ResourceDatabase }
func (s *NetworkSpec) Kind() ResourceType  { return ResourceNetwork }
func (s *BucketSpec) Kind() ResourceType   { return ResourceBucket }

func (s *ComputeSpec) ExtraFields() map[string]interface{}  { return s.Extras }
func (s *DatabaseSpec) ExtraFields() map[string]interface{} { return s.Extras }
func (s *NetworkSpec) ExtraFields() map[string]interface{}  { return s.Extras }
func (s *BucketSpec) ExtraFields() map[string]interface{}   { return s.Extras }

func (s *ComputeSpec) setExtras(m map[string]interface{})  { s.Extras = m }
func (s *DatabaseSpec) setExtras(m map[string]interface{}) { s.Extras = m }
func (s *NetworkSpec) setExtras(m map[string]interface{})  { s.Extras = m }
func (s *BucketSpec) setExtras(m map[string]interface{})   { s.Extras = m }

// jsonFieldNames returns the JSON keys declared by a struct pointer.
func jsonFieldNames(v interface{}) map[string]bool {
	names := make(map[string]bool)
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name := strings.Split(tag, ",")[0]
		if name == "" || name == "-" {
			continue
		}
		names[name] = true
	}
	return names
}
