package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openfroyo/deployer/pkg/engine"
)

// MainFile is the configuration file the renderer produces.
const MainFile = "main.tf.json"

// providerSource pins the provisioning-tool plugin for each provider.
var providerSource = map[engine.Provider]struct{ name, source, version string }{
	engine.ProviderAWS:   {"aws", "hashicorp/aws", "~> 5.0"},
	engine.ProviderGCP:   {"google", "hashicorp/google", "~> 5.0"},
	engine.ProviderAzure: {"azurerm", "hashicorp/azurerm", "~> 3.0"},
}

// Renderer materializes a session into Terraform JSON configuration.
type Renderer struct{}

var _ engine.ConfigRenderer = (*Renderer)(nil)

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// block is one level of the Terraform JSON document.
type block = map[string]interface{}

// document accumulates resource blocks keyed by Terraform type and label.
type document struct {
	session   *engine.Session
	resources map[string]block
	labels    map[string]bool
}

func (d *document) add(tfType, label string, body block) {
	if d.resources[tfType] == nil {
		d.resources[tfType] = block{}
	}
	d.resources[tfType][label] = body
}

// label reserves a unique Terraform label derived from a resource name.
func (d *document) label(name string) string {
	base := Identifier(name)
	label := base
	for i := 2; d.labels[label]; i++ {
		label = fmt.Sprintf("%s_%d", base, i)
	}
	d.labels[label] = true
	return label
}

// Render implements engine.ConfigRenderer.
func (r *Renderer) Render(session *engine.Session) (map[string][]byte, error) {
	src, ok := providerSource[session.Provider]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("cannot render provider %q", session.Provider), nil).
			WithCode(engine.ErrCodeValidation)
	}

	doc := &document{
		session:   session,
		resources: make(map[string]block),
		labels:    make(map[string]bool),
	}

	providerBody := block{}
	switch session.Provider {
	case engine.ProviderAWS:
		providerBody["region"] = session.Region
		providerBody["default_tags"] = block{"tags": sessionTags(session)}
	case engine.ProviderGCP:
		providerBody["region"] = session.Region
	case engine.ProviderAzure:
		providerBody["features"] = block{}
		doc.add("azurerm_resource_group", "session", block{
			"name":     "rg-" + session.ProjectID + "-" + shortID(session.ID),
			"location": session.Region,
			"tags":     sessionTags(session),
		})
	}

	for i := range session.Resources {
		res := session.Resources[i]
		if res.Provider != session.Provider {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("resource %s targets %s in a %s session", res.Name, res.Provider, session.Provider), nil).
				WithCode(engine.ErrCodeValidation)
		}

		spec, err := res.Spec()
		if err != nil {
			return nil, err
		}

		if err := r.renderResource(doc, res.Name, spec); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", res.Name, err)
		}
	}

	root := block{
		"terraform": block{
			"required_providers": block{
				src.name: block{"source": src.source, "version": src.version},
			},
		},
		"provider": block{src.name: providerBody},
	}
	if len(doc.resources) > 0 {
		root["resource"] = doc.resources
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	return map[string][]byte{MainFile: append(data, '\n')}, nil
}

func (r *Renderer) renderResource(doc *document, name string, spec engine.ResourceSpec) error {
	label := doc.label(name)

	var tfType string
	var body block
	switch doc.session.Provider {
	case engine.ProviderAWS:
		tfType, body = renderAWS(doc, label, name, spec)
	case engine.ProviderGCP:
		tfType, body = renderGCP(doc, label, name, spec)
	case engine.ProviderAzure:
		tfType, body = renderAzure(doc, label, name, spec)
	}
	if body == nil {
		return fmt.Errorf("resource type %s is not supported on %s", spec.Kind(), doc.session.Provider)
	}

	// Keys outside the typed spec pass through unless rendering set them.
	for k, v := range spec.ExtraFields() {
		if _, exists := body[k]; !exists {
			body[k] = v
		}
	}

	doc.add(tfType, label, body)
	return nil
}

func renderAWS(doc *document, label, name string, spec engine.ResourceSpec) (string, block) {
	switch s := spec.(type) {
	case *engine.ComputeSpec:
		body := block{
			"instance_type": s.Size,
			"tags":          mergeTags(s.Tags, "Name", name),
		}
		if s.Image != "" {
			body["ami"] = s.Image
		}
		if s.DiskSizeGB > 0 {
			body["root_block_device"] = block{"volume_size": s.DiskSizeGB}
		}
		if s.Count > 1 {
			body["count"] = s.Count
		}
		return "aws_instance", body

	case *engine.DatabaseSpec:
		body := block{
			"identifier":              name,
			"engine":                  s.Engine,
			"instance_class":          s.Size,
			"allocated_storage":       orDefault(s.StorageGB, 20),
			"multi_az":                s.MultiAZ,
			"backup_retention_period": s.BackupDays,
			"publicly_accessible":     s.PubliclyAccess,
			"skip_final_snapshot":     true,
		}
		if s.EngineVersion != "" {
			body["engine_version"] = s.EngineVersion
		}
		return "aws_db_instance", body

	case *engine.NetworkSpec:
		for i, subnet := range s.Subnets {
			doc.add("aws_subnet", fmt.Sprintf("%s_%d", label, i), block{
				"vpc_id":     ref("aws_vpc", label, "id"),
				"cidr_block": subnet,
				"tags":       block{"Name": fmt.Sprintf("%s-%d", name, i)},
			})
		}
		if s.NATGateway && len(s.Subnets) > 0 {
			doc.add("aws_eip", label+"_nat", block{"domain": "vpc"})
			doc.add("aws_nat_gateway", label, block{
				"allocation_id": ref("aws_eip", label+"_nat", "id"),
				"subnet_id":     ref("aws_subnet", label+"_0", "id"),
			})
		}
		return "aws_vpc", block{
			"cidr_block":           s.CIDR,
			"enable_dns_hostnames": true,
			"tags":                 block{"Name": name},
		}

	case *engine.BucketSpec:
		if s.Versioning {
			doc.add("aws_s3_bucket_versioning", label, block{
				"bucket":                   ref("aws_s3_bucket", label, "id"),
				"versioning_configuration": block{"status": "Enabled"},
			})
		}
		if !s.PublicAccess {
			doc.add("aws_s3_bucket_public_access_block", label, block{
				"bucket":                  ref("aws_s3_bucket", label, "id"),
				"block_public_acls":       true,
				"block_public_policy":     true,
				"ignore_public_acls":      true,
				"restrict_public_buckets": true,
			})
		}
		return "aws_s3_bucket", block{"bucket": s.BucketName}
	}
	return "", nil
}

var gcpDatabaseVersions = map[string]string{
	"postgres":  "POSTGRES_%s",
	"mysql":     "MYSQL_%s",
	"sqlserver": "SQLSERVER_%s",
}

func renderGCP(doc *document, label, name string, spec engine.ResourceSpec) (string, block) {
	region := doc.session.Region

	switch s := spec.(type) {
	case *engine.ComputeSpec:
		instanceName := name
		if s.Count > 1 {
			instanceName = name + "-${count.index}"
		}
		disk := block{"image": s.Image}
		if s.Image == "" {
			disk["image"] = "debian-cloud/debian-12"
		}
		if s.DiskSizeGB > 0 {
			disk["size"] = s.DiskSizeGB
		}
		body := block{
			"name":              instanceName,
			"machine_type":      s.Size,
			"zone":              region + "-a",
			"boot_disk":         block{"initialize_params": disk},
			"network_interface": []block{{"network": "default"}},
		}
		if len(s.Tags) > 0 {
			body["labels"] = s.Tags
		}
		if s.Count > 1 {
			body["count"] = s.Count
		}
		return "google_compute_instance", body

	case *engine.DatabaseSpec:
		format, ok := gcpDatabaseVersions[s.Engine]
		if !ok {
			return "", nil
		}
		version := s.EngineVersion
		if version == "" {
			version = "16"
		}
		availability := "ZONAL"
		if s.MultiAZ {
			availability = "REGIONAL"
		}
		settings := block{
			"tier":              s.Size,
			"availability_type": availability,
			"disk_size":         orDefault(s.StorageGB, 20),
			"backup_configuration": block{
				"enabled": s.BackupDays > 0,
			},
		}
		if s.PubliclyAccess {
			settings["ip_configuration"] = block{"ipv4_enabled": true}
		}
		return "google_sql_database_instance", block{
			"name":                name,
			"region":              region,
			"database_version":    fmt.Sprintf(format, strings.ReplaceAll(version, ".", "_")),
			"settings":            settings,
			"deletion_protection": false,
		}

	case *engine.NetworkSpec:
		for i, subnet := range s.Subnets {
			doc.add("google_compute_subnetwork", fmt.Sprintf("%s_%d", label, i), block{
				"name":          fmt.Sprintf("%s-%d", name, i),
				"ip_cidr_range": subnet,
				"region":        region,
				"network":       ref("google_compute_network", label, "id"),
			})
		}
		if s.NATGateway {
			doc.add("google_compute_router", label, block{
				"name":    name + "-router",
				"region":  region,
				"network": ref("google_compute_network", label, "id"),
			})
			doc.add("google_compute_router_nat", label, block{
				"name":                               name + "-nat",
				"router":                             ref("google_compute_router", label, "name"),
				"region":                             region,
				"nat_ip_allocate_option":             "AUTO_ONLY",
				"source_subnetwork_ip_ranges_to_nat": "ALL_SUBNETWORKS_ALL_IP_RANGES",
			})
		}
		return "google_compute_network", block{
			"name":                    name,
			"auto_create_subnetworks": false,
		}

	case *engine.BucketSpec:
		body := block{
			"name":                        s.BucketName,
			"location":                    strings.ToUpper(region),
			"uniform_bucket_level_access": true,
			"versioning":                  block{"enabled": s.Versioning},
		}
		if class := gcpStorageClass(s.StorageClass); class != "" {
			body["storage_class"] = class
		}
		if !s.PublicAccess {
			body["public_access_prevention"] = "enforced"
		}
		return "google_storage_bucket", body
	}
	return "", nil
}

func gcpStorageClass(class string) string {
	switch class {
	case "standard":
		return "STANDARD"
	case "infrequent":
		return "NEARLINE"
	case "archive":
		return "ARCHIVE"
	}
	return ""
}

func renderAzure(doc *document, label, name string, spec engine.ResourceSpec) (string, block) {
	group := ref("azurerm_resource_group", "session", "name")
	location := ref("azurerm_resource_group", "session", "location")

	switch s := spec.(type) {
	case *engine.ComputeSpec:
		body := block{
			"name":                name,
			"resource_group_name": group,
			"location":            location,
			"size":                s.Size,
			"admin_username":      "deployer",
			"os_disk": block{
				"caching":              "ReadWrite",
				"storage_account_type": "Standard_LRS",
			},
			"source_image_reference": block{
				"publisher": "Canonical",
				"offer":     "0001-com-ubuntu-server-jammy",
				"sku":       "22_04-lts",
				"version":   "latest",
			},
		}
		if s.DiskSizeGB > 0 {
			body["os_disk"].(block)["disk_size_gb"] = s.DiskSizeGB
		}
		if len(s.Tags) > 0 {
			body["tags"] = s.Tags
		}
		if s.Count > 1 {
			body["count"] = s.Count
			body["name"] = name + "-${count.index}"
		}
		return "azurerm_linux_virtual_machine", body

	case *engine.DatabaseSpec:
		var tfType string
		switch s.Engine {
		case "postgres":
			tfType = "azurerm_postgresql_flexible_server"
		case "mysql", "mariadb":
			tfType = "azurerm_mysql_flexible_server"
		default:
			return "", nil
		}
		body := block{
			"name":                          name,
			"resource_group_name":           group,
			"location":                      location,
			"sku_name":                      s.Size,
			"storage_mb":                    orDefault(s.StorageGB, 32) * 1024,
			"backup_retention_days":         orDefault(s.BackupDays, 7),
			"public_network_access_enabled": s.PubliclyAccess,
		}
		if s.EngineVersion != "" {
			body["version"] = s.EngineVersion
		}
		if s.MultiAZ {
			body["high_availability"] = block{"mode": "ZoneRedundant"}
		}
		return tfType, body

	case *engine.NetworkSpec:
		for i, subnet := range s.Subnets {
			doc.add("azurerm_subnet", fmt.Sprintf("%s_%d", label, i), block{
				"name":                 fmt.Sprintf("%s-%d", name, i),
				"resource_group_name":  group,
				"virtual_network_name": ref("azurerm_virtual_network", label, "name"),
				"address_prefixes":     []string{subnet},
			})
		}
		if s.NATGateway {
			doc.add("azurerm_nat_gateway", label, block{
				"name":                name + "-nat",
				"resource_group_name": group,
				"location":            location,
			})
		}
		return "azurerm_virtual_network", block{
			"name":                name,
			"resource_group_name": group,
			"location":            location,
			"address_space":       []string{s.CIDR},
		}

	case *engine.BucketSpec:
		tier := "Hot"
		if s.StorageClass == "infrequent" || s.StorageClass == "archive" {
			tier = "Cool"
		}
		return "azurerm_storage_account", block{
			"name":                            storageAccountName(s.BucketName),
			"resource_group_name":             group,
			"location":                        location,
			"account_tier":                    "Standard",
			"account_replication_type":        "LRS",
			"access_tier":                     tier,
			"allow_nested_items_to_be_public": s.PublicAccess,
			"blob_properties":                 block{"versioning_enabled": s.Versioning},
		}
	}
	return "", nil
}

var nonIdentifier = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Identifier turns a resource name into a valid Terraform block label.
func Identifier(name string) string {
	id := nonIdentifier.ReplaceAllString(name, "_")
	if id == "" || (id[0] >= '0' && id[0] <= '9') {
		id = "r_" + id
	}
	return id
}

// storageAccountName fits a bucket name to Azure's 3-24 lowercase
// alphanumeric rule.
func storageAccountName(bucket string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(bucket) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	name := b.String()
	if len(name) > 24 {
		name = name[:24]
	}
	for len(name) < 3 {
		name += "0"
	}
	return name
}

func ref(tfType, label, attr string) string {
	return fmt.Sprintf("${%s.%s.%s}", tfType, label, attr)
}

func mergeTags(tags map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	if _, ok := out[key]; !ok {
		out[key] = value
	}
	return out
}

func sessionTags(s *engine.Session) map[string]string {
	return map[string]string{
		"deployer_project": s.ProjectID,
		"deployer_session": s.ID,
		"deployer_user":    s.UserID,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
