package catalog

var builtinPresets = []Preset{
	{
		Name:        "web-server",
		Description: "Small compute instance tagged with its role and owner",
		Script: `TYPE = "compute_instance"

SIZES = {"aws": "t3.micro", "gcp": "e2-micro", "azure": "Standard_B1s"}

def build(params):
    tags = {"role": "web"}
    if "owner" in params:
        tags["owner"] = params["owner"]
    return {
        "size": params.get("size", SIZES[PROVIDER]),
        "disk_size_gb": params.get("disk_size_gb", 20),
        "count": params.get("count", 1),
        "tags": tags,
    }
`,
	},
	{
		Name:        "postgres",
		Description: "Multi-AZ PostgreSQL with a week of backups",
		Script: `TYPE = "managed_database"

SIZES = {"aws": "db.t3.small", "gcp": "db-g1-small", "azure": "B_Gen5_1"}

def build(params):
    return {
        "engine": "postgres",
        "engine_version": params.get("version", "16"),
        "size": params.get("size", SIZES[PROVIDER]),
        "storage_gb": params.get("storage_gb", 20),
        "multi_az": params.get("multi_az", True),
        "backup_retention_days": params.get("backup_retention_days", 7),
    }
`,
	},
	{
		Name:        "private-network",
		Description: "Network with one /24 subnet per zone and a NAT gateway",
		Script: `TYPE = "network"

def build(params):
    cidr = params.get("cidr", "10.0.0.0/16")
    zones = params.get("zones", 2)
    if zones < 1 or zones > 16:
        fail("zones must be between 1 and 16")
    octets = cidr.split("/")[0].split(".")
    return {
        "cidr": cidr,
        "subnets": ["%s.%s.%d.0/24" % (octets[0], octets[1], i) for i in range(zones)],
        "nat_gateway": params.get("nat_gateway", True),
    }
`,
	},
	{
		Name:        "static-site",
		Description: "Versioned bucket for static site assets",
		Script: `TYPE = "object_storage_bucket"

def build(params):
    if "bucket_name" not in params:
        fail("bucket_name is required")
    return {
        "bucket_name": params["bucket_name"],
        "versioning": True,
        "storage_class": "standard",
    }
`,
	},
}
