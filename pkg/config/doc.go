// Package config loads the deployer's YAML configuration file.
//
// A minimal deployer.yaml:
//
//	data_dir: /var/lib/deployer
//	session:
//	  default_ttl: 8h
//	  max_resources: 20
//	runner:
//	  binary: tofu
//	  max_concurrent: 2
//	  plan_file: tfplan
//	policy:
//	  paths: [/etc/deployer/policies]
//	  watch: true
//
// Missing keys keep their defaults. DEPLOYER_DATA_DIR, DEPLOYER_TOOL and
// LOG_LEVEL override the file.
package config
