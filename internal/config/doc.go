/*
Package config provides configuration management for the vault server with multi-source support.

Configuration is assembled from several sources, each overriding the one below it:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│      (VAULT_*, optionally from .env)        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Configuration Structure

Global Settings:
- Public and ops listen addresses
- Staging folder and reclamation interval
- CORS origins

Logging:
- Level, format and optional rotated log file
- Per-component level overrides

Network:
- Retry policy and circuit breaker for endpoint provisioning

Storages and Exfils:
- Ordered lists of named extensions, unique by name across both lists
- Names appear in request paths
- Storage order is the order in which files are looked up

# Usage Examples

	cfg, err := config.Load("/etc/vault/config.yaml")
	if err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  listen_addr: ":1234"
	  ops_addr: ":9090"
	  staging_folder: "/var/lib/vault/staging"
	  reclaim_interval: 1m

	logging:
	  level: INFO
	  format: json
	  file: "/var/log/vault.log"
	  components:
	    transfer: DEBUG

	storages:
	  - name: fs
	    type: filesystem
	    folder: "/var/lib/vault/files"
	    file_expiry: 1h
	    max_size: "100MB"
	  - name: s3
	    type: awss3
	    bucket: vault-files
	    region: us-east-1
	    presign_urls: true

	exfils:
	  - name: cf
	    type: chunked
	    chunk_size: "10MB"
	    max_total_size: "1GB"
	    upload:
	      mode: static
	      hosts: ["d111.cloudfront.net", "d222.cloudfront.net"]
	      max_duration: 10m
	    download:
	      mode: dynamic
	      max_dynamic_hosts: 4
	      max_duration: 20m
	    cloudfront:
	      region: us-east-1
	      origin_domain: vault.example.com

Environment variable mapping:

	VAULT_LISTEN_ADDR=":8080"
	VAULT_OPS_ADDR=":9090"
	VAULT_STAGING_FOLDER="/tmp/staging"
	VAULT_RECLAIM_INTERVAL="30s"
	VAULT_CORS_ORIGINS="https://a.example,https://b.example"
	VAULT_LOG_LEVEL="DEBUG"
	VAULT_LOG_FORMAT="json"
	VAULT_LOG_FILE="/var/log/vault.log"

	# Secrets per extension, keyed by the upper-cased name
	VAULT_STORAGE_S3_ACCESS_KEY_ID="..."
	VAULT_STORAGE_S3_SECRET_ACCESS_KEY="..."
	VAULT_EXFIL_CF_SECRET_ACCESS_KEY="..."
	VAULT_EXFIL_CF_ORIGIN_DOMAIN="vault.example.com"

# Validation

Validate checks log settings, name uniqueness, per-type required fields, size strings
("10MB", "1.5GB"), and transfer modes: static mode needs hosts, dynamic mode needs a
non-negative max_dynamic_hosts and a CloudFront origin.
*/
package config
