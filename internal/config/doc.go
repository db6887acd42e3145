// Package config handles configuration loading for courier-core.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults for
// the delivery queue timings and the send dedupe cache.
//
// # Example
//
//	server:
//	  http_addr: "localhost:8080"
//
//	database:
//	  path: "~/.local/share/courier/courier.db"
//
//	auth:
//	  jwt_secret: "${COURIER_JWT_SECRET}"
//
//	delivery:
//	  visibility_timeout: "30s"
//	  sweep_interval: "5s"
//	  max_attempts: 5
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
