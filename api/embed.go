// Package api carries the OpenAPI document for the kaigi HTTP API.
package api

import _ "embed"

// OpenAPISpec is served verbatim at GET /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
