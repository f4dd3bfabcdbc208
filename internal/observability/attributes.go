// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrAction  = "action"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders so metric
// cardinality stays bounded.
func normalizePath(path string) string {
	const jobs = "/v1/jobs/"
	if strings.HasPrefix(path, jobs) && len(path) > len(jobs) {
		rest := path[len(jobs):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return jobs + "{jobID}" + rest[i:]
		}
		return jobs + "{jobID}"
	}
	const keys = "/v1/admin/keys/"
	if strings.HasPrefix(path, keys) && len(path) > len(keys) {
		rest := path[len(keys):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return keys + "{keyID}" + rest[i:]
		}
		return keys + "{keyID}"
	}
	return path
}
