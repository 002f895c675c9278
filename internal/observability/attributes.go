// Package observability provides metrics and tracing for osfleet runs.
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
	attrKind    = "kind"
	attrState   = "state"
	attrAction  = "action"
	attrStage   = "stage"
	attrService = "service"
	attrOutcome = "outcome"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

func stageAttr(name string) attribute.KeyValue {
	return attribute.String(attrStage, name)
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String(attrService, service)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath keeps the known status routes and folds everything else.
func normalizePath(path string) string {
	switch path {
	case "/livez", "/readyz", "/metrics", "/v1/run":
		return path
	}
	if strings.HasPrefix(path, "/v1/run/") {
		return "/v1/run/{kind}"
	}
	return "other"
}
