// Package observability provides the service's metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrMethod       = "method"
	attrRoute        = "route"
	attrStatus       = "status"
	attrOutcome      = "outcome"
	attrRemoteStatus = "remote_status"
	attrKind         = "kind"
	attrReason       = "reason"
	attrPhase        = "phase"
	attrJobStatus    = "job_status"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr expects a route pattern such as /api/v1/jobs/{jobID}, never a
// raw path, to keep cardinality bounded.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func remoteStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrRemoteStatus, strings.ToLower(status))
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String(attrPhase, phase)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}
