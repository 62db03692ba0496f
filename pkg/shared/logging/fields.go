// Package logging provides a chainable structured-field builder on top of
// logrus, so every package logs the same vocabulary of field names instead
// of inventing its own per call site.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable set of structured log fields.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component records which subsystem emitted the log line.
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation records the operation being performed.
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource records the kind and, if known, the name of the resource acted
// on.
func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Duration records an elapsed time in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records an error's message, if non-nil.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// UserID records the acting user, if known.
func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

// RequestID records a request correlation id.
func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

// TraceID records the originating trace span id.
func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

// StatusCode records an HTTP-style status code.
func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

// Method records an HTTP method or RPC verb.
func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

// URL records a target URL or subject.
func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

// Count records an item count.
func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

// Size records a size in bytes.
func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

// Version records a schema or protocol version.
func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

// Custom attaches an arbitrary key/value pair.
func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus converts Fields to logrus.Fields for use with a logrus entry.
func (f Fields) ToLogrus() logrus.Fields {
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		lf[k] = v
	}
	return lf
}

// DatabaseFields builds the standard field set for a Postgres operation.
func DatabaseFields(operation, table string) Fields {
	return NewFields().
		Component("database").
		Operation(operation).
		Resource("table", table)
}

// HTTPFields builds the standard field set for an HTTP request/response.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().
		Component("http").
		Method(method).
		URL(url).
		StatusCode(statusCode)
}

// WorkflowFields builds the standard field set for a change-set or pipeline
// operation acting on a named workflow-like resource.
func WorkflowFields(operation, resourceName string) Fields {
	return NewFields().
		Component("workflow").
		Operation(operation).
		Resource("workflow", resourceName)
}

// GraphFields builds the standard field set for a split-graph operation:
// node mutation, Merkle recompute, or update detection.
func GraphFields(operation, nodeKind, nodeID string) Fields {
	f := NewFields().
		Component("graph").
		Operation(operation)
	if nodeKind != "" {
		f.Resource(nodeKind, nodeID)
	}
	return f
}

// ChangeSetFields builds the standard field set for change-set engine
// operations (open/commit/rebase/apply).
func ChangeSetFields(operation, changeSetID, workspaceID string) Fields {
	f := NewFields().
		Component("changeset").
		Operation(operation).
		Custom("change_set_id", changeSetID)
	if workspaceID != "" {
		f.Custom("workspace_id", workspaceID)
	}
	return f
}

// EddaFields builds the standard field set for the materialized-view
// indexer's per-(workspace, change-set) processor.
func EddaFields(operation, workspaceID, changeSetID string) Fields {
	return NewFields().
		Component("edda").
		Operation(operation).
		Custom("workspace_id", workspaceID).
		Custom("change_set_id", changeSetID)
}

// MetricsFields builds the standard field set for an internal metrics
// recording.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().
		Component("metrics").
		Operation(operation).
		Custom("metric_name", metricName).
		Custom("value", value)
}

// SecurityFields builds the standard field set for an authn/authz event.
func SecurityFields(operation, subject string) Fields {
	return NewFields().
		Component("security").
		Operation(operation).
		Custom("subject", subject)
}

// PerformanceFields builds the standard field set for a timed operation's
// outcome.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().
		Component("performance").
		Operation(operation).
		Duration(duration).
		Custom("success", success)
}
