// Package validation provides input validation and log-sanitization helpers
// shared by the entity-reference, materialized-view, and query-parameter
// surfaces the core exposes to its NATS consumers and ops tooling.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// EntityReference names one entity within a (workspace, change set): the
// tuple a Change or an MV document key is built from.
type EntityReference struct {
	WorkspaceID string
	EntityKind  string
	EntityID    string
}

var (
	workspaceIDPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	entityKindPattern  = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	entityIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateEntityReference validates the three components of an
// EntityReference, accumulating every violation rather than stopping at
// the first.
func ValidateEntityReference(ref EntityReference) error {
	var errs []error

	switch {
	case ref.WorkspaceID == "":
		errs = append(errs, errors.ValidationError("workspace_id", "workspace_id is required"))
	case len(ref.WorkspaceID) > 63:
		errs = append(errs, errors.ValidationError("workspace_id", "workspace_id must be 63 characters or less"))
	case !workspaceIDPattern.MatchString(ref.WorkspaceID):
		errs = append(errs, errors.ValidationError("workspace_id", "workspace_id must be a valid lowercase identifier"))
	}

	switch {
	case ref.EntityKind == "":
		errs = append(errs, errors.ValidationError("entity_kind", "entity_kind is required"))
	case len(ref.EntityKind) > 100:
		errs = append(errs, errors.ValidationError("entity_kind", "entity_kind must be 100 characters or less"))
	case !entityKindPattern.MatchString(ref.EntityKind):
		errs = append(errs, errors.ValidationError("entity_kind", "entity_kind must be a valid PascalCase entity kind"))
	}

	switch {
	case ref.EntityID == "":
		errs = append(errs, errors.ValidationError("entity_id", "entity_id is required"))
	case len(ref.EntityID) > 253:
		errs = append(errs, errors.ValidationError("entity_id", "entity_id must be 253 characters or less"))
	case !entityIDPattern.MatchString(ref.EntityID):
		errs = append(errs, errors.ValidationError("entity_id", "entity_id must be a valid node identifier"))
	}

	return errors.Chain(errs...)
}

// unsafePatterns flags characters/sequences that have no legitimate use in
// an entity name, prop path, or MV kind but are common injection vectors in
// whatever downstream store ends up interpolating the string.
var unsafePatterns = []string{
	"--", ";", "'", "\"", "<script", "union select", "drop table",
}

// ValidateStringInput rejects empty-length-limit violations and values
// containing characters associated with injection attacks or raw control
// characters (tabs/newlines/carriage-returns excepted).
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(field, fmt.Sprintf("must be %d characters or less", maxLen))
	}
	lower := strings.ToLower(value)
	for _, pattern := range unsafePatterns {
		if strings.Contains(lower, pattern) {
			return errors.ValidationError(field, "contains potentially unsafe characters")
		}
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return errors.ValidationError(field, "contains invalid control characters")
		}
	}
	return nil
}

// mvKinds is the statically registered set of materialized-view kinds the
// edda indexer is able to build (spec §4.10's entity_kind -> [mv_kind]
// dispatch table draws from this set).
var mvKinds = map[string]struct{}{
	"component_list":        {},
	"component_detail":      {},
	"schema_variant_detail": {},
	"schema_variant_list":   {},
	"incoming_connections":  {},
	"view_list":             {},
	"attribute_tree":        {},
}

// ValidateMVKind rejects an mv_kind not present in the registered set.
func ValidateMVKind(kind string) error {
	if err := ValidateStringInput("mv_kind", kind, 100); err != nil {
		return err
	}
	if _, ok := mvKinds[kind]; !ok {
		return errors.ValidationError("mv_kind", fmt.Sprintf("%q is not a recognized materialized view kind", kind))
	}
	return nil
}

var durationStringPattern = regexp.MustCompile(`^[0-9]+(ms|s|m|h|d)$`)

// ValidateDurationString validates a human-shorthand duration used in
// config overlays and CLI flags (e.g. quiescent_period, backoff caps),
// accepting a bare integer followed by ms/s/m/h/d.
func ValidateDurationString(s string) error {
	if err := ValidateStringInput("duration", s, 20); err != nil {
		return err
	}
	if !durationStringPattern.MatchString(s) {
		return errors.ValidationError("duration", "must be in format like 5s, 10m, 1h, 7d")
	}
	return nil
}

// ValidateWindowMinutes bounds a quiescent-period-like window to (0, 7
// days] expressed in minutes.
func ValidateWindowMinutes(minutes int) error {
	if minutes <= 0 {
		return errors.ValidationError("window_minutes", "must be greater than 0")
	}
	const sevenDaysInMinutes = 7 * 24 * 60
	if minutes > sevenDaysInMinutes {
		return errors.ValidationError("window_minutes", "must be 7 days (10080 minutes) or less")
	}
	return nil
}

// ValidateLimit bounds a query/pagination limit (e.g. change batch fetch
// size, MV document page size) to (0, 10000].
func ValidateLimit(limit int) error {
	if limit <= 0 {
		return errors.ValidationError("limit", "must be greater than 0")
	}
	const maxLimit = 10000
	if limit > maxLimit {
		return errors.ValidationError("limit", fmt.Sprintf("must be %d or less", maxLimit))
	}
	return nil
}

// SanitizeForLogging replaces raw control characters with '?' and
// truncates long strings so a hostile or malformed entity id/path never
// breaks log formatting or floods log storage.
func SanitizeForLogging(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune('?')
			continue
		}
		b.WriteRune(r)
	}
	result := b.String()
	const maxLogLength = 200
	if len(result) > maxLogLength {
		result = result[:maxLogLength-3] + "..."
	}
	return result
}
