// Package natssubj centralizes the NATS subject templates used across the
// module (spec §6), so the prefix + ":workspace_id.:change_set_id"
// templating lives in one place instead of being repeated per package.
// Grounded on
// original_source/lib/edda-server/src/change_set_processor_task.rs's
// EddaChangeSetRequestsForSubject, which does this same prefix-aware
// wildcard splitting for matched-subject telemetry.
package natssubj

import "strings"

// EddaRequests builds the subject a Commit/RebaseOnto outbox relay
// publishes change-set requests to: prefix.edda.requests.<action>.<wsID>.<csID>
func EddaRequests(prefix, action, workspaceID, changeSetID string) string {
	return join(prefix, "edda", "requests", action, workspaceID, changeSetID)
}

// EddaUpdates builds the subject edda broadcasts MV patches/index updates
// on for one change set (spec §4.10's "ordered updates on a per-change-set
// subject").
func EddaUpdates(prefix, workspaceID, changeSetID string) string {
	return join(prefix, "edda", "updates", workspaceID, changeSetID)
}

// VeritechRequests builds the subject a Cyclone execution request is sent
// on for one change set's pending function executions.
func VeritechRequests(prefix, workspaceID, executionID string) string {
	return join(prefix, "veritech", "requests", workspaceID, executionID)
}

// VeritechKill builds the subject used to cancel an in-flight Cyclone
// execution by id (spec §5's "separate kill subject keyed by execution
// id").
func VeritechKill(prefix, executionID string) string {
	return join(prefix, "veritech", "kill", executionID)
}

// VeritechHeartbeat builds the subject Cyclone instances publish liveness
// heartbeats on for one workspace.
func VeritechHeartbeat(prefix, workspaceID string) string {
	return join(prefix, "veritech", "heartbeat", workspaceID)
}

func join(prefix string, parts ...string) string {
	if prefix == "" {
		return strings.Join(parts, ".")
	}
	return prefix + "." + strings.Join(parts, ".")
}

// ParseWorkspaceChangeSet extracts the trailing
// "<workspace_id>.<change_set_id>" pair from a concrete (non-wildcard)
// subject built by EddaRequests/EddaUpdates. ok is false if the subject
// has fewer than two dot-separated segments.
func ParseWorkspaceChangeSet(subject string) (workspaceID, changeSetID string, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}
