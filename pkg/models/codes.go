package models

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers, event logs, and tests. Codes with
// a parameter are built by the helpers below.
const (
	CodeInvalidAgentOutput     = "INVALID_AGENT_OUTPUT"
	CodeInvalidToolInput       = "INVALID_TOOL_INPUT"
	CodeInvalidAgentJSONOutput = "INVALID_AGENT_JSON_OUTPUT"
	CodeInvalidJSONSchema      = "INVALID_JSON_SCHEMA"
	CodeToolSecretIDNotAllowed = "TOOL_SECRET_ID_NOT_ALLOWED"
	CodeTeamNotConfigured      = "TEAM_NOT_CONFIGURED"
	CodeTeamDelegateFailed     = "TEAM_DELEGATE_FAILED"
	CodeAgentMaxTurns          = "AGENT_MAX_TURNS"
	CodeAgentMaxToolCalls      = "AGENT_MAX_TOOL_CALLS"
	CodeLLMTimeout             = "LLM_TIMEOUT"
	CodeLLMAuthNotConfigured   = "LLM_AUTH_NOT_CONFIGURED"
	CodeSecretRequired         = "SECRET_REQUIRED"
	CodeInvalidActionInput     = "INVALID_ACTION_INPUT"
	CodeNodeExecutionTimeout   = "NODE_EXECUTION_TIMEOUT"
	CodeNodeExecutionFailed    = "NODE_EXECUTION_FAILED"
	CodeExecutorNotFound       = "EXECUTOR_NOT_FOUND"
	CodeNoEligibleExecutor     = "NO_ELIGIBLE_EXECUTOR"
	CodeWorkflowNotPublished   = "WORKFLOW_NOT_PUBLISHED"
	CodeContinuationQueueUnset = "CONTINUATION_QUEUE_NOT_CONFIGURED"
	CodeRemoteResultUnexpected = "REMOTE_RESULT_UNEXPECTED"
	CodeRemoteResultApplyFail  = "REMOTE_RESULT_APPLY_FAILED"
	CodeGatewayUnavailable     = "GATEWAY_UNAVAILABLE"
	CodeResultNotReady         = "RESULT_NOT_READY"
)

// CodeToolNotAllowed marks a tool outside the node's allowlist.
func CodeToolNotAllowed(toolID string) string { return "TOOL_NOT_ALLOWED:" + toolID }

// CodeToolNotSupported marks a tool id the registry cannot resolve.
func CodeToolNotSupported(toolID string) string { return "TOOL_NOT_SUPPORTED:" + toolID }

// CodeToolPolicyDenied marks a tool denied by organization policy.
func CodeToolPolicyDenied(toolID string) string { return "TOOL_POLICY_DENIED:" + toolID }

// CodeTeammateNotFound marks a delegate target missing from the team config.
func CodeTeammateNotFound(teammateID string) string { return "TEAMMATE_NOT_FOUND:" + teammateID }

// CodeTeamToolPolicyDenied maps a child allowlist rejection onto the team.
func CodeTeamToolPolicyDenied(toolID string) string { return "TEAM_TOOL_POLICY_DENIED:" + toolID }

// CodeSkillNotFound marks a skill id missing from the registry.
func CodeSkillNotFound(skillID string) string { return "SKILL_NOT_FOUND:" + skillID }

// CodeActionNotSupported marks an unknown connector action.
func CodeActionNotSupported(connectorID, actionID string) string {
	return "ACTION_NOT_SUPPORTED:" + connectorID + ":" + actionID
}

// CodedError pairs a stable error code with an optional wrapped cause.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError builds a CodedError wrapping cause (cause may be nil).
func NewCodedError(code string, cause error) *CodedError {
	return &CodedError{Code: code, Err: cause}
}

// CodeOf extracts the stable code from err, or returns the empty string.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
