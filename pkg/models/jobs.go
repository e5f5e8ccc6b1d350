package models

// Continuation job types.
const (
	ContinuationRemotePoll  = "remote.poll"
	ContinuationRemoteApply = "remote.apply"
	ContinuationRemoteEvent = "remote.event"
)

// RunJob is the run-queue payload: ids only, the stepper reloads state.
type RunJob struct {
	RunID             string `json:"runId"`
	OrgID             string `json:"orgId"`
	WorkflowID        string `json:"workflowId"`
	RequestedByUserID string `json:"requestedByUserId,omitempty"`
}

// ContinuationJob is the continuation-queue payload, tagged by Type.
// remote.poll carries ids only; remote.apply adds the pushed result;
// remote.event adds the streamed event.
type ContinuationJob struct {
	Type         string        `json:"type"`
	OrgID        string        `json:"orgId"`
	WorkflowID   string        `json:"workflowId"`
	RunID        string        `json:"runId"`
	RequestID    string        `json:"requestId"`
	AttemptCount int           `json:"attemptCount,omitempty"`
	Result       *RemoteResult `json:"result,omitempty"`
	Event        *RemoteEvent  `json:"event,omitempty"`
}
