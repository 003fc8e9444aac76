package models

// IssueType classifies a validation error or warning.
type IssueType string

const (
	IssueMissingInput       IssueType = "missing_input"
	IssueSkeleton           IssueType = "skeleton"
	IssueNoOutputsConnected IssueType = "no_outputs_connected"
	IssueCircularDependency IssueType = "circular_dependency"
)

// ValidationIssue is a single validator finding.
type ValidationIssue struct {
	NodeID   string    `json:"nodeId"`
	NodeName string    `json:"nodeName"`
	Type     IssueType `json:"type"`
	Message  string    `json:"message"`
}

// ValidationResult is the outcome of validating a pipeline graph.
// Errors make the pipeline non-runnable, warnings do not.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}
