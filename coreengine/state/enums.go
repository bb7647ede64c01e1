// Package state provides the OrchestrationState threaded through every stage
// of the conversation graph.
package state

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps user/human, assistant/ai and everything else to system.
func NormalizeRole(r string) Role {
	switch r {
	case "user", "human":
		return RoleUser
	case "assistant", "ai":
		return RoleAssistant
	default:
		return RoleSystem
	}
}

// MessageType returns the history "type" tag for a role.
func (r Role) MessageType() string {
	switch r {
	case RoleUser:
		return "human"
	case RoleAssistant:
		return "ai"
	default:
		return "system"
	}
}

// AuthStatus is the outcome of auth_gate. Empty means unset.
type AuthStatus string

const (
	AuthStatusAuthenticated AuthStatus = "authenticated"
	AuthStatusFailed        AuthStatus = "failed"
)

// SafetyStatus is the outcome of safety_gate. Empty means unset.
type SafetyStatus string

const (
	SafetyStatusSafe           SafetyStatus = "safe"
	SafetyStatusUnsafe         SafetyStatus = "unsafe"
	SafetyStatusReviewRequired SafetyStatus = "review_required"
)

// ApprovalStatus is the human-in-the-loop decision. Empty means unset.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// IsDecided reports whether an actor has approved or rejected.
func (s ApprovalStatus) IsDecided() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected
}

// Complexity of an execution plan.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)
