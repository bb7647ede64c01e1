package orchestrator

import "github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"

// Route labels.
const (
	RouteContinue = "continue"
	RouteReject   = "reject"
	RouteReview   = "review"
	RouteApprove  = "approve"
	RouteApproved = "approved"
	RouteRejected = "rejected"
	RoutePending  = "pending"
)

// Routes are pure functions of the state; they never mutate it.

func routeAfterAuth(s *state.State) string {
	if s.AuthStatus == state.AuthStatusAuthenticated {
		return RouteContinue
	}
	return RouteReject
}

func routeAfterSafety(s *state.State) string {
	switch s.SafetyStatus {
	case state.SafetyStatusSafe:
		return RouteContinue
	case state.SafetyStatusReviewRequired:
		return RouteReview
	default:
		return RouteReject
	}
}

func routeAfterSynth(s *state.State) string {
	if approvalRequired(s) {
		return RouteReview
	}
	return RouteApprove
}

func routeAfterApproval(s *state.State) string {
	switch s.ApprovalStatus {
	case state.ApprovalStatusApproved:
		return RouteApproved
	case state.ApprovalStatusRejected:
		return RouteRejected
	default:
		return RoutePending
	}
}
