package auth

// Scopes for reviewer endpoints
const (
	ScopeFeedbackWrite = "feedback:write"
	ScopeReviewWrite   = "review:write"
	ScopeHistoryRead   = "history:read"
)

// Roles
const (
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// ReviewerContext is the authenticated caller attached to a request.
type ReviewerContext struct {
	Subject   string   `json:"subject"`
	Name      string   `json:"name,omitempty"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenID   string   `json:"token_id,omitempty"`
	Anonymous bool     `json:"anonymous,omitempty"`
}

// HasScope reports whether the caller was granted scope.
func (r *ReviewerContext) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesForRole returns the default scopes for a given role
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin, RoleReviewer:
		return []string{ScopeFeedbackWrite, ScopeReviewWrite, ScopeHistoryRead}
	default:
		return []string{ScopeFeedbackWrite, ScopeHistoryRead}
	}
}
