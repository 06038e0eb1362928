package session

import "github.com/ortsguide/server/internal/model"

// Capability names an action the route layer can gate on.
type Capability string

const (
	CapViewListings    Capability = "view_listings"
	CapSubmitReview    Capability = "submit_review"
	CapIssueInvites    Capability = "issue_invites"
	CapManageDirectory Capability = "manage_directory"
)

var roleCapabilities = map[model.Role]map[Capability]bool{
	model.RoleVisitor: {
		CapViewListings: true,
	},
	model.RoleWhitelisted: {
		CapViewListings: true,
		CapSubmitReview: true,
	},
	model.RoleAdmin: {
		CapViewListings:    true,
		CapSubmitReview:    true,
		CapIssueInvites:    true,
		CapManageDirectory: true,
	},
}

// CanAccess reports whether the role grants the capability. Unknown roles
// grant nothing.
func CanAccess(role model.Role, cap Capability) bool {
	return roleCapabilities[role][cap]
}
