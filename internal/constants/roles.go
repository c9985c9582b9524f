package constants

import "slices"

const (
	Superadmin        = "superadmin"
	Admin             = "admin"
	Treasury          = "treasury"
	ComplianceOfficer = "compliance_officer"
	Investor          = "investor"
)

// ValidRoles is the set of roles the identity service may put on a session.
var ValidRoles = []string{Investor, ComplianceOfficer, Treasury, Admin, Superadmin}

// IsValidRole returns true if role is one of the known roles.
func IsValidRole(role string) bool {
	return slices.Contains(ValidRoles, role)
}
