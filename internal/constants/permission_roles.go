package constants

import "slices"

// PermissionRoles maps each permission to the roles allowed to perform it.
var PermissionRoles = map[string][]string{
	Invest:           {Investor, Admin, Superadmin},
	Deposit:          {Investor, Admin, Superadmin},
	BookDeposit:      {Treasury, Admin, Superadmin},
	VaultDeposit:     {Investor, Admin, Superadmin},
	VaultWithdraw:    {Investor, Admin, Superadmin},
	ManageLiquidity:  {Treasury, Superadmin},
	ComplianceReview: {ComplianceOfficer, Superadmin},
	CorrectLedger:    {Admin, Superadmin},
	ManageOffers:     {Admin, Superadmin},
	ViewData:         {Investor, ComplianceOfficer, Treasury, Admin, Superadmin},
	ViewAudit:        {ComplianceOfficer, Admin, Superadmin},
}

// AllowedRole returns true if role is in the list of allowed roles for the permission.
func AllowedRole(permission, role string) bool {
	roles, ok := PermissionRoles[permission]
	if !ok {
		return false
	}
	return slices.Contains(roles, role)
}

// IsBackOffice reports whether the role may act on other users' data.
func IsBackOffice(role string) bool {
	return role != Investor && IsValidRole(role)
}
