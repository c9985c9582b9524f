package constants

const (
	Invest           = "invest"
	Deposit          = "deposit"
	BookDeposit      = "book_deposit"
	VaultDeposit     = "vault_deposit"
	VaultWithdraw    = "vault_withdraw"
	ManageLiquidity  = "manage_liquidity"
	ComplianceReview = "compliance_review"
	CorrectLedger    = "correct_ledger"
	ManageOffers     = "manage_offers"
	ViewData         = "view_data"
	ViewAudit        = "view_audit"
)
