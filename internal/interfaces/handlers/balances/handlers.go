package balances

import (
	"errors"
	"strings"

	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/vaults"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Ledger *ledger.Store
	Vaults *vaults.Service
}

// GET /api/v1/balances?account=general|<vault_code>&currency=
func (h *Handlers) GetBalance(c *fiber.Ctx) error {
	owner := middleware.SubjectUser(c, c.Query("user_id"))
	account := strings.ToLower(strings.TrimSpace(c.Query("account", ledger.GeneralAccount)))
	if account == ledger.GeneralAccount {
		currency, err := domain.ValidateCurrency("currency", c.Query("currency"))
		if err != nil {
			return response.Fail(c, err)
		}
		b, err := h.Ledger.GeneralBalances(c.UserContext(), owner, currency)
		if err != nil {
			return response.Fail(c, err)
		}
		return response.Success(c, "Balance fetched successfully", b, nil)
	}
	v, err := h.Vaults.Get(c.UserContext(), account)
	if err != nil {
		return response.Fail(c, err)
	}
	if cur := c.Query("currency"); cur != "" && domain.NormalizeCurrency(cur) != v.Currency {
		return response.Fail(c, &domain.Error{Code: domain.CodeCurrencyMismatch, Message: "vault is denominated in " + v.Currency, Field: "currency"})
	}
	b, err := h.Ledger.VaultBalances(c.UserContext(), owner, v)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Balance fetched successfully", b, fiber.Map{"vault_status": v.Status})
}

// GET /api/v1/balances/entries?account=&currency=&kind=&after=&limit=
// The general account lists AVAILABLE entries unless kind=locked or kind=blocked is given;
// a vault code lists the holder's VAULT entries.
func (h *Handlers) GetEntries(c *fiber.Ctx) error {
	ctx := c.UserContext()
	owner := middleware.SubjectUser(c, c.Query("user_id"))
	account := strings.ToLower(strings.TrimSpace(c.Query("account", ledger.GeneralAccount)))

	kind := domain.AccountVault
	scope := account
	var currency string
	if account == ledger.GeneralAccount {
		scope = ""
		switch strings.ToLower(c.Query("kind")) {
		case "", "available":
			kind = domain.AccountAvailable
		case "locked":
			kind = domain.AccountLocked
		case "blocked":
			kind = domain.AccountBlocked
			scope = c.Query("offer_id")
		default:
			return response.Fail(c, domain.Validation("kind", "kind must be available, locked or blocked"))
		}
		cur, err := domain.ValidateCurrency("currency", c.Query("currency"))
		if err != nil {
			return response.Fail(c, err)
		}
		currency = cur
	} else {
		v, err := h.Vaults.Get(ctx, account)
		if err != nil {
			return response.Fail(c, err)
		}
		currency = v.Currency
	}

	acct, err := h.Ledger.FindAccount(h.Ledger.DB.WithContext(ctx), owner, kind, scope, currency)
	var de *domain.Error
	if errors.As(err, &de) && de.Code == domain.CodeNotFound {
		return response.Success(c, "Entries fetched successfully", []domain.LedgerEntry{}, fiber.Map{"count": 0})
	}
	if err != nil {
		return response.Fail(c, err)
	}
	entries, err := h.Ledger.EntriesForAccount(ctx, acct.ID, int64(c.QueryInt("after", 0)), c.QueryInt("limit", 100))
	if err != nil {
		return response.Fail(c, err)
	}
	balance, err := h.Ledger.CachedBalanceOf(ctx, acct.ID)
	if err != nil {
		return response.Fail(c, err)
	}
	meta := fiber.Map{"count": len(entries), "account_id": acct.ID, "balance": balance}
	if n := len(entries); n > 0 {
		meta["next_after"] = entries[n-1].Sequence
	}
	return response.Success(c, "Entries fetched successfully", entries, meta)
}
