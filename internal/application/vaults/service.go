// Package vaults manages pooled vault products: deposits with a lock window, withdrawals paid
// from the vault's cash buffer, and the liquidity process that settles queued withdrawals.
//
// Every vault has three system accounts scoped by its code: VAULT_BUFFER holds the cash that can
// be paid out immediately, VAULT_AUM the cash deployed by treasury, and VAULT_LIABILITY mirrors
// what the vault owes its holders.
package vaults

import (
	"context"
	"errors"
	"strings"
	"time"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/kyc"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	DB     *gorm.DB
	Engine *operations.Engine
	Ledger *ledger.Store
	Audit  *audit.Log
	KYC    kyc.Gate
	Now    func() time.Time
}

func NewService(db *gorm.DB, engine *operations.Engine, store *ledger.Store, auditLog *audit.Log, gate kyc.Gate) *Service {
	if gate == nil {
		gate = kyc.AllowAll{}
	}
	return &Service{DB: db, Engine: engine, Ledger: store, Audit: auditLog, KYC: gate, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

type CreateInput struct {
	Code           string
	Name           string
	Currency       string
	LockPeriodDays int
}

// Create registers an ACTIVE vault.
func (s *Service) Create(ctx context.Context, actor audit.Actor, in CreateInput) (*domain.Vault, error) {
	code := strings.ToLower(strings.TrimSpace(in.Code))
	if code == "" || len(code) > 64 {
		return nil, domain.Validation("code", "code is required and at most 64 characters")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, domain.Validation("name", "name is required")
	}
	currency, err := domain.ValidateCurrency("currency", in.Currency)
	if err != nil {
		return nil, err
	}
	if in.LockPeriodDays < 0 {
		return nil, domain.Validation("lock_period_days", "must not be negative")
	}
	v := domain.Vault{Code: code, Name: strings.TrimSpace(in.Name), Currency: currency, Status: domain.VaultActive, LockPeriodDays: in.LockPeriodDays}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&domain.Vault{}).Where("code = ?", code).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return domain.Validation("code", "vault "+code+" already exists")
		}
		if err := tx.Create(&v).Error; err != nil {
			return err
		}
		return s.Audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionVaultCreate,
			EntityType: "vault",
			EntityID:   code,
			After:      v,
		})
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Get loads a vault by code.
func (s *Service) Get(ctx context.Context, code string) (*domain.Vault, error) {
	return s.load(s.DB.WithContext(ctx), code)
}

func (s *Service) load(db *gorm.DB, code string) (*domain.Vault, error) {
	var v domain.Vault
	err := db.First(&v, "code = ?", strings.ToLower(code)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("vault")
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SetStatus pauses, resumes or closes a vault. Deposits and withdrawals need an ACTIVE vault.
func (s *Service) SetStatus(ctx context.Context, actor audit.Actor, code string, next domain.VaultStatus, reason string) (*domain.Vault, error) {
	if err := audit.ValidateReason(reason); err != nil {
		return nil, err
	}
	release, err := s.Engine.Locker.Acquire(ctx, locks.VaultKey(strings.ToLower(code)))
	if err != nil {
		return nil, err
	}
	defer release()

	var out *domain.Vault
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v domain.Vault
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, "code = ?", strings.ToLower(code)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFound("vault")
			}
			return err
		}
		if !v.Status.CanTransitionTo(next) {
			return domain.NewError(domain.CodeInvalidTransition, "vault cannot move from "+string(v.Status)+" to "+string(next))
		}
		before := v
		if err := tx.Model(&domain.Vault{}).Where("code = ?", v.Code).Update("status", next).Error; err != nil {
			return err
		}
		v.Status = next
		out = &v
		return s.Audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionVaultStatus,
			EntityType: "vault",
			EntityID:   v.Code,
			Before:     before,
			After:      v,
			Reason:     reason,
		})
	})
	return out, err
}

// systemAccounts are the vault-side accounts every movement touches.
type systemAccounts struct {
	buffer    *domain.Account
	aum       *domain.Account
	liability *domain.Account
}

func (s *Service) systemAccounts(db *gorm.DB, v *domain.Vault) (*systemAccounts, error) {
	buffer, err := s.Ledger.EnsureAccount(db, domain.SystemOwner, domain.AccountVaultBuffer, v.Code, v.Currency)
	if err != nil {
		return nil, err
	}
	aum, err := s.Ledger.EnsureAccount(db, domain.SystemOwner, domain.AccountVaultAUM, v.Code, v.Currency)
	if err != nil {
		return nil, err
	}
	liability, err := s.Ledger.EnsureAccount(db, domain.SystemOwner, domain.AccountVaultLiability, v.Code, v.Currency)
	if err != nil {
		return nil, err
	}
	return &systemAccounts{buffer: buffer, aum: aum, liability: liability}, nil
}

// Liquidity is the vault's treasury position.
type Liquidity struct {
	VaultCode string          `json:"vault_code"`
	Currency  string          `json:"currency"`
	Buffer    decimal.Decimal `json:"buffer"`
	AUM       decimal.Decimal `json:"aum"`
	Liability decimal.Decimal `json:"liability"`
	Pending   decimal.Decimal `json:"pending_withdrawals"`
}

// Liquidity reports buffer, deployed AUM, holder liability and the total awaiting settlement.
func (s *Service) Liquidity(ctx context.Context, code string) (*Liquidity, error) {
	db := s.DB.WithContext(ctx)
	v, err := s.load(db, code)
	if err != nil {
		return nil, err
	}
	sys, err := s.systemAccounts(db, v)
	if err != nil {
		return nil, err
	}
	out := &Liquidity{VaultCode: v.Code, Currency: v.Currency}
	if out.Buffer, err = s.Ledger.BalanceOf(db, sys.buffer.ID); err != nil {
		return nil, err
	}
	if out.AUM, err = s.Ledger.BalanceOf(db, sys.aum.ID); err != nil {
		return nil, err
	}
	liability, err := s.Ledger.BalanceOf(db, sys.liability.ID)
	if err != nil {
		return nil, err
	}
	out.Liability = liability.Neg()
	err = db.Model(&domain.WithdrawalRequest{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("vault_code = ? AND status = ?", v.Code, domain.WithdrawalPending).
		Row().Scan(&out.Pending)
	return out, err
}

type DepositInput struct {
	VaultCode      string
	UserID         string
	Email          string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// DepositResult is the VAULT_DEPOSIT snapshot.
type DepositResult struct {
	OperationID uuid.UUID       `json:"operation_id"`
	VaultCode   string          `json:"vault_code"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Deposit moves cash from the user's available balance into the vault. The holder account stays
// locked for the vault's lock period, counted from the latest deposit.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (*DepositResult, *operations.Result, error) {
	if err := domain.ValidateAmount("amount", in.Amount); err != nil {
		return nil, nil, err
	}
	db := s.DB.WithContext(ctx)
	v, err := s.load(db, in.VaultCode)
	if err != nil {
		return nil, nil, err
	}
	if v.Status != domain.VaultActive {
		return nil, nil, domain.NewError(domain.CodeVaultLocked, "vault is "+strings.ToLower(string(v.Status)))
	}
	if err := s.KYC.Check(ctx, in.UserID, domain.OperationVaultDeposit); err != nil {
		return nil, nil, err
	}
	available, err := s.Ledger.EnsureAccount(db, in.UserID, domain.AccountAvailable, "", v.Currency)
	if err != nil {
		return nil, nil, err
	}
	holder, err := s.Ledger.EnsureAccount(db, in.UserID, domain.AccountVault, v.Code, v.Currency)
	if err != nil {
		return nil, nil, err
	}
	amount := in.Amount
	code := v.Code

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           domain.OperationVaultDeposit,
		UserID:         in.UserID,
		IdempotencyKey: in.IdempotencyKey,
		Email:          in.Email,
		Fingerprint:    map[string]string{"vault_code": code, "amount": amount.String()},
		Locks:          []string{locks.VaultKey(code), locks.AccountKey(available.ID.String()), locks.AccountKey(holder.ID.String())},
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			v, err := s.load(tx, code)
			if err != nil {
				return nil, err
			}
			if v.Status != domain.VaultActive {
				return nil, domain.ErrVaultLocked
			}
			if _, err := s.Ledger.LockAccount(tx, available.ID); err != nil {
				return nil, err
			}
			balance, err := s.Ledger.BalanceOf(tx, available.ID)
			if err != nil {
				return nil, err
			}
			if balance.LessThan(amount) {
				return nil, domain.ErrInsufficientFunds
			}
			acct, err := s.Ledger.LockAccount(tx, holder.ID)
			if err != nil {
				return nil, err
			}
			sys, err := s.systemAccounts(tx, v)
			if err != nil {
				return nil, err
			}
			lockedUntil := acct.LockedUntil
			if v.LockPeriodDays > 0 {
				until := s.now().Add(v.LockPeriod())
				if lockedUntil == nil || until.After(*lockedUntil) {
					if err := tx.Model(&domain.Account{}).Where("id = ?", acct.ID).Update("locked_until", until).Error; err != nil {
						return nil, err
					}
					lockedUntil = &until
				}
			}
			return &operations.Outcome{
				Entries: []domain.LedgerEntry{
					domain.Debit(available, amount),
					domain.Credit(acct, amount),
					domain.Credit(sys.buffer, amount),
					domain.Debit(sys.liability, amount),
				},
				Result: DepositResult{
					OperationID: op.ID,
					VaultCode:   code,
					Amount:      amount,
					Currency:    v.Currency,
					LockedUntil: lockedUntil,
					CreatedAt:   op.CreatedAt,
				},
			}, nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	var out DepositResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}

type WithdrawInput struct {
	VaultCode      string
	UserID         string
	Email          string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// WithdrawResult is the snapshot of a withdrawal and of its settlement.
type WithdrawResult struct {
	RequestID   uuid.UUID               `json:"request_id"`
	OperationID uuid.UUID               `json:"operation_id"`
	VaultCode   string                  `json:"vault_code"`
	Amount      decimal.Decimal         `json:"amount"`
	Currency    string                  `json:"currency"`
	Status      domain.WithdrawalStatus `json:"status"`
}

func (s *Service) checkWithdrawable(v *domain.Vault, holder *domain.Account) error {
	if v.Status != domain.VaultActive {
		return domain.NewError(domain.CodeVaultLocked, "vault is "+strings.ToLower(string(v.Status)))
	}
	if holder.IsTimeLocked(s.now()) {
		return domain.NewError(domain.CodeVaultLocked, "vault holding is locked until "+holder.LockedUntil.UTC().Format(time.RFC3339))
	}
	return nil
}

// Withdraw pays out of the vault immediately when the buffer covers the amount (EXECUTED).
// Otherwise the amount is reserved in VAULT_PENDING and the request waits for the liquidity
// process (PENDING).
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (*WithdrawResult, *operations.Result, error) {
	if err := domain.ValidateAmount("amount", in.Amount); err != nil {
		return nil, nil, err
	}
	db := s.DB.WithContext(ctx)
	v, err := s.load(db, in.VaultCode)
	if err != nil {
		return nil, nil, err
	}
	holder, err := s.Ledger.FindAccount(db, in.UserID, domain.AccountVault, v.Code, v.Currency)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, domain.ErrInsufficientFunds
	}
	if err != nil {
		return nil, nil, err
	}
	// Locked vaults are refused before any operation is recorded.
	if err := s.checkWithdrawable(v, holder); err != nil {
		return nil, nil, err
	}
	available, err := s.Ledger.EnsureAccount(db, in.UserID, domain.AccountAvailable, "", v.Currency)
	if err != nil {
		return nil, nil, err
	}
	pending, err := s.Ledger.EnsureAccount(db, in.UserID, domain.AccountVaultPending, v.Code, v.Currency)
	if err != nil {
		return nil, nil, err
	}
	amount := in.Amount
	code := v.Code
	var reason *string
	if r := strings.TrimSpace(in.Reason); r != "" {
		reason = &r
	}

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           domain.OperationVaultWithdrawal,
		UserID:         in.UserID,
		IdempotencyKey: in.IdempotencyKey,
		Email:          in.Email,
		Reason:         in.Reason,
		Fingerprint:    map[string]string{"vault_code": code, "amount": amount.String()},
		Locks:          []string{locks.VaultKey(code), locks.AccountKey(holder.ID.String())},
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			v, err := s.load(tx, code)
			if err != nil {
				return nil, err
			}
			acct, err := s.Ledger.LockAccount(tx, holder.ID)
			if err != nil {
				return nil, err
			}
			if err := s.checkWithdrawable(v, acct); err != nil {
				return nil, err
			}
			held, err := s.Ledger.BalanceOf(tx, acct.ID)
			if err != nil {
				return nil, err
			}
			if held.LessThan(amount) {
				return nil, domain.ErrInsufficientFunds
			}
			sys, err := s.systemAccounts(tx, v)
			if err != nil {
				return nil, err
			}
			buffer, err := s.Ledger.BalanceOf(tx, sys.buffer.ID)
			if err != nil {
				return nil, err
			}

			req := domain.WithdrawalRequest{
				VaultAccountID:     acct.ID,
				VaultCode:          code,
				UserID:             op.UserID,
				Amount:             amount,
				Currency:           v.Currency,
				Reason:             reason,
				RequestOperationID: op.ID,
			}
			out := &operations.Outcome{}
			if buffer.GreaterThanOrEqual(amount) {
				now := s.now()
				settlement := op.ID
				req.Status = domain.WithdrawalExecuted
				req.SettlementOperationID = &settlement
				req.ExecutedAt = &now
				out.Entries = []domain.LedgerEntry{
					domain.Debit(acct, amount),
					domain.Credit(available, amount),
					domain.Debit(sys.buffer, amount),
					domain.Credit(sys.liability, amount),
				}
			} else {
				req.Status = domain.WithdrawalPending
				out.Type = domain.OperationVaultWithdrawalHold
				out.Entries = []domain.LedgerEntry{
					domain.Debit(acct, amount),
					domain.Credit(pending, amount),
				}
			}
			if err := tx.Create(&req).Error; err != nil {
				return nil, err
			}
			out.Result = WithdrawResult{
				RequestID:   req.ID,
				OperationID: op.ID,
				VaultCode:   code,
				Amount:      amount,
				Currency:    v.Currency,
				Status:      req.Status,
			}
			return out, nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	var out WithdrawResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}

// SettleInput identifies a pending withdrawal handled by the liquidity process.
type SettleInput struct {
	RequestID      uuid.UUID
	Actor          audit.Actor
	Reason         string
	IdempotencyKey string
}

func (s *Service) request(db *gorm.DB, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	var req domain.WithdrawalRequest
	err := db.First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("withdrawal request")
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// lockPending reloads the request under a row lock and checks it can still move to next.
func (s *Service) lockPending(tx *gorm.DB, id uuid.UUID, next domain.WithdrawalStatus) (*domain.WithdrawalRequest, error) {
	var req domain.WithdrawalRequest
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if !req.Status.CanTransitionTo(next) {
		return nil, domain.NewError(domain.CodeInvalidTransition, "withdrawal request is "+string(req.Status))
	}
	return &req, nil
}

// ExecutePending pays out a PENDING request from the buffer. Every call without a key is a new
// attempt; the request's status makes payment happen at most once.
func (s *Service) ExecutePending(ctx context.Context, in SettleInput) (*WithdrawResult, *operations.Result, error) {
	db := s.DB.WithContext(ctx)
	req, err := s.request(db, in.RequestID)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.load(db, req.VaultCode)
	if err != nil {
		return nil, nil, err
	}
	pending, err := s.Ledger.EnsureAccount(db, req.UserID, domain.AccountVaultPending, v.Code, v.Currency)
	if err != nil {
		return nil, nil, err
	}
	available, err := s.Ledger.EnsureAccount(db, req.UserID, domain.AccountAvailable, "", v.Currency)
	if err != nil {
		return nil, nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "withdrawal-execute:" + req.ID.String() + ":" + uuid.NewString()
	}
	requestOp := req.RequestOperationID
	requestID := req.ID

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           domain.OperationVaultWithdrawal,
		UserID:         req.UserID,
		IdempotencyKey: key,
		Fingerprint:    map[string]string{"request_id": requestID.String()},
		Locks:          []string{locks.VaultKey(v.Code), locks.AccountKey(pending.ID.String())},
		Subject:        &requestOp,
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			req, err := s.lockPending(tx, requestID, domain.WithdrawalExecuted)
			if err != nil {
				return nil, err
			}
			sys, err := s.systemAccounts(tx, v)
			if err != nil {
				return nil, err
			}
			buffer, err := s.Ledger.BalanceOf(tx, sys.buffer.ID)
			if err != nil {
				return nil, err
			}
			if buffer.LessThan(req.Amount) {
				return nil, domain.ErrInsufficientLiquidity
			}
			before := *req
			now := s.now()
			settlement := op.ID
			err = tx.Model(&domain.WithdrawalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
				"status":                  domain.WithdrawalExecuted,
				"settlement_operation_id": settlement,
				"executed_at":             now,
				"updated_at":              now,
			}).Error
			if err != nil {
				return nil, err
			}
			req.Status = domain.WithdrawalExecuted
			req.SettlementOperationID = &settlement
			req.ExecutedAt = &now
			err = s.Audit.Record(ctx, tx, audit.Entry{
				Actor:      in.Actor,
				Action:     audit.ActionWithdrawalExecute,
				EntityType: "withdrawal_request",
				EntityID:   req.ID.String(),
				Before:     before,
				After:      req,
				Reason:     in.Reason,
			})
			if err != nil {
				return nil, err
			}
			return &operations.Outcome{
				Entries: []domain.LedgerEntry{
					domain.Debit(pending, req.Amount),
					domain.Credit(available, req.Amount),
					domain.Debit(sys.buffer, req.Amount),
					domain.Credit(sys.liability, req.Amount),
				},
				Result: WithdrawResult{
					RequestID:   req.ID,
					OperationID: op.ID,
					VaultCode:   v.Code,
					Amount:      req.Amount,
					Currency:    req.Currency,
					Status:      domain.WithdrawalExecuted,
				},
			}, nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	var out WithdrawResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}

// RejectPending returns the reserved amount to the user's vault holding.
func (s *Service) RejectPending(ctx context.Context, in SettleInput) (*WithdrawResult, *operations.Result, error) {
	if err := audit.ValidateReason(in.Reason); err != nil {
		return nil, nil, err
	}
	db := s.DB.WithContext(ctx)
	req, err := s.request(db, in.RequestID)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.load(db, req.VaultCode)
	if err != nil {
		return nil, nil, err
	}
	pending, err := s.Ledger.EnsureAccount(db, req.UserID, domain.AccountVaultPending, v.Code, v.Currency)
	if err != nil {
		return nil, nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "withdrawal-reject:" + req.ID.String()
	}
	requestOp := req.RequestOperationID
	requestID := req.ID
	holderID := req.VaultAccountID
	reason := strings.TrimSpace(in.Reason)

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           domain.OperationVaultWithdrawalRelease,
		UserID:         req.UserID,
		IdempotencyKey: key,
		Fingerprint:    map[string]string{"request_id": requestID.String(), "reason": reason},
		Locks:          []string{locks.VaultKey(v.Code), locks.AccountKey(pending.ID.String()), locks.AccountKey(holderID.String())},
		Reason:         reason,
		Subject:        &requestOp,
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			req, err := s.lockPending(tx, requestID, domain.WithdrawalRejected)
			if err != nil {
				return nil, err
			}
			holder, err := s.Ledger.LockAccount(tx, holderID)
			if err != nil {
				return nil, err
			}
			before := *req
			now := s.now()
			err = tx.Model(&domain.WithdrawalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
				"status":                  domain.WithdrawalRejected,
				"reason":                  reason,
				"settlement_operation_id": op.ID,
				"updated_at":              now,
			}).Error
			if err != nil {
				return nil, err
			}
			settlement := op.ID
			req.Status = domain.WithdrawalRejected
			req.Reason = &reason
			req.SettlementOperationID = &settlement
			err = s.Audit.Record(ctx, tx, audit.Entry{
				Actor:      in.Actor,
				Action:     audit.ActionWithdrawalReject,
				EntityType: "withdrawal_request",
				EntityID:   req.ID.String(),
				Before:     before,
				After:      req,
				Reason:     reason,
			})
			if err != nil {
				return nil, err
			}
			return &operations.Outcome{
				Entries: []domain.LedgerEntry{
					domain.Debit(pending, req.Amount),
					domain.Credit(holder, req.Amount),
				},
				Result: WithdrawResult{
					RequestID:   req.ID,
					OperationID: op.ID,
					VaultCode:   v.Code,
					Amount:      req.Amount,
					Currency:    req.Currency,
					Status:      domain.WithdrawalRejected,
				},
			}, nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	var out WithdrawResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}

// Rebalance directions.
const (
	ToAUM    = "TO_AUM"
	ToBuffer = "TO_BUFFER"
)

type RebalanceInput struct {
	VaultCode      string
	Direction      string
	Amount         decimal.Decimal
	Actor          audit.Actor
	Reason         string
	IdempotencyKey string
}

// RebalanceResult is the VAULT_REBALANCE snapshot.
type RebalanceResult struct {
	OperationID uuid.UUID       `json:"operation_id"`
	VaultCode   string          `json:"vault_code"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Buffer      decimal.Decimal `json:"buffer"`
	AUM         decimal.Decimal `json:"aum"`
}

// Rebalance moves cash between the buffer and deployed AUM.
func (s *Service) Rebalance(ctx context.Context, in RebalanceInput) (*RebalanceResult, *operations.Result, error) {
	if err := domain.ValidateAmount("amount", in.Amount); err != nil {
		return nil, nil, err
	}
	direction := strings.ToUpper(strings.TrimSpace(in.Direction))
	if direction != ToAUM && direction != ToBuffer {
		return nil, nil, domain.Validation("direction", "must be TO_AUM or TO_BUFFER")
	}
	v, err := s.load(s.DB.WithContext(ctx), in.VaultCode)
	if err != nil {
		return nil, nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "rebalance:" + v.Code + ":" + uuid.NewString()
	}
	amount := in.Amount

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           domain.OperationVaultRebalance,
		UserID:         domain.SystemOwner,
		IdempotencyKey: key,
		Fingerprint:    map[string]string{"vault_code": v.Code, "direction": direction, "amount": amount.String()},
		Locks:          []string{locks.VaultKey(v.Code)},
		Reason:         in.Reason,
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			sys, err := s.systemAccounts(tx, v)
			if err != nil {
				return nil, err
			}
			from, to := sys.buffer, sys.aum
			if direction == ToBuffer {
				from, to = sys.aum, sys.buffer
			}
			buffer, err := s.Ledger.BalanceOf(tx, sys.buffer.ID)
			if err != nil {
				return nil, err
			}
			aum, err := s.Ledger.BalanceOf(tx, sys.aum.ID)
			if err != nil {
				return nil, err
			}
			source := buffer
			if direction == ToBuffer {
				source = aum
			}
			if source.LessThan(amount) {
				return nil, domain.ErrInsufficientLiquidity
			}
			if direction == ToAUM {
				buffer, aum = buffer.Sub(amount), aum.Add(amount)
			} else {
				buffer, aum = buffer.Add(amount), aum.Sub(amount)
			}
			result := RebalanceResult{OperationID: op.ID, VaultCode: v.Code, Direction: direction, Amount: amount, Buffer: buffer, AUM: aum}
			err = s.Audit.Record(ctx, tx, audit.Entry{
				Actor:      in.Actor,
				Action:     audit.ActionVaultRebalance,
				EntityType: "vault",
				EntityID:   v.Code,
				After:      result,
				Reason:     in.Reason,
			})
			if err != nil {
				return nil, err
			}
			return &operations.Outcome{
				Entries: []domain.LedgerEntry{domain.Debit(from, amount), domain.Credit(to, amount)},
				Result:  result,
			}, nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	var out RebalanceResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}

// RequestFilter narrows ListRequests. Empty fields match everything.
type RequestFilter struct {
	VaultCode string
	UserID    string
	Status    domain.WithdrawalStatus
	Limit     int
}

// ListRequests returns withdrawal requests, oldest first, so the liquidity process settles in order.
func (s *Service) ListRequests(ctx context.Context, f RequestFilter) ([]domain.WithdrawalRequest, error) {
	q := s.DB.WithContext(ctx).Model(&domain.WithdrawalRequest{})
	if f.VaultCode != "" {
		q = q.Where("vault_code = ?", strings.ToLower(f.VaultCode))
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.WithdrawalRequest
	err := q.Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}
