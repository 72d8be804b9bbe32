package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// System sub-types
	SubTypeSystemLenderYield
	SubTypeSystemInterestReceivable
	SubTypeSystemCommission
	SubTypeSystemPremiumEscrow
	SubTypeSystemBadDebt
	SubTypeSystemVaultIdle
	SubTypeSystemAMMDeployed

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalAMM
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:               "collateral",
	SubTypeSystemLenderYield:        "lender_yield",
	SubTypeSystemInterestReceivable: "interest_receivable",
	SubTypeSystemCommission:         "commission",
	SubTypeSystemPremiumEscrow:      "premium_escrow",
	SubTypeSystemBadDebt:            "bad_debt",
	SubTypeSystemVaultIdle:          "vault_idle",
	SubTypeSystemAMMDeployed:        "amm_deployed",
	SubTypeExternalDeposits:         "deposits",
	SubTypeExternalWithdrawals:      "withdrawals",
	SubTypeExternalAMM:              "amm",
}

// AccountKey is the in-memory key for balance tracking. Asset is the pool
// the amount is denominated in, e.g. "ETH-USDC:0".
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system and external accounts
	SubType  AccountSubType
	Asset    string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for system accounts. System accounts are
// per pool, so the asset already names the market.
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}
