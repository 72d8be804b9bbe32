package ledger

import (
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch ids so replay reproduces them.
var batchNamespace = uuid.MustParse("6f1c9a52-3c0e-4a55-9a0b-7d3e2b8f4c11")

// JournalGenerator collects the asset movements of one event into a single
// balanced batch. A signed amount moves in the opposite direction when
// negative; zero amounts are skipped.
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator(eventRef string, sequence, timestamp int64) *JournalGenerator {
	batchID := uuid.NewSHA1(batchNamespace, []byte(eventRef+":"+strconv.FormatInt(sequence, 10)))
	return &JournalGenerator{
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Transfer moves amount from credit to debit.
func (jg *JournalGenerator) Transfer(jt JournalType, debit, credit AccountKey, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	amt := new(big.Int).Set(amount)
	if amt.Sign() < 0 {
		amt.Neg(amt)
		debit, credit = credit, debit
	}
	b := jg.batch
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(strconv.Itoa(len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        amt,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Batch returns the collected batch, or nil when the event moved nothing.
func (jg *JournalGenerator) Batch() *Batch {
	if len(jg.batch.Journals) == 0 {
		return nil
	}
	return jg.batch
}

// Deposit: external:deposits → user:collateral
func (jg *JournalGenerator) Deposit(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeDeposit,
		NewUserAccountKey(user, SubTypeCollateral, asset),
		NewExternalAccountKey(SubTypeExternalDeposits, asset),
		amount)
}

// Withdrawal: user:collateral → external:withdrawals
func (jg *JournalGenerator) Withdrawal(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeWithdrawal,
		NewExternalAccountKey(SubTypeExternalWithdrawals, asset),
		NewUserAccountKey(user, SubTypeCollateral, asset),
		amount)
}

// InterestAccrual books interest owed by borrowers as lender yield.
func (jg *JournalGenerator) InterestAccrual(asset string, amount *big.Int) {
	jg.Transfer(JournalTypeInterestAccrual,
		NewSystemAccountKey(SubTypeSystemLenderYield, asset),
		NewSystemAccountKey(SubTypeSystemInterestReceivable, asset),
		amount)
}

// InterestPayment: user:collateral → system:interest_receivable
func (jg *JournalGenerator) InterestPayment(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeInterestPayment,
		NewSystemAccountKey(SubTypeSystemInterestReceivable, asset),
		NewUserAccountKey(user, SubTypeCollateral, asset),
		amount)
}

// InterestWriteOff clears uncollectible receivable into bad debt.
func (jg *JournalGenerator) InterestWriteOff(asset string, amount *big.Int) {
	jg.Transfer(JournalTypeInterestWriteOff,
		NewSystemAccountKey(SubTypeSystemInterestReceivable, asset),
		NewSystemAccountKey(SubTypeSystemBadDebt, asset),
		amount)
}

// Commission: user:collateral → system:commission
func (jg *JournalGenerator) Commission(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeCommission,
		NewSystemAccountKey(SubTypeSystemCommission, asset),
		NewUserAccountKey(user, SubTypeCollateral, asset),
		amount)
}

// AMMDeploy moves signed principal from idle vault assets into the AMM.
func (jg *JournalGenerator) AMMDeploy(asset string, principal *big.Int) {
	jg.Transfer(JournalTypeAMMDeploy,
		NewSystemAccountKey(SubTypeSystemAMMDeployed, asset),
		NewSystemAccountKey(SubTypeSystemVaultIdle, asset),
		principal)
}

// AMMReturn brings signed principal back out of the AMM.
func (jg *JournalGenerator) AMMReturn(asset string, principal *big.Int) {
	jg.Transfer(JournalTypeAMMReturn,
		NewSystemAccountKey(SubTypeSystemVaultIdle, asset),
		NewSystemAccountKey(SubTypeSystemAMMDeployed, asset),
		principal)
}

// RealizedPnL settles a position's signed gain against the AMM.
func (jg *JournalGenerator) RealizedPnL(user uuid.UUID, asset string, pnl *big.Int) {
	jg.Transfer(JournalTypeRealizedPnL,
		NewUserAccountKey(user, SubTypeCollateral, asset),
		NewExternalAccountKey(SubTypeExternalAMM, asset),
		pnl)
}

// PremiumPaid: user:collateral → system:premium_escrow
func (jg *JournalGenerator) PremiumPaid(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypePremiumPaid,
		NewSystemAccountKey(SubTypeSystemPremiumEscrow, asset),
		NewUserAccountKey(user, SubTypeCollateral, asset),
		amount)
}

// PremiumReceived: system:premium_escrow → user:collateral
func (jg *JournalGenerator) PremiumReceived(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypePremiumReceived,
		NewUserAccountKey(user, SubTypeCollateral, asset),
		NewSystemAccountKey(SubTypeSystemPremiumEscrow, asset),
		amount)
}

// FeesCollected: external:amm → system:premium_escrow
func (jg *JournalGenerator) FeesCollected(asset string, amount *big.Int) {
	jg.Transfer(JournalTypeFeesCollected,
		NewSystemAccountKey(SubTypeSystemPremiumEscrow, asset),
		NewExternalAccountKey(SubTypeExternalAMM, asset),
		amount)
}

// Haircut returns escrowed premium to cover protocol loss.
func (jg *JournalGenerator) Haircut(asset string, amount *big.Int) {
	jg.Transfer(JournalTypeHaircut,
		NewSystemAccountKey(SubTypeSystemBadDebt, asset),
		NewSystemAccountKey(SubTypeSystemPremiumEscrow, asset),
		amount)
}

// LiquidationBonus moves a signed bonus from the liquidatee to the liquidator.
func (jg *JournalGenerator) LiquidationBonus(liquidatee, liquidator uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeLiquidationBonus,
		NewUserAccountKey(liquidator, SubTypeCollateral, asset),
		NewUserAccountKey(liquidatee, SubTypeCollateral, asset),
		amount)
}

// BonusMint credits the liquidator with value diluted from every depositor.
func (jg *JournalGenerator) BonusMint(liquidator uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeBonusMint,
		NewUserAccountKey(liquidator, SubTypeCollateral, asset),
		NewSystemAccountKey(SubTypeSystemBadDebt, asset),
		amount)
}

// BadDebt books a loss the account could not cover.
func (jg *JournalGenerator) BadDebt(user uuid.UUID, asset string, amount *big.Int) {
	jg.Transfer(JournalTypeBadDebt,
		NewUserAccountKey(user, SubTypeCollateral, asset),
		NewSystemAccountKey(SubTypeSystemBadDebt, asset),
		amount)
}
