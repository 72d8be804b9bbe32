package state

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	// A fresh vault holds one virtual asset against one million virtual shares.
	VirtualAssets int64 = 1
	VirtualShares int64 = 1_000_000
)

// Vault is the share ledger of one pool. Per-account share balances live in
// the store so a transaction only copies the balances it touches.
type Vault struct {
	Pool            PoolKey
	DepositedAssets *big.Int     // uint128
	AssetsInAMM     *big.Int     // uint128
	TotalAssets     *big.Int     // tracked counter, must equal the sum of its terms
	TotalShares     *uint256.Int // uint256
}

func NewVault(pool PoolKey) *Vault {
	return &Vault{
		Pool:            pool,
		DepositedAssets: big.NewInt(VirtualAssets),
		AssetsInAMM:     new(big.Int),
		TotalAssets:     big.NewInt(VirtualAssets),
		TotalShares:     uint256.NewInt(uint64(VirtualShares)),
	}
}

func (v *Vault) Clone() *Vault {
	return &Vault{
		Pool:            v.Pool,
		DepositedAssets: new(big.Int).Set(v.DepositedAssets),
		AssetsInAMM:     new(big.Int).Set(v.AssetsInAMM),
		TotalAssets:     new(big.Int).Set(v.TotalAssets),
		TotalShares:     new(uint256.Int).Set(v.TotalShares),
	}
}

// ConvertToShares returns assets * totalShares / totalAssets.
func (v *Vault) ConvertToShares(assets *big.Int, mode fpmath.RoundingMode) *big.Int {
	if v.TotalAssets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return fpmath.MulDiv(assets, v.TotalShares.ToBig(), v.TotalAssets, mode)
}

// ConvertToAssets returns shares * totalAssets / totalShares.
func (v *Vault) ConvertToAssets(shares *big.Int, mode fpmath.RoundingMode) *big.Int {
	if v.TotalShares.IsZero() {
		return new(big.Int)
	}
	return fpmath.MulDiv(shares, v.TotalAssets, v.TotalShares.ToBig(), mode)
}

// Utilization returns assetsInAMM / totalAssets in ppm, rounded up.
func (v *Vault) Utilization() int64 {
	if v.TotalAssets.Sign() <= 0 {
		return 0
	}
	u := fpmath.MulDiv(v.AssetsInAMM, big.NewInt(fpmath.RatioScale), v.TotalAssets, fpmath.RoundUp)
	if u.Cmp(big.NewInt(fpmath.RatioScale)) > 0 {
		return fpmath.RatioScale
	}
	return u.Int64()
}

// UtilizationWad returns assetsInAMM / totalAssets in WAD, rounded down.
func (v *Vault) UtilizationWad() *big.Int {
	if v.TotalAssets.Sign() <= 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(v.AssetsInAMM, fpmath.WAD, v.TotalAssets, fpmath.RoundDown)
}

// AddDeposited changes idle assets and the tracked total together.
func (v *Vault) AddDeposited(delta *big.Int) error {
	next := new(big.Int).Add(v.DepositedAssets, delta)
	if err := fpmath.CheckUint("depositedAssets", next, fpmath.Bits128); err != nil {
		return err
	}
	total := new(big.Int).Add(v.TotalAssets, delta)
	if total.Sign() < 0 {
		return ledgererr.NewInvariant("total_assets_non_negative", "%s total assets would be %s", v.Pool, total)
	}
	v.DepositedAssets = next
	v.TotalAssets = total
	return nil
}

// MoveToAMM moves delta from idle to deployed (negative delta returns it).
func (v *Vault) MoveToAMM(delta *big.Int) error {
	deposited := new(big.Int).Sub(v.DepositedAssets, delta)
	inAMM := new(big.Int).Add(v.AssetsInAMM, delta)
	if err := fpmath.CheckUint("depositedAssets", deposited, fpmath.Bits128); err != nil {
		return err
	}
	if err := fpmath.CheckUint("assetsInAMM", inAMM, fpmath.Bits128); err != nil {
		return err
	}
	v.DepositedAssets = deposited
	v.AssetsInAMM = inAMM
	return nil
}

// SettleFromAMM closes deployed principal that came back as returned assets.
// The difference is a gain or loss of the pool's total assets.
func (v *Vault) SettleFromAMM(principal, returned *big.Int) error {
	inAMM := new(big.Int).Sub(v.AssetsInAMM, principal)
	if err := fpmath.CheckUint("assetsInAMM", inAMM, fpmath.Bits128); err != nil {
		return err
	}
	v.AssetsInAMM = inAMM
	v.TotalAssets = new(big.Int).Sub(v.TotalAssets, principal)
	return v.AddDeposited(returned)
}

// AddTrackedTotal adjusts only the tracked total; used together with a
// matching unrealized-interest change on the market state.
func (v *Vault) AddTrackedTotal(delta *big.Int) {
	v.TotalAssets = new(big.Int).Add(v.TotalAssets, delta)
}

// MintShares adds to total supply.
func (v *Vault) MintShares(shares *big.Int) error {
	next := new(big.Int).Add(v.TotalShares.ToBig(), shares)
	u, err := fpmath.ToU256("totalShares", next)
	if err != nil {
		return err
	}
	v.TotalShares = u
	return nil
}

// BurnShares removes from total supply.
func (v *Vault) BurnShares(shares *big.Int) error {
	next := new(big.Int).Sub(v.TotalShares.ToBig(), shares)
	if next.Sign() < 0 {
		return ledgererr.NewInvariant("total_shares_non_negative", "%s burning %s of %s", v.Pool, shares, v.TotalShares.Dec())
	}
	u, err := fpmath.ToU256("totalShares", next)
	if err != nil {
		return err
	}
	v.TotalShares = u
	return nil
}

// CheckConservation verifies totalAssets == deposited + inAMM + unrealizedInterest.
func (v *Vault) CheckConservation(unrealizedInterest *big.Int) error {
	sum := new(big.Int).Add(v.DepositedAssets, v.AssetsInAMM)
	sum.Add(sum, unrealizedInterest)
	if sum.Cmp(v.TotalAssets) != 0 {
		return ledgererr.NewInvariant("asset_conservation",
			"%s totalAssets=%s deposited=%s inAMM=%s unrealized=%s",
			v.Pool, v.TotalAssets, v.DepositedAssets, v.AssetsInAMM, unrealizedInterest)
	}
	if v.DepositedAssets.Sign() < 0 || v.AssetsInAMM.Sign() < 0 {
		return ledgererr.NewInvariant("asset_conservation", "%s negative term", v.Pool)
	}
	return nil
}

func (v *Vault) String() string {
	return fmt.Sprintf("vault{%s assets=%s shares=%s}", v.Pool, v.TotalAssets, v.TotalShares.Dec())
}

// CanonicalBytes returns a deterministic encoding for hashing.
func (v *Vault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = appendBig(buf, v.DepositedAssets)
	buf = appendBig(buf, v.AssetsInAMM)
	buf = appendBig(buf, v.TotalAssets)
	shares := v.TotalShares.Bytes32()
	return append(buf, shares[:]...)
}

// appendBig writes a sign byte, a length byte and the magnitude.
func appendBig(buf []byte, x *big.Int) []byte {
	sign := byte(0)
	if x.Sign() < 0 {
		sign = 1
	}
	mag := x.Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}
