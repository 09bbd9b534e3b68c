package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// OpKind identifies a balance primitive.
type OpKind int

const (
	OpDeposit OpKind = iota + 1
	OpDebit
	OpFreeze
	OpUnfreeze
	OpSettleWin
	OpSettleLoss
	// Reversals exist only as inverses of settlement ops.
	OpRevertWin
	OpRevertLoss
)

func (k OpKind) String() string {
	switch k {
	case OpDeposit:
		return "deposit"
	case OpDebit:
		return "debit"
	case OpFreeze:
		return "freeze"
	case OpUnfreeze:
		return "unfreeze"
	case OpSettleWin:
		return "settle_win"
	case OpSettleLoss:
		return "settle_loss"
	case OpRevertWin:
		return "revert_win"
	case OpRevertLoss:
		return "revert_loss"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one balance mutation against a single account.
// Amount is the moved (or staked) credit; Payout is used by win ops only.
type Op struct {
	Kind   OpKind
	UserID string
	Amount decimal.Decimal
	Payout decimal.Decimal
}

func Deposit(userID string, amount decimal.Decimal) Op {
	return Op{Kind: OpDeposit, UserID: userID, Amount: amount}
}

func Debit(userID string, amount decimal.Decimal) Op {
	return Op{Kind: OpDebit, UserID: userID, Amount: amount}
}

func Freeze(userID string, amount decimal.Decimal) Op {
	return Op{Kind: OpFreeze, UserID: userID, Amount: amount}
}

func Unfreeze(userID string, amount decimal.Decimal) Op {
	return Op{Kind: OpUnfreeze, UserID: userID, Amount: amount}
}

// SettleWin releases stake from frozen and credits payout to available.
func SettleWin(userID string, stake, payout decimal.Decimal) Op {
	return Op{Kind: OpSettleWin, UserID: userID, Amount: stake, Payout: payout}
}

// SettleLoss forfeits stake from frozen.
func SettleLoss(userID string, stake decimal.Decimal) Op {
	return Op{Kind: OpSettleLoss, UserID: userID, Amount: stake}
}

// Inverse returns the op that undoes o.
func (o Op) Inverse() Op {
	inv := o
	switch o.Kind {
	case OpDeposit:
		inv.Kind = OpDebit
	case OpDebit:
		inv.Kind = OpDeposit
	case OpFreeze:
		inv.Kind = OpUnfreeze
	case OpUnfreeze:
		inv.Kind = OpFreeze
	case OpSettleWin:
		inv.Kind = OpRevertWin
	case OpSettleLoss:
		inv.Kind = OpRevertLoss
	case OpRevertWin:
		inv.Kind = OpSettleWin
	case OpRevertLoss:
		inv.Kind = OpSettleLoss
	}
	return inv
}

// Invert returns the inverse batch in reverse order.
func Invert(ops []Op) []Op {
	out := make([]Op, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, ops[i].Inverse())
	}
	return out
}

func (o Op) validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: %s with empty user id", ErrInvalidOp, o.Kind)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: %s amount %s", ErrInvalidAmount, o.Kind, o.Amount)
	}
	if (o.Kind == OpSettleWin || o.Kind == OpRevertWin) && o.Payout.IsNegative() {
		return fmt.Errorf("%w: %s payout %s", ErrInvalidAmount, o.Kind, o.Payout)
	}
	return nil
}

// apply mutates a working copy of the account. It never leaves a negative
// field behind; shortfalls are reported, not clamped.
func (o Op) apply(a *model.Account) error {
	switch o.Kind {
	case OpDeposit:
		a.Available = a.Available.Add(o.Amount)

	case OpDebit:
		if a.Available.LessThan(o.Amount) {
			return shortfall(ErrInsufficientCredits, o, o.Amount, a.Available)
		}
		a.Available = a.Available.Sub(o.Amount)

	case OpFreeze:
		if a.Available.LessThan(o.Amount) {
			return shortfall(ErrInsufficientCredits, o, o.Amount, a.Available)
		}
		a.Available = a.Available.Sub(o.Amount)
		a.Frozen = a.Frozen.Add(o.Amount)

	case OpUnfreeze:
		if a.Frozen.LessThan(o.Amount) {
			return shortfall(ErrInsufficientFrozenCredits, o, o.Amount, a.Frozen)
		}
		a.Frozen = a.Frozen.Sub(o.Amount)
		a.Available = a.Available.Add(o.Amount)

	case OpSettleWin:
		if a.Frozen.LessThan(o.Amount) {
			return shortfall(ErrInsufficientFrozenCredits, o, o.Amount, a.Frozen)
		}
		a.Frozen = a.Frozen.Sub(o.Amount)
		a.Available = a.Available.Add(o.Payout)

	case OpSettleLoss:
		if a.Frozen.LessThan(o.Amount) {
			return shortfall(ErrInsufficientFrozenCredits, o, o.Amount, a.Frozen)
		}
		a.Frozen = a.Frozen.Sub(o.Amount)

	case OpRevertWin:
		if a.Available.LessThan(o.Payout) {
			return shortfall(ErrInsufficientCredits, o, o.Payout, a.Available)
		}
		a.Available = a.Available.Sub(o.Payout)
		a.Frozen = a.Frozen.Add(o.Amount)

	case OpRevertLoss:
		a.Frozen = a.Frozen.Add(o.Amount)

	default:
		return fmt.Errorf("%w: unknown op %s", ErrInvalidOp, o.Kind)
	}
	return nil
}

func shortfall(kind error, o Op, need, have decimal.Decimal) error {
	return fmt.Errorf("%w: user %s %s needs %s, has %s", kind, o.UserID, o.Kind, need, have)
}
