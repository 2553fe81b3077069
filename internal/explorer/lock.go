package explorer

import (
	"context"
	"errors"
	"strings"
)

// LiquidityLock reports whether any transfer of the token went to the lock address.
type LiquidityLock struct {
	Address         string `json:"address"`
	LiquidityLocked bool   `json:"liquidityLocked"`
}

// TransferReader lists token transfers.
type TransferReader interface {
	TokenTransfers(ctx context.Context, address string) ([]TokenTransfer, error)
}

// LockChecker matches token transfers against a known locker contract.
type LockChecker struct {
	transfers   TransferReader
	lockAddress string
}

func NewLockChecker(transfers TransferReader, lockAddress string) (*LockChecker, error) {
	if transfers == nil {
		return nil, errors.New("explorer: transfer reader required")
	}
	return &LockChecker{transfers: transfers, lockAddress: strings.TrimSpace(lockAddress)}, nil
}

// Check compares recipients case-insensitively. Without a configured lock
// address nothing can match and the token reports unlocked.
func (c *LockChecker) Check(ctx context.Context, address string) (LiquidityLock, error) {
	transfers, err := c.transfers.TokenTransfers(ctx, address)
	if err != nil {
		return LiquidityLock{}, err
	}
	lock := LiquidityLock{Address: address}
	if c.lockAddress == "" {
		return lock, nil
	}
	for _, tx := range transfers {
		if strings.EqualFold(strings.TrimSpace(tx.To), c.lockAddress) {
			lock.LiquidityLocked = true
			break
		}
	}
	return lock, nil
}
