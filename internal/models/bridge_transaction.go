package models

import (
	"time"
)

const (
	BridgePending   = "pending"
	BridgeBurning   = "burning"
	BridgeAttesting = "attesting"
	BridgeMinting   = "minting"
	BridgeCompleted = "completed"
	BridgeFailed    = "failed"
)

const (
	DirectionDeposit  = "deposit"
	DirectionWithdraw = "withdraw"
)

// bridgeStage orders the non-terminal stages. Failed sits outside the order
// and is reachable from any non-terminal stage.
var bridgeStage = map[string]int{
	BridgePending:   0,
	BridgeBurning:   1,
	BridgeAttesting: 2,
	BridgeMinting:   3,
	BridgeCompleted: 4,
}

// BridgeTransaction tracks one cross-chain collateral transfer. Amount is in
// collateral base units.
type BridgeTransaction struct {
	ID                string     `gorm:"primarykey;type:varchar(36)" json:"id"`
	UserAddress       string     `gorm:"type:varchar(42);not null;index" json:"user_address"`
	Amount            int64      `gorm:"not null" json:"amount"`
	Direction         string     `gorm:"type:varchar(10);not null" json:"direction"`
	Status            string     `gorm:"type:varchar(20);not null;index" json:"status"`
	SourceChain       string     `gorm:"type:varchar(32);not null" json:"source_chain"`
	DestinationChain  string     `gorm:"type:varchar(32);not null" json:"destination_chain"`
	SourceTxHash      string     `gorm:"type:varchar(66);default:''" json:"source_tx_hash"`
	MessageBytes      []byte     `gorm:"type:bytea" json:"message_bytes"`
	MessageHash       string     `gorm:"type:varchar(66);default:'';index" json:"message_hash"`
	AttestationBlob   string     `gorm:"type:text;default:''" json:"attestation_blob"`
	DestinationTxHash string     `gorm:"type:varchar(66);default:''" json:"destination_tx_hash"`
	Error             string     `gorm:"type:text;default:''" json:"error"`
	MintAttempts      int        `gorm:"default:0" json:"mint_attempts"`
	EscalatedAt       *time.Time `json:"escalated_at"`
	CreatedAt         time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (BridgeTransaction) TableName() string {
	return "bridge_transactions"
}

// IsTerminal reports whether no further transition may leave the status.
func IsTerminal(status string) bool {
	return status == BridgeCompleted || status == BridgeFailed
}

// CanAdvance reports whether from -> to moves a bridge transfer strictly forward.
func CanAdvance(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	if _, ok := bridgeStage[from]; !ok {
		return false
	}
	if to == BridgeFailed {
		return true
	}
	next, ok := bridgeStage[to]
	return ok && next == bridgeStage[from]+1
}

// LedgerDelta is the signed balance change a completed transfer applies to its user.
func (b BridgeTransaction) LedgerDelta() int64 {
	if b.Direction == DirectionWithdraw {
		return -b.Amount
	}
	return b.Amount
}

type UserBalance struct {
	UserAddress string    `gorm:"primarykey;type:varchar(42)" json:"user_address"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (UserBalance) TableName() string {
	return "user_balances"
}
