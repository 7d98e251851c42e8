package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketbot/internal/models"
)

func (s *Store) CreateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error {
	tx.UserAddress = normalizeAddress(tx.UserAddress)
	if tx.Status == "" {
		tx.Status = models.BridgePending
	}
	return s.withContext(ctx).Create(tx).Error
}

func (s *Store) GetBridge(ctx context.Context, id string) (*models.BridgeTransaction, error) {
	var record models.BridgeTransaction
	if err := s.withContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// BridgeByStatus returns up to limit transfers in any of the given statuses,
// least recently touched first.
func (s *Store) BridgeByStatus(ctx context.Context, limit int, statuses ...string) ([]models.BridgeTransaction, error) {
	var records []models.BridgeTransaction
	err := s.withContext(ctx).
		Where("status IN ?", statuses).
		Order("updated_at ASC, created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// AdvanceBridge moves a transfer from one status to the next, applying any
// extra column updates in the same statement.
func (s *Store) AdvanceBridge(ctx context.Context, id, from, to string, fields map[string]interface{}) error {
	if !models.CanAdvance(from, to) {
		return fmt.Errorf("bridge %s: illegal transition %s -> %s", id, from, to)
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.withContext(ctx).Model(&models.BridgeTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("bridge %s %s -> %s: %w", id, from, to, ErrStaleTransition)
	}
	return nil
}

// TouchBridge bumps updated_at on a transfer still in status, sending it to
// the back of the next batch for that status.
func (s *Store) TouchBridge(ctx context.Context, id, status string, at time.Time) error {
	return s.withContext(ctx).Model(&models.BridgeTransaction{}).
		Where("id = ? AND status = ?", id, status).
		UpdateColumn("updated_at", at.UTC()).Error
}

// FailBridge marks a non-terminal transfer failed with the given reason.
func (s *Store) FailBridge(ctx context.Context, id, from, reason string) error {
	return s.AdvanceBridge(ctx, id, from, models.BridgeFailed, map[string]interface{}{"error": reason})
}

// ClaimBridgeSourceTx records the burn hash before it is broadcast. It only
// succeeds while the transfer is burning with no hash yet.
func (s *Store) ClaimBridgeSourceTx(ctx context.Context, id, hash string) error {
	res := s.withContext(ctx).Model(&models.BridgeTransaction{}).
		Where("id = ? AND status = ? AND source_tx_hash = ?", id, models.BridgeBurning, "").
		Update("source_tx_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("claim source tx for %s: %w", id, ErrStaleTransition)
	}
	return nil
}

// ClaimBridgeDestinationTx records the mint hash before it is broadcast and
// counts the attempt.
func (s *Store) ClaimBridgeDestinationTx(ctx context.Context, id, hash string) error {
	res := s.withContext(ctx).Model(&models.BridgeTransaction{}).
		Where("id = ? AND status = ? AND destination_tx_hash = ?", id, models.BridgeMinting, "").
		Updates(map[string]interface{}{
			"destination_tx_hash": hash,
			"mint_attempts":       gorm.Expr("mint_attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("claim destination tx for %s: %w", id, ErrStaleTransition)
	}
	return nil
}

// RecordMintFailure keeps the transfer in minting and stores the error. When
// clearHash is set the destination hash is dropped so the next cycle can
// submit a fresh mint.
func (s *Store) RecordMintFailure(ctx context.Context, id, reason string, clearHash bool) error {
	updates := map[string]interface{}{"error": reason}
	if clearHash {
		updates["destination_tx_hash"] = ""
	}
	return s.withContext(ctx).Model(&models.BridgeTransaction{}).
		Where("id = ? AND status = ?", id, models.BridgeMinting).
		Updates(updates).Error
}

// EscalateBridge stamps escalated_at once on a transfer that needs an operator.
func (s *Store) EscalateBridge(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.withContext(ctx).Model(&models.BridgeTransaction{}).
		Where("id = ? AND escalated_at IS NULL", id).
		Update("escalated_at", at.UTC())
	return res.RowsAffected > 0, res.Error
}

// CompleteBridge moves a minting transfer to completed and applies its ledger
// delta in the same transaction. Nothing is written if the transfer is no
// longer minting.
func (s *Store) CompleteBridge(ctx context.Context, id string) error {
	return s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.BridgeTransaction
		if err := tx.First(&record, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&models.BridgeTransaction{}).
			Where("id = ? AND status = ?", id, models.BridgeMinting).
			Updates(map[string]interface{}{"status": models.BridgeCompleted, "error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("complete bridge %s: %w", id, ErrStaleTransition)
		}

		balance := models.UserBalance{
			UserAddress: record.UserAddress,
			Balance:     record.LedgerDelta(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_address"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("user_balances.balance + ?", record.LedgerDelta()),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&balance).Error
	})
}
