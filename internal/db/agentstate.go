package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveAgentStore records the agent's storefront on the single agent_state row.
func SaveAgentStore(ctx context.Context, d *gorm.DB, storeID, username string) (*AgentState, error) {
	now := time.Now().UTC()
	st := &AgentState{
		ID:              PrimaryAgentID,
		StoreID:         storeID,
		StoreUsername:   username,
		BootstrapStatus: "COMPLETED",
		LastHeartbeatAt: &now,
	}
	err := d.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"store_id", "store_username", "bootstrap_status", "last_heartbeat_at", "updated_at"}),
	}).Create(st).Error
	if err != nil {
		return nil, errors.Wrap(err, "save agent store")
	}
	return st, nil
}
