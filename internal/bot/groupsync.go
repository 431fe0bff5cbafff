package bot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/models"
)

// SyncGroups refreshes group names and owners from the gateway. Managed
// flags, thresholds and watermarks are local state and are never touched.
func (h *Handler) SyncGroups(ctx context.Context) error {
	infos, err := h.gw.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list gateway groups: %w", err)
	}

	var failed int
	for _, info := range infos {
		group := &models.Group{
			JID:      models.NormalizeJID(info.JID),
			Name:     info.Name,
			OwnerJID: models.NormalizeJID(info.OwnerJID),
		}
		if err := h.store.SyncGroupInfo(ctx, group); err != nil {
			failed++
			h.logger.Error("group sync failed", zap.String("group_jid", group.JID), zap.Error(err))
		}
	}

	h.logger.Info("groups synced", zap.Int("total", len(infos)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("group sync: %d of %d groups failed", failed, len(infos))
	}
	return nil
}
