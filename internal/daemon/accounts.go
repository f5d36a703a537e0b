package daemon

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/store"
	intsync "github.com/lfarias/mailkeep/internal/sync"
	"github.com/lfarias/mailkeep/internal/token"
)

// reconcileAccounts makes the store's account list match the configured
// accounts. New accounts are inserted, existing ones have their display
// fields refreshed, and accounts dropped from the config are removed
// together with their cached data and stored credentials.
func reconcileAccounts(db *store.DB, cfg *config.Config, controller *intsync.Controller, tokens token.Provider, b *bus.Bus, logger *zap.Logger) error {
	configured := make(map[string]bool, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("configured account with email %q is missing an id", acc.Email)
		}
		configured[acc.ID] = true

		if err := db.UpsertAccount(&store.Account{
			ID:          acc.ID,
			Provider:    store.ProviderIMAP,
			DisplayName: acc.DisplayName,
			Email:       acc.Email,
		}); err != nil {
			return fmt.Errorf("upserting account %s: %w", acc.ID, err)
		}
	}

	existing, err := db.ListAccounts()
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	for _, acc := range existing {
		if configured[acc.ID] {
			continue
		}
		logger.Info("removing account absent from config",
			zap.String("account_id", acc.ID),
			zap.String("email", acc.Email))

		controller.CancelAccount(acc.ID)
		if err := db.DeleteAccount(acc.ID); err != nil {
			return fmt.Errorf("deleting account %s: %w", acc.ID, err)
		}
		if deleter, ok := tokens.(interface{ Delete(string) error }); ok {
			if err := deleter.Delete(acc.ID); err != nil {
				logger.Warn("deleting stored credentials",
					zap.String("account_id", acc.ID), zap.Error(err))
			}
		}
		b.Publish(bus.Event{Kind: bus.KindAccountRemoved, Payload: acc.ID})
	}
	return nil
}
