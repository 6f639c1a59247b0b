package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// Seed: справочные данные, которые загружаются при старте:
//
//	matches:
//	  - id: match-1
//	    title: Derby
//	    starts_at: 2026-05-01T18:00:00Z
//	campaigns:
//	  - id: season-2026
//	    title: Season 2026
//	    active: true
//	ledger:
//	  - resource_id: sector-a
//	    kind: ticket_sector
//	    capacity: 500
//	    price_minor: 2500
//	    currency: EUR
//	    match_id: match-1
type Seed struct {
	Matches []struct {
		ID       string    `yaml:"id"`
		Title    string    `yaml:"title"`
		StartsAt time.Time `yaml:"starts_at"`
	} `yaml:"matches"`
	Campaigns []struct {
		ID       string    `yaml:"id"`
		Title    string    `yaml:"title"`
		Active   bool      `yaml:"active"`
		StartsAt time.Time `yaml:"starts_at"`
		EndsAt   time.Time `yaml:"ends_at"`
	} `yaml:"campaigns"`
	Ledger []struct {
		ResourceID string `yaml:"resource_id"`
		Kind       string `yaml:"kind"`
		Capacity   int64  `yaml:"capacity"`
		PriceMinor int64  `yaml:"price_minor"`
		Currency   string `yaml:"currency"`
		MatchID    string `yaml:"match_id"`
		CampaignID string `yaml:"campaign_id"`
	} `yaml:"ledger"`
}

// LoadSeed читает YAML-файл справочных данных.
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed: %w", err)
	}
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return seed, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return seed, nil
}

// Apply записывает данные одной транзакцией. Текущий резерв ledger сохраняется.
func (s Seed) Apply(ctx context.Context, store domain.Store, logger *log.Entry) error {
	err := store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		for _, m := range s.Matches {
			if err := repos.Catalog.UpsertMatch(ctx, domain.Match{ID: m.ID, Title: m.Title, StartsAt: m.StartsAt.UTC()}); err != nil {
				return fmt.Errorf("seed match %s: %w", m.ID, err)
			}
		}
		for _, c := range s.Campaigns {
			if err := repos.Catalog.UpsertCampaign(ctx, domain.MembershipCampaign{
				ID: c.ID, Title: c.Title, Active: c.Active, StartsAt: c.StartsAt.UTC(), EndsAt: c.EndsAt.UTC(),
			}); err != nil {
				return fmt.Errorf("seed campaign %s: %w", c.ID, err)
			}
		}
		for _, e := range s.Ledger {
			kind := domain.ResourceKind(e.Kind)
			switch kind {
			case domain.ResourceKindProductSize, domain.ResourceKindTicketSector, domain.ResourceKindMembershipCampaign:
			default:
				return fmt.Errorf("seed ledger %s: unknown kind %q", e.ResourceID, e.Kind)
			}
			var reserved int64
			existing, err := repos.Ledger.Get(ctx, e.ResourceID)
			switch {
			case err == nil:
				reserved = existing.Reserved
			case !errors.Is(err, domain.ErrResourceNotFound):
				return fmt.Errorf("seed ledger %s: %w", e.ResourceID, err)
			}
			if err := repos.Ledger.Upsert(ctx, domain.LedgerEntry{
				ResourceID: e.ResourceID,
				Reserved:   reserved,
				Kind:       kind,
				Capacity:   e.Capacity,
				PriceMinor: e.PriceMinor,
				Currency:   e.Currency,
				MatchID:    e.MatchID,
				CampaignID: e.CampaignID,
			}); err != nil {
				return fmt.Errorf("seed ledger %s: %w", e.ResourceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"matches":   len(s.Matches),
		"campaigns": len(s.Campaigns),
		"ledger":    len(s.Ledger),
	}).Info("seed data applied")
	return nil
}
