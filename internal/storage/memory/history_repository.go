package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type historyRepository struct {
	store *Store
	inTx  bool
}

// Append добавляет запись и держит историю отсортированной по времени.
func (r *historyRepository) Append(_ context.Context, rec domain.TransitionRecord) error {
	return r.store.with(r.inTx, func(d *state) error {
		records := append(d.history[rec.PurchaseID], rec)
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Occurred.Before(records[j].Occurred)
		})
		d.history[rec.PurchaseID] = records
		return nil
	})
}

// List возвращает историю покупки в хронологическом порядке.
func (r *historyRepository) List(_ context.Context, purchaseID string) ([]domain.TransitionRecord, error) {
	var result []domain.TransitionRecord
	err := r.store.with(r.inTx, func(d *state) error {
		result = append([]domain.TransitionRecord{}, d.history[purchaseID]...)
		return nil
	})
	return result, err
}

var _ domain.HistoryRepository = (*historyRepository)(nil)

type catalogRepository struct {
	store *Store
	inTx  bool
}

func (r *catalogRepository) GetMatch(_ context.Context, id string) (domain.Match, error) {
	var match domain.Match
	err := r.store.with(r.inTx, func(d *state) error {
		m, ok := d.matches[id]
		if !ok {
			return domain.ErrMatchNotFound
		}
		match = m
		return nil
	})
	return match, err
}

func (r *catalogRepository) GetCampaign(_ context.Context, id string) (domain.MembershipCampaign, error) {
	var campaign domain.MembershipCampaign
	err := r.store.with(r.inTx, func(d *state) error {
		c, ok := d.campaigns[id]
		if !ok {
			return domain.ErrCampaignNotFound
		}
		campaign = c
		return nil
	})
	return campaign, err
}

func (r *catalogRepository) UpsertMatch(_ context.Context, m domain.Match) error {
	return r.store.with(r.inTx, func(d *state) error {
		d.matches[m.ID] = m
		return nil
	})
}

func (r *catalogRepository) UpsertCampaign(_ context.Context, c domain.MembershipCampaign) error {
	return r.store.with(r.inTx, func(d *state) error {
		d.campaigns[c.ID] = c
		return nil
	})
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
