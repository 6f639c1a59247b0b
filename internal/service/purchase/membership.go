package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
)

// MembershipFlow: сценарий оплаты членства в рамках кампании.
type MembershipFlow struct {
	*Flow
}

type membershipPlanner struct{}

func (membershipPlanner) prepare(ctx context.Context, repos domain.Repositories, p *domain.Purchase, token domain.ReservationToken, now time.Time) error {
	if len(token.Entries) == 0 || token.Entries[0].CampaignID == "" {
		return fmt.Errorf("%w: resource is not bound to a campaign", domain.ErrResourceKindMismatch)
	}
	campaign, err := repos.Catalog.GetCampaign(ctx, token.Entries[0].CampaignID)
	if err != nil {
		return err
	}
	if !campaign.OpenAt(now) {
		return fmt.Errorf("%w: %s", domain.ErrCampaignInactive, campaign.ID)
	}

	p.CampaignID = campaign.ID
	return nil
}

// NewMembershipFlow создаёт сценарий членства.
func NewMembershipFlow(store domain.Store, gateways *gateway.Registry, opts ...Option) *MembershipFlow {
	return &MembershipFlow{Flow: newFlow(domain.PurchaseKindMembership, membershipPlanner{}, store, gateways, opts...)}
}
