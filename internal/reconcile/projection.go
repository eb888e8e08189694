package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/campaignsync/internal/campaign"
)

// projection is the locally held copy of one campaign. Only the engine
// mutates it, and only from fetched snapshots or channel events.
type projection struct {
	campaign   *campaign.Campaign
	messages   []campaign.Message
	messageIDs map[string]struct{}
	assets     []campaign.Asset
}

func newProjection() projection {
	return projection{
		messages:   []campaign.Message{},
		messageIDs: map[string]struct{}{},
		assets:     []campaign.Asset{},
	}
}

// replace swaps in a full snapshot. Duplicate ids in the snapshot keep their
// first occurrence.
func (p *projection) replace(c *campaign.Campaign, messages []campaign.Message, assets []campaign.Asset) {
	next := newProjection()
	if c != nil {
		copied := *c
		next.campaign = &copied
	}
	for _, m := range messages {
		next.insertMessage(m)
	}
	for _, a := range assets {
		next.insertAsset(a)
	}
	*p = next
}

func (p *projection) insertMessage(m campaign.Message) bool {
	if _, exists := p.messageIDs[m.ID]; exists {
		return false
	}
	p.messageIDs[m.ID] = struct{}{}
	p.messages = append(p.messages, m)
	return true
}

func (p *projection) insertAsset(a campaign.Asset) bool {
	if p.assetIndex(a.ID) >= 0 {
		return false
	}
	p.assets = append(p.assets, a)
	return true
}

// updateAsset replaces the whole element; nothing of the old record survives.
func (p *projection) updateAsset(a campaign.Asset) bool {
	i := p.assetIndex(a.ID)
	if i < 0 {
		return false
	}
	p.assets[i] = a
	return true
}

func (p *projection) deleteAsset(id string) bool {
	i := p.assetIndex(id)
	if i < 0 {
		return false
	}
	p.assets = append(p.assets[:i:i], p.assets[i+1:]...)
	return true
}

func (p *projection) assetIndex(id string) int {
	for i := range p.assets {
		if p.assets[i].ID == id {
			return i
		}
	}
	return -1
}

func decodeRecord[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, fmt.Errorf("%w: record missing", campaign.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", campaign.ErrInvalidInput, err)
	}
	return out, nil
}

func recordID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return ""
	}
	return row.ID
}
