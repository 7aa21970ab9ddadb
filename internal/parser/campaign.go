package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/suteetoe/feedsync/internal/model"
)

// campaignContainers maps a campaign list element to its item element
var campaignContainers = map[string]string{
	"campaigns":   "campaign",
	"kampanyalar": "kampanya",
	"promotions":  "promotion",
}

var campaignFields = FieldTable{
	FieldID:    {"id", "campaign_id", "code", "kod"},
	FieldTitle: {"title", "name", "baslik", "isim", "ad"},
	"start":    {"start", "start_date", "starts_at", "baslangic", "baslangic_tarihi"},
	"end":      {"end", "end_date", "ends_at", "bitis", "bitis_tarihi"},
}

var campaignTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
}

// extractCampaigns is best effort: a panic while reading campaigns is
// reported as an error and never reaches product extraction.
func extractCampaigns(root *Node, maxDepth int) (campaigns []model.Campaign, err error) {
	defer func() {
		if r := recover(); r != nil {
			campaigns = nil
			err = fmt.Errorf("campaign extraction failed: %v", r)
		}
	}()

	items := findCampaignItems(root, maxDepth)
	for i, item := range items {
		if item.Kind != MapNode {
			continue
		}
		c, ok := readCampaign(item, i+1)
		if ok {
			campaigns = append(campaigns, c)
		}
	}
	return campaigns, nil
}

func findCampaignItems(n *Node, depthLeft int) []*Node {
	if n == nil || n.Kind != MapNode || depthLeft < 0 {
		return nil
	}
	for _, key := range n.Keys {
		if inner, ok := campaignContainers[normalizeKey(key)]; ok {
			return n.Fields[key].Lookup(inner).AsList()
		}
	}
	for _, key := range n.Keys {
		if isMetaKey(key) {
			continue
		}
		child := n.Fields[key]
		if child.Kind == ListNode {
			// repeated records hold products, not the campaign list
			continue
		}
		if items := findCampaignItems(child, depthLeft-1); items != nil {
			return items
		}
	}
	return nil
}

func readCampaign(item *Node, index int) (model.Campaign, bool) {
	found, _ := lookupCampaignFields(flatten(item))
	c := model.Campaign{
		ID:    strings.TrimSpace(found[FieldID]),
		Title: strings.TrimSpace(found[FieldTitle]),
	}
	if c.ID == "" && c.Title == "" {
		return c, false
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("campaign-%d", index)
	}
	c.StartsAt = parseCampaignTime(found["start"])
	c.EndsAt = parseCampaignTime(found["end"])
	return c, true
}

func lookupCampaignFields(entries []entry) (map[string]string, bool) {
	out := make(map[string]string, len(campaignFields))
	for field, candidates := range campaignFields {
	candidates:
		for _, candidate := range candidates {
			for _, e := range entries {
				if e.norm == normalizeKey(candidate) {
					out[field] = e.value.FirstText()
					break candidates
				}
			}
		}
	}
	return out, len(out) > 0
}

func parseCampaignTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range campaignTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
