package campaign

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Table names as the backend stores them; realtime filters use these.
const (
	TableCampaigns     = "campaigns"
	TableMessages      = "chat_messages"
	TableAssets        = "campaign_assets"
	TableModifications = "canvas_modifications"
)

type Status string

const (
	StatusDrafting   Status = "drafting"
	StatusDraftReady Status = "draft_ready"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type AssetType string

const (
	AssetCopy       AssetType = "copy"
	AssetImage      AssetType = "image"
	AssetInfluencer AssetType = "influencer"
	AssetPlan       AssetType = "plan"
)

type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetGenerating AssetStatus = "generating"
	AssetCompleted  AssetStatus = "completed"
	AssetFailed     AssetStatus = "failed"
)

// Campaign mirrors a row of the campaigns table. DraftJSON is carried as an
// opaque document and replaced wholesale, never interpreted.
type Campaign struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id,omitempty"`
	Title                string          `json:"title"`
	Status               Status          `json:"status"`
	DraftJSON            json.RawMessage `json:"draft_json,omitempty"`
	FinalDraftJSON       json.RawMessage `json:"final_draft_json,omitempty"`
	ExecutionStartedAt   *string         `json:"execution_started_at,omitempty"`
	ExecutionCompletedAt *string         `json:"execution_completed_at,omitempty"`
	CreatedAt            string          `json:"created_at,omitempty"`
	UpdatedAt            string          `json:"updated_at,omitempty"`
}

type Message struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	CreatedAt  string          `json:"created_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type Asset struct {
	ID           string          `json:"id"`
	CampaignID   string          `json:"campaign_id"`
	AssetType    AssetType       `json:"asset_type"`
	DayNumber    *int            `json:"day_number,omitempty"`
	Status       AssetStatus     `json:"status"`
	Content      json.RawMessage `json:"content,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

type CreateCampaignRequest struct {
	Title         string `json:"title"`
	InitialPrompt string `json:"initial_prompt"`
}

type ChatResponse struct {
	Message Message `json:"message"`
}

type ConfirmExecuteResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	CampaignID string `json:"campaign_id"`
	Status     Status `json:"status"`
}

type ModificationStatus string

const (
	ModificationPending   ModificationStatus = "pending"
	ModificationCompleted ModificationStatus = "completed"
	ModificationFailed    ModificationStatus = "failed"
)

// NormalizeModificationStatus folds the backend's in-progress labels
// ("accepted", "processing") into pending.
func NormalizeModificationStatus(raw string) ModificationStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "done":
		return ModificationCompleted
	case "failed", "error":
		return ModificationFailed
	default:
		return ModificationPending
	}
}

type ModifyResult struct {
	Status         ModificationStatus `json:"status"`
	ModificationID string             `json:"modification_id,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"`
}

type ModificationState struct {
	Status          ModificationStatus `json:"status"`
	AffectedAssetID string             `json:"affected_asset_id,omitempty"`
	PreviousContent json.RawMessage    `json:"previous_content,omitempty"`
	NewContent      json.RawMessage    `json:"new_content,omitempty"`
}

type Post struct {
	DayNumber *int   `json:"day_number"`
	Copy      *Asset `json:"copy"`
	Image     *Asset `json:"image"`
}

type CanvasStats struct {
	TotalPosts       int     `json:"total_posts"`
	TotalInfluencers int     `json:"total_influencers"`
	Status           Status  `json:"status"`
	ExecutionTime    float64 `json:"execution_time"`
}

type Canvas struct {
	Campaign    *Campaign   `json:"campaign"`
	Posts       []Post      `json:"posts"`
	Influencers []Asset     `json:"influencers"`
	Plan        *Asset      `json:"plan"`
	Stats       CanvasStats `json:"stats"`
}

// BuildCanvas groups assets the way the canvas endpoint does: copy and image
// assets pair up per day (ascending, undated first), influencers keep their
// order, and the last plan asset wins.
func BuildCanvas(c *Campaign, assets []Asset) Canvas {
	out := Canvas{
		Campaign:    c,
		Posts:       []Post{},
		Influencers: []Asset{},
	}
	days := map[int]*Post{}
	var undated *Post
	for i := range assets {
		asset := assets[i]
		switch asset.AssetType {
		case AssetCopy, AssetImage:
			var post *Post
			if asset.DayNumber == nil {
				if undated == nil {
					undated = &Post{}
				}
				post = undated
			} else {
				post = days[*asset.DayNumber]
				if post == nil {
					day := *asset.DayNumber
					post = &Post{DayNumber: &day}
					days[day] = post
				}
			}
			if asset.AssetType == AssetCopy {
				post.Copy = &asset
			} else {
				post.Image = &asset
			}
		case AssetInfluencer:
			out.Influencers = append(out.Influencers, asset)
		case AssetPlan:
			out.Plan = &asset
		}
	}
	if undated != nil {
		out.Posts = append(out.Posts, *undated)
	}
	dayNumbers := make([]int, 0, len(days))
	for day := range days {
		dayNumbers = append(dayNumbers, day)
	}
	sort.Ints(dayNumbers)
	for _, day := range dayNumbers {
		out.Posts = append(out.Posts, *days[day])
	}
	out.Stats = CanvasStats{
		TotalPosts:       len(out.Posts),
		TotalInfluencers: len(out.Influencers),
	}
	if c != nil {
		out.Stats.Status = c.Status
		out.Stats.ExecutionTime = executionSeconds(c.ExecutionStartedAt, c.ExecutionCompletedAt)
	}
	return out
}

// Assets flattens the canvas back into one list: posts (copy before image),
// then influencers, then the plan.
func (c Canvas) Assets() []Asset {
	out := make([]Asset, 0, len(c.Posts)*2+len(c.Influencers)+1)
	for _, post := range c.Posts {
		if post.Copy != nil {
			out = append(out, *post.Copy)
		}
		if post.Image != nil {
			out = append(out, *post.Image)
		}
	}
	out = append(out, c.Influencers...)
	if c.Plan != nil {
		out = append(out, *c.Plan)
	}
	return out
}

func executionSeconds(started, completed *string) float64 {
	if started == nil || completed == nil {
		return 0
	}
	start, err := parseTimestamp(*started)
	if err != nil {
		return 0
	}
	end, err := parseTimestamp(*completed)
	if err != nil {
		return 0
	}
	return end.Sub(start).Seconds()
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidInput, raw)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}
