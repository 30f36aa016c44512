package compliance

import "fmt"

const (
	CategoryGameAction        = "game_action"
	CategoryContentModeration = "content_moderation"

	FrameworkDSA = "DSA"
	FrameworkOSA = "Online Safety Act"
)

// Event is the body of POST /compliance/log.
type Event struct {
	Category             string         `json:"category"`
	Action               string         `json:"action"`
	UserID               string         `json:"userId,omitempty"`
	Resource             string         `json:"resource,omitempty"`
	Details              map[string]any `json:"details,omitempty"`
	ComplianceFrameworks []string       `json:"complianceFrameworks,omitempty"`
}

func (c *Client) LogGameCreated(gameID, creatorID, gameName string) string {
	return c.LogEvent(Event{
		Category:             CategoryGameAction,
		Action:               "game_created",
		UserID:               creatorID,
		Resource:             fmt.Sprintf("game:%s", gameID),
		Details:              map[string]any{"gameName": gameName, "gameId": gameID},
		ComplianceFrameworks: []string{FrameworkDSA, FrameworkOSA},
	})
}

func (c *Client) LogPlayerJoined(gameID, playerID, displayName string) string {
	return c.LogEvent(Event{
		Category:             CategoryGameAction,
		Action:               "player_joined",
		UserID:               playerID,
		Resource:             fmt.Sprintf("game:%s", gameID),
		Details:              map[string]any{"displayName": displayName, "gameId": gameID},
		ComplianceFrameworks: []string{FrameworkDSA},
	})
}

// LogProposalCreated records a proposal along with whether moderation looked
// at it and flagged it.
func (c *Client) LogProposalCreated(gameID, proposalID, proposerID, title string, moderated, flagged bool) string {
	return c.LogEvent(Event{
		Category: CategoryContentModeration,
		Action:   "proposal_created",
		UserID:   proposerID,
		Resource: fmt.Sprintf("proposal:%s", proposalID),
		Details: map[string]any{
			"gameId":    gameID,
			"title":     title,
			"moderated": moderated,
			"flagged":   flagged,
		},
		ComplianceFrameworks: []string{FrameworkDSA, FrameworkOSA},
	})
}

func (c *Client) LogVoteCast(gameID, proposalID, voterID, choice string) string {
	return c.LogEvent(Event{
		Category:             CategoryGameAction,
		Action:               "vote_cast",
		UserID:               voterID,
		Resource:             fmt.Sprintf("proposal:%s", proposalID),
		Details:              map[string]any{"gameId": gameID, "choice": choice},
		ComplianceFrameworks: []string{FrameworkDSA},
	})
}

func (c *Client) LogModerationAction(contentID, moderatorID, action string, reasons []string) string {
	if reasons == nil {
		reasons = []string{}
	}
	return c.LogEvent(Event{
		Category:             CategoryContentModeration,
		Action:               "moderation_action",
		UserID:               moderatorID,
		Resource:             fmt.Sprintf("content:%s", contentID),
		Details:              map[string]any{"moderationAction": action, "reasons": reasons},
		ComplianceFrameworks: []string{FrameworkDSA, FrameworkOSA},
	})
}
