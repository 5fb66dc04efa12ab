package server

import (
	"taskmesh/internal/domain"
	"taskmesh/internal/matching"
	"taskmesh/internal/transform"
)

// PublishTaskRequest is the body of POST /tasks.
type PublishTaskRequest struct {
	Complexity int      `json:"complexity" minimum:"1" maximum:"8"`
	Categories []string `json:"categories" minItems:"1"`
	Context    string   `json:"context,omitempty"`
	TTLHours   int      `json:"ttl_hours,omitempty" minimum:"0"`
}

// PublishTaskResponse reports the stored task plus what publication triggered.
type PublishTaskResponse struct {
	Task       domain.Task  `json:"task"`
	MergedInto *domain.Task `json:"merged_into,omitempty"`
	DialogID   string       `json:"dialog_id,omitempty"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

// MatchItem pairs a ranked task with its relevance score.
type MatchItem struct {
	Task  domain.Task `json:"task"`
	Score float64     `json:"score"`
}

type MatchListResponse struct {
	Items []MatchItem `json:"items"`
}

func matchItems(matches []matching.Match) []MatchItem {
	out := make([]MatchItem, 0, len(matches))
	for _, m := range matches {
		out = append(out, MatchItem{Task: m.Task, Score: m.Score})
	}
	return out
}

// SimilarItem pairs a candidate task with its similarity to the probe.
type SimilarItem struct {
	Task       domain.Task `json:"task"`
	Similarity float64     `json:"similarity"`
}

type SimilarListResponse struct {
	Items []SimilarItem `json:"items"`
}

func similarItems(candidates []transform.Candidate) []SimilarItem {
	out := make([]SimilarItem, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, SimilarItem{Task: c.Task, Similarity: c.Similarity})
	}
	return out
}

// SolutionRequest is the body of PUT /tasks/{id}/solution.
type SolutionRequest struct {
	Content         string   `json:"content" minLength:"1"`
	FeedbackQuality *float64 `json:"feedback_quality,omitempty" minimum:"0" maximum:"1"`
}

type SolutionResponse struct {
	Task             domain.Task `json:"task"`
	Accepted         bool        `json:"accepted"`
	ReputationDelta  float64     `json:"reputation_delta"`
	RedirectDialogID string      `json:"redirect_dialog_id,omitempty"`
}

type ContextRequest struct {
	Text string `json:"text" minLength:"1"`
}

type ContextListResponse struct {
	Items []domain.ContextEntry `json:"items"`
}

type DecomposeResponse struct {
	Parent   domain.Task   `json:"parent"`
	Subtasks []domain.Task `json:"subtasks"`
}

// AgentRequest is the body of PUT /agents/{agent_id}.
type AgentRequest struct {
	Skills        []domain.Skill `json:"skills" minItems:"1"`
	MaxComplexity int            `json:"max_complexity" minimum:"1" maximum:"8"`
	AvailableFrom int            `json:"available_from,omitempty" minimum:"0" maximum:"23"`
	AvailableTo   int            `json:"available_to,omitempty" minimum:"0" maximum:"24"`
}

type AgentListResponse struct {
	Items []domain.AgentProfile `json:"items"`
}

// DialogRequest opens a cell for a task.
type DialogRequest struct {
	TaskID string `json:"task_id" minLength:"1"`
}

type MessageRequest struct {
	Type    string   `json:"type" enum:"question,proposal,critique,agreement"`
	Content string   `json:"content" minLength:"1"`
	Refs    []string `json:"refs,omitempty"`
}

type MessageListResponse struct {
	Items []domain.Message `json:"items"`
}

type ConsensusResponse struct {
	Dialog     domain.Dialog `json:"dialog"`
	Task       domain.Task   `json:"task"`
	ProposalID string        `json:"proposal_id"`
	Fraction   float64       `json:"fraction"`
}

type ReplaceParticipantRequest struct {
	DroppedID string `json:"dropped_id" minLength:"1"`
}

type ReplaceParticipantResponse struct {
	ReplacementID string `json:"replacement_id"`
}

// FederationConnectRequest is the handshake body.
type FederationConnectRequest struct {
	NodeID            string   `json:"node_id" minLength:"1"`
	PublicKey         string   `json:"public_key" minLength:"1"`
	PeerURL           string   `json:"peer_url,omitempty"`
	Mode              string   `json:"mode" enum:"push,pull"`
	Categories        []string `json:"categories,omitempty"`
	ComplexityCeiling int      `json:"complexity_ceiling,omitempty" minimum:"0" maximum:"8"`
	CapabilitySummary string   `json:"capability_summary,omitempty"`
}

type FederationConnectResponse struct {
	Agent domain.FederatedAgent `json:"agent"`
	Token string                `json:"token"`
}

type FederationStatusResponse struct {
	Items []domain.FederatedAgent `json:"items"`
}

type TrustRequest struct {
	Level string `json:"level" enum:"untrusted,observed,trusted,certified"`
}

// NodeInfo identifies this node to would-be peers.
type NodeInfo struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}
