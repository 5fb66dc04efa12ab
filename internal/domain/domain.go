package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Task statuses. Transitions are monotonic except in_progress -> published
// on claim abandonment.
const (
	TaskCreated    = "created"
	TaskPublished  = "published"
	TaskInProgress = "in_progress"
	TaskResolved   = "resolved"
	TaskDecomposed = "decomposed"
	TaskRejected   = "rejected"
	TaskArchived   = "archived"
)

// ComplexityScale is the set of valid task complexities (Fibonacci-scaled).
var ComplexityScale = []int{1, 2, 3, 5, 8}

type Task struct {
	ID             string   `json:"id"`
	AuthorID       string   `json:"author_id"`
	Status         string   `json:"status" enum:"created,published,in_progress,resolved,decomposed,rejected,archived"`
	Complexity     int      `json:"complexity"`
	Categories     []string `json:"categories"`
	Context        string   `json:"context,omitempty"`
	ParentID       *string  `json:"parent_id,omitempty"`
	ClaimantID     *string  `json:"claimant_id,omitempty"`
	Solution       *string  `json:"solution,omitempty"`
	MetaTaskID     *string  `json:"meta_task_id,omitempty"`
	OriginNode     string   `json:"origin_node,omitempty"`
	NeedsAttention bool     `json:"needs_attention,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	ExpiresAt      string   `json:"expires_at,omitempty" format:"date-time"`
	ClaimedAt      *string  `json:"claimed_at,omitempty" format:"date-time"`
	ResolvedAt     *string  `json:"resolved_at,omitempty" format:"date-time"`
}

// ContextEntry is one record of a task's append-only context log.
type ContextEntry struct {
	Seq      int64  `json:"seq"`
	TaskID   string `json:"task_id"`
	AuthorID string `json:"author_id"`
	Text     string `json:"text"`
	TS       string `json:"ts" format:"date-time"`
}

type Skill struct {
	Category      string   `json:"category"`
	Subcategories []string `json:"subcategories,omitempty"`
	Confidence    float64  `json:"confidence"`
}

type AgentProfile struct {
	AgentID         string  `json:"agent_id"`
	Skills          []Skill `json:"skills"`
	MaxComplexity   int     `json:"max_complexity"`
	ReputationScore float64 `json:"reputation_score"`
	SolvedCount     int     `json:"solved_count"`
	AvgSolveSeconds float64 `json:"avg_solve_seconds"`
	AvailableFrom   int     `json:"available_from"` // hour of day, UTC
	AvailableTo     int     `json:"available_to"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Dialog statuses.
const (
	DialogForming          = "forming"
	DialogActive           = "active"
	DialogStalled          = "stalled"
	DialogConsensusReached = "consensus_reached"
	DialogClosed           = "closed"
)

// Participant roles inside a cell.
const (
	RoleModerator   = "moderator"
	RoleExpert      = "expert"
	RoleSynthesizer = "synthesizer"
	RoleCritic      = "critic"
)

type Dialog struct {
	ID                 string            `json:"id"`
	TaskID             string            `json:"task_id"`
	Status             string            `json:"status" enum:"forming,active,stalled,consensus_reached,closed"`
	Roles              map[string]string `json:"roles"`
	ConsensusThreshold float64           `json:"consensus_threshold"`
	CritiqueRounds     int               `json:"critique_rounds"`
	CreatedAt          string            `json:"created_at" format:"date-time"`
	UpdatedAt          string            `json:"updated_at" format:"date-time"`
	LastActivityAt     string            `json:"last_activity_at" format:"date-time"`
}

// Participants returns the agent ids of the dialog's cell.
func (d Dialog) Participants() []string {
	out := make([]string, 0, len(d.Roles))
	for id := range d.Roles {
		out = append(out, id)
	}
	return out
}

// Message types.
const (
	MessageQuestion  = "question"
	MessageProposal  = "proposal"
	MessageCritique  = "critique"
	MessageAgreement = "agreement"
)

// Message is append-only; Seq is assigned by the store, never by clients.
type Message struct {
	ID       string   `json:"id"`
	DialogID string   `json:"dialog_id"`
	Seq      int64    `json:"seq"`
	AuthorID string   `json:"author_id"`
	Type     string   `json:"type" enum:"question,proposal,critique,agreement"`
	Content  string   `json:"content"`
	Refs     []string `json:"refs,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Federation connection statuses.
const (
	ConnPending      = "pending"
	ConnReady        = "ready"
	ConnDegraded     = "degraded"
	ConnDisconnected = "disconnected"
)

// Federation modes.
const (
	ModePush = "push"
	ModePull = "pull"
)

type FederatedAgent struct {
	ID                string   `json:"id"`
	NodeID            string   `json:"node_id"`
	PublicKey         string   `json:"public_key"` // hex-encoded ed25519
	ConnectionStatus  string   `json:"connection_status" enum:"pending,ready,degraded,disconnected"`
	TrustLevel        string   `json:"trust_level" enum:"untrusted,observed,trusted,certified"`
	Mode              string   `json:"mode" enum:"push,pull"`
	PeerURL           string   `json:"peer_url,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	ComplexityCeiling int      `json:"complexity_ceiling"`
	CapabilitySummary string   `json:"capability_summary,omitempty"`
	Token             string   `json:"-"`
	// OutboundToken is the credential this node presents when calling the
	// peer; the peer mints it during the handshake.
	OutboundToken string  `json:"-"`
	LastSyncAt    *string `json:"last_sync_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Error kinds surfaced by the core. The server maps these to status codes;
// federation loops map Timeout to retry-on-next-tick.
var (
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrValidation       = errors.New("validation failure")
	ErrTimeout          = errors.New("timeout")
	ErrSignatureInvalid = errors.New("signature invalid")
)

// ValidComplexity reports whether c is on the Fibonacci scale.
func ValidComplexity(c int) bool {
	for _, v := range ComplexityScale {
		if v == c {
			return true
		}
	}
	return false
}

// ClampComplexity returns the largest scale value <= c, at minimum 1.
func ClampComplexity(c int) int {
	out := 1
	for _, v := range ComplexityScale {
		if v <= c {
			out = v
		}
	}
	return out
}

// ValidateTask checks constructor-time invariants for a new task.
func ValidateTask(t Task) error {
	if t.AuthorID == "" {
		return fmt.Errorf("%w: author_id is required", ErrValidation)
	}
	if strings.TrimSpace(t.Context) == "" {
		return fmt.Errorf("%w: context is required", ErrValidation)
	}
	if !ValidComplexity(t.Complexity) {
		return fmt.Errorf("%w: complexity %d not on scale %v", ErrValidation, t.Complexity, ComplexityScale)
	}
	if len(t.Categories) == 0 {
		return fmt.Errorf("%w: at least one category is required", ErrValidation)
	}
	for _, c := range t.Categories {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: empty category", ErrValidation)
		}
	}
	return nil
}

// ValidateProfile checks constructor-time invariants for an agent profile.
func ValidateProfile(p AgentProfile) error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	}
	if len(p.Skills) == 0 {
		return fmt.Errorf("%w: at least one skill is required", ErrValidation)
	}
	for _, s := range p.Skills {
		if s.Category == "" {
			return fmt.Errorf("%w: skill category is required", ErrValidation)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of [0,1]", ErrValidation, s.Confidence)
		}
	}
	if !ValidComplexity(p.MaxComplexity) {
		return fmt.Errorf("%w: max_complexity %d not on scale %v", ErrValidation, p.MaxComplexity, ComplexityScale)
	}
	return nil
}

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t string) bool {
	switch t {
	case MessageQuestion, MessageProposal, MessageCritique, MessageAgreement:
		return true
	}
	return false
}

// EnsureTaskTransition enforces the task status machine.
func EnsureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case TaskCreated:
		if newStatus == TaskPublished || newStatus == TaskDecomposed || newStatus == TaskRejected {
			return nil
		}
	case TaskPublished:
		if newStatus == TaskInProgress || newStatus == TaskDecomposed || newStatus == TaskRejected || newStatus == TaskArchived {
			return nil
		}
	case TaskInProgress:
		// claim abandonment is the one sanctioned backward edge
		if newStatus == TaskResolved || newStatus == TaskPublished || newStatus == TaskRejected {
			return nil
		}
	case TaskDecomposed:
		if newStatus == TaskResolved || newStatus == TaskRejected {
			return nil
		}
	case TaskResolved, TaskRejected:
		if newStatus == TaskArchived {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid task status transition %s -> %s", ErrValidation, oldStatus, newStatus)
}
