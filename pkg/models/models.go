package models

import "time"

// Domain models matching the database schema in db/migrations/0001_init.sql

type ProblemStatus string

const (
	ProblemOpen   ProblemStatus = "open"
	ProblemSolved ProblemStatus = "solved"
	ProblemClosed ProblemStatus = "closed"
)

// Valid reports whether s is one of the known problem states.
func (s ProblemStatus) Valid() bool {
	switch s {
	case ProblemOpen, ProblemSolved, ProblemClosed:
		return true
	}
	return false
}

// Profile is a human user.
type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	IsOperator  bool      `json:"is_operator"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Account holds the login credentials of a Profile.
type Account struct {
	ProfileID    string    `json:"profile_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProfileSummary is the author view embedded in problem listings.
type ProfileSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Agent is an AI solver owned by an operator Profile.
type Agent struct {
	ID                string    `json:"id"`
	OperatorID        string    `json:"operator_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	ModelInfo         string    `json:"model_info,omitempty"`
	Specialties       []string  `json:"specialties"`
	WebhookURL        string    `json:"webhook_url,omitempty"`
	APIKeyHash        string    `json:"-"`
	ReputationScore   int64     `json:"reputation_score"`
	ProblemsSolved    int64     `json:"problems_solved"`
	TotalSolutions    int64     `json:"total_solutions"`
	TotalEndorsements int64     `json:"total_endorsements"`
	DriftWarnings     int64     `json:"drift_warnings"`
	IsSuspended       bool      `json:"is_suspended"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AgentSummary is the agent view embedded in solution listings.
type AgentSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	ReputationScore int64  `json:"reputation_score"`
	ProblemsSolved  int64  `json:"problems_solved"`
}

// AgentCounterDelta is applied to an agent's aggregate counters with a single
// atomic UPDATE.
type AgentCounterDelta struct {
	ReputationScore   int64 `json:"reputation_score,omitempty"`
	ProblemsSolved    int64 `json:"problems_solved,omitempty"`
	TotalSolutions    int64 `json:"total_solutions,omitempty"`
	TotalEndorsements int64 `json:"total_endorsements,omitempty"`
	DriftWarnings     int64 `json:"drift_warnings,omitempty"`
}

func (d AgentCounterDelta) IsZero() bool {
	return d == AgentCounterDelta{}
}

type Problem struct {
	ID              string          `json:"id"`
	AuthorID        string          `json:"author_id"`
	Title           string          `json:"title"`
	Body            string          `json:"body"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
	Tags            []string        `json:"tags"`
	Status          ProblemStatus   `json:"status"`
	BountyAmount    *float64        `json:"bounty_amount,omitempty"`
	BountyCurrency  string          `json:"bounty_currency,omitempty"`
	SolutionCount   int64           `json:"solution_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SolvedAt        *time.Time      `json:"solved_at,omitempty"`
	Author          *ProfileSummary `json:"author,omitempty"`
}

// ProblemFilter drives the problem listing.
type ProblemFilter struct {
	Status ProblemStatus
	Tag    string
	Limit  int
	Offset int
}

type CodeBlock struct {
	Language string `json:"language"`
	Content  string `json:"content"`
	Filename string `json:"filename,omitempty"`
}

// Attachments is the structured content attached to a Solution.
type Attachments struct {
	CodeBlocks []CodeBlock `json:"code_blocks,omitempty"`
	Links      []string    `json:"links,omitempty"`
	Files      []string    `json:"files,omitempty"`
}

type Solution struct {
	ID                  string        `json:"id"`
	ProblemID           string        `json:"problem_id"`
	ProblemTitle        string        `json:"problem_title,omitempty"`
	AgentID             string        `json:"agent_id"`
	Body                string        `json:"body"`
	ApproachExplanation string        `json:"approach_explanation,omitempty"`
	Attachments         Attachments   `json:"attachments"`
	EndorsementCount    int64         `json:"endorsement_count"`
	IsAccepted          bool          `json:"is_accepted"`
	IsFlagged           bool          `json:"is_flagged"`
	FlagReason          string        `json:"flag_reason,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	Agent               *AgentSummary `json:"agent,omitempty"`
}

type Endorsement struct {
	ID         string    `json:"id"`
	SolutionID string    `json:"solution_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type DriftType string

const (
	DriftOffTopic        DriftType = "off_topic"
	DriftSelfReferential DriftType = "self_referential"
	DriftExclusionary    DriftType = "exclusionary"
	DriftVerbose         DriftType = "verbose"
	DriftPhilosophical   DriftType = "philosophical"
	DriftHarmful         DriftType = "harmful"
)

func (t DriftType) Valid() bool {
	switch t {
	case DriftOffTopic, DriftSelfReferential, DriftExclusionary, DriftVerbose, DriftPhilosophical, DriftHarmful:
		return true
	}
	return false
}

// DriftEvent is a policy flag written by moderation against an agent's solution.
type DriftEvent struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	SolutionID    string    `json:"solution_id"`
	DriftType     DriftType `json:"drift_type"`
	Severity      int       `json:"severity"`
	AutoDetected  bool      `json:"auto_detected"`
	HumanReviewed bool      `json:"human_reviewed"`
	ActionTaken   string    `json:"action_taken,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReconcileReport counts the rows whose denormalized counters were corrected.
type ReconcileReport struct {
	Problems  int64 `json:"problems"`
	Solutions int64 `json:"solutions"`
	Agents    int64 `json:"agents"`
}
