// Package upstream holds the contracts of the external collaborators the
// messaging core consults (security scoring, content moderation, push delivery)
// together with HTTP, Redis and no-op adapters for them.
package upstream

import (
	"context"

	"github.com/sirupsen/logrus"
)

// SecurityRequest is sent to the fraud/abuse checker before an action is accepted.
type SecurityRequest struct {
	UserID     string            `json:"userId"`
	ActionType string            `json:"actionType"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Metadata   map[string]string `json:"requestMetadata,omitempty"`
}

// SecurityResult is the checker's verdict.
type SecurityResult struct {
	Allowed         bool    `json:"allowed"`
	RequiresCaptcha bool    `json:"requiresCaptcha"`
	DelayMs         int64   `json:"delayMs"`
	RiskScore       float64 `json:"riskScore"`
}

// SecurityChecker scores an action for abuse risk.
type SecurityChecker interface {
	Check(ctx context.Context, req SecurityRequest) (SecurityResult, error)
}

// Moderation actions.
const (
	ModerationApproved = "approved"
	ModerationFlagged  = "flagged"
	ModerationBlock    = "block"
)

// ModerationRequest asks the moderation service to score a text body.
type ModerationRequest struct {
	Text    string            `json:"text"`
	UserID  string            `json:"userId"`
	Context map[string]string `json:"context,omitempty"`
}

// ModerationResult is the moderation verdict.
type ModerationResult struct {
	Action     string   `json:"action"`
	Score      float64  `json:"score"`
	Violations []string `json:"violations,omitempty"`
}

// Moderator scores message text.
type Moderator interface {
	Moderate(ctx context.Context, req ModerationRequest) (ModerationResult, error)
}

// PushRequest asks the push service to notify an offline user.
type PushRequest struct {
	UserID   string         `json:"userId"`
	Template string         `json:"templateKey"`
	Data     map[string]any `json:"data,omitempty"`
}

// PushResult reports whether the push was accepted.
type PushResult struct {
	Success bool `json:"success"`
}

// Notifier delivers push notifications.
type Notifier interface {
	Notify(ctx context.Context, req PushRequest) (PushResult, error)
}

// AllowAll is a SecurityChecker that admits everything.
type AllowAll struct{}

func (AllowAll) Check(context.Context, SecurityRequest) (SecurityResult, error) {
	return SecurityResult{Allowed: true}, nil
}

// ApproveAll is a Moderator that approves everything.
type ApproveAll struct{}

func (ApproveAll) Moderate(context.Context, ModerationRequest) (ModerationResult, error) {
	return ModerationResult{Action: ModerationApproved}, nil
}

// LogNotifier only logs push requests. Used when no push backend is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, req PushRequest) (PushResult, error) {
	logrus.WithFields(logrus.Fields{
		"component": "push",
		"user_id":   req.UserID,
		"template":  req.Template,
	}).Info("push notification (log only)")
	return PushResult{Success: true}, nil
}
