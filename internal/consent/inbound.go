package consent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Keyword actions for inbound SMS replies.
type KeywordAction string

const (
	ActionStop   KeywordAction = "stop"
	ActionStart  KeywordAction = "start"
	ActionIgnore KeywordAction = "ignore"
)

var keywords = map[string]KeywordAction{
	"STOP":        ActionStop,
	"STOPALL":     ActionStop,
	"UNSUBSCRIBE": ActionStop,
	"CANCEL":      ActionStop,
	"END":         ActionStop,
	"QUIT":        ActionStop,
	"START":       ActionStart,
	"UNSTOP":      ActionStart,
	"YES":         ActionStart,
}

// ParseKeyword classifies an inbound reply by its first word.
func ParseKeyword(body string) KeywordAction {
	fields := strings.Fields(strings.ToUpper(body))
	if len(fields) == 0 {
		return ActionIgnore
	}
	if a, ok := keywords[strings.Trim(fields[0], ".!")]; ok {
		return a
	}
	return ActionIgnore
}

// InboundResult reports what an inbound reply did.
type InboundResult struct {
	Action KeywordAction        `json:"action"`
	UserID uuid.UUID            `json:"user_id"`
	Record *model.ConsentRecord `json:"record,omitempty"`
}

// HandleInboundSMS applies a STOP or START reply from phone. START counts
// as a fresh grant captured by reply keyword, with the reply text as
// evidence.
func (l *Ledger) HandleInboundSMS(ctx context.Context, phone, body string) (*InboundResult, error) {
	action := ParseKeyword(body)
	if action == ActionIgnore {
		return &InboundResult{Action: action}, nil
	}

	userID, err := l.profiles.FindUserByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find user by phone: %w", err)
	}

	res := &InboundResult{Action: action, UserID: userID}
	switch action {
	case ActionStop:
		res.Record, err = l.RevokeConsent(ctx, RevokeRequest{
			UserID:  userID,
			Channel: model.ChannelSMS,
			Method:  model.MethodInboundStop,
			Reason:  strings.TrimSpace(body),
		})
	case ActionStart:
		res.Record, err = l.ReEngage(ctx, ReEngageRequest{
			Grant: &GrantRequest{
				UserID:   userID,
				Channel:  model.ChannelSMS,
				Source:   model.SourceReplyKeyword,
				Evidence: model.Evidence{Text: strings.TrimSpace(body), CapturedAt: l.now()},
			},
			Method: model.MethodInboundStart,
		})
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("inbound keyword applied",
		zap.String("user_id", userID.String()),
		zap.String("action", string(action)),
	)
	return res, nil
}
