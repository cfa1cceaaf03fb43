package auth

import (
	"context"

	"github.com/mavrin/marketauth/internal/logger"
	"github.com/mavrin/marketauth/internal/models"
)

type NotificationKind string

const (
	NotificationVerification  NotificationKind = "verification"
	NotificationPasswordReset NotificationKind = "password_reset"
)

// Notifier delivers the token value to the user by whatever channel.
// The service produces the value only, never the message body or transport
type Notifier interface {
	Send(ctx context.Context, user models.User, kind NotificationKind, token string) error
}

// LogNotifier writes the notification to the log.
// Default for local runs when no real delivery channel is wired
type LogNotifier struct {
	logger logger.Logger
}

func NewLogNotifier(l logger.Logger) *LogNotifier {
	return &LogNotifier{logger: l}
}

func (n *LogNotifier) Send(ctx context.Context, user models.User, kind NotificationKind, token string) error {
	n.logger.Info("notification issued",
		"kind", string(kind),
		"user_id", user.ID,
		"email", user.Email,
		"token", token,
	)
	return nil
}
