package notify

import (
	"context"

	"admin-auth/internal/observability"
)

// Sender delivers a password reset token out-of-band. Delivery itself is an
// external collaborator; the authentication core only hands the token over.
type Sender interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogSender is the development stand-in: it writes the reset token to the
// log instead of sending mail. Deployments wire a real mailer here.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendPasswordReset(_ context.Context, email, token string) error {
	s.logger.Info("password_reset_mail", map[string]any{
		"email": email,
		"token": token,
	})
	return nil
}
