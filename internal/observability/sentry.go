package observability

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry is a no-op without a DSN, so local development needs no Sentry
// project.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          os.Getenv("APP_VERSION"),
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
