// Package telemetry forwards server-side failures to Sentry when a DSN is
// configured.
package telemetry

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/logging"
)

// Options configures the Sentry client.
type Options struct {
	DSN         string
	Environment string
	Release     string
	// Transport overrides the HTTP transport; used by tests.
	Transport sentry.Transport
}

// Reporter captures errors on its own hub. A disabled Reporter drops
// everything.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewReporter returns a disabled Reporter when neither a DSN nor a
// transport is configured.
func NewReporter(opts Options, logger *zap.Logger) (*Reporter, error) {
	logger = logger.Named("telemetry")
	if opts.DSN == "" && opts.Transport == nil {
		logger.Info("sentry reporting disabled")
		return &Reporter{logger: logger}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		Transport:        opts.Transport,
		SampleRate:       1.0,
		AttachStacktrace: false,
		ServerName:       "",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			// uploads and tokens never leave the process
			if event.Request != nil {
				event.Request.Data = ""
				event.Request.Cookies = ""
				delete(event.Request.Headers, "Authorization")
			}
			return event
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("sentry reporting enabled", zap.String("environment", opts.Environment))
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope()), logger: logger}, nil
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError sends err with the given tags.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

// Middleware reports the last error attached to a 5xx response.
func (r *Reporter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if !r.Enabled() || c.Writer.Status() < http.StatusInternalServerError || len(c.Errors) == 0 {
			return
		}
		r.CaptureError(c.Errors.Last().Err, map[string]string{
			"request_id": logging.RequestID(c),
			"route":      c.FullPath(),
			"method":     c.Request.Method,
		})
	}
}
