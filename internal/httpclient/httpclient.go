// Package httpclient builds the retrying HTTP clients used for AI, search and
// registry lookups.
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LeveledZerolog adapts zerolog to retryablehttp.LeveledLogger.
type LeveledZerolog struct{}

// Error is logged at warn level because retries follow.
func (LeveledZerolog) Error(msg string, keysAndValues ...interface{}) {
	withFields(log.Warn(), keysAndValues).Msg("http: " + msg)
}

func (LeveledZerolog) Warn(msg string, keysAndValues ...interface{}) {
	withFields(log.Warn(), keysAndValues).Msg("http: " + msg)
}

func (LeveledZerolog) Info(msg string, keysAndValues ...interface{}) {
	withFields(log.Debug(), keysAndValues).Msg("http: " + msg)
}

func (LeveledZerolog) Debug(msg string, keysAndValues ...interface{}) {
	withFields(log.Debug(), keysAndValues).Msg("http: " + msg)
}

func withFields(ev *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, redact(kv[i+1]))
	}
	return ev
}

// secretParam matches credential query parameters in logged URLs and errors.
var secretParam = regexp.MustCompile(`(?i)\b((?:api_key|apikey|key|token|access_token)=)[^&\s"]+`)

// redact masks credentials carried in query strings.
func redact(v interface{}) interface{} {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case *url.URL:
		if x == nil {
			return v
		}
		s = x.String()
	case error:
		s = x.Error()
	case fmt.Stringer:
		s = x.String()
	default:
		return v
	}
	return secretParam.ReplaceAllString(s, "${1}REDACTED")
}

// Options tune a client.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// DefaultOptions mirrors a general-purpose service client.
func DefaultOptions() Options {
	return Options{
		RetryMax:     3,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 10 * time.Second,
		Timeout:      20 * time.Second,
	}
}

// New returns a stdlib *http.Client that retries on connection errors, 5xx
// (except 501) and 429 responses.
func New(opts Options) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledZerolog{})
	client := retryClient.StandardClient()
	client.Timeout = opts.Timeout
	return client
}

// Robust returns a client with DefaultOptions.
func Robust() *http.Client {
	return New(DefaultOptions())
}
