package linkscan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/verdict"
)

func fixed(name string, score float64, flags ...string) Check {
	return CheckFunc{CheckName: name, Fn: func(context.Context, Target) (verdict.CheckResult, error) {
		return verdict.CheckResult{Score: score, Flags: flags}, nil
	}}
}

func failing(name string) Check {
	return CheckFunc{CheckName: name, Fn: func(context.Context, Target) (verdict.CheckResult, error) {
		return verdict.CheckResult{}, errors.New("connection refused")
	}}
}

// stuck ignores its context entirely.
func stuck(name string, release <-chan struct{}) Check {
	return CheckFunc{CheckName: name, Fn: func(context.Context, Target) (verdict.CheckResult, error) {
		<-release
		return verdict.CheckResult{Score: 1, Flags: []string{"late"}}, nil
	}}
}

func TestAnalyze_AggregatesInCheckOrder(t *testing.T) {
	a := New([]Check{
		fixed("one", 0.2, "first"),
		fixed("two", 0.3, "second", "third"),
		fixed("three", 0, "fourth"),
	}, Options{CheckTimeout: time.Second})

	v := a.Analyze(context.Background(), "https://example.com")
	assert.InDelta(t, 0.5, v.Score, 1e-9)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, v.Flags)
	assert.Equal(t, []string{"one", "two", "three"}, a.Checks())
}

func TestAnalyze_TimeoutDoesNotBlockFanIn(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := New([]Check{
		fixed("fast", 0.2, "fast"),
		stuck("slow", release),
	}, Options{CheckTimeout: 50 * time.Millisecond})

	start := time.Now()
	v := a.Analyze(context.Background(), "https://example.com")
	assert.Less(t, time.Since(start), time.Second)

	assert.InDelta(t, 0.2, v.Score, 1e-9)
	assert.Equal(t, 0.5, v.Confidence)
	assert.Equal(t, []string{"fast"}, v.Flags)
	assert.Equal(t, []string{"slow"}, v.Failed)
}

func TestAnalyze_PanicIsIsolated(t *testing.T) {
	a := New([]Check{
		CheckFunc{CheckName: "boom", Fn: func(context.Context, Target) (verdict.CheckResult, error) {
			panic("nil map")
		}},
		fixed("ok", 0.4, "ok"),
	}, Options{})

	v := a.Analyze(context.Background(), "https://example.com")
	assert.InDelta(t, 0.4, v.Score, 1e-9)
	assert.Equal(t, 0.5, v.Confidence)
}

func TestAnalyze_AllChecksFail(t *testing.T) {
	a := New([]Check{failing("a"), failing("b"), failing("c")}, Options{})

	v := a.Analyze(context.Background(), "https://example.com")
	assert.Equal(t, 0.0, v.Score)
	assert.Equal(t, 0.0, v.Confidence)
	assert.Empty(t, v.Flags)
	assert.Len(t, v.Failed, 3)
}

func TestAnalyze_Unparseable(t *testing.T) {
	a := New([]Check{fixed("x", 1)}, Options{})
	v := a.Analyze(context.Background(), "http://")
	assert.Equal(t, 0.0, v.Confidence)
	assert.Equal(t, []string{FlagUnparseable}, v.Flags)
}

func TestAnalyze_WorkerLimit(t *testing.T) {
	var (
		running = make(chan struct{}, 10)
		peak    int
	)
	observe := CheckFunc{CheckName: "observe", Fn: func(context.Context, Target) (verdict.CheckResult, error) {
		running <- struct{}{}
		if n := len(running); n > peak {
			peak = n
		}
		time.Sleep(10 * time.Millisecond)
		<-running
		return verdict.CheckResult{}, nil
	}}

	checks := make([]Check, 6)
	for i := range checks {
		checks[i] = observe
	}
	a := New(checks, Options{Workers: 1})
	v := a.Analyze(context.Background(), "https://example.com")
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, 1, peak)
}

func TestAnalyze_TrustedDomainNeverReachesDanger(t *testing.T) {
	list := threatlist.NewList(threatlist.NewSnapshot(nil, []string{"github.com"}))
	a := New([]Check{
		ReputationCheck{List: list},
		NewPatternCheck(nil),
		fixed("tls", 0.3, "bad cert"),
		fixed("domain_age", 0.3, "new"),
		fixed("headers", 0.3, "headers"),
	}, Options{TrustedCap: 0.49})

	// Pattern and network signals push the raw sum well past the cap.
	v := a.Analyze(context.Background(), "https://x@github.com/paypal--login/ü/setup.exe")
	assert.True(t, v.Trusted)
	assert.LessOrEqual(t, v.Score, 0.49)
	assert.NotEqual(t, verdict.LevelDanger, verdict.DefaultThresholds().Level(v.Score))
}

func TestAnalyze_IPLiteralScenario(t *testing.T) {
	list := threatlist.NewList(nil)
	a := New([]Check{
		ReputationCheck{List: list},
		TLSCheck{},
		NewDomainAgeCheck(nil, "http://127.0.0.1:1/"),
		NewShortenerCheck(nil, list, nil),
		NewPatternCheck(nil),
		HomographCheck{},
		failing("headers"), // host unreachable
	}, Options{CheckTimeout: time.Second})

	v := a.Analyze(context.Background(), "http://192.168.1.1/login")
	assert.Contains(t, v.Flags, "IP address used instead of a domain name")
	assert.GreaterOrEqual(t, v.Score, 0.2)
	assert.Equal(t, verdict.LevelCaution, verdict.DefaultThresholds().Level(v.Score))
	assert.InDelta(t, 6.0/7, v.Confidence, 1e-9)
}

func TestAnalyze_KnownMaliciousScenario(t *testing.T) {
	list := threatlist.NewList(threatlist.NewSnapshot([]string{"steal-your-wallet.example"}, nil))
	a := New([]Check{ReputationCheck{List: list}, NewPatternCheck(nil), HomographCheck{}}, Options{})

	v := a.Analyze(context.Background(), "https://claim.steal-your-wallet.example/airdrop")
	require.True(t, v.Blocklisted)
	assert.GreaterOrEqual(t, v.Score, 0.8)

	// Even a confident, low AI verdict cannot pull the combined level down.
	c := verdict.Combine(v, verdict.Verdict{Score: 0.2, Confidence: 1}, verdict.DefaultThresholds())
	assert.Equal(t, verdict.LevelDanger, c.Level)
}

func TestAnalyze_InternalAddressesAreNotContacted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	list := threatlist.NewList(nil)
	checks := DefaultChecks(list, Settings{Shorteners: []string{"127.0.0.1"}}, PageClient(time.Second), nil)
	a := New(checks, Options{CheckTimeout: 2 * time.Second})

	v := a.Analyze(context.Background(), srv.URL+"/admin/delete-all")
	assert.Zero(t, hits.Load())
	assert.Contains(t, v.Failed, "headers")
	assert.Contains(t, v.Flags, "IP address used instead of a domain name")
}
