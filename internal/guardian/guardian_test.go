package guardian

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/guardian/internal/config"
	"github.com/linkguard/guardian/internal/contentscan"
	"github.com/linkguard/guardian/internal/moderation"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/platform/platformtest"
	"github.com/linkguard/guardian/internal/protocol"
	"github.com/linkguard/guardian/internal/store"
	"github.com/linkguard/guardian/internal/store/sqlstore"
	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/verdict"
	"github.com/linkguard/guardian/internal/verdictcache"
)

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"none", "no links here, just www.example.com", nil},
		{"single", "see https://evil.tk/login now", []string{"https://evil.tk/login"}},
		{"several", "http://a.example and https://b.example/x?y=1", []string{"http://a.example", "https://b.example/x?y=1"}},
		{"angle brackets", "<https://a.example/path>", []string{"https://a.example/path"}},
		{"backticks", "`https://a.example/code`", []string{"https://a.example/code"}},
		{"quotes and braces", `"https://a.example/q"{https://b.example}`, []string{"https://a.example/q", "https://b.example"}},
		{"duplicates", "https://a.example https://a.example", []string{"https://a.example"}},
		{"case", "HTTPS://A.EXAMPLE", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractURLs(tc.text))
		})
	}
}

type stubBasic struct {
	mu     sync.Mutex
	v      verdict.Verdict
	calls  int
	block  bool
	panics bool
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (s *stubBasic) Analyze(ctx context.Context, _ string) verdict.Verdict {
	s.mu.Lock()
	s.calls++
	block, panics, gate := s.block, s.panics, s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panics {
		panic("check exploded")
	}
	if block {
		<-ctx.Done()
		return verdict.Verdict{}
	}
	return s.v
}

func (s *stubBasic) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubContent struct {
	mu    sync.Mutex
	v     verdict.Verdict
	calls int
}

func (s *stubContent) Analyze(context.Context, string, verdict.Verdict) verdict.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.v
}

// pageFetcher serves a fixed login page.
type pageFetcher struct{}

func (pageFetcher) Fetch(context.Context, string) (*contentscan.Content, error) {
	return &contentscan.Content{Title: "Sign in", Forms: 1, Inputs: 2}, nil
}

// stallingClassifier answers only when its context ends.
type stallingClassifier struct{}

func (stallingClassifier) Name() string { return "stalling" }

func (stallingClassifier) Classify(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// brokenWarnings fails every warning write.
type brokenWarnings struct {
	store.Store
}

func (brokenWarnings) AddWarning(context.Context, store.Warning) (int64, error) {
	return 0, errors.New("disk full")
}

type denyBudget struct{}

func (denyBudget) Allow(context.Context, string) bool { return false }

var (
	safeBasic = verdict.Verdict{Score: 0.05, Confidence: 1}
	badBasic  = verdict.Verdict{
		Score:       0.9,
		Confidence:  1,
		Blocklisted: true,
		Flags:       []string{"Domain is on the known-malicious list"},
	}
)

type fixture struct {
	pipeline *Pipeline
	basic    *stubBasic
	content  *stubContent
	fake     *platformtest.Fake
	store    *sqlstore.Store
}

func newFixture(t *testing.T, basic verdict.Verdict, tweak func(*Options)) *fixture {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fake := platformtest.New()
	fake.ChannelList["g1"] = []platform.Channel{{ID: "c1", Name: "general"}}

	f := &fixture{
		basic:   &stubBasic{v: basic},
		content: &stubContent{v: verdict.Verdict{Confidence: 0.5}},
		fake:    fake,
		store:   st,
	}
	cfg := config.Default()
	opts := Options{
		Thresholds:      cfg.Thresholds,
		Deadline:        time.Second,
		SafeAdvisoryTTL: 20 * time.Millisecond,
		MuteThreshold:   cfg.Moderation.WarningsBeforeMute,
	}
	if tweak != nil {
		tweak(&opts)
	}
	engine := moderation.New(st, fake, cfg.Moderation)
	f.pipeline = New(f.basic, f.content, engine, fake, st, nil, nil, opts)
	return f
}

func message(id, user, content string) protocol.MessageCreatedMsg {
	return protocol.MessageCreatedMsg{
		Type:        protocol.TypeMessageCreated,
		ID:          id,
		CommunityID: "g1",
		ChannelID:   "c1",
		AuthorID:    user,
		Content:     content,
	}
}

func (f *fixture) history(t *testing.T) []store.LinkRecord {
	t.Helper()
	recs, err := f.store.RecentLinks(context.Background(), "g1", 50)
	require.NoError(t, err)
	return recs
}

func TestProcess_IgnoresBots(t *testing.T) {
	f := newFixture(t, safeBasic, nil)
	m := message("m1", "bot", "https://a.example")
	m.AuthorBot = true

	require.NoError(t, f.pipeline.Process(context.Background(), m))
	assert.Empty(t, f.fake.Calls)
	assert.Zero(t, f.basic.Calls())
}

func TestProcess_NoLinks(t *testing.T) {
	f := newFixture(t, safeBasic, nil)
	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "hello there")))
	assert.Zero(t, f.basic.Calls())
	assert.Empty(t, f.fake.AllAdvisories())
}

func TestProcess_SafeLinkAdvisoryIsRetracted(t *testing.T) {
	f := newFixture(t, safeBasic, nil)
	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "look https://docs.example/a")))

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	p := posted[0]
	assert.Equal(t, "m1", p.ReplyTo)
	assert.Equal(t, "Link appears safe", p.Advisory.Title)
	assert.Equal(t, 1, p.Edits)

	assert.Eventually(t, func() bool {
		p, _ := f.fake.Advisory(p.ID)
		return p.Deleted
	}, time.Second, 5*time.Millisecond)

	recs := f.history(t)
	require.Len(t, recs, 1)
	assert.Equal(t, string(verdict.LevelSafe), recs[0].ThreatLevel)
	assert.Equal(t, store.ActionNone, recs[0].ActionTaken)
}

func TestProcess_DangerEscalates(t *testing.T) {
	f := newFixture(t, badBasic, nil)
	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "free nitro https://drain.example/claim")))

	assert.Equal(t, []string{"m1"}, f.fake.Deleted)

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	a := posted[0].Advisory
	assert.Equal(t, "Dangerous link detected", a.Title)
	assert.Contains(t, a.Description, "Warning #1/3")
	assert.Contains(t, a.Description, "The message has been deleted.")
	require.Len(t, a.Fields, 1)
	assert.Contains(t, a.Fields[0].Value, "known-malicious")

	recs := f.history(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ActionDeleted, recs[0].ActionTaken)
	assert.Equal(t, string(verdict.LevelDanger), recs[0].ThreatLevel)
}

func TestProcess_MutedAuthorIsGated(t *testing.T) {
	f := newFixture(t, badBasic, nil)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, f.pipeline.Process(ctx, message(id, "u1", "https://drain.example/"+id)), i)
	}
	require.Equal(t, 3, f.basic.Calls())

	require.NoError(t, f.pipeline.Process(ctx, message("m4", "u1", "https://other.example still here")))
	assert.Equal(t, 3, f.basic.Calls())
	assert.Contains(t, f.fake.Deleted, "m4")

	recs := f.history(t)
	require.NotEmpty(t, recs)
	assert.Equal(t, store.ActionGated, recs[0].ActionTaken)

	// Messages without links are gated as well.
	require.NoError(t, f.pipeline.Process(ctx, message("m5", "u1", "let me talk")))
	assert.Contains(t, f.fake.Deleted, "m5")
}

func TestProcess_DeadlineMarksFailed(t *testing.T) {
	f := newFixture(t, safeBasic, func(o *Options) { o.Deadline = 20 * time.Millisecond })
	f.basic.block = true

	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "https://slow.example")))

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	assert.Equal(t, "Analysis failed", posted[0].Advisory.Title)
	assert.Empty(t, f.fake.Deleted)

	recs := f.history(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ActionFailed, recs[0].ActionTaken)
}

func TestProcess_CachedVerdictStillEscalates(t *testing.T) {
	f := newFixture(t, badBasic, nil)
	f.pipeline.cache = verdictcache.NewMem(16, time.Minute)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Process(ctx, message("m1", "u1", "https://drain.example/claim")))
	require.NoError(t, f.pipeline.Process(ctx, message("m2", "u1", "https://drain.example/claim#again")))

	assert.Equal(t, 1, f.basic.Calls())
	assert.Equal(t, []string{"m1", "m2"}, f.fake.Deleted)

	n, err := f.store.CountWarnings(ctx, "g1", "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProcess_BudgetExhaustedSkipsAI(t *testing.T) {
	f := newFixture(t, verdict.Verdict{Score: 0.55, Confidence: 0.8}, nil)
	f.pipeline.budget = denyBudget{}

	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "https://odd.example")))
	assert.Zero(t, f.content.calls)

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	assert.Equal(t, "Suspicious link", posted[0].Advisory.Title)
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	f := newFixture(t, safeBasic, nil)
	f.basic.panics = true

	err := f.pipeline.Process(context.Background(), message("m1", "u1", "https://boom.example"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check exploded")

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	assert.Equal(t, "Analysis failed", posted[0].Advisory.Title)
	assert.Equal(t, 1, posted[0].Edits)
	recs := f.history(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ActionFailed, recs[0].ActionTaken)

	f.basic.panics = false
	require.NoError(t, f.pipeline.Process(context.Background(), message("m2", "u1", "https://fine.example")))
	assert.Equal(t, 2, f.basic.Calls())
}

func TestProcess_SlowAIKeepsHeuristicVerdict(t *testing.T) {
	f := newFixture(t, badBasic, func(o *Options) { o.Deadline = 200 * time.Millisecond })
	f.pipeline.content = contentscan.New(pageFetcher{}, stallingClassifier{}, nil)

	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "https://drain.example/claim")))

	assert.Equal(t, []string{"m1"}, f.fake.Deleted)
	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	a := posted[0].Advisory
	assert.Equal(t, "Dangerous link detected", a.Title)
	assert.Contains(t, a.Description, "Warning #1/3")
	require.Len(t, a.Fields, 1)
	assert.Contains(t, a.Fields[0].Value, contentscan.FlagUnavailable)

	recs := f.history(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ActionDeleted, recs[0].ActionTaken)
	assert.Equal(t, string(verdict.LevelDanger), recs[0].ThreatLevel)
}

func TestProcess_SlowAIVerdictIsNotCached(t *testing.T) {
	f := newFixture(t, badBasic, func(o *Options) { o.Deadline = 100 * time.Millisecond })
	f.pipeline.content = contentscan.New(pageFetcher{}, stallingClassifier{}, nil)
	cache := verdictcache.NewMem(16, time.Minute)
	f.pipeline.cache = cache

	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "https://drain.example/claim")))

	_, ok, err := cache.Get(context.Background(), "https://drain.example/claim")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcess_UnrecordedModerationIsReported(t *testing.T) {
	f := newFixture(t, badBasic, nil)
	f.pipeline.moderator = moderation.New(brokenWarnings{f.store}, f.fake, config.Default().Moderation)

	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "https://drain.example/claim")))

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 1)
	a := posted[0].Advisory
	assert.Equal(t, "Dangerous link detected", a.Title)
	assert.Contains(t, a.Description, "Moderation could not be recorded")
	assert.NotContains(t, a.Description, "Warning #")

	recs := f.history(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ActionFailed, recs[0].ActionTaken)
}

func TestProcess_GateFailureIsReported(t *testing.T) {
	f := newFixture(t, safeBasic, nil)
	require.NoError(t, f.store.Close())

	err := f.pipeline.Process(context.Background(), message("m1", "u1", "see https://a.example and https://b.example"))
	require.Error(t, err)
	assert.Zero(t, f.basic.Calls())

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 2)
	for _, p := range posted {
		assert.Equal(t, "Analysis failed", p.Advisory.Title)
		assert.Equal(t, "m1", p.ReplyTo)
	}

	// Without links there is nothing to report.
	require.Error(t, f.pipeline.Process(context.Background(), message("m2", "u1", "hello")))
	assert.Len(t, f.fake.AllAdvisories(), 2)
}

func TestProcess_StatusFailureStillReports(t *testing.T) {
	f := newFixture(t, badBasic, nil)
	f.fake.Fail["EditAdvisory"] = platform.ErrForbidden

	require.NoError(t, f.pipeline.Process(context.Background(), message("m1", "u1", "https://drain.example")))

	posted := f.fake.AllAdvisories()
	require.Len(t, posted, 2)
	assert.Equal(t, "Analyzing link...", posted[0].Advisory.Title)
	assert.Equal(t, "Dangerous link detected", posted[1].Advisory.Title)
	assert.Empty(t, posted[1].ReplyTo)
}

func TestProcess_MultipleLinksInOrder(t *testing.T) {
	f := newFixture(t, safeBasic, func(o *Options) { o.SafeAdvisoryTTL = 0 })
	require.NoError(t, f.pipeline.Process(context.Background(),
		message("m1", "u1", "https://one.example then https://two.example")))

	assert.Equal(t, 2, f.basic.Calls())
	recs := f.history(t)
	require.Len(t, recs, 2)
	urls := []string{recs[0].URL, recs[1].URL}
	assert.ElementsMatch(t, []string{"https://one.example", "https://two.example"}, urls)
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t, safeBasic, nil)
	f.pipeline.HandleMessage([]byte(`{"type":"message_created","id":"m1","community_id":"g1",
		"channel_id":"c1","author_id":"u1","content":"https://a.example"}`))
	f.pipeline.Wait()
	assert.Equal(t, 1, f.basic.Calls())

	f.pipeline.HandleMessage([]byte(`{"type":"warnings","community_id":"g1","user_id":"u1"}`))
	f.pipeline.HandleMessage([]byte(`garbage`))
	f.pipeline.Wait()
	assert.Equal(t, 1, f.basic.Calls())
}

func TestHandleMessage_ProcessesConcurrently(t *testing.T) {
	f := newFixture(t, safeBasic, func(o *Options) { o.Workers = 4 })
	gate := make(chan struct{})
	f.basic.gate = gate

	for _, id := range []string{"m1", "m2", "m3"} {
		f.pipeline.HandleMessage([]byte(`{"type":"message_created","id":"` + id + `","community_id":"g1",
			"channel_id":"c1","author_id":"u-` + id + `","content":"https://` + id + `.example"}`))
	}

	// All three are in flight at once behind the gate.
	assert.Eventually(t, func() bool { return f.basic.Calls() == 3 }, time.Second, 5*time.Millisecond)

	close(gate)
	f.pipeline.Wait()
	assert.Len(t, f.history(t), 3)
}

func TestHandleMessage_WorkerLimit(t *testing.T) {
	f := newFixture(t, safeBasic, func(o *Options) { o.Workers = 1 })
	gate := make(chan struct{})
	f.basic.gate = gate

	f.pipeline.HandleMessage([]byte(`{"type":"message_created","id":"m1","community_id":"g1",
		"channel_id":"c1","author_id":"u1","content":"https://one.example"}`))

	second := make(chan struct{})
	go func() {
		defer close(second)
		f.pipeline.HandleMessage([]byte(`{"type":"message_created","id":"m2","community_id":"g1",
			"channel_id":"c1","author_id":"u2","content":"https://two.example"}`))
	}()

	assert.Eventually(t, func() bool { return f.basic.Calls() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-second:
		t.Fatal("second message was accepted while the only worker was busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-second
	f.pipeline.Wait()
	assert.Equal(t, 2, f.basic.Calls())
}

func TestResultAdvisory_FlagLimits(t *testing.T) {
	flags := []string{"f1", "f2", "f3", "f4", "f5", "f6"}
	count := func(a platform.Advisory) int {
		if len(a.Fields) == 0 {
			return 0
		}
		return strings.Count(a.Fields[0].Value, "•")
	}

	tests := []struct {
		level verdict.Level
		title string
		flags int
	}{
		{verdict.LevelDanger, "Dangerous link detected", 5},
		{verdict.LevelSuspicious, "Suspicious link", 3},
		{verdict.LevelCaution, "Exercise caution", 2},
		{verdict.LevelSafe, "Link appears safe", 0},
	}
	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			a := ResultAdvisory("https://x.example", verdict.Combined{Level: tc.level, Flags: flags}, moderation.Outcome{}, 3)
			assert.Equal(t, tc.title, a.Title)
			assert.Equal(t, tc.flags, count(a))
		})
	}
}

func TestEscalationFailedAdvisory(t *testing.T) {
	c := verdict.Combined{Level: verdict.LevelDanger, Flags: []string{"f1"}}

	a := EscalationFailedAdvisory("https://x.example", c, moderation.Outcome{Escalated: true, MessageDeleted: true})
	assert.Equal(t, "Dangerous link detected", a.Title)
	assert.Contains(t, a.Description, "The message has been deleted.")
	require.Len(t, a.Fields, 1)

	a = EscalationFailedAdvisory("https://x.example", c, moderation.Outcome{})
	assert.NotContains(t, a.Description, "deleted")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "https://a.example", preview("https://a.example"))
	long := "https://" + strings.Repeat("a", 60)
	assert.Equal(t, long[:50]+"...", preview(long))
}

func TestBuildAnalyzers(t *testing.T) {
	cfg := config.Default()
	cfg.AI.OpenAIAPIKey = ""

	a := BuildAnalyzers(cfg, threatlist.NewList(nil))
	require.NotNil(t, a.Basic)
	require.NotNil(t, a.Content)
	assert.Equal(t, []string{"reputation", "tls", "domain_age", "shortener", "patterns", "homograph", "headers"}, a.Basic.Checks())
}

func TestThreatListSources(t *testing.T) {
	cfg := config.Default()
	assert.Len(t, ThreatListSources(cfg, nil), 1)

	cfg.ThreatList.File = "/etc/linkguard/threats.json"
	sources := ThreatListSources(cfg, nil)
	require.Len(t, sources, 2)
	assert.Equal(t, "file:/etc/linkguard/threats.json", sources[1].Name())
}
