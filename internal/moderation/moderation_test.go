package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/guardian/internal/config"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/platform/platformtest"
	"github.com/linkguard/guardian/internal/protocol"
	"github.com/linkguard/guardian/internal/store"
	"github.com/linkguard/guardian/internal/store/sqlstore"
	"github.com/linkguard/guardian/internal/verdict"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  store.Store
	fake   *platformtest.Fake
	now    time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return newHarnessWith(t, st)
}

func newHarnessWith(t *testing.T, st store.Store) *harness {
	t.Helper()
	fake := platformtest.New()
	fake.ChannelList["g1"] = []platform.Channel{
		{ID: "c-general", Name: "general"},
		{ID: "c-voice", Name: "voice"},
		{ID: "c-admin", Name: "admin-logs"},
	}
	fake.Roles["g1"] = []platform.Role{{ID: "r-admin", Name: "Admin"}}

	h := &harness{store: st, fake: fake, now: start}
	h.engine = New(st, fake, config.Default().Moderation)
	h.engine.now = func() time.Time { return h.now }
	return h
}

func dangerous(user, messageID string) Incident {
	return Incident{
		CommunityID: "g1",
		ChannelID:   "c-general",
		MessageID:   messageID,
		UserID:      user,
		URL:         "http://wallet-claim.example/seed",
		Verdict: verdict.Combined{
			Score:      0.92,
			Confidence: 0.9,
			Level:      verdict.LevelDanger,
			Flags:      []string{"Domain is on the known-malicious list"},
		},
	}
}

func (h *harness) escalate(t *testing.T, inc Incident) Outcome {
	t.Helper()
	out, err := h.engine.Escalate(context.Background(), inc)
	require.NoError(t, err)
	return out
}

func (h *harness) mutedRole(t *testing.T) platform.Role {
	t.Helper()
	for _, r := range h.fake.Roles["g1"] {
		if r.Name == "Muted" {
			return r
		}
	}
	t.Fatal("muted role was not created")
	return platform.Role{}
}

func TestEscalate_ThirdWarningMutes(t *testing.T) {
	h := newHarness(t)

	for i := 1; i <= 2; i++ {
		out := h.escalate(t, dangerous("u1", fmt.Sprintf("m%d", i)))
		assert.True(t, out.Escalated)
		assert.True(t, out.MessageDeleted)
		assert.Equal(t, i, out.WarningCount)
		assert.False(t, out.Muted)
		assert.Equal(t, store.ActionDeleted, out.Action())
		h.advance(time.Hour)
	}
	assert.Zero(t, h.fake.Count("CreateRole"))

	out := h.escalate(t, dangerous("u1", "m3"))
	assert.Equal(t, 3, out.WarningCount)
	assert.True(t, out.Muted)
	assert.Equal(t, h.now.Add(15*24*time.Hour), out.MuteEnd)
	assert.Equal(t, store.ActionMuted, out.Action())
	assert.Empty(t, out.Degraded)

	m, err := h.store.ActiveMute(context.Background(), "g1", "u1", h.now)
	require.NoError(t, err)
	assert.True(t, m.MuteEnd.Equal(h.now.Add(15*24*time.Hour)))
	assert.Equal(t, "3 warnings for posting dangerous links", m.Reason)

	role := h.mutedRole(t)
	assert.True(t, h.fake.HasRole("g1", "u1", role.ID))
	for _, ch := range h.fake.ChannelList["g1"] {
		assert.Equal(t, MutedPermissions, h.fake.Overrides[ch.ID+"/"+role.ID], ch.Name)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.fake.Deleted)
}

func TestEscalate_NotifiesAdmins(t *testing.T) {
	h := newHarness(t)
	h.escalate(t, dangerous("u1", "m1"))

	posted := h.fake.AllAdvisories()
	require.Len(t, posted, 1)
	p := posted[0]
	assert.Equal(t, "c-admin", p.Channel)
	assert.Equal(t, "<@&r-admin>", p.Advisory.Mention)
	assert.Equal(t, "Dangerous link detected", p.Advisory.Title)

	fields := map[string]string{}
	for _, f := range p.Advisory.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "<@u1>", fields["User"])
	assert.Equal(t, "DANGER", fields["Threat Level"])
	assert.Equal(t, "90%", fields["Confidence"])
	assert.Equal(t, "1/3", fields["Warnings"])
	assert.Contains(t, fields["Flags"], "known-malicious")
}

func TestEscalate_OnlyQualifyingVerdictsCount(t *testing.T) {
	h := newHarness(t)

	cases := []verdict.Combined{
		{Level: verdict.LevelSuspicious, Score: 0.6, Confidence: 0.95},
		{Level: verdict.LevelDanger, Score: 0.9, Confidence: 0.7},
		{Level: verdict.LevelSafe, Score: 0.1, Confidence: 1},
	}
	for i, v := range cases {
		inc := dangerous("u1", fmt.Sprintf("m%d", i))
		inc.Verdict = v
		out := h.escalate(t, inc)
		assert.False(t, out.Escalated, v.Level)
		assert.Zero(t, out.WarningCount)
	}

	n, err := h.store.CountWarnings(context.Background(), "g1", "u1", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.fake.Deleted)
	assert.Empty(t, h.fake.AllAdvisories())
}

func TestEscalate_NoSecondMute(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 3; i++ {
		h.escalate(t, dangerous("u1", fmt.Sprintf("m%d", i)))
	}
	first, err := h.store.ActiveMute(context.Background(), "g1", "u1", h.now)
	require.NoError(t, err)

	h.advance(24 * time.Hour)
	out := h.escalate(t, dangerous("u1", "m4"))
	assert.Equal(t, 4, out.WarningCount)
	assert.False(t, out.Muted)
	assert.True(t, out.AlreadyMuted)

	again, err := h.store.ActiveMute(context.Background(), "g1", "u1", h.now)
	require.NoError(t, err)
	assert.True(t, first.MuteEnd.Equal(again.MuteEnd))
	assert.Equal(t, 1, h.fake.Count("CreateRole"))
	assert.Equal(t, 1, h.fake.Count("AddRole"))
}

func TestEscalate_BanAtThreshold(t *testing.T) {
	h := newHarness(t)

	var out Outcome
	for i := 1; i <= 5; i++ {
		out = h.escalate(t, dangerous("u1", fmt.Sprintf("m%d", i)))
	}
	assert.True(t, out.Banned)
	assert.Equal(t, store.ActionBanned, out.Action())
	assert.Equal(t, []string{"g1/u1"}, h.fake.Banned)

	banned, err := h.store.IsBanned(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.True(t, banned)

	out = h.escalate(t, dangerous("u1", "m6"))
	assert.False(t, out.Banned)
	assert.Len(t, h.fake.Banned, 1)
}

func TestEscalate_BanDisabled(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.WarningsBeforeBan = 0

	for i := 1; i <= 6; i++ {
		out := h.escalate(t, dangerous("u1", fmt.Sprintf("m%d", i)))
		assert.False(t, out.Banned)
	}
	assert.Empty(t, h.fake.Banned)
}

func TestEscalate_WarningsOutsideWindowIgnored(t *testing.T) {
	h := newHarness(t)
	h.escalate(t, dangerous("u1", "m1"))
	h.escalate(t, dangerous("u1", "m2"))

	h.advance(91 * 24 * time.Hour)
	out := h.escalate(t, dangerous("u1", "m3"))
	assert.Equal(t, 1, out.WarningCount)
	assert.False(t, out.Muted)
}

func TestEscalate_DeleteFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail["DeleteMessage"] = platform.ErrForbidden

	out := h.escalate(t, dangerous("u1", "m1"))
	assert.True(t, out.Escalated)
	assert.False(t, out.MessageDeleted)
	require.Len(t, out.Degraded, 1)
	assert.True(t, strings.HasPrefix(out.Degraded[0], "delete_message"))
	assert.Equal(t, 1, out.WarningCount)
}

func TestEscalate_RoleFailureKeepsMuteRecord(t *testing.T) {
	h := newHarness(t)
	h.fake.Fail["AddRole"] = platform.ErrForbidden

	var out Outcome
	for i := 1; i <= 3; i++ {
		out = h.escalate(t, dangerous("u1", fmt.Sprintf("m%d", i)))
	}
	assert.True(t, out.Muted)
	assert.NotEmpty(t, out.Degraded)

	_, err := h.store.ActiveMute(context.Background(), "g1", "u1", h.now)
	assert.NoError(t, err)
}

type failingStore struct {
	store.Store
	err error
}

func (s failingStore) AddWarning(context.Context, store.Warning) (int64, error) {
	return 0, s.err
}

func (s failingStore) ActiveMute(context.Context, string, string, time.Time) (*store.Mute, error) {
	return nil, s.err
}

func TestEscalate_StoreFailureReturned(t *testing.T) {
	base := newHarness(t)
	errDown := errors.New("database is locked")
	h := newHarnessWith(t, failingStore{Store: base.store, err: errDown})

	out, err := h.engine.Escalate(context.Background(), dangerous("u1", "m1"))
	assert.ErrorIs(t, err, errDown)
	assert.Zero(t, out.WarningCount)
	assert.False(t, out.Muted)

	_, err = h.engine.Gate(context.Background(), "g1", "c-general", "m2", "u1")
	assert.ErrorIs(t, err, errDown)
}

func TestEscalate_ConcurrentMutesShareRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		for i := 0; i < 2; i++ {
			_, err := h.store.AddWarning(ctx, store.Warning{CommunityID: "g1", UserID: u, Reason: "x", CreatedAt: h.now})
			require.NoError(t, err)
		}
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			out, err := h.engine.Escalate(ctx, dangerous(u, "m-"+u))
			assert.NoError(t, err)
			assert.True(t, out.Muted)
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 1, h.fake.Count("CreateRole"))
	role := h.mutedRole(t)
	for _, u := range users {
		assert.True(t, h.fake.HasRole("g1", u, role.ID), u)
	}
}

func TestGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	gated, err := h.engine.Gate(ctx, "g1", "c-general", "m1", "u1")
	require.NoError(t, err)
	assert.False(t, gated)
	assert.Empty(t, h.fake.Deleted)

	for i := 1; i <= 3; i++ {
		h.escalate(t, dangerous("u1", fmt.Sprintf("x%d", i)))
	}
	gated, err = h.engine.Gate(ctx, "g1", "c-general", "m2", "u1")
	require.NoError(t, err)
	assert.True(t, gated)
	assert.Contains(t, h.fake.Deleted, "m2")

	h.advance(16 * 24 * time.Hour)
	gated, err = h.engine.Gate(ctx, "g1", "c-general", "m3", "u1")
	require.NoError(t, err)
	assert.False(t, gated)
}

func (h *harness) muteUser(t *testing.T, user string) {
	t.Helper()
	for i := 1; i <= 3; i++ {
		h.escalate(t, dangerous(user, fmt.Sprintf("%s-m%d", user, i)))
	}
}

func TestSweep_LiftsExpiredMutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.muteUser(t, "u1")
	role := h.mutedRole(t)

	res, err := h.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.True(t, h.fake.HasRole("g1", "u1", role.ID))

	h.advance(15*24*time.Hour + time.Second)
	res, err = h.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Lifted: 1}, res)
	assert.False(t, h.fake.HasRole("g1", "u1", role.ID))

	_, err = h.store.ActiveMute(ctx, "g1", "u1", h.now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err = h.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
}

func TestSweep_MemberGoneCountsAsLifted(t *testing.T) {
	h := newHarness(t)
	h.muteUser(t, "u1")
	h.fake.Gone["g1/u1"] = true

	h.advance(16 * 24 * time.Hour)
	res, err := h.engine.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lifted)

	expired, err := h.store.ExpiredMutes(context.Background(), h.now)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSweep_PlatformFailureRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.muteUser(t, "u1")
	h.fake.Fail["RemoveRole"] = errors.New("gateway timeout")

	h.advance(16 * 24 * time.Hour)
	res, err := h.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Retry: 1}, res)

	delete(h.fake.Fail, "RemoveRole")
	res, err = h.engine.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Lifted: 1}, res)
	assert.False(t, h.fake.HasRole("g1", "u1", h.mutedRole(t).ID))
}

// renewingStore re-mutes the member between the sweep's scan and its delete.
type renewingStore struct {
	store.Store
	renewed bool
	end     time.Time
}

func (s *renewingStore) DeleteExpiredMute(ctx context.Context, communityID, userID string, now time.Time) (bool, error) {
	if !s.renewed {
		s.renewed = true
		_, err := s.Store.CreateMute(ctx, store.Mute{
			CommunityID: communityID,
			UserID:      userID,
			MuteEnd:     s.end,
			Reason:      "renewed",
			CreatedAt:   now,
		}, now)
		if err != nil {
			return false, err
		}
	}
	return s.Store.DeleteExpiredMute(ctx, communityID, userID, now)
}

func TestSweep_RenewedMuteKeepsRole(t *testing.T) {
	base := newHarness(t)
	rs := &renewingStore{Store: base.store}
	h := newHarnessWith(t, rs)
	h.muteUser(t, "u1")
	role := h.mutedRole(t)

	h.advance(16 * 24 * time.Hour)
	rs.end = h.now.Add(15 * 24 * time.Hour)

	res, err := h.engine.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Renewed: 1}, res)
	assert.True(t, h.fake.HasRole("g1", "u1", role.ID))

	m, err := h.store.ActiveMute(context.Background(), "g1", "u1", h.now)
	require.NoError(t, err)
	assert.Equal(t, "renewed", m.Reason)
}

func TestStartSweep_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.SweepInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.StartSweep(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}

func TestUnmute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.muteUser(t, "u1")
	role := h.mutedRole(t)

	res, err := h.engine.Unmute(ctx, "g1", "u1", "mod1")
	require.NoError(t, err)
	assert.Equal(t, UnmuteResult{WasMuted: true, RoleRemoved: true}, res)
	assert.False(t, h.fake.HasRole("g1", "u1", role.ID))

	gated, err := h.engine.Gate(ctx, "g1", "c-general", "m9", "u1")
	require.NoError(t, err)
	assert.False(t, gated)

	res, err = h.engine.Unmute(ctx, "g1", "u1", "mod1")
	require.NoError(t, err)
	assert.Equal(t, UnmuteResult{}, res)
}

func TestWarnings_WindowAndLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.AddWarning(ctx, store.Warning{
		CommunityID: "g1", UserID: "u1", Reason: "ancient", CreatedAt: h.now.Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := h.store.AddWarning(ctx, store.Warning{
			CommunityID: "g1", UserID: "u1", Reason: fmt.Sprintf("w%02d", i), CreatedAt: h.now.Add(time.Duration(i-12) * time.Hour),
		})
		require.NoError(t, err)
	}

	ws, err := h.engine.Warnings(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, ws, 10)
	assert.Equal(t, "w11", ws[0].Reason)
	assert.Equal(t, "w02", ws[9].Reason)
}

func TestHandleWarnings(t *testing.T) {
	h := newHarness(t)
	h.escalate(t, dangerous("u1", "m1"))

	reply := h.engine.HandleWarnings([]byte(`{"type":"warnings","community_id":"g1","user_id":"u1"}`))
	var ws []store.Warning
	require.NoError(t, protocol.DecodeReply(reply, &ws))
	require.Len(t, ws, 1)
	assert.Equal(t, "Posted dangerous link: http://wallet-claim.example/seed...", ws[0].Reason)

	reply = h.engine.HandleWarnings([]byte(`{"type":"warnings","community_id":"g1","user_id":"nobody"}`))
	var raw protocol.Reply
	require.NoError(t, json.Unmarshal(reply, &raw))
	assert.True(t, raw.OK)
	assert.JSONEq(t, `[]`, string(raw.Data))

	reply = h.engine.HandleWarnings([]byte(`{"type":"warnings"}`))
	assert.True(t, protocol.IsCode(protocol.DecodeReply(reply, nil), protocol.CodeInvalid))

	reply = h.engine.HandleWarnings([]byte(`{"type":"unmute","community_id":"g1","user_id":"u1"}`))
	assert.True(t, protocol.IsCode(protocol.DecodeReply(reply, nil), protocol.CodeInvalid))
}

func TestHandleUnmute(t *testing.T) {
	h := newHarness(t)
	h.muteUser(t, "u1")

	reply := h.engine.HandleUnmute([]byte(`{"type":"unmute","community_id":"g1","user_id":"u1","moderator_id":"mod1"}`))
	var res UnmuteResult
	require.NoError(t, protocol.DecodeReply(reply, &res))
	assert.True(t, res.WasMuted)

	reply = h.engine.HandleUnmute([]byte(`not json`))
	assert.True(t, protocol.IsCode(protocol.DecodeReply(reply, nil), protocol.CodeInvalid))
}

func TestWarningReason(t *testing.T) {
	short := "https://a.example/"
	assert.Equal(t, "Posted dangerous link: https://a.example/...", WarningReason(short))

	long := "https://" + strings.Repeat("é", 80) + ".example/"
	got := WarningReason(long)
	assert.Equal(t, "Posted dangerous link: "+string([]rune(long)[:50])+"...", got)
}

func TestOutcomeAction(t *testing.T) {
	assert.Equal(t, store.ActionNone, Outcome{Level: verdict.LevelSafe}.Action())
	assert.Equal(t, store.ActionAdvisory, Outcome{Level: verdict.LevelCaution}.Action())
	assert.Equal(t, store.ActionAdvisory, Outcome{Level: verdict.LevelDanger}.Action())
	assert.Equal(t, store.ActionDeleted, Outcome{Level: verdict.LevelDanger, Escalated: true}.Action())
}
