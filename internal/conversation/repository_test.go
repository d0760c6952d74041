package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/logging"
)

type fakeArchive struct {
	mu        sync.Mutex
	messages  []Message
	summaries []Summary
	err       error
}

func (f *fakeArchive) SaveMessages(_ context.Context, _, _, _ string, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeArchive) SaveSummary(_ context.Context, _, _ string, s Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.summaries = append(f.summaries, s)
	return nil
}

type fakeDirectory struct {
	names map[string]string
	calls int
	err   error
}

func (f *fakeDirectory) OrganizationName(_ context.Context, org string) (string, error) {
	f.calls++
	return f.names[org], f.err
}

func newTestRepository(t *testing.T, remote cache.Remote, opts ...Option) (*Repository, *logging.TestLogger) {
	t.Helper()
	log := logging.NewTestLogger()
	cfg := cache.DefaultConfig()
	cfg.RetryInterval = time.Minute
	cfg.MaxUpdateAttempts = 50
	store := cache.NewTiered(remote, cfg, log.Underlying())
	return NewRepository(store, DefaultConfig(), log.Underlying(), opts...), log
}

func msg(content string) Message {
	return Message{Role: RoleCustomer, Channel: ChannelSMS, Content: content}
}

func TestRepository_ContextIsolatedByOrganization(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	_, err := repo.AppendMessages(ctx, "orgA", "+15551234567", "", msg("for A"))
	require.NoError(t, err)
	_, err = repo.AppendMessages(ctx, "orgB", "+15551234567", "", msg("for B"))
	require.NoError(t, err)

	a := repo.GetContext(ctx, "orgA", "+15551234567")
	b := repo.GetContext(ctx, "orgB", "+15551234567")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "for A", a[0].Content)
	assert.Equal(t, "for B", b[0].Content)
}

func TestRepository_PhoneFormatsShareContext(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	_, err := repo.AppendMessages(ctx, "orgA", "(555) 123-4567", "", msg("one"))
	require.NoError(t, err)
	_, err = repo.AppendMessages(ctx, "orgA", "+1 555-123-4567", "", msg("two"))
	require.NoError(t, err)

	got := repo.GetContext(ctx, "orgA", "15551234567")
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
}

func TestRepository_RefusesUnscopedCalls(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, nil)

	_, err := repo.AppendMessages(ctx, "", "+15551234567", "", msg("x"))
	assert.ErrorIs(t, err, ErrMissingOrganization)
	_, err = repo.AppendMessages(ctx, "orgA", "", "", msg("x"))
	assert.ErrorIs(t, err, ErrMissingPhone)
	assert.ErrorIs(t, repo.SetContext(ctx, "", "+15551234567", nil), ErrMissingOrganization)
	assert.ErrorIs(t, repo.SetSummary(ctx, "", "+15551234567", "s", time.Time{}), ErrMissingOrganization)
	assert.ErrorIs(t, repo.SetLeadForPhone(ctx, "orgA", "+15551234567", ""), ErrMissingLead)
	assert.ErrorIs(t, repo.SetConversationMeta(ctx, Meta{Org: "orgA"}), ErrMissingConversation)
	assert.ErrorIs(t, repo.SetConversationMeta(ctx, Meta{ConversationID: "c1"}), ErrMissingOrganization)

	assert.Nil(t, repo.GetContext(ctx, "", "+15551234567"))
	_, ok := repo.GetLeadForPhone(ctx, "", "+15551234567")
	assert.False(t, ok)
}

func TestRepository_AppendCapsAndStamps(t *testing.T) {
	ctx := context.Background()
	log := logging.NewTestLogger()
	store := cache.NewTiered(nil, cache.DefaultConfig(), log.Underlying())
	repo := NewRepository(store, Config{MaxMessages: 3}, log.Underlying())
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		_, err := repo.AppendMessages(ctx, "orgA", "+15551234567", "", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	got := repo.GetContext(ctx, "orgA", "+15551234567")
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m4", got[2].Content)
	assert.Equal(t, fixed, got[0].Timestamp)
}

func TestRepository_SetContextReplaces(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, nil)

	_, err := repo.AppendMessages(ctx, "orgA", "+15551234567", "", msg("old"))
	require.NoError(t, err)
	require.NoError(t, repo.SetContext(ctx, "orgA", "+15551234567", []Message{msg("new")}))

	got := repo.GetContext(ctx, "orgA", "+15551234567")
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Content)
}

func TestRepository_ConcurrentAppendsKeepEveryMessage(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := ChannelSMS
			if i%2 == 0 {
				ch = ChannelVoice
			}
			_, err := repo.AppendMessages(ctx, "orgA", "+15551234567", "", Message{Role: RoleCustomer, Channel: ch, Content: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, repo.GetContext(ctx, "orgA", "+15551234567"), writers)
}

func TestRepository_AppendSurvivesRemoteOutage(t *testing.T) {
	ctx := context.Background()
	remote := cache.NewFakeRemote()
	repo, _ := newTestRepository(t, remote)

	remote.SetDown(true)
	got, err := repo.AppendMessages(ctx, "orgA", "+15551234567", "", msg("during outage"))
	require.NoError(t, err)
	require.Len(t, got, 1)

	stored := repo.GetContext(ctx, "orgA", "+15551234567")
	require.Len(t, stored, 1)
	assert.Equal(t, "during outage", stored[0].Content)
}

func TestRepository_SummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive := &fakeArchive{}
	repo, _ := newTestRepository(t, cache.NewFakeRemote(), WithArchive(archive))

	_, ok := repo.GetSummary(ctx, "orgA", "+15551234567")
	assert.False(t, ok)

	at := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, repo.SetSummary(ctx, "orgA", "5551234567", "wants a test drive", at))

	s, ok := repo.GetSummary(ctx, "orgA", "+15551234567")
	require.True(t, ok)
	assert.Equal(t, "wants a test drive", s.Text)
	assert.True(t, at.Equal(s.UpdatedAt))

	_, ok = repo.GetSummary(ctx, "orgB", "+15551234567")
	assert.False(t, ok)

	require.Len(t, archive.summaries, 1)
	assert.Equal(t, "wants a test drive", archive.summaries[0].Text)
}

func TestRepository_ConcurrentSummariesKeepTextAndTimestampTogether(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Second)
			assert.NoError(t, repo.SetSummary(ctx, "orgA", "+15551234567", fmt.Sprintf("summary %d", i), at))
		}(i)
	}
	wg.Wait()

	s, ok := repo.GetSummary(ctx, "orgA", "+15551234567")
	require.True(t, ok)
	var n int
	_, err := fmt.Sscanf(s.Text, "summary %d", &n)
	require.NoError(t, err)
	assert.True(t, base.Add(time.Duration(n)*time.Second).Equal(s.UpdatedAt),
		"text %q stored with timestamp %s", s.Text, s.UpdatedAt)
}

func TestRepository_ArchiveFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	archive := &fakeArchive{err: errors.New("db down")}
	repo, log := newTestRepository(t, nil, WithArchive(archive))

	got, err := repo.AppendMessages(ctx, "orgA", "+15551234567", "lead-1", msg("hi"))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, repo.SetSummary(ctx, "orgA", "+15551234567", "s", time.Time{}))

	log.AssertLogged(t, zapcore.WarnLevel, "archiving messages failed")
	log.AssertLogged(t, zapcore.WarnLevel, "archiving summary failed")
}

func TestRepository_LeadMappingBothDirections(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	require.NoError(t, repo.SetLeadForPhone(ctx, "orgA", "(555) 123-4567", "lead-1"))

	lead, ok := repo.GetLeadForPhone(ctx, "orgA", "+15551234567")
	require.True(t, ok)
	assert.Equal(t, "lead-1", lead)

	p, ok := repo.GetPhoneForLead(ctx, "orgA", "lead-1")
	require.True(t, ok)
	assert.Equal(t, "+15551234567", p)

	_, ok = repo.GetLeadForPhone(ctx, "orgB", "+15551234567")
	assert.False(t, ok)
}

func TestRepository_ClearLeadIgnoresStaleOwner(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	require.NoError(t, repo.SetLeadForPhone(ctx, "orgA", "+15551234567", "lead-1"))
	require.NoError(t, repo.SetLeadForPhone(ctx, "orgA", "+15551234567", "lead-2"))
	_, ok := repo.GetPhoneForLead(ctx, "orgA", "lead-1")
	assert.False(t, ok, "replaced lead keeps no reverse mapping")

	assert.False(t, repo.ClearLeadForPhone(ctx, "orgA", "+15551234567", "lead-1"))
	lead, ok := repo.GetLeadForPhone(ctx, "orgA", "+15551234567")
	require.True(t, ok)
	assert.Equal(t, "lead-2", lead)

	assert.True(t, repo.ClearLeadForPhone(ctx, "orgA", "+15551234567", "lead-2"))
	_, ok = repo.GetLeadForPhone(ctx, "orgA", "+15551234567")
	assert.False(t, ok)
	_, ok = repo.GetPhoneForLead(ctx, "orgA", "lead-2")
	assert.False(t, ok)

	assert.False(t, repo.ClearLeadForPhone(ctx, "orgA", "+15551234567", "lead-2"))
}

func TestRepository_ResolveLeadFromConversation(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	_, ok := repo.ResolveLead(ctx, "orgA", "+15551234567")
	assert.False(t, ok)

	require.NoError(t, repo.SetConversationMeta(ctx, Meta{
		ConversationID: "conv-1",
		Org:            "orgA",
		LeadID:         "lead-9",
		Phone:          "555-123-4567",
		Channel:        ChannelVoice,
	}))

	meta, ok := repo.GetConversationMeta(ctx, "conv-1")
	require.True(t, ok)
	assert.Equal(t, "+15551234567", meta.Phone)
	assert.False(t, meta.UpdatedAt.IsZero())

	lead, ok := repo.ResolveLead(ctx, "orgA", "+15551234567")
	require.True(t, ok)
	assert.Equal(t, "lead-9", lead)

	_, ok = repo.ResolveLead(ctx, "orgB", "+15551234567")
	assert.False(t, ok)

	require.NoError(t, repo.SetLeadForPhone(ctx, "orgA", "+15551234567", "lead-direct"))
	lead, _ = repo.ResolveLead(ctx, "orgA", "+15551234567")
	assert.Equal(t, "lead-direct", lead)
}

func TestRepository_OrganizationNameCachesDirectory(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{names: map[string]string{"orgA": "Main Street Motors"}}
	repo, _ := newTestRepository(t, cache.NewFakeRemote(), WithDirectory(dir))

	assert.Equal(t, "Main Street Motors", repo.GetOrganizationName(ctx, "orgA"))
	assert.Equal(t, "Main Street Motors", repo.GetOrganizationName(ctx, "orgA"))
	assert.Equal(t, 1, dir.calls)

	assert.Equal(t, "", repo.GetOrganizationName(ctx, "orgZ"))
	assert.Equal(t, "", repo.GetOrganizationName(ctx, ""))
}

func TestRepository_OrganizationNameDirectoryError(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{err: errors.New("timeout")}
	repo, log := newTestRepository(t, nil, WithDirectory(dir))

	assert.Equal(t, "", repo.GetOrganizationName(ctx, "orgA"))
	log.AssertLogged(t, zapcore.WarnLevel, "organization lookup failed")
}

func TestRepository_MarkSeen(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())

	assert.True(t, repo.MarkSeen(ctx, "orgA", "evt-1"))
	assert.False(t, repo.MarkSeen(ctx, "orgA", "evt-1"))
	assert.True(t, repo.MarkSeen(ctx, "orgB", "evt-1"))
	assert.True(t, repo.MarkSeen(ctx, "", "evt-2"))
	assert.False(t, repo.MarkSeen(ctx, "", "evt-2"))
	assert.True(t, repo.MarkSeen(ctx, "orgA", ""))
}

func TestRepository_ImportSummaryKeepsNewer(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, cache.NewFakeRemote())
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetSummary(ctx, "orgA", "+15551234567", "live", at))

	tier, err := repo.ImportSummary(ctx, "orgA", "+15551234567", Summary{Text: "legacy", UpdatedAt: at.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, cache.TierNone, tier)

	tier, err = repo.ImportSummary(ctx, "orgA", "+15551234567", Summary{Text: "newer", UpdatedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, cache.TierRemote, tier)

	s, ok := repo.GetSummary(ctx, "orgA", "+15551234567")
	require.True(t, ok)
	assert.Equal(t, "newer", s.Text)
	assert.True(t, at.Add(time.Hour).Equal(s.UpdatedAt))
}
