package groupsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/groupsession/internal/cache"
	"github.com/hitoshi/groupsession/internal/ephemeral"
	"github.com/hitoshi/groupsession/internal/model"
	"github.com/hitoshi/groupsession/internal/repository"
	"github.com/hitoshi/groupsession/internal/security"
)

// fakeSessionRepo はGroupSessionRepositoryのインメモリ実装。
// 1つのミューテックスで全操作を直列化し、PostgreSQL実装のトランザクションと同じ結果を返す。
type fakeSessionRepo struct {
	mu           sync.Mutex
	sessions     map[string]*model.GroupSession
	participants map[string][]*model.Participant
	seq          int

	// テストから注入するエラー
	admitErr   error
	declineErr error
	createErrs []error
}

var _ repository.GroupSessionRepository = (*fakeSessionRepo)(nil)

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions:     map[string]*model.GroupSession{},
		participants: map[string][]*model.Participant{},
	}
}

func (r *fakeSessionRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *fakeSessionRepo) participant(sessionID, userID string) *model.Participant {
	for _, p := range r.participants[sessionID] {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (r *fakeSessionRepo) upsert(sessionID, userID string, status model.ParticipantStatus, at time.Time) *model.Participant {
	p := r.participant(sessionID, userID)
	if p == nil {
		p = &model.Participant{ID: r.nextID("p"), SessionID: sessionID, UserID: userID, CreatedAt: at}
		r.participants[sessionID] = append(r.participants[sessionID], p)
	}
	p.Status = status
	p.UpdatedAt = at
	return p
}

func (r *fakeSessionRepo) Create(_ context.Context, s *model.GroupSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		return err
	}
	for _, existing := range r.sessions {
		if existing.JoinCode == s.JoinCode {
			return repository.ErrDuplicateJoinCode
		}
	}
	if s.ID == "" {
		s.ID = r.nextID("s")
	}
	s.CurrentParticipants = 1
	cp := *s
	r.sessions[s.ID] = &cp
	host := r.upsert(s.ID, s.HostUserID, model.ParticipantStatusJoined, s.CreatedAt)
	joined := s.CreatedAt
	host.JoinedAt = &joined
	return nil
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.GroupSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) FindByJoinCode(_ context.Context, code string) (*model.GroupSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.JoinCode == code {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeSessionRepo) ListParticipants(_ context.Context, sessionID string) ([]*model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Participant, 0, len(r.participants[sessionID]))
	for _, p := range r.participants[sessionID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeSessionRepo) FindParticipant(_ context.Context, sessionID, userID string) (*model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participant(sessionID, userID)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *fakeSessionRepo) AdmitParticipant(_ context.Context, sessionID, userID string, at time.Time) (repository.AdmitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admitErr != nil {
		return 0, r.admitErr
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return repository.AdmitResultNotFound, nil
	}
	if p := r.participant(sessionID, userID); p != nil {
		switch p.Status {
		case model.ParticipantStatusJoined:
			return repository.AdmitResultAlreadyJoined, nil
		case model.ParticipantStatusKicked:
			return repository.AdmitResultKicked, nil
		}
	}
	if s.Status != model.SessionStatusScheduled {
		return repository.AdmitResultNotScheduled, nil
	}
	if s.CurrentParticipants >= s.MaxParticipants {
		return repository.AdmitResultFull, nil
	}
	s.CurrentParticipants++
	p := r.upsert(sessionID, userID, model.ParticipantStatusJoined, at)
	joined := at
	p.JoinedAt = &joined
	p.LeftAt = nil
	return repository.AdmitResultAdmitted, nil
}

func (r *fakeSessionRepo) ReleaseParticipant(_ context.Context, sessionID, userID string, to model.ParticipantStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participant(sessionID, userID)
	if p == nil || p.Status != model.ParticipantStatusJoined {
		return false, nil
	}
	p.Status = to
	left := at
	p.LeftAt = &left
	if s := r.sessions[sessionID]; s.CurrentParticipants > 0 {
		s.CurrentParticipants--
	}
	return true, nil
}

func (r *fakeSessionRepo) TransitionStatus(_ context.Context, sessionID string, from, to model.SessionStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	t := at
	switch to {
	case model.SessionStatusActive:
		s.StartedAt = &t
	case model.SessionStatusCompleted:
		s.EndedAt = &t
	}
	return true, nil
}

func (r *fakeSessionRepo) Cancel(_ context.Context, sessionID string, at time.Time) ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != model.SessionStatusScheduled {
		return nil, false, nil
	}
	s.Status = model.SessionStatusCancelled
	var released []string
	for _, p := range r.participants[sessionID] {
		if p.Status == model.ParticipantStatusJoined && p.UserID != s.HostUserID {
			p.Status = model.ParticipantStatusLeft
			left := at
			p.LeftAt = &left
			released = append(released, p.UserID)
		}
	}
	s.CurrentParticipants -= len(released)
	return released, true, nil
}

func (r *fakeSessionRepo) UpdateDetails(_ context.Context, u *model.GroupSession) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[u.ID]
	if !ok || s.Status != model.SessionStatusScheduled || s.CurrentParticipants > u.MaxParticipants {
		return false, nil
	}
	current := s.CurrentParticipants
	*s = *u
	s.CurrentParticipants = current
	return true, nil
}

func (r *fakeSessionRepo) InviteParticipants(_ context.Context, sessionID string, userIDs []string, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var invited []string
	for _, id := range userIDs {
		if p := r.participant(sessionID, id); p != nil && p.Status == model.ParticipantStatusJoined {
			continue
		}
		r.upsert(sessionID, id, model.ParticipantStatusInvited, at)
		invited = append(invited, id)
	}
	return invited, nil
}

func (r *fakeSessionRepo) DeclineInvitation(_ context.Context, sessionID, userID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declineErr != nil {
		return false, r.declineErr
	}
	p := r.participant(sessionID, userID)
	if p == nil || p.Status != model.ParticipantStatusInvited {
		return false, nil
	}
	p.Status = model.ParticipantStatusBanned
	p.UpdatedAt = at
	return true, nil
}

func (r *fakeSessionRepo) Rate(_ context.Context, sessionID, userID string, rating int, feedback *string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participant(sessionID, userID)
	if p == nil || p.Status != model.ParticipantStatusJoined {
		return false, nil
	}
	rv := rating
	p.Rating = &rv
	p.Feedback = feedback
	p.UpdatedAt = at

	sum, count := 0, 0
	for _, q := range r.participants[sessionID] {
		if q.Rating != nil {
			sum += *q.Rating
			count++
		}
	}
	s := r.sessions[sessionID]
	s.RatingCount = count
	s.RatingAverage = float64(sum) / float64(count)
	return true, nil
}

func (r *fakeSessionRepo) List(_ context.Context, f model.SessionFilter, page model.PageRequest) ([]*model.SessionListRow, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []*model.SessionListRow
	for _, s := range r.sessions {
		if !matches(s, f) {
			continue
		}
		rows = append(rows, &model.SessionListRow{GroupSession: *s, HostName: "name-" + s.HostUserID})
	}
	sort.Slice(rows, func(i, j int) bool {
		if f.OrderByRating && rows[i].RatingAverage != rows[j].RatingAverage {
			return rows[i].RatingAverage > rows[j].RatingAverage
		}
		return rows[i].ScheduledAt.Before(rows[j].ScheduledAt)
	})
	total := len(rows)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return rows[start:end], total, nil
}

func matches(s *model.GroupSession, f model.SessionFilter) bool {
	if f.TargetLanguage != "" && s.TargetLanguage != f.TargetLanguage {
		return false
	}
	if f.LanguageLevel != "" && s.LanguageLevel != f.LanguageLevel {
		return false
	}
	if f.TopicCategory != "" && s.TopicCategory != f.TopicCategory {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range s.SessionTags {
			if t == tag {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		if !strings.Contains(strings.ToLower(s.Title), kw) && !strings.Contains(strings.ToLower(s.Description), kw) {
			return false
		}
	}
	if f.PublicOnly && !s.IsPublic {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if s.Status == st {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if f.ExcludeHostUserID != "" && s.HostUserID == f.ExcludeHostUserID {
		return false
	}
	return true
}

func (r *fakeSessionRepo) ListActiveSessionIDsForUser(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if p := r.participant(id, userID); p != nil && p.Status == model.ParticipantStatusJoined {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// fakeUserRepo はUserRepositoryのインメモリ実装。
type fakeUserRepo struct {
	users map[string]*model.User
	err   error
}

func newFakeUserRepo(ids ...string) *fakeUserRepo {
	r := &fakeUserRepo{users: map[string]*model.User{}}
	for _, id := range ids {
		r.users[id] = &model.User{ID: id, Name: "name-" + id}
	}
	return r
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.users[id], nil
}

func (r *fakeUserRepo) FindByIDs(_ context.Context, ids []string) ([]*model.User, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []*model.User
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// recordingNotifier は送信された通知を記録する。
type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg model.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) ofType(t model.NotificationType) []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Notification
	for _, m := range n.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// recordingMetrics は記録された値を数える。
type recordingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	rejections  map[string]int
	hits        int
	misses      int
	failures    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		transitions: map[string]int{},
		rejections:  map[string]int{},
		failures:    map[string]int{},
	}
}

func (m *recordingMetrics) RecordTransition(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[op]++
}

func (m *recordingMetrics) RecordRejection(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[op+":"+reason]++
}

func (m *recordingMetrics) RecordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *recordingMetrics) RecordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *recordingMetrics) RecordSideEffectFailure(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind]++
}

func (m *recordingMetrics) RecordOperationLatency(string, time.Duration) {}
func (m *recordingMetrics) RecordHTTPStatus(int)                         {}

// interleavingRepo は読み取りの直後に一度だけhookを実行する。
// 読み取りから書き戻しまでの間に別の書き込みが確定する状況を再現する。
type interleavingRepo struct {
	*fakeSessionRepo
	afterListParticipants func()
	afterListActive       func()
}

func (r *interleavingRepo) ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error) {
	out, err := r.fakeSessionRepo.ListParticipants(ctx, sessionID)
	if hook := r.afterListParticipants; hook != nil {
		r.afterListParticipants = nil
		hook()
	}
	return out, err
}

func (r *interleavingRepo) ListActiveSessionIDsForUser(ctx context.Context, userID string) ([]string, error) {
	out, err := r.fakeSessionRepo.ListActiveSessionIDsForUser(ctx, userID)
	if hook := r.afterListActive; hook != nil {
		r.afterListActive = nil
		hook()
	}
	return out, err
}

// failingCache は全操作が失敗するキャッシュ。
type failingCache struct{}

func (failingCache) Get(context.Context, string) (*model.SessionSnapshot, error) {
	return nil, errors.New("cache down")
}
func (failingCache) Generation(context.Context, string) (int64, error) {
	return 0, errors.New("cache down")
}
func (failingCache) Put(context.Context, *model.SessionSnapshot, int64, time.Duration) (bool, error) {
	return false, errors.New("cache down")
}
func (failingCache) Invalidate(context.Context, string) error { return errors.New("cache down") }

// testEnv はServiceと、その依存関係への参照をまとめる。
type testEnv struct {
	svc      *Service
	repo     *fakeSessionRepo
	users    *fakeUserRepo
	cache    *cache.RedisSessionCache
	store    *ephemeral.RedisStore
	redis    *miniredis.Miniredis
	notifier *recordingNotifier
	metrics  *recordingMetrics
	now      time.Time
}

var baseTime = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		repo:     newFakeSessionRepo(),
		users:    newFakeUserRepo(users...),
		cache:    cache.NewRedisSessionCache(client, 5*time.Minute),
		store:    ephemeral.NewRedisStore(client, ephemeral.StoreConfig{}),
		redis:    mr,
		notifier: &recordingNotifier{},
		metrics:  newRecordingMetrics(),
		now:      baseTime,
	}

	codes := 0
	env.svc = NewService(Deps{
		Sessions:     env.repo,
		Users:        env.users,
		Cache:        env.cache,
		Coordination: env.store,
		Notifier:     env.notifier,
		Sanitizer:    security.NewTextSanitizer(),
		Metrics:      env.metrics,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Now:          func() time.Time { return env.now },
		NewJoinCode: func() (string, error) {
			codes++
			return fmt.Sprintf("CODE%02d", codes), nil
		},
	})
	return env
}

func validInput() SessionInput {
	return SessionInput{
		Title:           "Morning English",
		Description:     "Small talk practice",
		TopicCategory:   "daily",
		TargetLanguage:  "en",
		LanguageLevel:   "intermediate",
		SessionTags:     []string{"travel"},
		MaxParticipants: 4,
		ScheduledAt:     baseTime.Add(24 * time.Hour),
		SessionDuration: 60,
		IsPublic:        true,
	}
}

// createSession はテスト用にセッションを作成する。
func (e *testEnv) createSession(t *testing.T, hostID string, mutate func(*SessionInput)) *model.SessionView {
	t.Helper()
	in := validInput()
	if mutate != nil {
		mutate(&in)
	}
	view, err := e.svc.Create(context.Background(), hostID, in)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return view
}

// replaceActive はユーザーの参加中セッション集合を現在の世代で置き換える。
func (e *testEnv) replaceActive(t *testing.T, userID string, ids []string) {
	t.Helper()
	ctx := context.Background()
	gen, err := e.store.ActiveGeneration(ctx, userID)
	if err != nil {
		t.Fatalf("ActiveGeneration failed: %v", err)
	}
	if ok, err := e.store.ReplaceActiveSessions(ctx, userID, ids, gen); err != nil || !ok {
		t.Fatalf("ReplaceActiveSessions = %v, %v", ok, err)
	}
}

func (e *testEnv) stored(t *testing.T, id string) *model.GroupSession {
	t.Helper()
	s, _ := e.repo.FindByID(context.Background(), id)
	if s == nil {
		t.Fatalf("session %s not found", id)
	}
	return s
}

func (e *testEnv) participantStatus(t *testing.T, sessionID, userID string) model.ParticipantStatus {
	t.Helper()
	p, _ := e.repo.FindParticipant(context.Background(), sessionID, userID)
	if p == nil {
		return ""
	}
	return p.Status
}
