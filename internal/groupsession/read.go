package groupsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/model"
	"github.com/hitoshi/groupsession/internal/repository"
)

// Create はセッションを作成し、ホストを最初の参加者として登録する。
// 参加コードが衝突した場合は新しいコードで再試行する。
func (s *Service) Create(ctx context.Context, hostID string, in SessionInput) (*model.SessionView, error) {
	defer s.observe(opCreate, s.now())

	in = s.normalize(in)
	if invalid := in.validate(); len(invalid) > 0 {
		return nil, s.reject(opCreate, model.NewInvalidSessionError(invalid))
	}

	now := s.now()
	session := &model.GroupSession{
		HostUserID: hostID,
		Status:     model.SessionStatusScheduled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	in.apply(session)

	var err error
	for attempt := 1; attempt <= maxJoinCodeAttempts; attempt++ {
		session.JoinCode, err = s.newJoinCode()
		if err != nil {
			return nil, fmt.Errorf("参加コードの生成に失敗しました: %w", err)
		}
		err = s.sessions.Create(ctx, session)
		if !errors.Is(err, repository.ErrDuplicateJoinCode) {
			break
		}
		s.logger.WarnContext(ctx, "参加コードが衝突したため再生成します",
			slog.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	s.metrics.RecordTransition(opCreate)
	s.logger.InfoContext(ctx, "セッションを作成しました",
		slog.String("session_id", session.ID),
		slog.String("user_id", hostID),
	)

	host := &model.Participant{
		SessionID: session.ID,
		UserID:    hostID,
		Status:    model.ParticipantStatusJoined,
		JoinedAt:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap := s.buildSnapshot(ctx, session, []*model.Participant{host})
	// 新規セッションはまだ無効化されていない
	s.putSnapshot(ctx, snap, 0)
	s.addActive(ctx, opCreate, hostID, session.ID)

	return model.NewSessionView(snap, hostID), nil
}

// GetSession はセッションを閲覧者向けのビューとして返す。
// スナップショットはキャッシュから読み、ミスの場合は正本から組み立ててキャッシュする。
// 閲覧者ごとの値はキャッシュに含めず、毎回算出する。
func (s *Service) GetSession(ctx context.Context, viewerID, sessionID string) (*model.SessionView, error) {
	defer s.observe(opGet, s.now())

	snap, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, s.reject(opGet, model.NewSessionNotFoundError(sessionID))
	}

	s.pushRecent(ctx, viewerID, sessionID)
	return model.NewSessionView(snap, viewerID), nil
}

// View は最近閲覧の記録をせずにビューを返す。変更操作の結果を返すときに使う。
func (s *Service) View(ctx context.Context, viewerID, sessionID string) (*model.SessionView, error) {
	return s.view(ctx, opGet, viewerID, sessionID)
}

// view は最近閲覧の記録をせずにビューを返す。変更操作の戻り値に使う。
func (s *Service) view(ctx context.Context, op, viewerID, sessionID string) (*model.SessionView, error) {
	snap, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, s.reject(op, model.NewSessionNotFoundError(sessionID))
	}
	return model.NewSessionView(snap, viewerID), nil
}

// loadSnapshot はキャッシュ経由でスナップショットを取得する。存在しない場合はnil, nilを返す。
// キャッシュの障害はミスとして扱う。
func (s *Service) loadSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error) {
	if s.cache != nil {
		snap, err := s.cache.Get(ctx, sessionID)
		switch {
		case err != nil:
			s.sideEffectFailed(ctx, metrics.SideEffectCache, opGet, sessionID, "", err)
		case snap != nil:
			s.metrics.RecordCacheHit()
			return snap, nil
		}
		s.metrics.RecordCacheMiss()
	}

	// 正本を読む前の世代。組み立て中に無効化された場合は書き戻さない。
	gen, genOK := s.cacheGeneration(ctx, sessionID)

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	participants, err := s.sessions.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snap := s.buildSnapshot(ctx, session, participants)
	if genOK {
		s.putSnapshot(ctx, snap, gen)
	}
	return snap, nil
}

// buildSnapshot はホストと参加者の表示情報を解決してスナップショットを組み立てる。
// ユーザー情報の取得に失敗した場合はIDのみで表示する。
func (s *Service) buildSnapshot(ctx context.Context, session *model.GroupSession, participants []*model.Participant) *model.SessionSnapshot {
	ids := make([]string, 0, len(participants)+1)
	ids = append(ids, session.HostUserID)
	for _, p := range participants {
		if p.UserID != session.HostUserID {
			ids = append(ids, p.UserID)
		}
	}
	return model.NewSessionSnapshot(session, participants, s.userSummaries(ctx, session.ID, ids))
}

func (s *Service) userSummaries(ctx context.Context, sessionID string, ids []string) map[string]model.UserSummary {
	summaries := make(map[string]model.UserSummary, len(ids))
	if s.users == nil || len(ids) == 0 {
		return summaries
	}
	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		s.logger.WarnContext(ctx, "ユーザー情報の取得に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return summaries
	}
	for _, u := range users {
		summaries[u.ID] = u.Summary()
	}
	return summaries
}

// cacheGeneration はキャッシュの世代を返す。取得できない場合はok=falseで、書き戻しを見送る。
func (s *Service) cacheGeneration(ctx context.Context, sessionID string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx, sessionID)
	if err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCache, opGet, sessionID, "", err)
		return 0, false
	}
	return gen, true
}

func (s *Service) putSnapshot(ctx context.Context, snap *model.SessionSnapshot, generation int64) {
	if s.cache == nil {
		return
	}
	stored, err := s.cache.Put(ctx, snap, generation, s.cacheTTL)
	if err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCache, opGet, snap.ID, "", err)
		return
	}
	if !stored {
		s.logger.DebugContext(ctx, "組み立て中に無効化されたためスナップショットをキャッシュしません",
			slog.String("session_id", snap.ID),
		)
	}
}
