package groupsession

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/model"
)

// ListQuery は一覧・検索の絞り込み条件。空の条件は適用しない。
type ListQuery struct {
	TargetLanguage string
	LanguageLevel  string
	TopicCategory  string
	Tags           []string
	Keyword        string
}

// RecommendQuery はおすすめの絞り込み条件。
type RecommendQuery struct {
	TargetLanguage string
	LanguageLevel  string
}

// ListAvailable は参加可能性のある公開セッション（開始前・実施中）を開催日時順に返す。
func (s *Service) ListAvailable(ctx context.Context, viewerID string, q ListQuery, page model.PageRequest) (*model.Page[model.SessionListItem], error) {
	defer s.observe(opList, s.now())

	filter := s.baseFilter(q)
	filter.Statuses = []model.SessionStatus{model.SessionStatusScheduled, model.SessionStatusActive}
	return s.list(ctx, viewerID, filter, page)
}

// Search はキーワードと条件で公開セッションを検索する。
// 中止されたセッションは含めず、終了済みのセッションは含める。
func (s *Service) Search(ctx context.Context, viewerID string, q ListQuery, page model.PageRequest) (*model.Page[model.SessionListItem], error) {
	defer s.observe(opSearch, s.now())

	filter := s.baseFilter(q)
	filter.Statuses = []model.SessionStatus{
		model.SessionStatusScheduled,
		model.SessionStatusActive,
		model.SessionStatusCompleted,
	}
	return s.list(ctx, viewerID, filter, page)
}

// Recommend は閲覧者向けのおすすめとして、閲覧者がホストでない開始前の公開セッションを
// 評価の高い順、次に開催日時順に返す。
func (s *Service) Recommend(ctx context.Context, viewerID string, q RecommendQuery, page model.PageRequest) (*model.Page[model.SessionListItem], error) {
	defer s.observe(opRecommend, s.now())

	filter := model.SessionFilter{
		TargetLanguage:    s.sanitizeText(q.TargetLanguage),
		LanguageLevel:     s.sanitizeText(q.LanguageLevel),
		PublicOnly:        true,
		Statuses:          []model.SessionStatus{model.SessionStatusScheduled},
		ExcludeHostUserID: viewerID,
		OrderByRating:     true,
	}
	return s.list(ctx, viewerID, filter, page)
}

func (s *Service) baseFilter(q ListQuery) model.SessionFilter {
	return model.SessionFilter{
		TargetLanguage: s.sanitizeText(q.TargetLanguage),
		LanguageLevel:  s.sanitizeText(q.LanguageLevel),
		TopicCategory:  s.sanitizeText(q.TopicCategory),
		Tags:           s.sanitizeTags(q.Tags),
		Keyword:        s.sanitizeText(q.Keyword),
		PublicOnly:     true,
	}
}

// list は正本から1ページ分を取得し、閲覧者ごとのcanJoinを付与する。結果はキャッシュしない。
func (s *Service) list(ctx context.Context, viewerID string, filter model.SessionFilter, page model.PageRequest) (*model.Page[model.SessionListItem], error) {
	page = page.Normalize()
	rows, total, err := s.sessions.List(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗しました: %w", err)
	}

	items := make([]model.SessionListItem, len(rows))
	for i, row := range rows {
		items[i] = model.NewSessionListItem(row, viewerID)
	}
	return &model.Page[model.SessionListItem]{
		Items: items,
		Total: total,
		Page:  page.Page,
		Size:  page.Size,
	}, nil
}

// ListMySessions はユーザーが参加中の開始前・実施中セッションを開催日時順に返す。
// 参加中セッション集合を手がかりにし、集合がない場合は正本から再構築する。
// 集合が古く、すでに参加していないセッションは結果から除く。
func (s *Service) ListMySessions(ctx context.Context, userID string) ([]*model.SessionView, error) {
	defer s.observe(opMine, s.now())

	ids, err := s.activeSessionIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]*model.SessionView, 0, len(ids))
	for _, id := range ids {
		snap, err := s.loadSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap == nil || snap.Status.IsTerminal() {
			continue
		}
		view := model.NewSessionView(snap, userID)
		if view.MyStatus == nil || *view.MyStatus != model.ParticipantStatusJoined {
			continue
		}
		views = append(views, view)
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].ScheduledAt.Before(views[j].ScheduledAt)
	})
	return views, nil
}

func (s *Service) activeSessionIDs(ctx context.Context, userID string) ([]string, error) {
	if s.coordination != nil {
		ids, exists, err := s.coordination.ActiveSessions(ctx, userID)
		if err != nil {
			s.sideEffectFailed(ctx, metrics.SideEffectCoordination, opMine, "", userID, err)
		} else if exists {
			return ids, nil
		}
	}

	// 正本を読む前の世代。再構築中に参加・退出が確定した場合は書き戻さない。
	var gen int64
	genOK := false
	if s.coordination != nil {
		var err error
		gen, err = s.coordination.ActiveGeneration(ctx, userID)
		if err != nil {
			s.sideEffectFailed(ctx, metrics.SideEffectCoordination, opMine, "", userID, err)
		} else {
			genOK = true
		}
	}

	ids, err := s.sessions.ListActiveSessionIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("参加中セッションの取得に失敗しました: %w", err)
	}
	if genOK {
		if _, err := s.coordination.ReplaceActiveSessions(ctx, userID, ids, gen); err != nil {
			s.sideEffectFailed(ctx, metrics.SideEffectCoordination, opMine, "", userID, err)
		}
	}
	return ids, nil
}

// ListRecentSessions はユーザーが最近閲覧したセッションを新しい順に返す。
// 解決できなくなったセッションは黙って除く。
func (s *Service) ListRecentSessions(ctx context.Context, userID string) ([]*model.SessionView, error) {
	defer s.observe(opRecent, s.now())

	if s.coordination == nil {
		return []*model.SessionView{}, nil
	}
	ids, err := s.coordination.RecentSessions(ctx, userID)
	if err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCoordination, opRecent, "", userID, err)
		return []*model.SessionView{}, nil
	}

	views := make([]*model.SessionView, 0, len(ids))
	for _, id := range ids {
		snap, err := s.loadSnapshot(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "最近閲覧したセッションの取得に失敗しました",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if snap == nil {
			continue
		}
		views = append(views, model.NewSessionView(snap, userID))
	}
	return views, nil
}
