package handler

import (
	"context"

	"github.com/hitoshi/groupsession/internal/groupsession"
	"github.com/hitoshi/groupsession/internal/model"
)

// GroupSessionServiceAdapter は groupsession.Service を GroupSessionServiceInterface に適合させるアダプタ。
type GroupSessionServiceAdapter struct {
	svc *groupsession.Service
}

// NewGroupSessionServiceAdapter はGroupSessionServiceAdapterを生成する。
func NewGroupSessionServiceAdapter(svc *groupsession.Service) *GroupSessionServiceAdapter {
	return &GroupSessionServiceAdapter{svc: svc}
}

func (a *GroupSessionServiceAdapter) Create(ctx context.Context, userID string, in groupsession.SessionInput) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.Create(ctx, userID, in))
}

func (a *GroupSessionServiceAdapter) GetSession(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.GetSession(ctx, userID, sessionID))
}

func (a *GroupSessionServiceAdapter) ListAvailable(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error) {
	return toSessionPageResponseOrErr(a.svc.ListAvailable(ctx, userID, q, page))
}

func (a *GroupSessionServiceAdapter) Search(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error) {
	return toSessionPageResponseOrErr(a.svc.Search(ctx, userID, q, page))
}

func (a *GroupSessionServiceAdapter) Recommend(ctx context.Context, userID string, q groupsession.RecommendQuery, page model.PageRequest) (*sessionPageResponse, error) {
	return toSessionPageResponseOrErr(a.svc.Recommend(ctx, userID, q, page))
}

func (a *GroupSessionServiceAdapter) ListMySessions(ctx context.Context, userID string) ([]sessionResponse, error) {
	return toSessionResponsesOrErr(a.svc.ListMySessions(ctx, userID))
}

func (a *GroupSessionServiceAdapter) ListRecentSessions(ctx context.Context, userID string) ([]sessionResponse, error) {
	return toSessionResponsesOrErr(a.svc.ListRecentSessions(ctx, userID))
}

func (a *GroupSessionServiceAdapter) Join(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.Join(ctx, userID, sessionID))
}

func (a *GroupSessionServiceAdapter) JoinByCode(ctx context.Context, userID, code string) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.JoinByCode(ctx, userID, code))
}

func (a *GroupSessionServiceAdapter) Leave(ctx context.Context, userID, sessionID string) error {
	return a.svc.Leave(ctx, userID, sessionID)
}

func (a *GroupSessionServiceAdapter) Start(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.Start(ctx, userID, sessionID))
}

func (a *GroupSessionServiceAdapter) End(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.End(ctx, userID, sessionID))
}

func (a *GroupSessionServiceAdapter) Cancel(ctx context.Context, userID, sessionID, reason string) error {
	return a.svc.Cancel(ctx, userID, sessionID, reason)
}

func (a *GroupSessionServiceAdapter) Kick(ctx context.Context, userID, sessionID, targetID string) error {
	return a.svc.Kick(ctx, userID, sessionID, targetID)
}

func (a *GroupSessionServiceAdapter) Rate(ctx context.Context, userID, sessionID string, rating int, feedback *string) error {
	return a.svc.Rate(ctx, userID, sessionID, rating, feedback)
}

// Update はセッションを更新し、更新後のホスト向けビューを返す。
func (a *GroupSessionServiceAdapter) Update(ctx context.Context, userID, sessionID string, in groupsession.SessionInput) (*sessionResponse, error) {
	if err := a.svc.Update(ctx, userID, sessionID, in); err != nil {
		return nil, err
	}
	return toSessionResponseOrErr(a.svc.View(ctx, userID, sessionID))
}

func (a *GroupSessionServiceAdapter) Invite(ctx context.Context, userID, sessionID string, userIDs []string) (*sessionResponse, error) {
	return toSessionResponseOrErr(a.svc.Invite(ctx, userID, sessionID, userIDs))
}

func (a *GroupSessionServiceAdapter) RespondToInvitation(ctx context.Context, userID, sessionID string, accept bool) error {
	return a.svc.RespondToInvitation(ctx, userID, sessionID, accept)
}

// --- ドメイン型からレスポンス型への変換 ---

func toSessionResponseOrErr(view *model.SessionView, err error) (*sessionResponse, error) {
	if err != nil {
		return nil, err
	}
	resp := toSessionResponse(view)
	return &resp, nil
}

func toSessionResponsesOrErr(views []*model.SessionView, err error) ([]sessionResponse, error) {
	if err != nil {
		return nil, err
	}
	results := make([]sessionResponse, len(views))
	for i, v := range views {
		results[i] = toSessionResponse(v)
	}
	return results, nil
}

func toSessionPageResponseOrErr(page *model.Page[model.SessionListItem], err error) (*sessionPageResponse, error) {
	if err != nil {
		return nil, err
	}
	items := make([]sessionListItemResponse, len(page.Items))
	for i, it := range page.Items {
		items[i] = toSessionListItemResponse(it)
	}
	return &sessionPageResponse{
		Items: items,
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
	}, nil
}

func toUserResponse(u model.UserSummary) userResponse {
	return userResponse{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}
}

func toSessionResponse(v *model.SessionView) sessionResponse {
	participants := make([]participantResponse, len(v.Participants))
	for i, p := range v.Participants {
		participants[i] = participantResponse{
			User:      toUserResponse(p.User),
			Status:    string(p.Status),
			JoinedAt:  p.JoinedAt,
			IsMuted:   p.IsMuted,
			IsVideoOn: p.IsVideoOn,
		}
	}

	var myStatus *string
	if v.MyStatus != nil {
		s := string(*v.MyStatus)
		myStatus = &s
	}

	tags := v.SessionTags
	if tags == nil {
		tags = []string{}
	}

	return sessionResponse{
		ID:                  v.ID,
		Title:               v.Title,
		Description:         v.Description,
		TopicCategory:       v.TopicCategory,
		TargetLanguage:      v.TargetLanguage,
		LanguageLevel:       v.LanguageLevel,
		SessionTags:         tags,
		Host:                toUserResponse(v.Host),
		MaxParticipants:     v.MaxParticipants,
		CurrentParticipants: v.CurrentParticipants,
		ScheduledAt:         v.ScheduledAt,
		SessionDuration:     v.SessionDuration,
		Status:              string(v.Status),
		IsPublic:            v.IsPublic,
		JoinCode:            v.JoinCode,
		StartedAt:           v.StartedAt,
		EndedAt:             v.EndedAt,
		RatingAverage:       v.RatingAverage,
		RatingCount:         v.RatingCount,
		Participants:        participants,
		CreatedAt:           v.CreatedAt,
		CanJoin:             v.CanJoin,
		IsHost:              v.IsHost,
		MyStatus:            myStatus,
	}
}

func toSessionListItemResponse(it model.SessionListItem) sessionListItemResponse {
	return sessionListItemResponse{
		ID:                  it.ID,
		Title:               it.Title,
		Description:         it.Description,
		TopicCategory:       it.TopicCategory,
		TargetLanguage:      it.TargetLanguage,
		LanguageLevel:       it.LanguageLevel,
		SessionTags:         it.SessionTags,
		Host:                toUserResponse(it.Host),
		MaxParticipants:     it.MaxParticipants,
		CurrentParticipants: it.CurrentParticipants,
		ScheduledAt:         it.ScheduledAt,
		SessionDuration:     it.SessionDuration,
		Status:              string(it.Status),
		IsPublic:            it.IsPublic,
		RatingAverage:       it.RatingAverage,
		RatingCount:         it.RatingCount,
		CanJoin:             it.CanJoin,
	}
}

// --- compile-time interface checks ---

var _ GroupSessionServiceInterface = (*GroupSessionServiceAdapter)(nil)
