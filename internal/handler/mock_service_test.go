package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/groupsession/internal/groupsession"
	"github.com/hitoshi/groupsession/internal/middleware"
	"github.com/hitoshi/groupsession/internal/model"
)

// --- モック定義 ---

// mockGroupSessionService はGroupSessionServiceInterfaceのモック実装。
// 未設定のメソッドはゼロ値を返す。
type mockGroupSessionService struct {
	createFn        func(ctx context.Context, userID string, in groupsession.SessionInput) (*sessionResponse, error)
	getSessionFn    func(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	listAvailableFn func(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error)
	searchFn        func(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error)
	recommendFn     func(ctx context.Context, userID string, q groupsession.RecommendQuery, page model.PageRequest) (*sessionPageResponse, error)
	listMineFn      func(ctx context.Context, userID string) ([]sessionResponse, error)
	listRecentFn    func(ctx context.Context, userID string) ([]sessionResponse, error)
	joinFn          func(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	joinByCodeFn    func(ctx context.Context, userID, code string) (*sessionResponse, error)
	leaveFn         func(ctx context.Context, userID, sessionID string) error
	startFn         func(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	endFn           func(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	cancelFn        func(ctx context.Context, userID, sessionID, reason string) error
	kickFn          func(ctx context.Context, userID, sessionID, targetID string) error
	rateFn          func(ctx context.Context, userID, sessionID string, rating int, feedback *string) error
	updateFn        func(ctx context.Context, userID, sessionID string, in groupsession.SessionInput) (*sessionResponse, error)
	inviteFn        func(ctx context.Context, userID, sessionID string, userIDs []string) (*sessionResponse, error)
	respondFn       func(ctx context.Context, userID, sessionID string, accept bool) error
}

func (m *mockGroupSessionService) Create(ctx context.Context, userID string, in groupsession.SessionInput) (*sessionResponse, error) {
	if m.createFn != nil {
		return m.createFn(ctx, userID, in)
	}
	return &sessionResponse{}, nil
}

func (m *mockGroupSessionService) GetSession(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, userID, sessionID)
	}
	return &sessionResponse{ID: sessionID}, nil
}

func (m *mockGroupSessionService) ListAvailable(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error) {
	if m.listAvailableFn != nil {
		return m.listAvailableFn(ctx, userID, q, page)
	}
	return &sessionPageResponse{Items: []sessionListItemResponse{}}, nil
}

func (m *mockGroupSessionService) Search(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, userID, q, page)
	}
	return &sessionPageResponse{Items: []sessionListItemResponse{}}, nil
}

func (m *mockGroupSessionService) Recommend(ctx context.Context, userID string, q groupsession.RecommendQuery, page model.PageRequest) (*sessionPageResponse, error) {
	if m.recommendFn != nil {
		return m.recommendFn(ctx, userID, q, page)
	}
	return &sessionPageResponse{Items: []sessionListItemResponse{}}, nil
}

func (m *mockGroupSessionService) ListMySessions(ctx context.Context, userID string) ([]sessionResponse, error) {
	if m.listMineFn != nil {
		return m.listMineFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockGroupSessionService) ListRecentSessions(ctx context.Context, userID string) ([]sessionResponse, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockGroupSessionService) Join(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, userID, sessionID)
	}
	return &sessionResponse{ID: sessionID}, nil
}

func (m *mockGroupSessionService) JoinByCode(ctx context.Context, userID, code string) (*sessionResponse, error) {
	if m.joinByCodeFn != nil {
		return m.joinByCodeFn(ctx, userID, code)
	}
	return &sessionResponse{}, nil
}

func (m *mockGroupSessionService) Leave(ctx context.Context, userID, sessionID string) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, userID, sessionID)
	}
	return nil
}

func (m *mockGroupSessionService) Start(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	if m.startFn != nil {
		return m.startFn(ctx, userID, sessionID)
	}
	return &sessionResponse{ID: sessionID}, nil
}

func (m *mockGroupSessionService) End(ctx context.Context, userID, sessionID string) (*sessionResponse, error) {
	if m.endFn != nil {
		return m.endFn(ctx, userID, sessionID)
	}
	return &sessionResponse{ID: sessionID}, nil
}

func (m *mockGroupSessionService) Cancel(ctx context.Context, userID, sessionID, reason string) error {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, userID, sessionID, reason)
	}
	return nil
}

func (m *mockGroupSessionService) Kick(ctx context.Context, userID, sessionID, targetID string) error {
	if m.kickFn != nil {
		return m.kickFn(ctx, userID, sessionID, targetID)
	}
	return nil
}

func (m *mockGroupSessionService) Rate(ctx context.Context, userID, sessionID string, rating int, feedback *string) error {
	if m.rateFn != nil {
		return m.rateFn(ctx, userID, sessionID, rating, feedback)
	}
	return nil
}

func (m *mockGroupSessionService) Update(ctx context.Context, userID, sessionID string, in groupsession.SessionInput) (*sessionResponse, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, userID, sessionID, in)
	}
	return &sessionResponse{ID: sessionID}, nil
}

func (m *mockGroupSessionService) Invite(ctx context.Context, userID, sessionID string, userIDs []string) (*sessionResponse, error) {
	if m.inviteFn != nil {
		return m.inviteFn(ctx, userID, sessionID, userIDs)
	}
	return &sessionResponse{ID: sessionID}, nil
}

func (m *mockGroupSessionService) RespondToInvitation(ctx context.Context, userID, sessionID string, accept bool) error {
	if m.respondFn != nil {
		return m.respondFn(ctx, userID, sessionID, accept)
	}
	return nil
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
