package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/groupsession/internal/groupsession"
	"github.com/hitoshi/groupsession/internal/middleware"
	"github.com/hitoshi/groupsession/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// GroupSessionServiceInterface はグループセッションハンドラーが必要とするサービスインターフェース。
type GroupSessionServiceInterface interface {
	Create(ctx context.Context, userID string, in groupsession.SessionInput) (*sessionResponse, error)
	GetSession(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	ListAvailable(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error)
	Search(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error)
	Recommend(ctx context.Context, userID string, q groupsession.RecommendQuery, page model.PageRequest) (*sessionPageResponse, error)
	ListMySessions(ctx context.Context, userID string) ([]sessionResponse, error)
	ListRecentSessions(ctx context.Context, userID string) ([]sessionResponse, error)
	Join(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	JoinByCode(ctx context.Context, userID, code string) (*sessionResponse, error)
	Leave(ctx context.Context, userID, sessionID string) error
	Start(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	End(ctx context.Context, userID, sessionID string) (*sessionResponse, error)
	Cancel(ctx context.Context, userID, sessionID, reason string) error
	Kick(ctx context.Context, userID, sessionID, targetID string) error
	Rate(ctx context.Context, userID, sessionID string, rating int, feedback *string) error
	Update(ctx context.Context, userID, sessionID string, in groupsession.SessionInput) (*sessionResponse, error)
	Invite(ctx context.Context, userID, sessionID string, userIDs []string) (*sessionResponse, error)
	RespondToInvitation(ctx context.Context, userID, sessionID string, accept bool) error
}

// GroupSessionHandler はグループセッションのHTTPハンドラー。
type GroupSessionHandler struct {
	service GroupSessionServiceInterface
	logger  *slog.Logger
}

// NewGroupSessionHandler はGroupSessionHandlerを生成する。
func NewGroupSessionHandler(service GroupSessionServiceInterface, logger *slog.Logger) *GroupSessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupSessionHandler{service: service, logger: logger}
}

// sessionRequest はセッション作成・更新リクエストのボディ。
type sessionRequest struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	TopicCategory   string    `json:"topic_category"`
	TargetLanguage  string    `json:"target_language"`
	LanguageLevel   string    `json:"language_level"`
	SessionTags     []string  `json:"session_tags"`
	MaxParticipants int       `json:"max_participants"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	SessionDuration int       `json:"session_duration"`
	IsPublic        bool      `json:"is_public"`
}

func (req sessionRequest) toInput() groupsession.SessionInput {
	return groupsession.SessionInput{
		Title:           req.Title,
		Description:     req.Description,
		TopicCategory:   req.TopicCategory,
		TargetLanguage:  req.TargetLanguage,
		LanguageLevel:   req.LanguageLevel,
		SessionTags:     req.SessionTags,
		MaxParticipants: req.MaxParticipants,
		ScheduledAt:     req.ScheduledAt,
		SessionDuration: req.SessionDuration,
		IsPublic:        req.IsPublic,
	}
}

type joinByCodeRequest struct {
	JoinCode string `json:"join_code"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type kickRequest struct {
	UserID string `json:"user_id"`
}

type rateRequest struct {
	Rating   int     `json:"rating"`
	Feedback *string `json:"feedback"`
}

type inviteRequest struct {
	UserIDs []string `json:"user_ids"`
}

type invitationResponseRequest struct {
	Accept *bool `json:"accept"`
}

// Create はセッションを作成する。
// POST /api/group-sessions
func (h *GroupSessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.Create(r.Context(), userID, req.toInput())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Get はセッション詳細を返す。
// GET /api/group-sessions/{id}
func (h *GroupSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respondView(w, r, h.service.GetSession)
}

// ListAvailable は参加可能性のある公開セッションを返す。
// GET /api/group-sessions
func (h *GroupSessionHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	h.respondPage(w, r, h.service.ListAvailable)
}

// Search はキーワード・条件で公開セッションを検索する。
// GET /api/group-sessions/search
func (h *GroupSessionHandler) Search(w http.ResponseWriter, r *http.Request) {
	h.respondPage(w, r, h.service.Search)
}

// Recommend は閲覧者向けのおすすめセッションを返す。
// GET /api/group-sessions/recommended
func (h *GroupSessionHandler) Recommend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	page, err := parsePageRequest(r)
	if err != nil {
		writeInvalidRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	resp, err := h.service.Recommend(r.Context(), userID, groupsession.RecommendQuery{
		TargetLanguage: q.Get("language"),
		LanguageLevel:  q.Get("level"),
	}, page)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMine は参加中（ホスト含む）の未終了セッションを返す。
// GET /api/group-sessions/mine
func (h *GroupSessionHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	h.respondList(w, r, h.service.ListMySessions)
}

// ListRecent は最近閲覧したセッションを返す。
// GET /api/group-sessions/recent
func (h *GroupSessionHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	h.respondList(w, r, h.service.ListRecentSessions)
}

// Join はセッションに参加する。
// POST /api/group-sessions/{id}/join
func (h *GroupSessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	h.respondView(w, r, h.service.Join)
}

// JoinByCode は参加コードでセッションに参加する。
// POST /api/group-sessions/join-by-code
func (h *GroupSessionHandler) JoinByCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req joinByCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.JoinCode) == "" {
		writeInvalidRequest(w, "join_codeは必須です")
		return
	}

	resp, err := h.service.JoinByCode(r.Context(), userID, req.JoinCode)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Leave はセッションから退出する。
// POST /api/group-sessions/{id}/leave
func (h *GroupSessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.Leave(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start はセッションを開始する。
// POST /api/group-sessions/{id}/start
func (h *GroupSessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.respondView(w, r, h.service.Start)
}

// End はセッションを終了する。
// POST /api/group-sessions/{id}/end
func (h *GroupSessionHandler) End(w http.ResponseWriter, r *http.Request) {
	h.respondView(w, r, h.service.End)
}

// Cancel はセッションを中止する。
// POST /api/group-sessions/{id}/cancel
func (h *GroupSessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Cancel(r.Context(), userID, chi.URLParam(r, "id"), req.Reason); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Kick は参加者を退出させる。
// POST /api/group-sessions/{id}/kick
func (h *GroupSessionHandler) Kick(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req kickRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeInvalidRequest(w, "user_idは必須です")
		return
	}
	if err := h.service.Kick(r.Context(), userID, chi.URLParam(r, "id"), req.UserID); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Rate はセッションを評価する。
// POST /api/group-sessions/{id}/rate
func (h *GroupSessionHandler) Rate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Rate(r.Context(), userID, chi.URLParam(r, "id"), req.Rating, req.Feedback); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Update はセッションの内容を更新する。
// PUT /api/group-sessions/{id}
func (h *GroupSessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.service.Update(r.Context(), userID, chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Invite はユーザーを招待する。
// POST /api/group-sessions/{id}/invitations
func (h *GroupSessionHandler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req inviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		writeInvalidRequest(w, "user_idsは1件以上指定してください")
		return
	}
	resp, err := h.service.Invite(r.Context(), userID, chi.URLParam(r, "id"), req.UserIDs)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RespondToInvitation は招待に回答する。
// POST /api/group-sessions/{id}/invitation/respond
func (h *GroupSessionHandler) RespondToInvitation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req invitationResponseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Accept == nil {
		writeInvalidRequest(w, "acceptは必須です")
		return
	}
	if err := h.service.RespondToInvitation(r.Context(), userID, chi.URLParam(r, "id"), *req.Accept); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// userID はコンテキストから認証済みユーザーIDを取り出す。取れなければ401を書き込む。
func (h *GroupSessionHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// respondView はURLのセッションIDに対する操作を実行し、ビューを返す。
func (h *GroupSessionHandler) respondView(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID, sessionID string) (*sessionResponse, error)) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	resp, err := op(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *GroupSessionHandler) respondList(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string) ([]sessionResponse, error)) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	items, err := op(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if items == nil {
		items = []sessionResponse{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Items: items})
}

func (h *GroupSessionHandler) respondPage(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string, q groupsession.ListQuery, page model.PageRequest) (*sessionPageResponse, error)) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	page, err := parsePageRequest(r)
	if err != nil {
		writeInvalidRequest(w, err.Error())
		return
	}
	resp, err := op(r.Context(), userID, parseListQuery(r), page)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody はJSONボディをvに読み込む。失敗した場合は400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました")
		return false
	}
	return true
}

// parseListQuery は一覧の絞り込み条件をクエリパラメータから読み取る。
func parseListQuery(r *http.Request) groupsession.ListQuery {
	q := r.URL.Query()
	var tags []string
	for _, t := range strings.Split(q.Get("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return groupsession.ListQuery{
		TargetLanguage: q.Get("language"),
		LanguageLevel:  q.Get("level"),
		TopicCategory:  q.Get("category"),
		Tags:           tags,
		Keyword:        strings.TrimSpace(q.Get("keyword")),
	}
}

// pageParamError はページ指定が数値でない場合のエラー。
type pageParamError struct {
	name string
}

func (e *pageParamError) Error() string {
	return e.name + "は0以上の整数で指定してください"
}

// parsePageRequest はpage（0始まり）とsizeを読み取る。範囲の丸めはサービス層で行う。
func parsePageRequest(r *http.Request) (model.PageRequest, error) {
	var page model.PageRequest
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"page", &page.Page},
		{"size", &page.Size},
	} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.PageRequest{}, &pageParamError{name: p.name}
		}
		*p.dst = n
	}
	return page, nil
}
