package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/groupsession/internal/middleware"
	"github.com/hitoshi/groupsession/internal/model"
)

// userResponse は表示用ユーザー情報のAPIレスポンス。
type userResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// participantResponse は参加者のAPIレスポンス。
type participantResponse struct {
	User      userResponse `json:"user"`
	Status    string       `json:"status"`
	JoinedAt  *time.Time   `json:"joined_at,omitempty"`
	IsMuted   bool         `json:"is_muted"`
	IsVideoOn bool         `json:"is_video_on"`
}

// sessionResponse はセッション詳細のAPIレスポンス。
// join_codeはホストにのみ返す。
type sessionResponse struct {
	ID                  string                `json:"id"`
	Title               string                `json:"title"`
	Description         string                `json:"description"`
	TopicCategory       string                `json:"topic_category"`
	TargetLanguage      string                `json:"target_language"`
	LanguageLevel       string                `json:"language_level"`
	SessionTags         []string              `json:"session_tags"`
	Host                userResponse          `json:"host"`
	MaxParticipants     int                   `json:"max_participants"`
	CurrentParticipants int                   `json:"current_participants"`
	ScheduledAt         time.Time             `json:"scheduled_at"`
	SessionDuration     int                   `json:"session_duration"`
	Status              string                `json:"status"`
	IsPublic            bool                  `json:"is_public"`
	JoinCode            string                `json:"join_code,omitempty"`
	StartedAt           *time.Time            `json:"started_at,omitempty"`
	EndedAt             *time.Time            `json:"ended_at,omitempty"`
	RatingAverage       float64               `json:"rating_average"`
	RatingCount         int                   `json:"rating_count"`
	Participants        []participantResponse `json:"participants"`
	CreatedAt           time.Time             `json:"created_at"`
	CanJoin             bool                  `json:"can_join"`
	IsHost              bool                  `json:"is_host"`
	MyStatus            *string               `json:"my_status,omitempty"`
}

// sessionListItemResponse は一覧・検索・おすすめの1件分のAPIレスポンス。
type sessionListItemResponse struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	TopicCategory       string       `json:"topic_category"`
	TargetLanguage      string       `json:"target_language"`
	LanguageLevel       string       `json:"language_level"`
	SessionTags         []string     `json:"session_tags"`
	Host                userResponse `json:"host"`
	MaxParticipants     int          `json:"max_participants"`
	CurrentParticipants int          `json:"current_participants"`
	ScheduledAt         time.Time    `json:"scheduled_at"`
	SessionDuration     int          `json:"session_duration"`
	Status              string       `json:"status"`
	IsPublic            bool         `json:"is_public"`
	RatingAverage       float64      `json:"rating_average"`
	RatingCount         int          `json:"rating_count"`
	CanJoin             bool         `json:"can_join"`
}

// sessionPageResponse はページングされた一覧のAPIレスポンス。
type sessionPageResponse struct {
	Items []sessionListItemResponse `json:"items"`
	Total int                       `json:"total"`
	Page  int                       `json:"page"`
	Size  int                       `json:"size"`
}

// sessionListResponse はページングしない一覧のAPIレスポンス。
type sessionListResponse struct {
	Items []sessionResponse `json:"items"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーをHTTPレスポンスに変換する。
// 内部エラーの詳細はログにのみ残す。
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if middleware.WriteError(w, err) {
		logger.ErrorContext(r.Context(), "内部エラーが発生しました",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// writeInvalidRequest は400レスポンスを書き込む。
func writeInvalidRequest(w http.ResponseWriter, reason string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
}
