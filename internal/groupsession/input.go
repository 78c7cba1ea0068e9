package groupsession

import (
	"time"
	"unicode/utf8"

	"github.com/hitoshi/groupsession/internal/model"
)

// 入力値の上限。
const (
	MinParticipants    = 2
	MaxParticipants    = 100
	MaxSessionDuration = 24 * 60
	MaxTitleLength     = 200
	MaxDescriptionLen  = 2000
	MaxTags            = 10
	MaxTagLength       = 30
)

// SessionInput はセッション作成・更新の入力値。更新時も全項目を指定する。
type SessionInput struct {
	Title           string
	Description     string
	TopicCategory   string
	TargetLanguage  string
	LanguageLevel   string
	SessionTags     []string
	MaxParticipants int
	ScheduledAt     time.Time
	SessionDuration int // 分
	IsPublic        bool
}

// normalize はテキスト項目をサニタイズした入力値を返す。
func (s *Service) normalize(in SessionInput) SessionInput {
	in.Title = s.sanitizeText(in.Title)
	in.Description = s.sanitizeText(in.Description)
	in.TopicCategory = s.sanitizeText(in.TopicCategory)
	in.TargetLanguage = s.sanitizeText(in.TargetLanguage)
	in.LanguageLevel = s.sanitizeText(in.LanguageLevel)
	in.SessionTags = s.sanitizeTags(in.SessionTags)
	return in
}

// validate は不正な項目名の一覧を返す。問題がなければnilを返す。
func (in SessionInput) validate() []string {
	var invalid []string
	if in.Title == "" || utf8.RuneCountInString(in.Title) > MaxTitleLength {
		invalid = append(invalid, "title")
	}
	if utf8.RuneCountInString(in.Description) > MaxDescriptionLen {
		invalid = append(invalid, "description")
	}
	if in.TopicCategory == "" {
		invalid = append(invalid, "topic_category")
	}
	if in.TargetLanguage == "" {
		invalid = append(invalid, "target_language")
	}
	if in.LanguageLevel == "" {
		invalid = append(invalid, "language_level")
	}
	if len(in.SessionTags) > MaxTags {
		invalid = append(invalid, "session_tags")
	} else {
		for _, tag := range in.SessionTags {
			if utf8.RuneCountInString(tag) > MaxTagLength {
				invalid = append(invalid, "session_tags")
				break
			}
		}
	}
	if in.MaxParticipants < MinParticipants || in.MaxParticipants > MaxParticipants {
		invalid = append(invalid, "max_participants")
	}
	if in.ScheduledAt.IsZero() {
		invalid = append(invalid, "scheduled_at")
	}
	if in.SessionDuration <= 0 || in.SessionDuration > MaxSessionDuration {
		invalid = append(invalid, "session_duration")
	}
	return invalid
}

// apply は入力値をセッションの編集可能な項目に書き込む。
func (in SessionInput) apply(session *model.GroupSession) {
	session.Title = in.Title
	session.Description = in.Description
	session.TopicCategory = in.TopicCategory
	session.TargetLanguage = in.TargetLanguage
	session.LanguageLevel = in.LanguageLevel
	session.SessionTags = in.SessionTags
	if session.SessionTags == nil {
		session.SessionTags = []string{}
	}
	session.MaxParticipants = in.MaxParticipants
	session.ScheduledAt = in.ScheduledAt
	session.SessionDuration = in.SessionDuration
	session.IsPublic = in.IsPublic
}
