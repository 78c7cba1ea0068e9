package groupsession

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/groupsession/internal/model"
)

// Start はホストがセッションを開始する（SCHEDULED → ACTIVE）。
// 参加中のホスト以外の参加者に開始を通知する。
func (s *Service) Start(ctx context.Context, hostID, sessionID string) (*model.SessionView, error) {
	defer s.observe(opStart, s.now())

	session, err := s.transition(ctx, opStart, "開始", hostID, sessionID, model.SessionStatusActive)
	if err != nil {
		return nil, err
	}

	view, err := s.view(ctx, opStart, hostID, sessionID)
	if err != nil {
		return nil, err
	}
	for _, userID := range joinedGuests(view) {
		s.notify(ctx, model.Notification{
			RecipientID: userID,
			Type:        model.NotificationTypeStarted,
			Title:       "セッションが始まりました",
			Message:     fmt.Sprintf("「%s」が始まりました。", session.Title),
			Payload:     map[string]string{"session_id": sessionID},
		})
	}
	return view, nil
}

// End はホストがセッションを終了する（ACTIVE → COMPLETED）。
func (s *Service) End(ctx context.Context, hostID, sessionID string) (*model.SessionView, error) {
	defer s.observe(opEnd, s.now())

	if _, err := s.transition(ctx, opEnd, "終了", hostID, sessionID, model.SessionStatusCompleted); err != nil {
		return nil, err
	}

	view, err := s.view(ctx, opEnd, hostID, sessionID)
	if err != nil {
		return nil, err
	}
	s.removeActive(ctx, opEnd, sessionID, append(joinedGuests(view), hostID)...)
	return view, nil
}

// transition はホスト確認と遷移可否の確認を行い、状態を条件付きで更新する。
func (s *Service) transition(ctx context.Context, op, label, hostID, sessionID string, to model.SessionStatus) (*model.GroupSession, error) {
	session, err := s.requireHost(ctx, op, hostID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanTransitionTo(to) {
		return nil, s.reject(op, model.NewInvalidStateError(session.Status, label))
	}

	ok, err := s.sessions.TransitionStatus(ctx, sessionID, session.Status, to, s.now())
	if err != nil {
		return nil, fmt.Errorf("状態の更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, s.stateConflict(ctx, op, label, session)
	}

	s.metrics.RecordTransition(op)
	s.invalidate(ctx, op, sessionID)
	s.logger.InfoContext(ctx, "セッションの状態を更新しました",
		slog.String("session_id", sessionID),
		slog.String("from", string(session.Status)),
		slog.String("to", string(to)),
	)
	return session, nil
}

// Cancel はホストが開始前のセッションを中止する（SCHEDULED → CANCELLED）。
// ホスト以外の参加中ユーザーは全員退出扱いとなり、中止理由とともに通知される。
func (s *Service) Cancel(ctx context.Context, hostID, sessionID, reason string) error {
	defer s.observe(opCancel, s.now())

	session, err := s.requireHost(ctx, opCancel, hostID, sessionID)
	if err != nil {
		return err
	}
	if !session.Status.CanTransitionTo(model.SessionStatusCancelled) {
		return s.reject(opCancel, model.NewInvalidStateError(session.Status, "中止"))
	}

	released, ok, err := s.sessions.Cancel(ctx, sessionID, s.now())
	if err != nil {
		return fmt.Errorf("中止処理に失敗しました: %w", err)
	}
	if !ok {
		return s.stateConflict(ctx, opCancel, "中止", session)
	}

	s.metrics.RecordTransition(opCancel)
	s.invalidate(ctx, opCancel, sessionID)
	s.removeActive(ctx, opCancel, sessionID, append(released, hostID)...)
	s.logger.InfoContext(ctx, "セッションを中止しました",
		slog.String("session_id", sessionID),
		slog.Int("released", len(released)),
	)

	reason = s.sanitizeText(reason)
	message := fmt.Sprintf("「%s」は中止されました。", session.Title)
	if reason != "" {
		message += "理由: " + reason
	}
	for _, userID := range released {
		s.notify(ctx, model.Notification{
			RecipientID: userID,
			Type:        model.NotificationTypeCancelled,
			Title:       "セッションが中止されました",
			Message:     message,
			Payload:     map[string]string{"session_id": sessionID, "reason": reason},
		})
	}
	return nil
}

// Rate は参加中のユーザーがセッションを評価する。評価集計は同じ書き込みで再計算される。
func (s *Service) Rate(ctx context.Context, userID, sessionID string, rating int, feedback *string) error {
	defer s.observe(opRate, s.now())

	if rating < 1 || rating > 5 {
		return s.reject(opRate, model.NewInvalidRatingError(rating))
	}
	if _, err := s.findSession(ctx, opRate, sessionID); err != nil {
		return err
	}

	if feedback != nil {
		clean := s.sanitizeText(*feedback)
		feedback = nil
		if clean != "" {
			feedback = &clean
		}
	}

	ok, err := s.sessions.Rate(ctx, sessionID, userID, rating, feedback, s.now())
	if err != nil {
		return fmt.Errorf("評価の登録に失敗しました: %w", err)
	}
	if !ok {
		return s.reject(opRate, model.NewNotParticipantError())
	}

	s.metrics.RecordTransition(opRate)
	s.invalidate(ctx, opRate, sessionID)
	return nil
}

// Update はホストが開始前のセッションの内容を更新する。
// 参加中のホスト以外の参加者に、変更の種類（タイトル・日時・その他）を通知する。
func (s *Service) Update(ctx context.Context, hostID, sessionID string, in SessionInput) error {
	defer s.observe(opUpdate, s.now())

	before, err := s.requireHost(ctx, opUpdate, hostID, sessionID)
	if err != nil {
		return err
	}

	in = s.normalize(in)
	if invalid := in.validate(); len(invalid) > 0 {
		return s.reject(opUpdate, model.NewInvalidSessionError(invalid))
	}
	if before.Status != model.SessionStatusScheduled {
		return s.reject(opUpdate, model.NewInvalidStateError(before.Status, "更新"))
	}
	if in.MaxParticipants < before.CurrentParticipants {
		return s.reject(opUpdate, model.NewCapacityBelowCountError(before.CurrentParticipants))
	}

	after := *before
	in.apply(&after)
	after.UpdatedAt = s.now()

	ok, err := s.sessions.UpdateDetails(ctx, &after)
	if err != nil {
		return fmt.Errorf("セッションの更新に失敗しました: %w", err)
	}
	if !ok {
		latest, err := s.sessions.FindByID(ctx, sessionID)
		if err == nil && latest != nil && latest.Status == model.SessionStatusScheduled {
			return s.reject(opUpdate, model.NewCapacityBelowCountError(latest.CurrentParticipants))
		}
		return s.stateConflict(ctx, opUpdate, "更新", before)
	}

	s.metrics.RecordTransition(opUpdate)
	s.invalidate(ctx, opUpdate, sessionID)

	participants, err := s.sessions.ListParticipants(ctx, sessionID)
	if err != nil {
		s.logger.WarnContext(ctx, "更新通知の宛先取得に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	kind := model.ClassifyChange(before, &after)
	for _, p := range participants {
		if p.Status != model.ParticipantStatusJoined || p.UserID == hostID {
			continue
		}
		s.notify(ctx, model.Notification{
			RecipientID: p.UserID,
			Type:        model.NotificationTypeUpdated,
			Title:       "セッションが更新されました",
			Message:     updateMessage(kind, &after),
			Payload:     map[string]string{"session_id": sessionID, "change": string(kind)},
		})
	}
	return nil
}

func updateMessage(kind model.ChangeKind, after *model.GroupSession) string {
	switch kind {
	case model.ChangeKindTitle:
		return fmt.Sprintf("セッションのタイトルが「%s」に変更されました。", after.Title)
	case model.ChangeKindSchedule:
		return fmt.Sprintf("「%s」の日時が %s（%d分）に変更されました。",
			after.Title, after.ScheduledAt.Format("2006-01-02 15:04"), after.SessionDuration)
	default:
		return fmt.Sprintf("「%s」の内容が更新されました。", after.Title)
	}
}

// joinedGuests はビューに含まれる参加中のホスト以外のユーザーIDを返す。
func joinedGuests(view *model.SessionView) []string {
	ids := make([]string, 0, len(view.Participants))
	for _, p := range view.Participants {
		if p.Status == model.ParticipantStatusJoined && p.User.ID != view.Host.ID {
			ids = append(ids, p.User.ID)
		}
	}
	return ids
}
