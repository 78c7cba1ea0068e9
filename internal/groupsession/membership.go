package groupsession

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/model"
	"github.com/hitoshi/groupsession/internal/repository"
)

// Join はセッションに参加する。すでに参加中の場合は何もせず現在の状態を返す。
// 非公開セッションには、招待・退出・辞退などの参加レコードがある場合のみ参加できる。
func (s *Service) Join(ctx context.Context, userID, sessionID string) (*model.SessionView, error) {
	defer s.observe(opJoin, s.now())

	session, err := s.findSession(ctx, opJoin, sessionID)
	if err != nil {
		return nil, err
	}
	return s.join(ctx, opJoin, userID, session, false)
}

// JoinByCode は参加コードでセッションを特定して参加する。非公開セッションにも参加できる。
func (s *Service) JoinByCode(ctx context.Context, userID, code string) (*model.SessionView, error) {
	defer s.observe(opJoinCode, s.now())

	normalized := normalizeJoinCode(code)
	session, err := s.sessions.FindByJoinCode(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, s.reject(opJoinCode, model.NewJoinCodeNotFoundError(normalized))
	}
	return s.join(ctx, opJoinCode, userID, session, true)
}

func (s *Service) join(ctx context.Context, op, userID string, session *model.GroupSession, byCode bool) (*model.SessionView, error) {
	// ホスト自身の参加は作成時に済んでいる
	if session.IsHost(userID) {
		return s.view(ctx, op, userID, session.ID)
	}

	if !session.IsPublic && !byCode {
		p, err := s.sessions.FindParticipant(ctx, session.ID, userID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, s.reject(op, model.NewPrivateSessionError())
		}
	}

	result, err := s.sessions.AdmitParticipant(ctx, session.ID, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("参加処理に失敗しました: %w", err)
	}
	if err := s.admitError(ctx, op, session, result); err != nil {
		return nil, err
	}

	if result == repository.AdmitResultAdmitted {
		s.metrics.RecordTransition(op)
		s.invalidate(ctx, op, session.ID)
		s.addActive(ctx, op, userID, session.ID)
		s.logger.InfoContext(ctx, "セッションに参加しました",
			slog.String("session_id", session.ID),
			slog.String("user_id", userID),
		)
	}
	return s.view(ctx, op, userID, session.ID)
}

// admitError は参加受付の結果を呼び出し元向けのエラーに変換する。受け付けた場合はnilを返す。
func (s *Service) admitError(ctx context.Context, op string, session *model.GroupSession, result repository.AdmitResult) error {
	switch result {
	case repository.AdmitResultAdmitted, repository.AdmitResultAlreadyJoined:
		return nil
	case repository.AdmitResultFull:
		return s.reject(op, model.NewSessionFullError())
	case repository.AdmitResultNotScheduled:
		return s.stateConflict(ctx, op, "参加", session)
	case repository.AdmitResultKicked:
		return s.reject(op, model.NewParticipantKickedError())
	case repository.AdmitResultNotFound:
		return s.reject(op, model.NewSessionNotFoundError(session.ID))
	default:
		return fmt.Errorf("unexpected admit result: %s", result)
	}
}

// Leave はセッションから退出する。参加中でない場合・ホストの場合・終了済みの場合は何もしない。
func (s *Service) Leave(ctx context.Context, userID, sessionID string) error {
	defer s.observe(opLeave, s.now())

	session, err := s.findSession(ctx, opLeave, sessionID)
	if err != nil {
		return err
	}
	if session.IsHost(userID) || session.Status.IsTerminal() {
		return nil
	}

	released, err := s.sessions.ReleaseParticipant(ctx, sessionID, userID, model.ParticipantStatusLeft, s.now())
	if err != nil {
		return fmt.Errorf("退出処理に失敗しました: %w", err)
	}
	if !released {
		return nil
	}

	s.metrics.RecordTransition(opLeave)
	s.invalidate(ctx, opLeave, sessionID)
	s.removeActive(ctx, opLeave, sessionID, userID)
	return nil
}

// Kick はホストが参加者をセッションから退出させる。退出させられたユーザーは再参加できない。
func (s *Service) Kick(ctx context.Context, hostID, sessionID, targetID string) error {
	defer s.observe(opKick, s.now())

	session, err := s.requireHost(ctx, opKick, hostID, sessionID)
	if err != nil {
		return err
	}
	if targetID == hostID {
		return s.reject(opKick, model.NewCannotKickHostError())
	}
	if session.Status.IsTerminal() {
		return s.reject(opKick, model.NewInvalidStateError(session.Status, "退出処分"))
	}

	released, err := s.sessions.ReleaseParticipant(ctx, sessionID, targetID, model.ParticipantStatusKicked, s.now())
	if err != nil {
		return fmt.Errorf("退出処分に失敗しました: %w", err)
	}
	if !released {
		return s.reject(opKick, model.NewParticipantNotFoundError(targetID))
	}

	s.metrics.RecordTransition(opKick)
	s.invalidate(ctx, opKick, sessionID)
	s.removeActive(ctx, opKick, sessionID, targetID)
	s.notify(ctx, model.Notification{
		RecipientID: targetID,
		Type:        model.NotificationTypeKicked,
		Title:       "セッションから退出しました",
		Message:     fmt.Sprintf("ホストにより「%s」から退出させられました。", session.Title),
		Payload:     map[string]string{"session_id": sessionID},
	})
	return nil
}

// Invite はホストが複数のユーザーを招待する。
// 存在しないユーザー・ホスト自身・参加中のユーザーは対象外とし、参加者数は変更しない。
func (s *Service) Invite(ctx context.Context, hostID, sessionID string, userIDs []string) (*model.SessionView, error) {
	defer s.observe(opInvite, s.now())

	session, err := s.requireHost(ctx, opInvite, hostID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusScheduled {
		return nil, s.reject(opInvite, model.NewInvalidStateError(session.Status, "招待"))
	}

	candidates, err := s.inviteCandidates(ctx, hostID, userIDs)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return s.view(ctx, opInvite, hostID, sessionID)
	}

	now := s.now()
	invited, err := s.sessions.InviteParticipants(ctx, sessionID, candidates, now)
	if err != nil {
		return nil, fmt.Errorf("招待に失敗しました: %w", err)
	}

	if len(invited) > 0 {
		s.metrics.RecordTransition(opInvite)
		s.invalidate(ctx, opInvite, sessionID)
	}
	for _, userID := range invited {
		if s.coordination != nil {
			inv := model.Invitation{SessionID: sessionID, UserID: userID, HostUserID: hostID, CreatedAt: now}
			if err := s.coordination.PutInvitation(ctx, inv); err != nil {
				s.sideEffectFailed(ctx, metrics.SideEffectCoordination, opInvite, sessionID, userID, err)
			}
		}
		s.notify(ctx, model.Notification{
			RecipientID: userID,
			Type:        model.NotificationTypeInvitation,
			Title:       "セッションに招待されました",
			Message:     fmt.Sprintf("「%s」に招待されました。", session.Title),
			Payload:     map[string]string{"session_id": sessionID, "host_user_id": hostID},
		})
	}

	return s.view(ctx, opInvite, hostID, sessionID)
}

// inviteCandidates は重複・空文字列・ホスト・存在しないユーザーを除いた招待対象を返す。
func (s *Service) inviteCandidates(ctx context.Context, hostID string, userIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" || id == hostID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 || s.users == nil {
		return ids, nil
	}

	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("招待対象ユーザーの取得に失敗しました: %w", err)
	}
	exists := make(map[string]struct{}, len(users))
	for _, u := range users {
		exists[u.ID] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := exists[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// RespondToInvitation は招待に回答する。
// 招待レコードを取り出した呼び出しだけが回答でき、レコードがなければ未検出エラーを返す。
// 正本への書き込みに失敗した場合や定員に達していた場合は、再度回答できるよう招待レコードを戻す。
func (s *Service) RespondToInvitation(ctx context.Context, userID, sessionID string, accept bool) error {
	op := opDecline
	if accept {
		op = opAccept
	}
	defer s.observe(op, s.now())

	if s.coordination == nil {
		return s.reject(op, model.NewInvitationNotFoundError(sessionID))
	}
	inv, err := s.coordination.ConsumeInvitation(ctx, sessionID, userID)
	if err != nil {
		return fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return s.reject(op, model.NewInvitationNotFoundError(sessionID))
	}

	if accept {
		return s.acceptInvitation(ctx, inv)
	}
	return s.declineInvitation(ctx, inv)
}

func (s *Service) acceptInvitation(ctx context.Context, inv *model.Invitation) error {
	session, err := s.sessions.FindByID(ctx, inv.SessionID)
	if err != nil {
		s.restoreInvitation(ctx, opAccept, inv)
		return err
	}
	if session == nil {
		return s.reject(opAccept, model.NewSessionNotFoundError(inv.SessionID))
	}

	result, err := s.sessions.AdmitParticipant(ctx, inv.SessionID, inv.UserID, s.now())
	if err != nil {
		s.restoreInvitation(ctx, opAccept, inv)
		return fmt.Errorf("招待の承諾に失敗しました: %w", err)
	}
	if result == repository.AdmitResultFull {
		s.restoreInvitation(ctx, opAccept, inv)
	}
	if err := s.admitError(ctx, opAccept, session, result); err != nil {
		return err
	}
	if result != repository.AdmitResultAdmitted {
		return nil
	}

	s.metrics.RecordTransition(opAccept)
	s.invalidate(ctx, opAccept, inv.SessionID)
	s.addActive(ctx, opAccept, inv.UserID, inv.SessionID)
	s.notify(ctx, model.Notification{
		RecipientID: session.HostUserID,
		Type:        model.NotificationTypeInvitationAccepted,
		Title:       "招待が承諾されました",
		Message:     fmt.Sprintf("「%s」への招待が承諾されました。", session.Title),
		Payload:     map[string]string{"session_id": inv.SessionID, "user_id": inv.UserID},
	})
	return nil
}

func (s *Service) declineInvitation(ctx context.Context, inv *model.Invitation) error {
	declined, err := s.sessions.DeclineInvitation(ctx, inv.SessionID, inv.UserID, s.now())
	if err != nil {
		s.restoreInvitation(ctx, opDecline, inv)
		return fmt.Errorf("招待の辞退に失敗しました: %w", err)
	}
	if declined {
		s.metrics.RecordTransition(opDecline)
		s.invalidate(ctx, opDecline, inv.SessionID)
	}
	return nil
}

func (s *Service) restoreInvitation(ctx context.Context, op string, inv *model.Invitation) {
	if err := s.coordination.PutInvitation(ctx, *inv); err != nil {
		s.sideEffectFailed(ctx, metrics.SideEffectCoordination, op, inv.SessionID, inv.UserID, err)
	}
}
