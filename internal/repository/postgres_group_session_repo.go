package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/groupsession/internal/model"
)

const joinCodeConstraint = "idx_group_sessions_join_code"

const sessionColumns = `g.id, g.title, g.description, g.topic_category, g.target_language,
	g.language_level, g.session_tags, g.host_user_id, g.max_participants,
	g.current_participants, g.scheduled_at, g.session_duration, g.status,
	g.is_public, g.join_code, g.started_at, g.ended_at, g.rating_average,
	g.rating_count, g.created_at, g.updated_at`

const participantColumns = `id, session_id, user_id, status, joined_at, left_at,
	rating, feedback, is_muted, is_video_on, created_at, updated_at`

// PostgresGroupSessionRepo はPostgreSQLを使用したグループセッションリポジトリ。
type PostgresGroupSessionRepo struct {
	db *sql.DB
}

// NewPostgresGroupSessionRepo はPostgresGroupSessionRepoを生成する。
func NewPostgresGroupSessionRepo(db *sql.DB) *PostgresGroupSessionRepo {
	return &PostgresGroupSessionRepo{db: db}
}

func scanGroupSession(row rowScanner, extra ...any) (*model.GroupSession, error) {
	s := &model.GroupSession{}
	var startedAt, endedAt sql.NullTime
	dest := []any{
		&s.ID, &s.Title, &s.Description, &s.TopicCategory, &s.TargetLanguage,
		&s.LanguageLevel, pq.Array(&s.SessionTags), &s.HostUserID, &s.MaxParticipants,
		&s.CurrentParticipants, &s.ScheduledAt, &s.SessionDuration, &s.Status,
		&s.IsPublic, &s.JoinCode, &startedAt, &endedAt, &s.RatingAverage,
		&s.RatingCount, &s.CreatedAt, &s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	s.StartedAt = nullTimePtr(startedAt)
	s.EndedAt = nullTimePtr(endedAt)
	return s, nil
}

func scanParticipant(row rowScanner) (*model.Participant, error) {
	p := &model.Participant{}
	var joinedAt, leftAt sql.NullTime
	var rating sql.NullInt32
	var feedback sql.NullString
	if err := row.Scan(
		&p.ID, &p.SessionID, &p.UserID, &p.Status, &joinedAt, &leftAt,
		&rating, &feedback, &p.IsMuted, &p.IsVideoOn, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.JoinedAt = nullTimePtr(joinedAt)
	p.LeftAt = nullTimePtr(leftAt)
	if rating.Valid {
		r := int(rating.Int32)
		p.Rating = &r
	}
	if feedback.Valid {
		f := feedback.String
		p.Feedback = &f
	}
	return p, nil
}

// Create はセッションとホストのJOINED参加レコードを同一トランザクションで作成する。
// IDが空の場合は採番する。ホストを含めるため参加者数は1から始まる。
func (r *PostgresGroupSessionRepo) Create(ctx context.Context, s *model.GroupSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CurrentParticipants = 1
	if s.SessionTags == nil {
		s.SessionTags = []string{}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_sessions (id, title, description, topic_category, target_language,
		                             language_level, session_tags, host_user_id, max_participants,
		                             current_participants, scheduled_at, session_duration, status,
		                             is_public, join_code, rating_average, rating_count,
		                             created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, 0, $16, $17)`,
		s.ID, s.Title, s.Description, s.TopicCategory, s.TargetLanguage,
		s.LanguageLevel, pq.Array(s.SessionTags), s.HostUserID, s.MaxParticipants,
		s.CurrentParticipants, s.ScheduledAt, s.SessionDuration, s.Status,
		s.IsPublic, s.JoinCode, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, joinCodeConstraint) {
			return ErrDuplicateJoinCode
		}
		return fmt.Errorf("failed to insert group session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_session_participants (id, session_id, user_id, status, joined_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5, $5)`,
		uuid.New().String(), s.ID, s.HostUserID, model.ParticipantStatusJoined, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert host participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresGroupSessionRepo) FindByID(ctx context.Context, id string) (*model.GroupSession, error) {
	if !isUUID(id) {
		return nil, nil
	}
	s, err := scanGroupSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM group_sessions g WHERE g.id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group session: %w", err)
	}
	return s, nil
}

// FindByJoinCode は参加コードでセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresGroupSessionRepo) FindByJoinCode(ctx context.Context, code string) (*model.GroupSession, error) {
	s, err := scanGroupSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM group_sessions g WHERE g.join_code = $1`, code,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group session by join code: %w", err)
	}
	return s, nil
}

// ListParticipants はセッションの全参加レコードを作成順に返す。
func (r *PostgresGroupSessionRepo) ListParticipants(ctx context.Context, sessionID string) ([]*model.Participant, error) {
	if !isUUID(sessionID) {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+participantColumns+`
		 FROM group_session_participants
		 WHERE session_id = $1
		 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// FindParticipant はセッションとユーザーの参加レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresGroupSessionRepo) FindParticipant(ctx context.Context, sessionID, userID string) (*model.Participant, error) {
	if !isUUID(sessionID) || !isUUID(userID) {
		return nil, nil
	}
	p, err := scanParticipant(r.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+`
		 FROM group_session_participants
		 WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find participant: %w", err)
	}
	return p, nil
}

// AdmitParticipant はセッション行をロックし、定員と状態を確認してから参加者数を加算する。
// 加算は「定員未満の場合のみ」の条件付き更新で、参加レコードのUPSERTと同じトランザクションで確定する。
func (r *PostgresGroupSessionRepo) AdmitParticipant(ctx context.Context, sessionID, userID string, at time.Time) (AdmitResult, error) {
	if !isUUID(sessionID) || !isUUID(userID) {
		return AdmitResultNotFound, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status model.SessionStatus
	var maxParticipants, current int
	err = tx.QueryRowContext(ctx,
		`SELECT status, max_participants, current_participants
		 FROM group_sessions WHERE id = $1 FOR UPDATE`,
		sessionID,
	).Scan(&status, &maxParticipants, &current)
	if err == sql.ErrNoRows {
		return AdmitResultNotFound, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock group session: %w", err)
	}

	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM group_session_participants
		 WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read participant status: %w", err)
	}

	switch model.ParticipantStatus(existing.String) {
	case model.ParticipantStatusJoined:
		return AdmitResultAlreadyJoined, nil
	case model.ParticipantStatusKicked:
		return AdmitResultKicked, nil
	}
	if status != model.SessionStatusScheduled {
		return AdmitResultNotScheduled, nil
	}
	if current >= maxParticipants {
		return AdmitResultFull, nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE group_sessions
		 SET current_participants = current_participants + 1, updated_at = $2
		 WHERE id = $1 AND status = 'SCHEDULED' AND current_participants < max_participants`,
		sessionID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment participants: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return AdmitResultFull, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_session_participants (id, session_id, user_id, status, joined_at, created_at, updated_at)
		 VALUES ($1, $2, $3, 'JOINED', $4, $4, $4)
		 ON CONFLICT (session_id, user_id) DO UPDATE SET
		    status = 'JOINED', joined_at = EXCLUDED.joined_at, left_at = NULL, updated_at = EXCLUDED.updated_at`,
		uuid.New().String(), sessionID, userID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return AdmitResultAdmitted, nil
}

// ReleaseParticipant はJOINEDの参加レコードをtoにし、参加者数を0を下限に1減らす。
func (r *PostgresGroupSessionRepo) ReleaseParticipant(ctx context.Context, sessionID, userID string, to model.ParticipantStatus, at time.Time) (bool, error) {
	if !isUUID(sessionID) || !isUUID(userID) {
		return false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE group_session_participants
		 SET status = $3, left_at = $4, updated_at = $4
		 WHERE session_id = $1 AND user_id = $2 AND status = 'JOINED'`,
		sessionID, userID, to, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release participant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE group_sessions
		 SET current_participants = GREATEST(current_participants - 1, 0), updated_at = $2
		 WHERE id = $1`,
		sessionID, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to decrement participants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// TransitionStatus は状態がfromの場合のみtoに遷移させる。
// ACTIVEへの遷移でstarted_at、COMPLETEDへの遷移でended_atを記録する。
func (r *PostgresGroupSessionRepo) TransitionStatus(ctx context.Context, sessionID string, from, to model.SessionStatus, at time.Time) (bool, error) {
	if !isUUID(sessionID) {
		return false, nil
	}

	set := "status = $3, updated_at = $4"
	switch to {
	case model.SessionStatusActive:
		set += ", started_at = $4"
	case model.SessionStatusCompleted:
		set += ", ended_at = $4"
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE group_sessions SET `+set+` WHERE id = $1 AND status = $2`,
		sessionID, from, to, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition group session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Cancel はSCHEDULEDのセッションをCANCELLEDにし、ホスト以外のJOINED参加者をLEFTにする。
// 参加者数は解放した人数だけ減らす。
func (r *PostgresGroupSessionRepo) Cancel(ctx context.Context, sessionID string, at time.Time) ([]string, bool, error) {
	if !isUUID(sessionID) {
		return nil, false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var hostUserID string
	err = tx.QueryRowContext(ctx,
		`UPDATE group_sessions SET status = 'CANCELLED', updated_at = $2
		 WHERE id = $1 AND status = 'SCHEDULED'
		 RETURNING host_user_id`,
		sessionID, at,
	).Scan(&hostUserID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to cancel group session: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE group_session_participants SET status = 'LEFT', left_at = $3, updated_at = $3
		 WHERE session_id = $1 AND status = 'JOINED' AND user_id <> $2
		 RETURNING user_id`,
		sessionID, hostUserID, at,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to release participants: %w", err)
	}
	var released []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("failed to scan released participant: %w", err)
		}
		released = append(released, userID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, false, fmt.Errorf("failed to iterate released participants: %w", err)
	}
	rows.Close()

	if len(released) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE group_sessions
			 SET current_participants = GREATEST(current_participants - $2, 0)
			 WHERE id = $1`,
			sessionID, len(released),
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decrement participants: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return released, true, nil
}

// UpdateDetails はSCHEDULEDかつ新しい定員が現在の参加者数以上の場合のみ内容を更新する。
func (r *PostgresGroupSessionRepo) UpdateDetails(ctx context.Context, s *model.GroupSession) (bool, error) {
	if !isUUID(s.ID) {
		return false, nil
	}
	tags := s.SessionTags
	if tags == nil {
		tags = []string{}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE group_sessions SET
		    title = $2, description = $3, topic_category = $4, target_language = $5,
		    language_level = $6, session_tags = $7, max_participants = $8,
		    scheduled_at = $9, session_duration = $10, is_public = $11, updated_at = $12
		 WHERE id = $1 AND status = 'SCHEDULED' AND current_participants <= $8`,
		s.ID, s.Title, s.Description, s.TopicCategory, s.TargetLanguage,
		s.LanguageLevel, pq.Array(tags), s.MaxParticipants,
		s.ScheduledAt, s.SessionDuration, s.IsPublic, s.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update group session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// InviteParticipants は参加レコードをINVITEDにUPSERTする。JOINEDのレコードは上書きしない。
func (r *PostgresGroupSessionRepo) InviteParticipants(ctx context.Context, sessionID string, userIDs []string, at time.Time) ([]string, error) {
	userIDs = filterUUIDs(userIDs)
	if !isUUID(sessionID) || len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`INSERT INTO group_session_participants (session_id, user_id, status, created_at, updated_at)
		 SELECT $1::uuid, u, 'INVITED', $3::timestamptz, $3::timestamptz FROM unnest($2::uuid[]) AS u
		 ON CONFLICT (session_id, user_id) DO UPDATE SET
		    status = 'INVITED', left_at = NULL, updated_at = EXCLUDED.updated_at
		 WHERE group_session_participants.status <> 'JOINED'
		 RETURNING user_id`,
		sessionID, pq.Array(userIDs), at,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to invite participants: %w", err)
	}
	defer rows.Close()

	var invited []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan invited participant: %w", err)
		}
		invited = append(invited, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invited participants: %w", err)
	}
	return invited, nil
}

// DeclineInvitation はINVITEDの参加レコードをBANNEDにする。
func (r *PostgresGroupSessionRepo) DeclineInvitation(ctx context.Context, sessionID, userID string, at time.Time) (bool, error) {
	if !isUUID(sessionID) || !isUUID(userID) {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE group_session_participants SET status = 'BANNED', updated_at = $3
		 WHERE session_id = $1 AND user_id = $2 AND status = 'INVITED'`,
		sessionID, userID, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to decline invitation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Rate はセッション行をロックし、評価の書き込みと集計の再計算を同一トランザクションで行う。
// 同時に評価しても最後にコミットした側が全評価を含む集計を書くため、集計は常に整合する。
func (r *PostgresGroupSessionRepo) Rate(ctx context.Context, sessionID, userID string, rating int, feedback *string, at time.Time) (bool, error) {
	if !isUUID(sessionID) || !isUUID(userID) {
		return false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM group_sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock group session: %w", err)
	}

	var fb sql.NullString
	if feedback != nil {
		fb = sql.NullString{String: *feedback, Valid: true}
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE group_session_participants SET rating = $3, feedback = $4, updated_at = $5
		 WHERE session_id = $1 AND user_id = $2 AND status = 'JOINED'`,
		sessionID, userID, rating, fb, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to write rating: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE group_sessions g SET
		    rating_average = agg.avg, rating_count = agg.cnt, updated_at = $2
		 FROM (
		    SELECT COALESCE(AVG(rating), 0)::double precision AS avg, COUNT(rating) AS cnt
		    FROM group_session_participants
		    WHERE session_id = $1 AND rating IS NOT NULL
		 ) agg
		 WHERE g.id = $1`,
		sessionID, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to recompute rating aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// buildListWhere は絞り込み条件からWHERE句と引数を組み立てる。
func buildListWhere(filter model.SessionFilter) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.TargetLanguage != "" {
		add("g.target_language = $%d", filter.TargetLanguage)
	}
	if filter.LanguageLevel != "" {
		add("g.language_level = $%d", filter.LanguageLevel)
	}
	if filter.TopicCategory != "" {
		add("g.topic_category = $%d", filter.TopicCategory)
	}
	if len(filter.Tags) > 0 {
		add("g.session_tags @> $%d", pq.Array(filter.Tags))
	}
	if filter.Keyword != "" {
		args = append(args, containsPattern(filter.Keyword))
		n := len(args)
		conds = append(conds, fmt.Sprintf("(g.title ILIKE $%d OR g.description ILIKE $%d)", n, n))
	}
	if filter.PublicOnly {
		conds = append(conds, "g.is_public = true")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("g.status = ANY($%d)", pq.Array(statuses))
	}
	if filter.ExcludeHostUserID != "" && isUUID(filter.ExcludeHostUserID) {
		add("g.host_user_id <> $%d", filter.ExcludeHostUserID)
	}

	return strings.Join(conds, " AND "), args
}

// List は条件に一致するセッションを1ページ分と総件数を返す。
func (r *PostgresGroupSessionRepo) List(ctx context.Context, filter model.SessionFilter, page model.PageRequest) ([]*model.SessionListRow, int, error) {
	page = page.Normalize()
	where, args := buildListWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM group_sessions g WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count group sessions: %w", err)
	}
	if total == 0 {
		return []*model.SessionListRow{}, 0, nil
	}

	order := "g.scheduled_at ASC, g.id ASC"
	if filter.OrderByRating {
		order = "g.rating_average DESC, g.rating_count DESC, g.scheduled_at ASC, g.id ASC"
	}

	query := `SELECT ` + sessionColumns + `, COALESCE(u.name, '')
		FROM group_sessions g
		LEFT JOIN users u ON u.id = g.host_user_id
		WHERE ` + where +
		fmt.Sprintf(" ORDER BY %s LIMIT $%d OFFSET $%d", order, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list group sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*model.SessionListRow, 0, page.Size)
	for rows.Next() {
		var hostName string
		s, err := scanGroupSession(rows, &hostName)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan group session: %w", err)
		}
		list = append(list, &model.SessionListRow{GroupSession: *s, HostName: hostName})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate group sessions: %w", err)
	}
	return list, total, nil
}

// ListActiveSessionIDsForUser はユーザーがJOINEDで、SCHEDULEDまたはACTIVEのセッションIDを開催日時順に返す。
func (r *PostgresGroupSessionRepo) ListActiveSessionIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if !isUUID(userID) {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT g.id
		 FROM group_sessions g
		 JOIN group_session_participants p ON p.session_id = g.id
		 WHERE p.user_id = $1 AND p.status = 'JOINED' AND g.status IN ('SCHEDULED', 'ACTIVE')
		 ORDER BY g.scheduled_at ASC, g.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active sessions: %w", err)
	}
	return ids, nil
}

// compile-time interface check
var _ GroupSessionRepository = (*PostgresGroupSessionRepo)(nil)
