package groupsession

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/groupsession/internal/model"
)

// TestCapacityAndLifecycleScenario は定員2のセッションでの参加・満員・開始・退出・終了の流れを検証する。
func TestCapacityAndLifecycleScenario(t *testing.T) {
	env := newTestEnv(t, "host", "userA", "userB")
	ctx := context.Background()
	created := env.createSession(t, "host", func(in *SessionInput) { in.MaxParticipants = 2 })

	view, err := env.svc.Join(ctx, "userA", created.ID)
	if err != nil {
		t.Fatalf("userA join failed: %v", err)
	}
	if view.CurrentParticipants != 2 || view.Status != model.SessionStatusScheduled {
		t.Errorf("after A join: current = %d, status = %s", view.CurrentParticipants, view.Status)
	}

	_, err = env.svc.Join(ctx, "userB", created.ID)
	if !model.IsConflict(err) || !model.HasCode(err, model.ErrCodeSessionFull) {
		t.Errorf("userB join: err = %v, want session full", err)
	}

	view, err = env.svc.Start(ctx, "host", created.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if view.Status != model.SessionStatusActive || view.StartedAt == nil {
		t.Errorf("after start: status = %s, startedAt = %v", view.Status, view.StartedAt)
	}

	if err := env.svc.Leave(ctx, "userA", created.ID); err != nil {
		t.Fatalf("userA leave failed: %v", err)
	}
	if got := env.stored(t, created.ID).CurrentParticipants; got != 1 {
		t.Errorf("after leave: current = %d, want 1", got)
	}

	view, err = env.svc.End(ctx, "host", created.ID)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if view.Status != model.SessionStatusCompleted || view.EndedAt == nil {
		t.Errorf("after end: status = %s, endedAt = %v", view.Status, view.EndedAt)
	}

	_, err = env.svc.Join(ctx, "userB", created.ID)
	if !model.IsConflict(err) || !model.HasCode(err, model.ErrCodeInvalidState) {
		t.Errorf("join after end: err = %v, want invalid state", err)
	}
	if !strings.Contains(err.Error(), string(model.SessionStatusCompleted)) {
		t.Errorf("error should mention current status: %v", err)
	}
}

// TestStatusTransitionClosure は各状態から遷移できる先が限られていることを検証する。
func TestStatusTransitionClosure(t *testing.T) {
	ctx := context.Background()
	type op func(svc *Service, id string) error
	start := func(svc *Service, id string) error { _, err := svc.Start(ctx, "host", id); return err }
	end := func(svc *Service, id string) error { _, err := svc.End(ctx, "host", id); return err }
	cancel := func(svc *Service, id string) error { return svc.Cancel(ctx, "host", id, "") }

	tests := []struct {
		name    string
		setup   []op
		attempt op
		wantOK  bool
	}{
		{"SCHEDULEDから開始", nil, start, true},
		{"SCHEDULEDから中止", nil, cancel, true},
		{"SCHEDULEDから終了", nil, end, false},
		{"ACTIVEから終了", []op{start}, end, true},
		{"ACTIVEから開始", []op{start}, start, false},
		{"ACTIVEから中止", []op{start}, cancel, false},
		{"COMPLETEDから開始", []op{start, end}, start, false},
		{"COMPLETEDから終了", []op{start, end}, end, false},
		{"COMPLETEDから中止", []op{start, end}, cancel, false},
		{"CANCELLEDから開始", []op{cancel}, start, false},
		{"CANCELLEDから終了", []op{cancel}, end, false},
		{"CANCELLEDから中止", []op{cancel}, cancel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "host")
			created := env.createSession(t, "host", nil)
			for _, step := range tt.setup {
				if err := step(env.svc, created.ID); err != nil {
					t.Fatalf("setup failed: %v", err)
				}
			}
			before := env.stored(t, created.ID).Status

			err := tt.attempt(env.svc, created.ID)
			if tt.wantOK && err != nil {
				t.Fatalf("err = %v, want success", err)
			}
			if !tt.wantOK {
				if !model.HasCode(err, model.ErrCodeInvalidState) {
					t.Fatalf("err = %v, want invalid state", err)
				}
				if after := env.stored(t, created.ID).Status; after != before {
					t.Errorf("status changed from %s to %s on rejected transition", before, after)
				}
			}
		})
	}
}

// TestHostExclusivity はホスト専用操作をホスト以外が実行すると権限エラーになることを検証する。
func TestHostExclusivity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "host", "alice", "bob")
	created := env.createSession(t, "host", nil)
	env.svc.Join(ctx, "alice", created.ID)
	env.svc.Join(ctx, "bob", created.ID)

	ops := map[string]func() error{
		"start":  func() error { _, err := env.svc.Start(ctx, "alice", created.ID); return err },
		"end":    func() error { _, err := env.svc.End(ctx, "alice", created.ID); return err },
		"cancel": func() error { return env.svc.Cancel(ctx, "alice", created.ID, "") },
		"kick":   func() error { return env.svc.Kick(ctx, "alice", created.ID, "bob") },
		"update": func() error { return env.svc.Update(ctx, "alice", created.ID, validInput()) },
		"invite": func() error { _, err := env.svc.Invite(ctx, "alice", created.ID, []string{"bob"}); return err },
		"update with invalid body": func() error {
			return env.svc.Update(ctx, "alice", created.ID, SessionInput{Title: ""})
		},
	}
	for name, fn := range ops {
		t.Run(name, func(t *testing.T) {
			err := fn()
			if !model.IsAuthorization(err) || !model.HasCode(err, model.ErrCodeNotHost) {
				t.Errorf("err = %v, want not host", err)
			}
		})
	}

	s := env.stored(t, created.ID)
	if s.Status != model.SessionStatusScheduled || s.CurrentParticipants != 3 {
		t.Errorf("session mutated by non-host: status = %s, current = %d", s.Status, s.CurrentParticipants)
	}
}

func TestStart_NotifiesJoinedGuests(t *testing.T) {
	env := newTestEnv(t, "host", "alice", "bob", "carol")
	ctx := context.Background()
	created := env.createSession(t, "host", nil)
	env.svc.Join(ctx, "alice", created.ID)
	env.svc.Join(ctx, "bob", created.ID)
	env.svc.Leave(ctx, "bob", created.ID)
	env.svc.Invite(ctx, "host", created.ID, []string{"carol"})

	if _, err := env.svc.Start(ctx, "host", created.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := env.notifier.ofType(model.NotificationTypeStarted)
	if len(started) != 1 || started[0].RecipientID != "alice" {
		t.Errorf("started notifications = %+v, want only alice", started)
	}
	if started[0].Payload["session_id"] != created.ID {
		t.Errorf("payload = %v", started[0].Payload)
	}
}

func TestCancel_ReleasesParticipantsAndNotifies(t *testing.T) {
	env := newTestEnv(t, "host", "alice", "bob")
	ctx := context.Background()
	created := env.createSession(t, "host", nil)
	env.svc.Join(ctx, "alice", created.ID)
	env.svc.Join(ctx, "bob", created.ID)

	if err := env.svc.Cancel(ctx, "host", created.ID, "<b>体調不良</b>"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	s := env.stored(t, created.ID)
	if s.Status != model.SessionStatusCancelled || s.CurrentParticipants != 1 {
		t.Errorf("status = %s, current = %d", s.Status, s.CurrentParticipants)
	}
	for _, u := range []string{"alice", "bob"} {
		if got := env.participantStatus(t, created.ID, u); got != model.ParticipantStatusLeft {
			t.Errorf("%s status = %s, want LEFT", u, got)
		}
	}
	if got := env.participantStatus(t, created.ID, "host"); got != model.ParticipantStatusJoined {
		t.Errorf("host status = %s, want JOINED", got)
	}

	cancelled := env.notifier.ofType(model.NotificationTypeCancelled)
	if len(cancelled) != 2 {
		t.Fatalf("cancelled notifications = %d, want 2", len(cancelled))
	}
	for _, n := range cancelled {
		if n.Payload["reason"] != "体調不良" || !strings.Contains(n.Message, "体調不良") {
			t.Errorf("notification = %+v, want sanitized reason", n)
		}
	}
}

func TestRate_RequiresJoinedParticipant(t *testing.T) {
	env := newTestEnv(t, "host", "alice", "bob")
	ctx := context.Background()
	created := env.createSession(t, "host", nil)
	env.svc.Join(ctx, "alice", created.ID)

	if err := env.svc.Rate(ctx, "bob", created.ID, 5, nil); !model.HasCode(err, model.ErrCodeNotParticipant) {
		t.Errorf("non-participant rate: err = %v", err)
	}
	for _, r := range []int{0, 6, -1} {
		if err := env.svc.Rate(ctx, "alice", created.ID, r, nil); !model.IsValidation(err) {
			t.Errorf("rating %d: err = %v, want validation", r, err)
		}
	}
	if err := env.svc.Rate(ctx, "alice", "missing", 3, nil); !model.IsNotFound(err) {
		t.Errorf("missing session: err = %v, want not found", err)
	}
}

func TestRate_SanitizesFeedback(t *testing.T) {
	env := newTestEnv(t, "host", "alice")
	ctx := context.Background()
	created := env.createSession(t, "host", nil)
	env.svc.Join(ctx, "alice", created.ID)

	feedback := "<script>x</script>Great!"
	if err := env.svc.Rate(ctx, "alice", created.ID, 4, &feedback); err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	p, _ := env.repo.FindParticipant(ctx, created.ID, "alice")
	if p.Feedback == nil || *p.Feedback != "Great!" {
		t.Errorf("feedback = %v", p.Feedback)
	}

	empty := "<b></b>"
	env.svc.Rate(ctx, "alice", created.ID, 4, &empty)
	p, _ = env.repo.FindParticipant(ctx, created.ID, "alice")
	if p.Feedback != nil {
		t.Errorf("empty feedback should be stored as nil, got %q", *p.Feedback)
	}
}

// TestRate_ConcurrentAggregation は並行した評価でも集計が平均と件数に一致することを検証する。
func TestRate_ConcurrentAggregation(t *testing.T) {
	ratings := []int{5, 4, 3, 5, 2, 4, 1, 5}
	users := []string{"host"}
	for i := range ratings {
		users = append(users, fmt.Sprintf("rater-%d", i))
	}
	env := newTestEnv(t, users...)
	ctx := context.Background()
	created := env.createSession(t, "host", func(in *SessionInput) { in.MaxParticipants = 20 })
	for _, u := range users[1:] {
		if _, err := env.svc.Join(ctx, u, created.ID); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	sum := 0
	for i, r := range ratings {
		sum += r
		wg.Add(1)
		go func(userID string, rating int) {
			defer wg.Done()
			if err := env.svc.Rate(ctx, userID, created.ID, rating, nil); err != nil {
				t.Errorf("Rate failed: %v", err)
			}
		}(users[i+1], r)
	}
	wg.Wait()

	s := env.stored(t, created.ID)
	want := float64(sum) / float64(len(ratings))
	if s.RatingCount != len(ratings) || math.Abs(s.RatingAverage-want) > 1e-9 {
		t.Errorf("average = %v, count = %d; want %v, %d", s.RatingAverage, s.RatingCount, want, len(ratings))
	}

	view, _ := env.svc.GetSession(ctx, "host", created.ID)
	if view.RatingCount != len(ratings) {
		t.Errorf("view rating count = %d, want %d (cache should be invalidated)", view.RatingCount, len(ratings))
	}
}

func TestUpdate_NotifiesWithChangeKind(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionInput)
		want   model.ChangeKind
	}{
		{"タイトル変更", func(in *SessionInput) { in.Title = "Evening English" }, model.ChangeKindTitle},
		{"日時変更", func(in *SessionInput) { in.ScheduledAt = in.ScheduledAt.Add(time.Hour) }, model.ChangeKindSchedule},
		{"その他の変更", func(in *SessionInput) { in.Description = "New description" }, model.ChangeKindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "host", "alice")
			ctx := context.Background()
			created := env.createSession(t, "host", nil)
			env.svc.Join(ctx, "alice", created.ID)

			in := validInput()
			tt.mutate(&in)
			if err := env.svc.Update(ctx, "host", created.ID, in); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			updated := env.notifier.ofType(model.NotificationTypeUpdated)
			if len(updated) != 1 || updated[0].RecipientID != "alice" {
				t.Fatalf("updated notifications = %+v", updated)
			}
			if got := updated[0].Payload["change"]; got != string(tt.want) {
				t.Errorf("change = %q, want %q", got, tt.want)
			}

			view, _ := env.svc.GetSession(ctx, "host", created.ID)
			if view.Title != in.Title || view.Description != in.Description {
				t.Errorf("view not refreshed: %q / %q", view.Title, view.Description)
			}
		})
	}
}

func TestUpdate_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("定員を参加者数未満にする", func(t *testing.T) {
		env := newTestEnv(t, "host", "alice", "bob")
		created := env.createSession(t, "host", nil)
		env.svc.Join(ctx, "alice", created.ID)
		env.svc.Join(ctx, "bob", created.ID)

		in := validInput()
		in.MaxParticipants = 2
		err := env.svc.Update(ctx, "host", created.ID, in)
		if !model.HasCode(err, model.ErrCodeCapacityBelowCount) {
			t.Errorf("err = %v, want capacity below count", err)
		}
	})

	t.Run("開始後", func(t *testing.T) {
		env := newTestEnv(t, "host")
		created := env.createSession(t, "host", nil)
		env.svc.Start(ctx, "host", created.ID)

		err := env.svc.Update(ctx, "host", created.ID, validInput())
		if !model.HasCode(err, model.ErrCodeInvalidState) {
			t.Errorf("err = %v, want invalid state", err)
		}
	})

	t.Run("入力不正", func(t *testing.T) {
		env := newTestEnv(t, "host")
		created := env.createSession(t, "host", nil)
		in := validInput()
		in.SessionDuration = -5

		err := env.svc.Update(ctx, "host", created.ID, in)
		if !model.IsValidation(err) {
			t.Errorf("err = %v, want validation", err)
		}
	})

	t.Run("存在しないセッションへの不正な入力", func(t *testing.T) {
		env := newTestEnv(t, "host")

		err := env.svc.Update(ctx, "host", "missing", SessionInput{Title: ""})
		if !model.IsNotFound(err) {
			t.Errorf("err = %v, want not found", err)
		}
	})
}

func TestSideEffectFailuresDoNotFailOperations(t *testing.T) {
	env := newTestEnv(t, "host", "alice")
	ctx := context.Background()
	created := env.createSession(t, "host", nil)

	// Redisが停止してもキャッシュ・一時レコードの失敗は呼び出し元に返らない
	env.redis.Close()

	if _, err := env.svc.Join(ctx, "alice", created.ID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := env.svc.Start(ctx, "host", created.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.svc.Leave(ctx, "alice", created.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if got := env.stored(t, created.ID).CurrentParticipants; got != 1 {
		t.Errorf("current = %d, want 1", got)
	}
	if env.metrics.failures["cache"] == 0 || env.metrics.failures["coordination"] == 0 {
		t.Errorf("failures = %v, want cache and coordination failures recorded", env.metrics.failures)
	}
}
