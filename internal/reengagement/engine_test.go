package reengagement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reengagement-scheduler/internal/config"
	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/queue"
	"reengagement-scheduler/internal/store/memory"
)

var base = time.Unix(1_700_000_000, 0).UTC()

type recordingNotifier struct {
	mu    sync.Mutex
	calls []int64
	ok    bool
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, _ models.ActivityDefinition, user models.User) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, user.ID)
	return n.ok, n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingCache struct{ keys [][2]int64 }

func (c *recordingCache) Invalidate(_ context.Context, userID, courseID int64) error {
	c.keys = append(c.keys, [2]int64{userID, courseID})
	return nil
}

type recordingEvents struct{ events []models.CompletionEvent }

func (e *recordingEvents) CompletionUpdated(_ context.Context, ev models.CompletionEvent) error {
	e.events = append(e.events, ev)
	return nil
}

type fixture struct {
	host     *memory.Store
	queue    *queue.RedisQueue
	notifier *recordingNotifier
	cache    *recordingCache
	events   *recordingEvents
	engine   *Engine
	scanner  *Scanner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		host:     memory.New(),
		queue:    queue.NewRedisQueue(client, config.Config{VisibilityTimeout: time.Minute}),
		notifier: &recordingNotifier{ok: true},
		cache:    &recordingCache{},
		events:   &recordingEvents{},
	}
	deps := Deps{Host: f.host, Queue: f.queue, Notifier: f.notifier, Cache: f.cache, Events: f.events}
	f.engine = NewEngine(deps, opts, nil)
	f.scanner = NewScanner(deps, opts, nil)
	return f
}

func activity(mode models.EmailMode, reminders int) models.ActivityDefinition {
	return models.ActivityDefinition{
		ID:            10,
		ModuleID:      100,
		CourseID:      1,
		Name:          "Check in",
		Duration:      86400,
		EmailMode:     mode,
		ReminderCount: reminders,
		ReminderDelay: 3600,
		RecipientMode: models.RecipientUser,
		Templates: models.Templates{
			Subject: "We miss you %userfirstname%",
			Content: "<p>Come back to %coursefullname%</p>",
		},
	}
}

func (f *fixture) seed(def models.ActivityDefinition, userIDs ...int64) {
	f.host.PutActivity(def)
	f.host.PutCourse(models.Course{ID: def.CourseID, ShortName: "C1", FullName: "Course one", Visible: true})
	for _, id := range userIDs {
		f.host.PutUser(models.User{ID: id, Email: "learner@example.com", FirstName: "Ada", Confirmed: true})
		f.host.Enrol(def.CourseID, id, models.StartCapability)
	}
}

// track creates a progress record directly, without queuing anything.
func (f *fixture) track(t *testing.T, def models.ActivityDefinition, userID int64, now time.Time) models.ProgressRecord {
	t.Helper()
	due := now.Add(def.DurationTime())
	rec := &models.ProgressRecord{ActivityID: def.ID, UserID: userID, CompletionDueAt: due, NextReminderAt: &due, CreatedAt: now}
	flag := &models.CompletionFlag{ModuleID: def.ModuleID, UserID: userID, ModifiedAt: now}
	if err := f.host.CreateProgress(context.Background(), rec, flag); err != nil {
		t.Fatalf("create progress: %v", err)
	}
	return *rec
}

func (f *fixture) enqueue(t *testing.T, kind models.JobKind, def models.ActivityDefinition, rec models.ProgressRecord, due time.Time) {
	t.Helper()
	payload := models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: rec.ID, Progress: rec, NotAfter: def.NotAfter(due)}
	if _, err := f.queue.Enqueue(context.Background(), kind, due, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

type result struct {
	kind    models.JobKind
	outcome Outcome
	err     error
}

// drain runs every job due at now through the engine and acks it.
func (f *fixture) drain(t *testing.T, now time.Time) []result {
	t.Helper()
	var out []result
	_, err := f.queue.DispatchDue(context.Background(), now, 0, func(ctx context.Context, job models.QueuedJob) error {
		var (
			o   Outcome
			err error
		)
		switch job.Kind {
		case models.KindCompletion:
			o, err = f.engine.RunCompletion(ctx, job, now)
		case models.KindReminder:
			o, err = f.engine.RunReminder(ctx, job, now)
		}
		out = append(out, result{kind: job.Kind, outcome: o, err: err})
		return f.queue.Ack(ctx, job.ID)
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return out
}

func (f *fixture) progress(t *testing.T, activityID int64) []models.ProgressRecord {
	t.Helper()
	recs, err := f.host.ListProgress(context.Background(), activityID)
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	return recs
}

func TestReminderChainFiresExactlyReminderCount(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 3)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	var outcomes []Outcome
	now := rec.CompletionDueAt
	for i := 0; i < 5; i++ {
		for _, r := range f.drain(t, now) {
			if r.err != nil {
				t.Fatalf("run %d: %v", i, r.err)
			}
			outcomes = append(outcomes, r.outcome)
		}
		now = now.Add(def.ReminderDelayTime())
	}

	want := []Outcome{OutcomeSentAndRearmed, OutcomeSentAndRearmed, OutcomeSentFinal}
	if len(outcomes) != len(want) {
		t.Fatalf("expected %d firings, got %v", len(want), outcomes)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("firing %d: expected %s, got %s", i, want[i], outcomes[i])
		}
	}
	if f.notifier.count() != 3 {
		t.Fatalf("expected 3 sends, got %d", f.notifier.count())
	}
	recs := f.progress(t, def.ID)
	if len(recs) != 1 || recs[0].RemindersSent != 3 {
		t.Fatalf("expected remindersSent=3, got %+v", recs)
	}
	if depth, _ := f.queue.ScheduledDepth(context.Background()); depth != 0 {
		t.Fatalf("expected no further reminder queued, depth=%d", depth)
	}
}

func TestRedeliveredReminderIsNotResent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 1)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	job, err := f.queue.ClaimDue(ctx, rec.CompletionDueAt)
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	first, err := f.engine.RunReminder(ctx, *job, rec.CompletionDueAt)
	if err != nil || first != OutcomeSentFinal {
		t.Fatalf("first run: %s %v", first, err)
	}
	// The lease lapsed before the ack, so the same job comes back.
	second, err := f.engine.RunReminder(ctx, *job, rec.CompletionDueAt.Add(time.Minute))
	if err != nil || second != OutcomeSkippedDuplicate {
		t.Fatalf("expected redelivery to be skipped, got %s %v", second, err)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected exactly one send, got %d", f.notifier.count())
	}
	got, _ := f.host.GetProgress(ctx, rec.ID)
	if got.RemindersSent != 1 {
		t.Fatalf("expected remindersSent=1, got %d", got.RemindersSent)
	}
}

func TestRedeliveredReminderDoesNotForkChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 3)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	now := rec.CompletionDueAt
	job, err := f.queue.ClaimDue(ctx, now)
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if o, err := f.engine.RunReminder(ctx, *job, now); err != nil || o != OutcomeSentAndRearmed {
		t.Fatalf("first run: %s %v", o, err)
	}
	if o, err := f.engine.RunReminder(ctx, *job, now); err != nil || o != OutcomeSkippedDuplicate {
		t.Fatalf("redelivery: %s %v", o, err)
	}
	if err := f.queue.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, _ := f.queue.ScheduledDepth(ctx); depth != 1 {
		t.Fatalf("expected a single follow-up reminder, depth=%d", depth)
	}

	for i := 0; i < 4; i++ {
		now = now.Add(def.ReminderDelayTime())
		f.drain(t, now)
	}
	if f.notifier.count() != 3 {
		t.Fatalf("expected 3 sends, got %d", f.notifier.count())
	}
	got, _ := f.host.GetProgress(ctx, rec.ID)
	if got.RemindersSent != 3 {
		t.Fatalf("expected remindersSent=3, got %d", got.RemindersSent)
	}
}

func TestLoweredReminderCountStopsChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 3)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	if res := f.drain(t, rec.CompletionDueAt); len(res) != 1 || res[0].outcome != OutcomeSentAndRearmed {
		t.Fatalf("first reminder: %+v", res)
	}
	def.ReminderCount = 1
	f.host.PutActivity(def)

	res := f.drain(t, rec.CompletionDueAt.Add(def.ReminderDelayTime()))
	if len(res) != 1 || res[0].outcome != OutcomeSentFinal || res[0].err != nil {
		t.Fatalf("expected the chain to stop, got %+v", res)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected no send past the new count, got %d", f.notifier.count())
	}
	if depth, _ := f.queue.ScheduledDepth(ctx); depth != 0 {
		t.Fatalf("expected nothing queued, depth=%d", depth)
	}
}

func TestReminderSpacing(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 2)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	f.drain(t, rec.CompletionDueAt)
	got, err := f.host.GetProgress(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	want := rec.CompletionDueAt.Add(time.Hour)
	if got.NextReminderAt == nil || !got.NextReminderAt.Equal(want) {
		t.Fatalf("expected next reminder at %s, got %v", want, got.NextReminderAt)
	}
	if res := f.drain(t, want.Add(-time.Second)); len(res) != 0 {
		t.Fatalf("reminder fired early: %+v", res)
	}
	if res := f.drain(t, want); len(res) != 1 || res[0].outcome != OutcomeSentFinal {
		t.Fatalf("expected final reminder at %s, got %+v", want, res)
	}
}

func TestCompletionHaltsReminders(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 2)
	f.seed(def, 7)
	if _, err := f.scanner.Run(context.Background(), base); err != nil {
		t.Fatalf("scan: %v", err)
	}

	res := f.drain(t, base.Add(def.DurationTime()))
	if len(res) != 2 {
		t.Fatalf("expected both jobs to fire, got %+v", res)
	}
	if res[0].kind != models.KindCompletion || res[0].outcome != OutcomeCompleted {
		t.Fatalf("expected completion first, got %+v", res[0])
	}
	if res[1].kind != models.KindReminder || res[1].outcome != OutcomeSkippedAlreadyComplete {
		t.Fatalf("expected reminder to skip, got %+v", res[1])
	}
	if f.notifier.count() != 0 {
		t.Fatalf("expected no sends, got %d", f.notifier.count())
	}
	if recs := f.progress(t, def.ID); len(recs) != 0 {
		t.Fatalf("expected record deleted, got %+v", recs)
	}
	flag, _ := f.host.GetFlag(context.Background(), def.ModuleID, 7)
	if flag == nil || flag.State != models.CompletionCompletePass {
		t.Fatalf("expected completePass flag, got %+v", flag)
	}
}

func TestReminderBeforeCompletionScenario(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 2)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	due := rec.CompletionDueAt
	f.enqueue(t, models.KindReminder, def, rec, due)
	f.enqueue(t, models.KindCompletion, def, rec, due)

	res := f.drain(t, due)
	if len(res) != 2 || res[0].outcome != OutcomeSentAndRearmed || res[1].outcome != OutcomeCompleted {
		t.Fatalf("unexpected outcomes: %+v", res)
	}
	if recs := f.progress(t, def.ID); len(recs) != 0 {
		t.Fatalf("completion after a sent reminder should delete the record, got %+v", recs)
	}
	if depth, _ := f.queue.ScheduledDepth(context.Background()); depth != 1 {
		t.Fatalf("expected the second reminder to be queued, depth=%d", depth)
	}

	res = f.drain(t, due.Add(time.Hour))
	if len(res) != 1 || res[0].outcome != OutcomeAborted || res[0].err != nil {
		t.Fatalf("expected clean abort on missing record, got %+v", res)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected exactly one send, got %d", f.notifier.count())
	}
}

func TestUnenrolledUserRecordIsDropped(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailOnCompletion, 0)
	f.seed(def, 7)
	if _, err := f.scanner.Run(context.Background(), base); err != nil {
		t.Fatalf("scan: %v", err)
	}
	f.host.Unenrol(def.CourseID, 7)

	res := f.drain(t, base.Add(def.DurationTime()))
	if len(res) != 1 || res[0].outcome != OutcomeAborted || !errors.Is(res[0].err, ErrStaleReference) {
		t.Fatalf("expected stale-reference abort, got %+v", res)
	}
	if recs := f.progress(t, def.ID); len(recs) != 0 {
		t.Fatalf("expected orphan deleted, got %+v", recs)
	}
	flag, _ := f.host.GetFlag(context.Background(), def.ModuleID, 7)
	if flag == nil || flag.State != models.CompletionIncomplete {
		t.Fatalf("completion flag must not change, got %+v", flag)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("expected no sends, got %d", f.notifier.count())
	}
}

func TestDeletedUserAndActivityDropRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 1)
	f.seed(def, 7, 8)
	recA := f.track(t, def, 7, base)
	recB := f.track(t, def, 8, base)
	f.host.PutUser(models.User{ID: 8, Deleted: true})

	_, err := f.engine.RunReminder(ctx, models.QueuedJob{Kind: models.KindReminder, DueAt: base, Payload: models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: recB.ID, Progress: recB}}, base)
	if !errors.Is(err, ErrStaleReference) {
		t.Fatalf("expected stale reference for deleted user, got %v", err)
	}
	if _, err := f.host.GetProgress(ctx, recB.ID); err == nil {
		t.Fatalf("expected record of deleted user removed")
	}

	gone := def
	gone.ID = 99
	_, err = f.engine.RunCompletion(ctx, models.QueuedJob{Kind: models.KindCompletion, DueAt: base, Payload: models.JobPayload{ActivityID: gone.ID, Activity: gone, ProgressID: recA.ID, Progress: recA}}, base)
	if !errors.Is(err, ErrStaleReference) {
		t.Fatalf("expected stale reference for missing activity, got %v", err)
	}
	if _, err := f.host.GetProgress(ctx, recA.ID); err == nil {
		t.Fatalf("expected record of missing activity removed")
	}
}

func TestSuppressedReminderStillAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 2)
	target := int64(200)
	def.SuppressTargetModuleID = &target
	f.seed(def, 7)
	if err := f.host.UpsertFlag(ctx, &models.CompletionFlag{ModuleID: target, UserID: 7, State: models.CompletionCompletePass}); err != nil {
		t.Fatalf("upsert flag: %v", err)
	}
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	res := f.drain(t, rec.CompletionDueAt)
	if len(res) != 1 || res[0].outcome != OutcomeSentAndRearmed || res[0].err != nil {
		t.Fatalf("expected bookkeeping to advance, got %+v", res)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("suppressed reminder must not notify, got %d sends", f.notifier.count())
	}
	got, _ := f.host.GetProgress(ctx, rec.ID)
	if got.RemindersSent != 1 {
		t.Fatalf("expected remindersSent=1, got %d", got.RemindersSent)
	}
}

func TestStaleReminderIsNotSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 2)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	res := f.drain(t, rec.CompletionDueAt.Add(49*time.Hour))
	if len(res) != 1 || res[0].outcome != OutcomeSentAndRearmed {
		t.Fatalf("expected bookkeeping to advance, got %+v", res)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("stale reminder must not notify, got %d sends", f.notifier.count())
	}
	got, _ := f.host.GetProgress(ctx, rec.ID)
	if got.RemindersSent != 1 {
		t.Fatalf("expected remindersSent=1, got %d", got.RemindersSent)
	}
}

func TestRetriedReminderMeasuresStalenessFromFirstDueTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 2)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	due := rec.CompletionDueAt
	now := due.Add(49 * time.Hour)

	job := models.QueuedJob{
		Kind:       models.KindReminder,
		DueAt:      now.Add(-time.Minute),
		FirstDueAt: due,
		Payload:    models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: rec.ID, Progress: rec},
	}
	o, err := f.engine.RunReminder(ctx, job, now)
	if err != nil || o != OutcomeSentAndRearmed {
		t.Fatalf("expected bookkeeping to advance, got %s %v", o, err)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("retry of a stale reminder must not notify, got %d sends", f.notifier.count())
	}
}

func TestSendDeadlineSuppressesLateMessage(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 1)
	def.SendDeadline = 60
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	res := f.drain(t, rec.CompletionDueAt.Add(2*time.Minute))
	if len(res) != 1 || res[0].outcome != OutcomeSentFinal || res[0].err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("overdue reminder must not notify, got %d sends", f.notifier.count())
	}
}

func TestCompletionNotifiesInOnCompletionMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnCompletion, 0)
	f.seed(def, 7)
	if _, err := f.scanner.Run(ctx, base); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if depth, _ := f.queue.ScheduledDepth(ctx); depth != 1 {
		t.Fatalf("onCompletion mode queues only the completion job, depth=%d", depth)
	}

	res := f.drain(t, base.Add(def.DurationTime()))
	if len(res) != 1 || res[0].outcome != OutcomeCompleted || res[0].err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected one completion message, got %d", f.notifier.count())
	}
	if len(f.cache.keys) != 1 || f.cache.keys[0] != [2]int64{7, def.CourseID} {
		t.Fatalf("expected cache invalidation for user 7, got %v", f.cache.keys)
	}
	if len(f.events.events) != 1 || f.events.events[0].State != models.CompletionCompletePass {
		t.Fatalf("expected one completion event, got %+v", f.events.events)
	}
}

func TestCompletionNeverModeDeletesSilently(t *testing.T) {
	f := newFixture(t, Options{})
	def := activity(models.EmailNever, 0)
	def.Templates = models.Templates{}
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindCompletion, def, rec, rec.CompletionDueAt)

	res := f.drain(t, rec.CompletionDueAt)
	if len(res) != 1 || res[0].outcome != OutcomeCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if recs := f.progress(t, def.ID); len(recs) != 0 {
		t.Fatalf("expected record deleted, got %+v", recs)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("never mode must not notify")
	}
}

func TestCompletionRecreatesMissingFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 1)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.host.DeleteFlag(def.ModuleID, 7)

	job := models.QueuedJob{Kind: models.KindCompletion, DueAt: rec.CompletionDueAt, Payload: models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: rec.ID, Progress: rec}}
	if o, err := f.engine.RunCompletion(ctx, job, rec.CompletionDueAt); err != nil || o != OutcomeCompleted {
		t.Fatalf("run completion: %s %v", o, err)
	}
	flag, _ := f.host.GetFlag(ctx, def.ModuleID, 7)
	if flag == nil || flag.State != models.CompletionCompletePass || !flag.Viewed {
		t.Fatalf("expected recreated completePass flag, got %+v", flag)
	}
	got, err := f.host.GetProgress(ctx, rec.ID)
	if err != nil || !got.Completed {
		t.Fatalf("onSchedule without sent reminders keeps a completed record, got %+v err=%v", got, err)
	}
}

func TestCompletionPersistenceFailureSkipsEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnCompletion, 0)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.host.FailOn("DeleteProgress", errors.New("disk full"))

	job := models.QueuedJob{Kind: models.KindCompletion, DueAt: rec.CompletionDueAt, Payload: models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: rec.ID, Progress: rec}}
	o, err := f.engine.RunCompletion(ctx, job, rec.CompletionDueAt)
	if o != OutcomeAborted || !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence abort, got %s %v", o, err)
	}
	if IsTransient(err) {
		t.Fatalf("persistence failures are not retried")
	}
	if f.notifier.count() != 0 {
		t.Fatalf("email must be skipped after a failed write")
	}
	var jerr *JobError
	if !errors.As(err, &jerr) || jerr.ProgressID != rec.ID || jerr.UserID != 7 || jerr.ActivityID != def.ID {
		t.Fatalf("expected job context on error, got %+v", jerr)
	}
}

func TestTransientReadFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnSchedule, 1)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.host.FailOn("GetProgress", errors.New("connection reset"))

	job := models.QueuedJob{Kind: models.KindReminder, DueAt: rec.CompletionDueAt, Payload: models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: rec.ID, Progress: rec}}
	o, err := f.engine.RunReminder(ctx, job, rec.CompletionDueAt)
	if o != OutcomeAborted || !IsTransient(err) {
		t.Fatalf("expected transient abort, got %s %v", o, err)
	}
	f.host.FailOn("GetProgress", nil)
	got, _ := f.host.GetProgress(ctx, rec.ID)
	if got.RemindersSent != 0 {
		t.Fatalf("state must not change on a transient failure, got %+v", got)
	}
}

func TestMisconfiguredActivityAbortsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	def := activity(models.EmailOnCompletion, 0)
	def.Templates.Content = ""
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)

	job := models.QueuedJob{Kind: models.KindCompletion, DueAt: rec.CompletionDueAt, Payload: models.JobPayload{ActivityID: def.ID, Activity: def, ProgressID: rec.ID, Progress: rec}}
	o, err := f.engine.RunCompletion(ctx, job, rec.CompletionDueAt)
	if o != OutcomeAborted || !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration abort, got %s %v", o, err)
	}
	flag, _ := f.host.GetFlag(ctx, def.ModuleID, 7)
	if flag == nil || flag.State != models.CompletionIncomplete {
		t.Fatalf("flag must not change, got %+v", flag)
	}
	if _, err := f.host.GetProgress(ctx, rec.ID); err != nil {
		t.Fatalf("record must survive: %v", err)
	}
}

func TestFailedNotificationDoesNotRearm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.notifier.ok = false
	def := activity(models.EmailOnSchedule, 2)
	f.seed(def, 7)
	rec := f.track(t, def, 7, base)
	f.enqueue(t, models.KindReminder, def, rec, rec.CompletionDueAt)

	res := f.drain(t, rec.CompletionDueAt)
	if len(res) != 1 || res[0].outcome != OutcomeSentFinal || !errors.Is(res[0].err, ErrNotification) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if depth, _ := f.queue.ScheduledDepth(ctx); depth != 0 {
		t.Fatalf("failed send must not re-arm, depth=%d", depth)
	}
	got, _ := f.host.GetProgress(ctx, rec.ID)
	if got.RemindersSent != 1 {
		t.Fatalf("bookkeeping happens before the send, got %d", got.RemindersSent)
	}
}
