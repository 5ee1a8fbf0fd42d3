package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/behavior"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/signal"
)

var evalNow = time.Date(2026, 4, 20, 14, 0, 0, 0, time.UTC)

type fakeBaselines struct {
	hour, sessionCount, duration, location bool
}

func (f fakeBaselines) IsCurrentHourAnomaly() bool              { return f.hour }
func (f fakeBaselines) IsTodaySessionCountAnomaly() bool        { return f.sessionCount }
func (f fakeBaselines) IsSessionDurationAnomaly(int64) bool     { return f.duration }
func (f fakeBaselines) IsLocationAnomaly(lat, lng float64) bool { return f.location }

type fakeBehavior struct {
	points int
	err    error
}

func (f fakeBehavior) RiskPoints(context.Context, time.Time, time.Time) (behavior.Points, error) {
	return behavior.Points{Total: f.points}, f.err
}

func newEngine(t *testing.T, signals ...*signal.Signal) (*Engine, *signal.MemoryStore, *MemoryStore) {
	t.Helper()
	sigs := signal.NewMemoryStore()
	if len(signals) > 0 {
		if err := sigs.InsertAll(context.Background(), signals); err != nil {
			t.Fatal(err)
		}
	}
	scores := NewMemoryStore()
	e := NewEngine(sigs, scores).
		WithClock(func() time.Time { return evalNow }).
		WithRetryPolicy(retry.Policy{MaxAttempts: 1, Timeout: time.Second})
	return e, sigs, scores
}

func sig(t signal.Type, ago time.Duration) *signal.Signal {
	return signal.New(t, "", "", evalNow.Add(-ago))
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelNormal},
		{39, LevelNormal},
		{40, LevelWarning},
		{69, LevelWarning},
		{70, LevelHigh},
		{89, LevelHigh},
		{90, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestLevelAtLeast(t *testing.T) {
	if !LevelCritical.AtLeast(LevelHigh) || !LevelHigh.AtLeast(LevelHigh) || LevelWarning.AtLeast(LevelHigh) {
		t.Error("AtLeast ordering is wrong")
	}
	if ParseLevel("bogus") != LevelNormal || ParseLevel("HIGH") != LevelHigh {
		t.Error("ParseLevel mismatch")
	}
}

func TestWeights(t *testing.T) {
	if Weight(signal.TypeRootDetected) != 50 || Weight(signal.TypeLoginFailure) != 15 || Weight(signal.TypeLocaleChange) != 10 {
		t.Error("unexpected fixed weights")
	}
	if Weight(signal.TypeUnknown) != 0 || Weight(signal.TypeAppOpened) != 0 {
		t.Error("unknown and informational types must weigh 0")
	}
}

func TestCompoundBonuses(t *testing.T) {
	active := map[signal.Type]bool{
		signal.TypeDeviceBoot:      true,
		signal.TypeSIMRemoved:      true,
		signal.TypeNetworkChange:   true,
		signal.TypeSIMChanged:      true,
		signal.TypeLocationAnomaly: true,
		signal.TypeRootDetected:    true,
	}
	got := CompoundBonuses(active)
	want := map[string]int{
		"COMPOUND_THEFT_PATTERN":        40,
		"COMPOUND_SIM_SWAP":             20,
		"COMPOUND_COMPROMISED_LOCATION": 25,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}

	if len(CompoundBonuses(map[signal.Type]bool{signal.TypeLocationAnomaly: true})) != 0 {
		t.Error("location anomaly alone must not match")
	}
}

func TestEvaluate_EmptyWindow(t *testing.T) {
	e, _, _ := newEngine(t)

	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore != 0 || score.Level != LevelNormal {
		t.Errorf("got %d %s, want 0 NORMAL", score.TotalScore, score.Level)
	}
	if score.Decayed {
		t.Error("nothing to decay from")
	}
}

func TestEvaluate_RootAndEmulatorClampsToCritical(t *testing.T) {
	e, _, scores := newEngine(t,
		sig(signal.TypeRootDetected, 5*time.Minute),
		sig(signal.TypeEmulatorDetected, 10*time.Minute),
	)

	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore != 100 || score.Level != LevelCritical {
		t.Errorf("got %d %s, want 100 CRITICAL", score.TotalScore, score.Level)
	}
	if score.Contributions["ROOT_DETECTED"] != 50 || score.Contributions["EMULATOR_DETECTED"] != 50 {
		t.Errorf("unexpected contributions %v", score.Contributions)
	}

	latest, _ := scores.GetLatest(context.Background())
	if latest == nil || latest.ID != score.ID {
		t.Error("score must be persisted")
	}
}

func TestEvaluate_RemoteAnalysisCompound(t *testing.T) {
	e, _, _ := newEngine(t,
		sig(signal.TypeEmulatorDetected, time.Minute),
		sig(signal.TypeDebuggerDetected, time.Minute),
	)
	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.Contributions["COMPOUND_REMOTE_ANALYSIS"] != 30 {
		t.Errorf("missing remote analysis bonus: %v", score.Contributions)
	}
	if score.TotalScore != 100 {
		t.Errorf("50+45+30 must clamp to 100, got %d", score.TotalScore)
	}
}

func TestEvaluate_IgnoresSignalsOutsideWindow(t *testing.T) {
	e, _, _ := newEngine(t,
		sig(signal.TypeSIMRemoved, 2*time.Hour),
		sig(signal.TypeLoginFailure, 30*time.Minute),
	)
	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore != 15 {
		t.Errorf("got %d, want 15", score.TotalScore)
	}
}

func TestEvaluate_UnknownTypeIsZeroWeight(t *testing.T) {
	e, _, _ := newEngine(t, signal.FromName("HOLOGRAM_DETECTED", "", "", evalNow.Add(-time.Minute)))
	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore != 0 {
		t.Errorf("unknown type scored %d", score.TotalScore)
	}
}

func TestEvaluate_DecayAfterTwoHours(t *testing.T) {
	e, _, scores := newEngine(t)
	ctx := context.Background()
	if err := scores.Insert(ctx, &Score{ID: "rs_prev", TotalScore: 80, Level: LevelHigh, Timestamp: evalNow.Add(-2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	score, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore != 64 || score.Level != LevelWarning {
		t.Errorf("got %d %s, want 64 WARNING", score.TotalScore, score.Level)
	}
	if !score.Decayed {
		t.Error("expected Decayed flag")
	}
	if got := score.Contributions[ContribDecayed]; got != 64 {
		t.Errorf("DECAYED contribution = %d, want 64", got)
	}
	if triggers := score.Triggers(); len(triggers) != 1 || triggers[0] != ContribDecayed {
		t.Errorf("triggers = %v, want [DECAYED]", triggers)
	}
}

func TestEvaluate_DecayKeepsFreshContributions(t *testing.T) {
	// A network change inside the window but before the previous score
	// does not stop decay.
	e, _, scores := newEngine(t, sig(signal.TypeNetworkChange, 50*time.Minute))
	ctx := context.Background()
	if err := scores.Insert(ctx, &Score{ID: "rs_prev", TotalScore: 80, Timestamp: evalNow.Add(-30 * time.Minute)}); err != nil {
		t.Fatal(err)
	}

	score, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// 80 decayed over 30 minutes is 76: 10 from the signal, 66 carried.
	if score.TotalScore != 76 || !score.Decayed {
		t.Fatalf("got %d decayed=%v, want 76 decayed", score.TotalScore, score.Decayed)
	}
	if score.Contributions["NETWORK_CHANGE"] != 10 || score.Contributions[ContribDecayed] != 66 {
		t.Errorf("contributions = %v", score.Contributions)
	}
	sum := 0
	for _, v := range score.Contributions {
		sum += v
	}
	if sum != score.TotalScore {
		t.Errorf("contributions sum to %d, want %d", sum, score.TotalScore)
	}
}

func TestEvaluate_NoDecayWithBehavioralPoints(t *testing.T) {
	e, _, scores := newEngine(t)
	e.WithBehavior(fakeBehavior{points: 30})
	ctx := context.Background()
	_ = scores.Insert(ctx, &Score{ID: "rs_prev", TotalScore: 80, Timestamp: evalNow.Add(-2 * time.Hour)})

	score, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score.Decayed || score.TotalScore != 30 {
		t.Errorf("got %d decayed=%v, want fresh 30", score.TotalScore, score.Decayed)
	}
}

func TestEvaluate_NoDecayWithNewSignals(t *testing.T) {
	e, _, scores := newEngine(t, sig(signal.TypeDeviceBoot, 10*time.Minute))
	ctx := context.Background()
	_ = scores.Insert(ctx, &Score{ID: "rs_prev", TotalScore: 80, Timestamp: evalNow.Add(-30 * time.Minute)})

	score, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score.Decayed || score.TotalScore != 10 {
		t.Errorf("got %d decayed=%v, want fresh 10", score.TotalScore, score.Decayed)
	}
}

func TestDecayedScore_NeverIncreases(t *testing.T) {
	for prev := 0; prev <= 100; prev += 7 {
		for _, age := range []time.Duration{-time.Hour, 0, time.Minute, 90 * time.Minute, 5 * time.Hour, 12 * time.Hour} {
			d := DecayedScore(prev, age)
			if d > prev || d < 0 {
				t.Errorf("DecayedScore(%d, %s) = %d", prev, age, d)
			}
		}
	}
	if DecayedScore(80, 10*time.Hour) != 0 {
		t.Error("ten hours decays to zero")
	}
}

func TestEvaluate_BaselineAnomalies(t *testing.T) {
	end := signal.New(signal.TypeSessionEnd, "", `{"durationMs":9000000}`, evalNow.Add(-5*time.Minute))
	loc := signal.New(signal.TypeLocationUpdate, "", `{"latitude":1,"longitude":1}`, evalNow.Add(-time.Minute))
	open := sig(signal.TypeAppOpened, 2*time.Minute)

	e, _, _ := newEngine(t, end, loc, open)
	e.WithBaselines(fakeBaselines{hour: true, sessionCount: true, duration: true, location: true})

	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{
		ContribUnusualHour:            20,
		ContribUnusualSessionCount:    15,
		ContribUnusualSessionDuration: 10,
		ContribUnknownLocation:        30,
	}
	for k, v := range want {
		if score.Contributions[k] != v {
			t.Errorf("%s = %d, want %d", k, score.Contributions[k], v)
		}
	}
	if score.TotalScore != 75 || score.Level != LevelHigh {
		t.Errorf("got %d %s, want 75 HIGH", score.TotalScore, score.Level)
	}
}

func TestEvaluate_UnusualHourNeedsActivity(t *testing.T) {
	e, _, _ := newEngine(t)
	e.WithBaselines(fakeBaselines{hour: true})

	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore != 0 {
		t.Errorf("idle device scored %d at an unusual hour", score.TotalScore)
	}
}

func TestEvaluate_BehavioralCapped(t *testing.T) {
	e, _, _ := newEngine(t)
	e.WithBehavior(fakeBehavior{points: 80})

	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.Contributions[ContribBehavioral] != behavior.CapTotal {
		t.Errorf("behavioral = %d, want %d", score.Contributions[ContribBehavioral], behavior.CapTotal)
	}
}

func TestEvaluate_FailedUnlocksReflectInBehavioralPoints(t *testing.T) {
	ctx := context.Background()
	store := behavior.NewMemoryStore()
	monitor := behavior.NewMonitor(store, time.UTC, nil)

	start := evalNow.Add(-50 * time.Minute)
	if err := store.UpsertUnlockPattern(ctx, &behavior.UnlockPattern{
		HourOfDay: start.Hour(), DayOfWeek: int(start.Weekday()),
		SlotStart: start.Truncate(time.Hour), SampleCount: 7, AverageUnlocks: 1,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := monitor.RecordFailedAttempt(ctx, start.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	e, _, _ := newEngine(t)
	e.WithBehavior(monitor)
	score, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score.Contributions[ContribBehavioral] != behavior.CapUnlock {
		t.Errorf("behavioral = %d, want %d", score.Contributions[ContribBehavioral], behavior.CapUnlock)
	}
}

type brokenScoreStore struct {
	MemoryStore
}

func (b *brokenScoreStore) GetLatest(context.Context) (*Score, error) {
	return nil, errors.New("database is locked")
}

func TestEvaluate_StoreErrorSkips(t *testing.T) {
	store := &brokenScoreStore{}
	e := NewEngine(signal.NewMemoryStore(), store).
		WithClock(func() time.Time { return evalNow }).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	_, err := e.Evaluate(context.Background())
	if !errors.Is(err, ErrEvaluationSkipped) {
		t.Fatalf("want ErrEvaluationSkipped, got %v", err)
	}
	if len(store.scores) != 0 {
		t.Error("nothing should be written on skip")
	}
}

func TestEvaluate_BehaviorErrorSkips(t *testing.T) {
	e, _, scores := newEngine(t)
	e.WithBehavior(fakeBehavior{err: errors.New("timeout")})

	if _, err := e.Evaluate(context.Background()); !errors.Is(err, ErrEvaluationSkipped) {
		t.Fatalf("want ErrEvaluationSkipped, got %v", err)
	}
	if latest, _ := scores.GetLatest(context.Background()); latest != nil {
		t.Error("previous score must be retained")
	}
}

func TestEvaluate_CancelledWaiterGivesUp(t *testing.T) {
	e, _, _ := newEngine(t)
	// Hold the evaluation slot as a long-running evaluation would.
	if err := e.running.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	defer e.running.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Evaluate(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestEvaluate_ScoreAlwaysInRange(t *testing.T) {
	all := make([]*signal.Signal, 0, len(signal.Types())*3)
	for _, typ := range signal.Types() {
		for i := 0; i < 3; i++ {
			all = append(all, sig(typ, time.Duration(i+1)*time.Minute))
		}
	}
	e, _, _ := newEngine(t, all...)
	e.WithBaselines(fakeBaselines{true, true, true, true}).WithBehavior(fakeBehavior{points: 50})

	score, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalScore < 0 || score.TotalScore > 100 || score.Level != LevelForScore(score.TotalScore) {
		t.Errorf("out of range: %d %s", score.TotalScore, score.Level)
	}
}

func TestTriggers_SortedByPoints(t *testing.T) {
	s := &Score{Contributions: map[string]int{"LOGIN_FAILURE": 15, "ROOT_DETECTED": 50, "DEVICE_BOOT": 10}}
	got := s.Triggers()
	if len(got) != 3 || got[0] != "ROOT_DETECTED" || got[2] != "DEVICE_BOOT" {
		t.Errorf("unexpected order %v", got)
	}
}
