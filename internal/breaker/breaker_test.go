package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB creates an in-memory SQLite database with all required tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.BreakerState{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testSettings() Settings {
	return Settings{
		MinSamples:   2,
		FailureRatio: 0.5,
		Window:       time.Hour,
		ResetTimeout: time.Hour,
		CallTimeout:  time.Second,
	}
}

func mustState(t *testing.T, db *gorm.DB, lineID uint) string {
	t.Helper()
	st, err := State(db, lineID)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return st
}

func failTransient() func(context.Context) error {
	return func(context.Context) error {
		return fault.Transient(errors.New("connection reset"))
	}
}

func TestDo_ClosedPassesCallThrough(t *testing.T) {
	db := testDB(t)
	called := false
	err := Do(context.Background(), db, 1, testSettings(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("call not invoked with a closed breaker")
	}
	if got := mustState(t, db, 1); got != models.BreakerClosed {
		t.Errorf("state = %q, want closed", got)
	}
}

func TestDo_TripsOnFailureRatio(t *testing.T) {
	db := testDB(t)
	s := testSettings()

	for i := 0; i < 2; i++ {
		if err := Do(context.Background(), db, 1, s, failTransient()); err == nil {
			t.Fatalf("call %d: expected the transient error back", i)
		}
	}
	if got := mustState(t, db, 1); got != models.BreakerOpen {
		t.Errorf("state = %q, want open after 2/2 failures with min samples 2", got)
	}
}

func TestDo_BelowMinSamplesDoesNotTrip(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	s.MinSamples = 5

	for i := 0; i < 3; i++ {
		Do(context.Background(), db, 1, s, failTransient())
	}
	if got := mustState(t, db, 1); got != models.BreakerClosed {
		t.Errorf("state = %q, want closed below the sample floor", got)
	}
}

func TestDo_OpenFailsFastWithoutCalling(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	for i := 0; i < 2; i++ {
		Do(context.Background(), db, 1, s, failTransient())
	}

	called := false
	err := Do(context.Background(), db, 1, s, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, fault.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ErrChannelUnavailable", err)
	}
	if called {
		t.Error("provider called while the breaker is open")
	}
}

func TestDo_PermanentErrorsDoNotCount(t *testing.T) {
	db := testDB(t)
	s := testSettings()

	for i := 0; i < 4; i++ {
		err := Do(context.Background(), db, 1, s, func(context.Context) error {
			return fault.Permanent(errors.New("invalid recipient"))
		})
		if !fault.IsPermanentDelivery(err) {
			t.Fatalf("call %d: err = %v, want permanent delivery error back", i, err)
		}
	}
	if got := mustState(t, db, 1); got != models.BreakerClosed {
		t.Errorf("state = %q, want closed: the channel answered every time", got)
	}
}

func TestDo_TimeoutCountsAsFailure(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	s.MinSamples = 1
	s.FailureRatio = 1.0
	s.CallTimeout = 10 * time.Millisecond

	err := Do(context.Background(), db, 1, s, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !fault.IsTransientDelivery(err) {
		t.Fatalf("err = %v, want transient delivery error", err)
	}
	if got := mustState(t, db, 1); got != models.BreakerOpen {
		t.Errorf("state = %q, want open after a timed-out call", got)
	}
}

func TestDo_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	s.ResetTimeout = time.Millisecond
	for i := 0; i < 2; i++ {
		Do(context.Background(), db, 1, s, failTransient())
	}
	if got := mustState(t, db, 1); got != models.BreakerOpen {
		t.Fatalf("state = %q, want open", got)
	}
	time.Sleep(5 * time.Millisecond)

	err := Do(context.Background(), db, 1, s, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := mustState(t, db, 1); got != models.BreakerClosed {
		t.Errorf("state = %q, want closed after a successful trial", got)
	}
}

func TestDo_HalfOpenTrialReopensOnFailure(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	s.ResetTimeout = time.Millisecond
	for i := 0; i < 2; i++ {
		Do(context.Background(), db, 1, s, failTransient())
	}
	time.Sleep(5 * time.Millisecond)

	Do(context.Background(), db, 1, s, failTransient())
	if got := mustState(t, db, 1); got != models.BreakerOpen {
		t.Errorf("state = %q, want open again after a failed trial", got)
	}
}

func TestDo_SingleTrialInHalfOpen(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	// Another instance already owns the trial.
	now := time.Now()
	st := models.BreakerState{LineID: 1, State: models.BreakerHalfOpen, TrialInFlight: true, TrialStartedAt: &now, WindowStartedAt: now}
	if err := db.Create(&st).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	called := false
	err := Do(context.Background(), db, 1, s, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, fault.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ErrChannelUnavailable", err)
	}
	if called {
		t.Error("second trial let through in half-open")
	}
}

func TestDo_StaleHalfOpenTrialIsTakenOver(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	// The trial's owner died without recording an outcome: the flag is set
	// but the trial started far longer ago than any call could run.
	started := time.Now().Add(-time.Hour)
	st := models.BreakerState{LineID: 1, State: models.BreakerHalfOpen, TrialInFlight: true, TrialStartedAt: &started, WindowStartedAt: started}
	if err := db.Create(&st).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	called := false
	err := Do(context.Background(), db, 1, s, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("stale trial not taken over: line stuck half-open")
	}
	if got := mustState(t, db, 1); got != models.BreakerClosed {
		t.Errorf("state = %q, want closed after the recovered trial succeeded", got)
	}
}

func TestDo_StaleTrialWithoutStartStampIsTakenOver(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	st := models.BreakerState{LineID: 1, State: models.BreakerHalfOpen, TrialInFlight: true, WindowStartedAt: time.Now()}
	if err := db.Create(&st).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	Do(context.Background(), db, 1, s, failTransient())
	if got := mustState(t, db, 1); got != models.BreakerOpen {
		t.Errorf("state = %q, want open again after the recovered trial failed", got)
	}
}

func TestDo_OnOpenFires(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	var opened []uint
	s.OnOpen = func(lineID uint) { opened = append(opened, lineID) }

	for i := 0; i < 2; i++ {
		Do(context.Background(), db, 1, s, failTransient())
	}
	if len(opened) != 1 || opened[0] != 1 {
		t.Errorf("OnOpen fired %v, want exactly once for line 1", opened)
	}
}

func TestState_MissingRowIsClosed(t *testing.T) {
	db := testDB(t)
	if got := mustState(t, db, 9); got != models.BreakerClosed {
		t.Errorf("state = %q, want closed for an unseen line", got)
	}
}

func TestDo_WindowLapsesCountersReset(t *testing.T) {
	db := testDB(t)
	s := testSettings()
	s.Window = time.Millisecond

	Do(context.Background(), db, 1, s, failTransient())
	time.Sleep(5 * time.Millisecond)
	Do(context.Background(), db, 1, s, failTransient())

	var st models.BreakerState
	if err := db.Where("line_id = ?", 1).First(&st).Error; err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.State != models.BreakerClosed {
		t.Fatalf("state = %q, want closed", st.State)
	}
	if st.Samples != 1 {
		t.Errorf("samples = %d, want 1: the lapsed window must not accumulate", st.Samples)
	}
}
