package router

import (
	"errors"
	"sync"
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
	if err := db.AutoMigrate(
		&models.Contact{},
		&models.Line{},
		&models.Operator{},
		&models.Conversation{},
		&models.ControlConfig{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func setCapacity(t *testing.T, db *gorm.DB, capacity int) {
	t.Helper()
	cc := models.ControlConfig{ID: 1, CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: capacity}
	if err := db.Create(&cc).Error; err != nil {
		t.Fatalf("seed control config: %v", err)
	}
}

func addOperator(t *testing.T, db *gorm.DB, id string, segmentID uint, online bool, since time.Time) {
	t.Helper()
	op := models.Operator{ID: id, Name: id, SegmentID: segmentID, Role: models.RoleOperator, Online: online}
	if online {
		op.OnlineSince = &since
	}
	if err := db.Create(&op).Error; err != nil {
		t.Fatalf("create operator %s: %v", id, err)
	}
}

func addLine(t *testing.T, db *gorm.DB, id, segmentID uint) {
	t.Helper()
	line := models.Line{ID: id, Number: "5511990000000", SegmentID: segmentID, Status: models.LineActive, ChannelID: "ch-test"}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("create line %d: %v", id, err)
	}
}

func addRow(t *testing.T, db *gorm.DB, phone, operatorID string, segmentID uint, tabulated bool, at time.Time) {
	t.Helper()
	row := models.Conversation{
		ContactPhone: phone,
		SegmentID:    segmentID,
		Sender:       models.SenderContact,
		CreatedAt:    at,
	}
	if operatorID != "" {
		row.OperatorID = &operatorID
		row.OperatorName = operatorID
	}
	if tabulated {
		tab := uint(1)
		row.TabulationID = &tab
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create conversation row: %v", err)
	}
}

func TestRouteInbound_EmptyPhone(t *testing.T) {
	db := testDB(t)
	_, _, err := RouteInbound(db, 1, "")
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRouteInbound_StickyOwner(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	addLine(t, db, 1, 7)
	now := time.Now()
	addOperator(t, db, "alice", 7, false, now)
	addOperator(t, db, "bob", 7, true, now)
	addRow(t, db, "5511988887777", "alice", 7, false, now.Add(-time.Hour))

	got, ok, err := RouteInbound(db, 1, "5511988887777")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got != "alice" {
		t.Errorf("routed to %q (ok=%v), want alice: owner keeps the conversation even offline", got, ok)
	}
}

func TestRouteInbound_TabulatedRowsDoNotStick(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	addLine(t, db, 1, 7)
	now := time.Now()
	addOperator(t, db, "alice", 7, false, now)
	addOperator(t, db, "bob", 7, true, now)
	// Alice's history with this contact is closed.
	addRow(t, db, "5511988887777", "alice", 7, true, now.Add(-48*time.Hour))

	got, ok, err := RouteInbound(db, 1, "5511988887777")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got != "bob" {
		t.Errorf("routed to %q (ok=%v), want bob: closed history must not pin routing", got, ok)
	}
}

func TestRouteInbound_LeastLoaded(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	addLine(t, db, 1, 7)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	addOperator(t, db, "bob", 7, true, now)
	addRow(t, db, "5511911111111", "alice", 7, false, now)
	addRow(t, db, "5511922222222", "alice", 7, false, now)
	addRow(t, db, "5511933333333", "bob", 7, false, now)

	got, ok, err := RouteInbound(db, 1, "5511944444444")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got != "bob" {
		t.Errorf("routed to %q (ok=%v), want bob (load 1 vs 2)", got, ok)
	}
}

func TestRouteInbound_TieBreakBySustainedPresence(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	addLine(t, db, 1, 7)
	now := time.Now()
	addOperator(t, db, "late", 7, true, now)
	addOperator(t, db, "early", 7, true, now.Add(-2*time.Hour))

	got, ok, err := RouteInbound(db, 1, "5511944444444")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got != "early" {
		t.Errorf("routed to %q (ok=%v), want early (longest continuous connection)", got, ok)
	}
}

func TestRouteInbound_NeverPastCapacity(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 2)
	addLine(t, db, 1, 7)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	addRow(t, db, "5511911111111", "alice", 7, false, now)
	addRow(t, db, "5511922222222", "alice", 7, false, now)

	_, ok, err := RouteInbound(db, 1, "5511944444444")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("routed past capacity; message should go to the queue instead")
	}
}

func TestRouteInbound_NoOnlineOperators(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	addLine(t, db, 1, 7)
	addOperator(t, db, "alice", 7, false, time.Now())

	_, ok, err := RouteInbound(db, 1, "5511944444444")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("routed with nobody online")
	}
}

func TestRouteInbound_SegmentIsolation(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	addLine(t, db, 1, 7)
	addOperator(t, db, "other-segment", 9, true, time.Now())

	_, ok, err := RouteInbound(db, 1, "5511944444444")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("routed across segments")
	}
}

func TestActiveLoad_CountsDistinctContacts(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	addRow(t, db, "5511911111111", "alice", 7, false, now)
	addRow(t, db, "5511911111111", "alice", 7, false, now.Add(time.Minute))
	addRow(t, db, "5511922222222", "alice", 7, false, now)
	addRow(t, db, "5511933333333", "alice", 7, true, now)

	load, err := ActiveLoad(db, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if load != 2 {
		t.Errorf("load = %d, want 2 (distinct contacts, active only)", load)
	}
}

func TestClaimBatch_OldestContactFirstAsUnit(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	// Older contact with two rows, newer contact with one.
	addRow(t, db, "5511911111111", "", 7, false, now.Add(-2*time.Hour))
	addRow(t, db, "5511911111111", "", 7, false, now.Add(-time.Hour))
	addRow(t, db, "5511922222222", "", 7, false, now.Add(-30*time.Minute))

	claimed, err := ClaimBatch(db, "alice", 7, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("claimed = %d, want 1 contact", claimed)
	}

	var rows []models.Conversation
	if err := db.Where("contact_phone = ?", "5511911111111").Find(&rows).Error; err != nil {
		t.Fatalf("load rows: %v", err)
	}
	for _, r := range rows {
		if r.OperatorID == nil || *r.OperatorID != "alice" {
			t.Errorf("row %d not claimed; all rows of the oldest contact must move together", r.ID)
		}
	}
	var newer models.Conversation
	db.Where("contact_phone = ?", "5511922222222").First(&newer)
	if newer.Assigned() {
		t.Error("newer contact claimed ahead of the limit")
	}
}

func TestClaimBatch_ClampedToFreeCapacity(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 2)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	addRow(t, db, "5511900000001", "alice", 7, false, now)
	addRow(t, db, "5511911111111", "", 7, false, now)
	addRow(t, db, "5511922222222", "", 7, false, now)

	claimed, err := ClaimBatch(db, "alice", 7, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want 1 (capacity 2, load 1)", claimed)
	}
}

func TestClaimBatch_AtCapacityClaimsNothing(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 1)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	addRow(t, db, "5511900000001", "alice", 7, false, now)
	addRow(t, db, "5511911111111", "", 7, false, now)

	claimed, err := ClaimBatch(db, "alice", 7, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 0 {
		t.Errorf("claimed = %d, want 0", claimed)
	}
}

func TestClaimBatch_AssignedRowsAreNotReclaimed(t *testing.T) {
	db := testDB(t)
	setCapacity(t, db, 15)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	addOperator(t, db, "bob", 7, true, now)
	addRow(t, db, "5511911111111", "bob", 7, false, now)

	claimed, err := ClaimBatch(db, "alice", 7, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 0 {
		t.Errorf("claimed = %d, want 0: ownership must never be stolen", claimed)
	}

	var row models.Conversation
	db.Where("contact_phone = ?", "5511911111111").First(&row)
	if *row.OperatorID != "bob" {
		t.Errorf("owner = %q, want bob", *row.OperatorID)
	}
}

func TestClaimBatch_ConcurrentClaimersNeverSplitOwnership(t *testing.T) {
	db := testDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	setCapacity(t, db, 15)
	now := time.Now()
	addOperator(t, db, "alice", 7, true, now)
	addOperator(t, db, "bob", 7, true, now)
	phones := []string{
		"5511911111111", "5511922222222", "5511933333333",
		"5511944444444", "5511955555555", "5511966666666",
	}
	for i, phone := range phones {
		addRow(t, db, phone, "", 7, false, now.Add(-time.Duration(len(phones)-i)*time.Minute))
	}

	counts := make([]int, 2)
	var wg sync.WaitGroup
	for i, op := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, op string) {
			defer wg.Done()
			n, err := ClaimBatch(db, op, 7, len(phones))
			if err != nil {
				t.Errorf("claim for %s: %v", op, err)
			}
			counts[i] = n
		}(i, op)
	}
	wg.Wait()

	if counts[0]+counts[1] != len(phones) {
		t.Errorf("claims = %d + %d, want every phone claimed exactly once across both racers",
			counts[0], counts[1])
	}
	for _, phone := range phones {
		var row models.Conversation
		if err := db.Where("contact_phone = ?", phone).First(&row).Error; err != nil {
			t.Fatalf("load row for %s: %v", phone, err)
		}
		if row.OperatorID == nil || *row.OperatorID == "" {
			t.Errorf("phone %s left unassigned after both claimers ran", phone)
		}
	}
}

func TestClaimBatch_UnknownOperator(t *testing.T) {
	db := testDB(t)
	_, err := ClaimBatch(db, "ghost", 7, 5)
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
