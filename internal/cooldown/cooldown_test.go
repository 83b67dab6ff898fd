package cooldown

import (
	"testing"
	"time"

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
	if err := db.AutoMigrate(&models.Conversation{}, &models.Contact{}, &models.ControlConfig{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func seedPolicy(t *testing.T, db *gorm.DB, cc models.ControlConfig) {
	t.Helper()
	cc.ID = 1
	if err := db.Create(&cc).Error; err != nil {
		t.Fatalf("seed control config: %v", err)
	}
}

func addMessage(t *testing.T, db *gorm.DB, phone, sender string, at time.Time) {
	t.Helper()
	row := models.Conversation{ContactPhone: phone, Sender: sender, CreatedAt: at}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create conversation row: %v", err)
	}
}

const phone = "5511988887777"

func TestCheckCPC_FirstContactAllowed(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})

	d, err := CheckCPC(db, phone, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("blocked: %s; first contact must be allowed", d.Reason)
	}
}

func TestCheckCPC_BlockedInsideWindow(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-23*time.Hour-59*time.Minute))

	d, err := CheckCPC(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("allowed at 23h59m without a response; want blocked")
	}
	if d.Reason == "" {
		t.Error("a refusal must carry a reason")
	}
}

func TestCheckCPC_AllowedAtExactBoundary(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-24*time.Hour))

	d, err := CheckCPC(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("blocked at exactly 24h: %s; boundary is inclusive", d.Reason)
	}
}

func TestCheckCPC_ResponseLiftsBlock(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-2*time.Hour))
	addMessage(t, db, phone, models.SenderContact, now.Add(-time.Hour))

	d, err := CheckCPC(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("blocked after the contact responded: %s", d.Reason)
	}
}

func TestCheckCPC_ResponseBeforeFirstMessageDoesNotCount(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderContact, now.Add(-3*time.Hour))
	addMessage(t, db, phone, models.SenderOperator, now.Add(-2*time.Hour))

	d, err := CheckCPC(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("allowed: only responses after the operator's first message lift the block")
	}
}

func TestCheckResend_BlockedInsideWindow(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-time.Hour))
	// The contact responded; the resend window still applies.
	addMessage(t, db, phone, models.SenderContact, now.Add(-30*time.Minute))

	d, err := CheckResend(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("allowed inside the resend window; a response does not reset it")
	}
}

func TestCheckResend_AllowedPastWindow(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-25*time.Hour))

	d, err := CheckResend(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("blocked past the window: %s", d.Reason)
	}
}

func TestCheckRepescagem_DisabledAllowsEverything(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, RepescagemEnabled: false, RepescagemMaxAttempts: 1, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-time.Hour))

	d, err := CheckRepescagem(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("blocked with repescagem disabled: %s", d.Reason)
	}
}

func TestCheckRepescagem_ExhaustedAttempts(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, RepescagemEnabled: true, RepescagemMaxAttempts: 2, RepescagemCooldownHours: 1, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderContact, now.Add(-100*time.Hour))
	addMessage(t, db, phone, models.SenderOperator, now.Add(-50*time.Hour))
	addMessage(t, db, phone, models.SenderOperator, now.Add(-25*time.Hour))

	d, err := CheckRepescagem(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("allowed a third attempt with max 2 since the last response")
	}
}

func TestCheckRepescagem_CooldownBetweenAttempts(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, RepescagemEnabled: true, RepescagemMaxAttempts: 3, RepescagemCooldownHours: 48, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-time.Hour))

	d, err := CheckRepescagem(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("allowed a re-contact 1h after the last with a 48h cooldown")
	}
}

func TestCheckRepescagem_ResponseResetsCount(t *testing.T) {
	db := testDB(t)
	seedPolicy(t, db, models.ControlConfig{CPCHours: 24, ResendHours: 24, RepescagemEnabled: true, RepescagemMaxAttempts: 1, RepescagemCooldownHours: 48, DefaultDailyCap: 300, OperatorCapacity: 15})
	now := time.Now()
	addMessage(t, db, phone, models.SenderOperator, now.Add(-10*time.Hour))
	addMessage(t, db, phone, models.SenderContact, now.Add(-5*time.Hour))

	d, err := CheckRepescagem(db, phone, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("blocked after a response reset the count: %s", d.Reason)
	}
}
