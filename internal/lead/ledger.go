package lead

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// LeadRecord is the persisted lead row. Never deleted.
type LeadRecord struct {
	ID                  string `gorm:"primaryKey"`
	IntentType          string
	Utterance           string
	CriteriaJSON        string
	Status              string `gorm:"index"`
	ContactedRecipients string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BroadcastAttempt is one append-only audit row: one recipient in one batch.
type BroadcastAttempt struct {
	ID           uint   `gorm:"primaryKey"`
	BatchID      string `gorm:"index"`
	LeadID       string `gorm:"index"`
	RecipientID  string
	Medium       string
	Status       string
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
}

// statusRank orders the forward-only lead lifecycle. FAILED and NOTIFIED are
// peers: both are terminal outcomes of broadcasting, superseded only by
// CLOSED.
var statusRank = map[string]int{
	StatusNew:          0,
	StatusBroadcasting: 1,
	StatusNotified:     2,
	StatusFailed:       2,
	StatusClosed:       3,
}

// Ledger is the broadcast audit store.
type Ledger struct {
	db *gorm.DB
}

// OpenLedger opens the ledger on the configured driver and migrates the
// audit tables.
func OpenLedger(driver, dsn string) (*Ledger, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger (%s): %w", driver, err)
	}

	if err := db.AutoMigrate(&LeadRecord{}, &BroadcastAttempt{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// NewLedger wraps an already-open database, for tests.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if err := db.AutoMigrate(&LeadRecord{}, &BroadcastAttempt{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Ping verifies the underlying database connection, for health checks.
func (l *Ledger) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("ledger connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// CreateLead persists a new lead in status NEW.
func (l *Ledger) CreateLead(ctx context.Context, ld Lead) error {
	criteria, err := json.Marshal(ld.Criteria)
	if err != nil {
		return fmt.Errorf("marshal lead criteria: %w", err)
	}

	rec := LeadRecord{
		ID:           ld.ID,
		IntentType:   ld.IntentType,
		Utterance:    ld.Utterance,
		CriteriaJSON: string(criteria),
		Status:       StatusNew,
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create lead %s: %w", ld.ID, err)
	}
	return nil
}

// GetLead loads a lead row.
func (l *Ledger) GetLead(ctx context.Context, id string) (*LeadRecord, error) {
	var rec LeadRecord
	if err := l.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("load lead %s: %w", id, err)
	}
	return &rec, nil
}

// Attempts returns the audit rows for a batch.
func (l *Ledger) Attempts(ctx context.Context, batchID string) ([]BroadcastAttempt, error) {
	var rows []BroadcastAttempt
	if err := l.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load attempts for batch %s: %w", batchID, err)
	}
	return rows, nil
}

// BatchWriter is the write handle inside one batch transaction.
type BatchWriter struct {
	tx *gorm.DB
}

// AddAttempt appends one audit row.
func (w *BatchWriter) AddAttempt(a BroadcastAttempt) error {
	if err := w.tx.Create(&a).Error; err != nil {
		return fmt.Errorf("record attempt for recipient %s: %w", a.RecipientID, err)
	}
	return nil
}

// SetLeadStatus moves the lead forward and records who was contacted.
// Backward transitions are rejected: the lifecycle only moves forward.
func (w *BatchWriter) SetLeadStatus(leadID, status string, contacted []string) error {
	return setLeadStatus(w.tx, leadID, status, contacted)
}

// BatchScope runs fn inside one transaction: the single transactional scope
// for a broadcast batch's bookkeeping writes. An error from fn rolls back
// every write made through the BatchWriter, so an aborted batch persists
// zero SENT rows.
func (l *Ledger) BatchScope(ctx context.Context, fn func(w *BatchWriter) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&BatchWriter{tx: tx})
	})
}

// SetLeadStatus moves the lead forward outside a batch scope (e.g. marking
// a lead FAILED after an aborted batch).
func (l *Ledger) SetLeadStatus(ctx context.Context, leadID, status string, contacted []string) error {
	return setLeadStatus(l.db.WithContext(ctx), leadID, status, contacted)
}

func setLeadStatus(db *gorm.DB, leadID, status string, contacted []string) error {
	nextRank, ok := statusRank[status]
	if !ok {
		return fmt.Errorf("unknown lead status %q", status)
	}

	var rec LeadRecord
	if err := db.First(&rec, "id = ?", leadID).Error; err != nil {
		return fmt.Errorf("load lead %s: %w", leadID, err)
	}
	if nextRank <= statusRank[rec.Status] {
		return fmt.Errorf("lead %s: illegal status transition %s -> %s", leadID, rec.Status, status)
	}

	updates := map[string]interface{}{"status": status}
	if len(contacted) > 0 {
		updates["contacted_recipients"] = strings.Join(contacted, ",")
	}
	if err := db.Model(&LeadRecord{}).Where("id = ?", leadID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update lead %s: %w", leadID, err)
	}
	return nil
}
