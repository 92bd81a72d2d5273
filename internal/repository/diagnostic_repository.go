package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound covers both missing records and records the viewer may not see.
	ErrNotFound = errors.New("diagnostic not found")
	// ErrPersistence wraps any storage failure while writing.
	ErrPersistence = errors.New("failed to persist diagnostic")
)

// DiagnosticRecord is one completed diagnosis. Rows are written once and
// never updated.
type DiagnosticRecord struct {
	ID                   string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	UserID               string    `gorm:"column:user_id;size:36;not null;index" json:"user_id"`
	PatientName          string    `gorm:"column:patient_name;size:200" json:"patient_name"`
	IdentificationNumber string    `gorm:"column:identification_number;size:50" json:"identification_number"`
	DiagnosisDate        time.Time `gorm:"column:diagnosis_date;not null;index" json:"diagnosis_date"`
	Diagnosis            string    `gorm:"column:diagnosis;size:100" json:"diagnosis"`
	RiskLevel            float64   `gorm:"column:risk_level;type:numeric(5,2)" json:"risk_level"`
	Probabilities        []float64 `gorm:"column:probabilities;type:text;serializer:json" json:"probabilities"`
	ImageData            *string   `gorm:"column:image_data;type:text" json:"image_data,omitempty"`
	CreatedAt            time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (DiagnosticRecord) TableName() string {
	return "diagnostics_diagnostichistory"
}

// Viewer is the caller on whose behalf records are read.
type Viewer struct {
	UserID string
	Doctor bool
}

// CanSee reports whether the viewer may read record.
func (v Viewer) CanSee(record *DiagnosticRecord) bool {
	return v.Doctor || (v.UserID != "" && record.UserID == v.UserID)
}

func (v Viewer) scope(db *gorm.DB) *gorm.DB {
	if v.Doctor {
		return db
	}
	return db.Where("user_id = ?", v.UserID)
}

// DiagnosisCount is one row of the per-diagnosis breakdown.
type DiagnosisCount struct {
	Diagnosis string  `json:"diagnosis"`
	Count     int64   `json:"count"`
	AvgRisk   float64 `json:"average_risk_level"`
}

// Aggregation summarises every stored record.
type Aggregation struct {
	TotalCount       int64
	AverageRiskLevel float64
	ByDiagnosis      []DiagnosisCount
}

// DiagnosticRepository is the history store for diagnostic records.
type DiagnosticRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDiagnosticRepository creates a new repository instance.
func NewDiagnosticRepository(db *gorm.DB, logger *zap.Logger) *DiagnosticRepository {
	return &DiagnosticRepository{
		db:             db,
		logger:         logger.Named("diagnostic_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Create inserts record atomically. Existing ids are never overwritten.
func (r *DiagnosticRepository) Create(ctx context.Context, record *DiagnosticRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrPersistence)
	}
	err := r.executeWithRetry(ctx, "repository.create_diagnostic", record.ID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(record).Error
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// ListFor returns the records visible to viewer, newest first. ImageData is
// not loaded.
func (r *DiagnosticRepository) ListFor(ctx context.Context, viewer Viewer) ([]DiagnosticRecord, error) {
	var records []DiagnosticRecord
	err := viewer.scope(r.db.WithContext(ctx)).
		Omit("image_data").
		Order("diagnosis_date DESC").
		Order("id DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetByID returns the record if it exists and viewer may see it. Both
// failure cases return ErrNotFound.
func (r *DiagnosticRepository) GetByID(ctx context.Context, id string, viewer Viewer) (*DiagnosticRecord, error) {
	var record DiagnosticRecord
	err := viewer.scope(r.db.WithContext(ctx)).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Summarize aggregates every stored record.
func (r *DiagnosticRepository) Summarize(ctx context.Context) (*Aggregation, error) {
	var totals struct {
		Total   int64
		AvgRisk *float64
	}
	err := r.db.WithContext(ctx).Model(&DiagnosticRecord{}).
		Select("COUNT(*) AS total, AVG(risk_level) AS avg_risk").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	var rows []DiagnosisCount
	err = r.db.WithContext(ctx).Model(&DiagnosticRecord{}).
		Select("diagnosis, COUNT(*) AS count, AVG(risk_level) AS avg_risk").
		Group("diagnosis").
		Order("count DESC").
		Order("diagnosis").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	agg := &Aggregation{TotalCount: totals.Total, ByDiagnosis: rows}
	if totals.AvgRisk != nil {
		agg.AverageRiskLevel = *totals.AvgRisk
	}
	return agg, nil
}
