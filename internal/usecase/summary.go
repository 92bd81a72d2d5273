package usecase

import (
	"context"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/diagnosis"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/repository"
)

// Summary aggregates every diagnosis for doctors.
type Summary struct {
	TotalDiagnoses   int64                       `json:"total_diagnoses"`
	AverageRiskLevel float64                     `json:"average_risk_level"`
	ByDiagnosis      []repository.DiagnosisCount `json:"by_diagnosis"`
}

// Summary aggregates all stored diagnoses. Only doctors may call it.
func (uc *DiagnosticUseCase) Summary(ctx context.Context, user *accounts.User) (*Summary, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if !user.IsDoctor() {
		return nil, ErrUnauthorized
	}

	aggregation, err := uc.repo.Summarize(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.summarize", "", err)
	}

	summary := &Summary{
		TotalDiagnoses:   aggregation.TotalCount,
		AverageRiskLevel: diagnosis.Round2(aggregation.AverageRiskLevel),
		ByDiagnosis:      aggregation.ByDiagnosis,
	}
	for i := range summary.ByDiagnosis {
		summary.ByDiagnosis[i].AvgRisk = diagnosis.Round2(summary.ByDiagnosis[i].AvgRisk)
	}
	if summary.ByDiagnosis == nil {
		summary.ByDiagnosis = []repository.DiagnosisCount{}
	}
	return summary, nil
}
