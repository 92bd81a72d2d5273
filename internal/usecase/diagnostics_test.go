package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/imageprocessor"
	"github.com/example/skin-check/internal/labels"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/repository"
)

type stubClassifier struct {
	available bool
	probs     []float32
	err       error
	calls     int
}

func (s *stubClassifier) Available() bool { return s.available }

func (s *stubClassifier) Classify(_ context.Context, _ *imageprocessor.Tensor) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.probs, nil
}

type stubRepository struct {
	mu        sync.Mutex
	records   map[string]*repository.DiagnosticRecord
	createErr error
	getCalls  int
}

func newStubRepository() *stubRepository {
	return &stubRepository{records: make(map[string]*repository.DiagnosticRecord)}
}

func (s *stubRepository) Create(_ context.Context, record *repository.DiagnosticRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[record.ID] = &copied
	return nil
}

func (s *stubRepository) ListFor(_ context.Context, viewer repository.Viewer) ([]repository.DiagnosticRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.DiagnosticRecord
	for _, r := range s.records {
		if viewer.CanSee(r) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *stubRepository) GetByID(_ context.Context, id string, viewer repository.Viewer) (*repository.DiagnosticRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	r, ok := s.records[id]
	if !ok || !viewer.CanSee(r) {
		return nil, repository.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (s *stubRepository) Summarize(context.Context) (*repository.Aggregation, error) {
	return &repository.Aggregation{
		TotalCount:       3,
		AverageRiskLevel: 63.3333,
		ByDiagnosis:      []repository.DiagnosisCount{{Diagnosis: "Maligno", Count: 2, AvgRisk: 50}},
	}, nil
}

type stubCache struct {
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func (s *stubCache) Set(_ context.Context, key string, _ string, _ time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(_ context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) == 0 {
		return "", ErrCacheMiss
	}
	err := s.getErrs[0]
	s.getErrs = s.getErrs[1:]
	return "", err
}

type transientCacheError struct{}

func (transientCacheError) Error() string   { return "cache transient" }
func (transientCacheError) Timeout() bool   { return true }
func (transientCacheError) Temporary() bool { return true }

var (
	patientA = &accounts.User{ID: "patient-a", FirstName: "Ana", LastName: "Pérez", IdentificationNumber: "111", Role: accounts.RolePatient, IsActive: true}
	patientB = &accounts.User{ID: "patient-b", FirstName: "Luis", LastName: "Gómez", IdentificationNumber: "222", Role: accounts.RolePatient, IsActive: true}
	doctor   = &accounts.User{ID: "doctor-1", FirstName: "Dra", LastName: "Ruiz", IdentificationNumber: "999", Role: accounts.RoleDoctor, IsActive: true}
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testLabels() *labels.Table {
	return labels.New("0 Maligno", "1 Benigno", "2 Indeterminado")
}

func newTestUseCase(repo DiagnosticRepository, model Classifier, cache Cache) *DiagnosticUseCase {
	uc := NewDiagnosticUseCase(Deps{
		Repo:     repo,
		Cache:    cache,
		Model:    model,
		Labels:   testLabels(),
		CacheTTL: time.Minute,
	}, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond

	clock := time.Date(2024, 5, 1, 15, 4, 5, 0, time.UTC)
	uc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return uc
}

func openSQLite(t *testing.T) *repository.DiagnosticRepository {
	t.Helper()
	db, err := repository.Open(repository.Options{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewDiagnosticRepository(db, zap.NewNop())
}

func TestPredictPersistsAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	model := &stubClassifier{available: true, probs: []float32{0.1, 0.8723, 0.0277}}
	uc := newTestUseCase(openSQLite(t), model, NewMemoryCache(time.Minute))

	prediction, err := uc.Predict(ctx, patientA, pngBytes(t))
	require.NoError(t, err)

	assert.NotEmpty(t, prediction.ID)
	assert.Equal(t, 1, prediction.PredictedIndex)
	assert.Len(t, prediction.Probabilities, testLabels().Len())
	assert.Equal(t, "1 Benigno", prediction.RawLabel)
	assert.Equal(t, "Benigno (no peligroso)", prediction.FriendlyLabel)
	assert.Equal(t, "Benigno", prediction.SimplifiedLabel)
	assert.Equal(t, 87.23, prediction.ConfidencePercent)
	assert.Equal(t, "🟢 Bajo riesgo", prediction.RiskDisplay)
	assert.Equal(t, "≈ 85%", prediction.ConfidenceRange)

	detail, err := uc.Get(ctx, patientA, prediction.ID)
	require.NoError(t, err)
	assert.Equal(t, "Benigno (no peligroso)", detail.Diagnosis)
	assert.InDelta(t, 87.23, detail.RiskLevel, 1e-9)
	assert.Equal(t, "Ana Pérez", detail.PatientName)
	assert.Equal(t, "111", detail.IdentificationNumber)
	require.Len(t, detail.Probabilities, 3)
	for i, p := range model.probs {
		assert.InDelta(t, float64(p), detail.Probabilities[i], 1e-7)
	}
	require.NotNil(t, detail.ImageData)
	assert.NotEmpty(t, *detail.ImageData)
}

func TestPredictWithUnavailableModelNeverPersists(t *testing.T) {
	repo := newStubRepository()
	model := &stubClassifier{available: false}
	uc := newTestUseCase(repo, model, nil)

	for i := 0; i < 3; i++ {
		_, err := uc.Predict(context.Background(), patientA, pngBytes(t))
		require.ErrorIs(t, err, ErrModelUnavailable)
		assert.Equal(t, http.StatusInternalServerError, MapHTTPStatus(err))
		assert.Equal(t, "ModelUnavailable", Code(err))
	}

	// the model is checked before the upload is even decoded
	_, err := uc.Predict(context.Background(), patientA, []byte("not an image"))
	assert.ErrorIs(t, err, ErrModelUnavailable)

	assert.Zero(t, model.calls)
	assert.Empty(t, repo.records)
}

func TestPredictRejectsUndecodableImage(t *testing.T) {
	repo := newStubRepository()
	model := &stubClassifier{available: true, probs: []float32{0.2, 0.3, 0.5}}
	uc := newTestUseCase(repo, model, nil)

	_, err := uc.Predict(context.Background(), patientA, []byte("definitely not a png"))
	require.ErrorIs(t, err, ErrUnsupportedImageFormat)
	assert.Equal(t, http.StatusBadRequest, MapHTTPStatus(err))
	assert.Zero(t, model.calls)
	assert.Empty(t, repo.records)
}

func TestPredictInferenceFailureStoresNothing(t *testing.T) {
	repo := newStubRepository()
	model := &stubClassifier{available: true, err: errors.New("tensor exploded")}
	uc := newTestUseCase(repo, model, nil)

	_, err := uc.Predict(context.Background(), patientA, pngBytes(t))
	require.ErrorIs(t, err, ErrInference)
	assert.Equal(t, "InferenceError", Code(err))
	assert.Contains(t, err.Error(), "tensor exploded")

	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "usecase.classify", opErr.Operation)
	assert.Empty(t, repo.records)
}

func TestPredictLabelOutOfRangeIsInferenceError(t *testing.T) {
	repo := newStubRepository()
	model := &stubClassifier{available: true, probs: []float32{0.1, 0.1, 0.1, 0.7}}
	uc := newTestUseCase(repo, model, nil)

	_, err := uc.Predict(context.Background(), patientA, pngBytes(t))
	assert.ErrorIs(t, err, ErrInference)
	assert.Empty(t, repo.records)
}

func TestPredictPersistenceFailureFailsRequest(t *testing.T) {
	repo := newStubRepository()
	repo.createErr = fmt.Errorf("%w: disk full", repository.ErrPersistence)
	uc := newTestUseCase(repo, &stubClassifier{available: true, probs: []float32{0.9, 0.05, 0.05}}, nil)

	prediction, err := uc.Predict(context.Background(), patientA, pngBytes(t))
	assert.Nil(t, prediction)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, "PersistenceError", Code(err))
}

func TestPredictRequiresUser(t *testing.T) {
	uc := newTestUseCase(newStubRepository(), &stubClassifier{available: true}, nil)
	_, err := uc.Predict(context.Background(), nil, pngBytes(t))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestListIsolatesPatients(t *testing.T) {
	ctx := context.Background()
	uc := newTestUseCase(openSQLite(t), &stubClassifier{available: true, probs: []float32{0.6, 0.3, 0.1}}, nil)

	first, err := uc.Predict(ctx, patientA, pngBytes(t))
	require.NoError(t, err)
	_, err = uc.Predict(ctx, patientB, pngBytes(t))
	require.NoError(t, err)
	latest, err := uc.Predict(ctx, patientA, pngBytes(t))
	require.NoError(t, err)

	own, err := uc.List(ctx, patientA)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, latest.ID, own[0].ID)
	assert.Equal(t, first.ID, own[1].ID)
	assert.Equal(t, "Maligno (sospecha de melanoma)", own[0].Diagnosis)
	assert.Equal(t, 60.0, own[0].RiskLevel)

	all, err := uc.List(ctx, doctor)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	empty, err := uc.List(ctx, &accounts.User{ID: "new-patient", Role: accounts.RolePatient})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestListFormatsDateInLocation(t *testing.T) {
	repo := newStubRepository()
	require.NoError(t, repo.Create(context.Background(), &repository.DiagnosticRecord{
		ID:            "r1",
		UserID:        patientA.ID,
		DiagnosisDate: time.Date(2024, 5, 1, 15, 4, 5, 0, time.UTC),
	}))
	uc := NewDiagnosticUseCase(Deps{Repo: repo, Location: time.FixedZone("COT", -5*3600)}, zap.NewNop())

	rows, err := uc.List(context.Background(), patientA)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "01/05/2024, 10:04:05", rows[0].Date)
}

func TestGetHidesForeignRecords(t *testing.T) {
	ctx := context.Background()
	uc := newTestUseCase(openSQLite(t), &stubClassifier{available: true, probs: []float32{0.2, 0.2, 0.6}}, NewMemoryCache(time.Minute))

	prediction, err := uc.Predict(ctx, patientA, pngBytes(t))
	require.NoError(t, err)

	_, err = uc.Get(ctx, patientB, prediction.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, http.StatusNotFound, MapHTTPStatus(err))

	detail, err := uc.Get(ctx, doctor, prediction.ID)
	require.NoError(t, err)
	assert.Equal(t, "Indeterminado (evaluación médica recomendada)", detail.Diagnosis)

	_, err = uc.Get(ctx, doctor, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetServesFromCacheAndRechecksOwnership(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepository()
	uc := newTestUseCase(repo, &stubClassifier{available: true, probs: []float32{0.9, 0.05, 0.05}}, NewMemoryCache(time.Minute))

	prediction, err := uc.Predict(ctx, patientA, pngBytes(t))
	require.NoError(t, err)

	_, err = uc.Get(ctx, patientA, prediction.ID)
	require.NoError(t, err)
	_, err = uc.Get(ctx, patientA, prediction.ID)
	require.NoError(t, err)
	_, err = uc.Get(ctx, patientB, prediction.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, repo.getCalls)
}

func TestGetSurvivesCacheFailures(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepository()
	cache := &stubCache{
		getErrs: []error{transientCacheError{}, errors.New("connection refused")},
		setErrs: []error{errors.New("read only replica")},
	}
	uc := newTestUseCase(repo, &stubClassifier{available: true, probs: []float32{0.9, 0.05, 0.05}}, cache)

	prediction, err := uc.Predict(ctx, patientA, pngBytes(t))
	require.NoError(t, err)

	detail, err := uc.Get(ctx, patientA, prediction.ID)
	require.NoError(t, err)
	assert.Equal(t, prediction.ID, detail.ID)

	require.Len(t, cache.getKeys, 2)
	assert.Equal(t, cache.getKeys[0], cache.getKeys[1], "transient error retried on the same key")
	assert.Equal(t, "diagnostic:"+prediction.ID, cache.setKeys[0])
}

func TestSummaryIsDoctorOnly(t *testing.T) {
	uc := newTestUseCase(newStubRepository(), &stubClassifier{}, nil)

	_, err := uc.Summary(context.Background(), patientA)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, http.StatusForbidden, MapHTTPStatus(err))

	summary, err := uc.Summary(context.Background(), doctor)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalDiagnoses)
	assert.Equal(t, 63.33, summary.AverageRiskLevel)
	require.Len(t, summary.ByDiagnosis, 1)
	assert.Equal(t, 50.0, summary.ByDiagnosis[0].AvgRisk)
}

func TestModelAvailable(t *testing.T) {
	assert.True(t, newTestUseCase(newStubRepository(), &stubClassifier{available: true}, nil).ModelAvailable())
	assert.False(t, newTestUseCase(newStubRepository(), &stubClassifier{}, nil).ModelAvailable())
	assert.False(t, NewDiagnosticUseCase(Deps{}, zap.NewNop()).ModelAvailable())
}
