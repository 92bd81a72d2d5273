package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/diagnosis"
	"github.com/example/skin-check/internal/imageprocessor"
	"github.com/example/skin-check/internal/labels"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/metrics"
	"github.com/example/skin-check/internal/repository"
)

// DateLayout formats diagnosis dates in list responses.
const DateLayout = "02/01/2006, 15:04:05"

// DiagnosticRepository defines the persistence operations needed by the use case.
type DiagnosticRepository interface {
	Create(ctx context.Context, record *repository.DiagnosticRecord) error
	ListFor(ctx context.Context, viewer repository.Viewer) ([]repository.DiagnosticRecord, error)
	GetByID(ctx context.Context, id string, viewer repository.Viewer) (*repository.DiagnosticRecord, error)
	Summarize(ctx context.Context) (*repository.Aggregation, error)
}

// Classifier runs the model on a prepared tensor.
type Classifier interface {
	Available() bool
	Classify(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error)
}

// Preprocessor turns an upload into model input.
type Preprocessor interface {
	Prepare(raw []byte) (*imageprocessor.Prepared, error)
}

// Deps groups the collaborators of DiagnosticUseCase.
type Deps struct {
	Repo         DiagnosticRepository
	Cache        Cache
	Model        Classifier
	Preprocessor Preprocessor
	Labels       *labels.Table
	Formatter    *diagnosis.Formatter
	Metrics      metrics.Recorder
	CacheTTL     time.Duration
	Location     *time.Location
}

// DiagnosticUseCase encapsulates business logic for the diagnosis flow.
type DiagnosticUseCase struct {
	repo           DiagnosticRepository
	cache          Cache
	model          Classifier
	preprocessor   Preprocessor
	labels         *labels.Table
	formatter      *diagnosis.Formatter
	metrics        metrics.Recorder
	cacheTTL       time.Duration
	location       *time.Location
	logger         *zap.Logger
	group          singleflight.Group
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Prediction is the outcome of a persisted diagnosis.
type Prediction struct {
	ID string
	diagnosis.Result
}

// DiagnosticSummary is one row of the history list.
type DiagnosticSummary struct {
	ID                   string  `json:"id"`
	PatientName          string  `json:"patient_name"`
	IdentificationNumber string  `json:"identification_number"`
	Date                 string  `json:"date"`
	Diagnosis            string  `json:"diagnosis"`
	RiskLevel            float64 `json:"risk_level"`
}

// DiagnosticDetail is a full history record.
type DiagnosticDetail struct {
	DiagnosticSummary
	DiagnosisDate time.Time `json:"diagnosis_date"`
	Probabilities []float64 `json:"probabilities"`
	ImageData     *string   `json:"image_data"`
}

// NewDiagnosticUseCase constructs a new use case instance.
func NewDiagnosticUseCase(deps Deps, logger *zap.Logger) *DiagnosticUseCase {
	uc := &DiagnosticUseCase{
		repo:           deps.Repo,
		cache:          deps.Cache,
		model:          deps.Model,
		preprocessor:   deps.Preprocessor,
		labels:         deps.Labels,
		formatter:      deps.Formatter,
		metrics:        deps.Metrics,
		cacheTTL:       deps.CacheTTL,
		location:       deps.Location,
		logger:         logger.Named("diagnostic_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	if uc.formatter == nil {
		uc.formatter = diagnosis.NewFormatter(diagnosis.DefaultRules)
	}
	if uc.metrics == nil {
		uc.metrics = metrics.Nop{}
	}
	if uc.location == nil {
		uc.location = time.UTC
	}
	if uc.preprocessor == nil {
		uc.preprocessor = imageprocessor.New()
	}
	uc.metrics.SetModelAvailable(uc.ModelAvailable())
	return uc
}

// ModelAvailable reports whether predictions can succeed.
func (uc *DiagnosticUseCase) ModelAvailable() bool {
	return uc.model != nil && uc.model.Available()
}

// Predict classifies raw and stores the outcome for user. Nothing is
// persisted unless every step succeeds.
func (uc *DiagnosticUseCase) Predict(ctx context.Context, user *accounts.User, raw []byte) (_ *Prediction, err error) {
	id := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", id)
	start := uc.now()
	defer func() {
		if err != nil {
			uc.metrics.RecordFailure(Code(err))
		}
	}()

	if user == nil {
		return nil, ErrUnauthenticated
	}
	if !uc.ModelAvailable() {
		uc.metrics.SetModelAvailable(false)
		return nil, logging.NewOperationError("usecase.model_available", id, ErrModelUnavailable)
	}

	prepared, err := uc.preprocessor.Prepare(raw)
	if err != nil {
		opLogger.Info("rejected upload", zap.Error(err))
		return nil, logging.NewOperationError("usecase.preprocess", id, err)
	}

	probabilities, err := uc.model.Classify(ctx, prepared.Tensor)
	if err != nil {
		if !errors.Is(err, ErrModelUnavailable) {
			err = fmt.Errorf("%w: %w", ErrInference, err)
		}
		wrapped := logging.NewOperationError("usecase.classify", id, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}

	index := diagnosis.Argmax(probabilities)
	rawLabel, ok := uc.labels.At(index)
	if !ok {
		err := fmt.Errorf("%w: no label for class %d of %d", ErrInference, index, uc.labels.Len())
		opLogger.Error("label lookup failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.label", id, err)
	}
	result := uc.formatter.Format(rawLabel, probabilities, index)

	var imageData *string
	if prepared.Source != nil {
		if encoded, err := imageprocessor.EncodeBase64JPEG(prepared.Source); err != nil {
			opLogger.Warn("storing diagnosis without image", zap.Error(err))
		} else {
			imageData = &encoded
		}
	}

	record := &repository.DiagnosticRecord{
		ID:                   id,
		UserID:               user.ID,
		PatientName:          user.FullName(),
		IdentificationNumber: user.IdentificationNumber,
		DiagnosisDate:        uc.now().UTC(),
		Diagnosis:            result.FriendlyLabel,
		RiskLevel:            result.ConfidencePercent,
		Probabilities:        toFloat64(probabilities),
		ImageData:            imageData,
	}
	if err := uc.repo.Create(ctx, record); err != nil {
		opLogger.Error("failed to persist diagnosis", zap.Error(err))
		return nil, err
	}

	uc.metrics.RecordPrediction(result.SimplifiedLabel, uc.now().Sub(start).Seconds())
	opLogger.Info("diagnosis stored",
		zap.String("user_id", user.ID),
		zap.String("label", result.SimplifiedLabel),
		zap.Float64("confidence", result.ConfidencePercent))

	return &Prediction{ID: id, Result: result}, nil
}

// List returns the history visible to user, newest first.
func (uc *DiagnosticUseCase) List(ctx context.Context, user *accounts.User) ([]DiagnosticSummary, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	records, err := uc.repo.ListFor(ctx, viewerFor(user))
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_diagnostics", "", err)
	}
	out := make([]DiagnosticSummary, 0, len(records))
	for i := range records {
		out = append(out, uc.summarize(&records[i]))
	}
	return out, nil
}

// Get returns one record when user may see it. Missing and foreign records
// are both ErrNotFound.
func (uc *DiagnosticUseCase) Get(ctx context.Context, user *accounts.User, id string) (*DiagnosticDetail, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	record, err := uc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !viewerFor(user).CanSee(record) {
		return nil, ErrNotFound
	}
	return &DiagnosticDetail{
		DiagnosticSummary: uc.summarize(record),
		DiagnosisDate:     record.DiagnosisDate.In(uc.location),
		Probabilities:     record.Probabilities,
		ImageData:         record.ImageData,
	}, nil
}

// load reads a record through the cache. Concurrent misses for the same id
// share one database read; the cached value is never filtered by viewer.
func (uc *DiagnosticUseCase) load(ctx context.Context, id string) (*repository.DiagnosticRecord, error) {
	key := "diagnostic:" + id

	if cached, err := uc.cacheGet(ctx, id, key); err == nil {
		var record repository.DiagnosticRecord
		if err := json.Unmarshal([]byte(cached), &record); err == nil {
			return &record, nil
		}
		logging.WithOperation(uc.logger, "usecase.get_diagnostic", id).Warn("failed to decode cached record")
	}

	value, err, _ := uc.group.Do(id, func() (interface{}, error) {
		record, err := uc.repo.GetByID(ctx, id, repository.Viewer{Doctor: true})
		if err != nil {
			return nil, err
		}
		if payload, err := json.Marshal(record); err == nil {
			_ = uc.withCacheRetry(ctx, id, "cache.set.diagnostic", func() error {
				return uc.cache.Set(ctx, key, string(payload), uc.cacheTTL)
			})
		}
		return record, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("usecase.get_diagnostic", id, err)
	}
	return value.(*repository.DiagnosticRecord), nil
}

func (uc *DiagnosticUseCase) cacheGet(ctx context.Context, id, key string) (string, error) {
	if uc.cache == nil {
		return "", ErrCacheMiss
	}
	var result string
	err := uc.withCacheRetry(ctx, id, "cache.get.diagnostic", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

// withCacheRetry retries transient cache failures. Errors are logged by the
// caller's policy and never reach the client.
func (uc *DiagnosticUseCase) withCacheRetry(ctx context.Context, id, operation string, fn func() error) error {
	if uc.cache == nil {
		return nil
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, id)
	var err error
	for attempt := 0; attempt < max(uc.retryAttempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil || errors.Is(err, ErrCacheMiss) {
			if err == nil && attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return err
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Warn("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, id, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}

func (uc *DiagnosticUseCase) summarize(record *repository.DiagnosticRecord) DiagnosticSummary {
	return DiagnosticSummary{
		ID:                   record.ID,
		PatientName:          record.PatientName,
		IdentificationNumber: record.IdentificationNumber,
		Date:                 record.DiagnosisDate.In(uc.location).Format(DateLayout),
		Diagnosis:            record.Diagnosis,
		RiskLevel:            record.RiskLevel,
	}
}

func viewerFor(user *accounts.User) repository.Viewer {
	return repository.Viewer{UserID: user.ID, Doctor: user.IsDoctor()}
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}
