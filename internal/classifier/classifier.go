// Package classifier wraps the pretrained skin-lesion model behind a single
// Classify call.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/imageprocessor"
	"github.com/example/skin-check/internal/logging"
)

// ErrModelUnavailable is returned by Classify when the model failed to load.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrOutputMismatch signals that the model's output width differs from the
// number of known classes.
var ErrOutputMismatch = errors.New("model output width does not match label count")

// Backend runs one forward pass. Implementations may reuse internal buffers
// and are always called with the Model lock held.
type Backend interface {
	Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error)
	// OutputWidth returns the number of output classes, or 0 when the
	// backend cannot tell before the first call.
	OutputWidth() int
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Path        string
	InputName   string
	OutputName  string
	Threads     int
	RemoteAddr  string
	LibraryPath string
}

// Model serializes inference over a loaded backend. A Model whose load
// failed stays unavailable for the life of the process.
type Model struct {
	mu      sync.Mutex
	backend Backend
	classes int
	loadErr error
	logger  *zap.Logger
}

// Load opens the configured backend for a label table of the given size.
// It never fails: problems are logged and yield an unavailable Model.
func Load(ctx context.Context, cfg Config, classes int, logger *zap.Logger) *Model {
	logger = logger.Named("classifier")
	start := time.Now()

	if classes <= 0 {
		err := errors.New("label table is empty")
		logger.Error("classifier disabled", zap.Error(err))
		return Unavailable(err, logger)
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "onnx":
		backend, err = newONNXBackend(cfg)
	case "tflite":
		backend, err = newTFLiteBackend(cfg, logger)
	case "remote":
		backend, err = newRemoteBackend(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		wrapped := logging.NewOperationError("classifier.load", "", err)
		logger.Error("failed to load model", zap.Error(wrapped),
			zap.String("backend", cfg.Backend), zap.String("path", cfg.Path))
		return Unavailable(wrapped, logger)
	}

	model := NewModel(backend, classes, logger)
	if model.loadErr != nil {
		logger.Error("model rejected", zap.Error(model.loadErr),
			zap.Int("labels", classes), zap.Int("outputs", backend.OutputWidth()))
		return model
	}

	logger.Info("model loaded",
		zap.String("backend", cfg.Backend),
		zap.String("path", cfg.Path),
		zap.Int("classes", classes),
		zap.Duration("elapsed", time.Since(start)))
	return model
}

// NewModel wraps an already opened backend. A backend whose known output
// width disagrees with classes is closed and the Model is unavailable.
func NewModel(backend Backend, classes int, logger *zap.Logger) *Model {
	m := &Model{backend: backend, classes: classes, logger: logger}
	if width := backend.OutputWidth(); width != 0 && width != classes {
		m.loadErr = fmt.Errorf("%w: model has %d outputs, labels have %d", ErrOutputMismatch, width, classes)
		_ = backend.Close()
		m.backend = nil
	}
	return m
}

// Unavailable returns a Model that fails every Classify with ErrModelUnavailable.
func Unavailable(cause error, logger *zap.Logger) *Model {
	if cause == nil {
		cause = errors.New("no model loaded")
	}
	return &Model{loadErr: cause, logger: logger}
}

// Available reports whether Classify can succeed.
func (m *Model) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend != nil
}

// Err returns the reason the model is unavailable, if any.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// Classes returns the number of classes the model was loaded for.
func (m *Model) Classes() int {
	return m.classes
}

// Classify runs the model on a prepared tensor and returns one probability
// per class, aligned with the label table.
func (m *Model) Classify(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, m.loadErr)
	}
	if input == nil || len(input.Data) != input.Len() {
		return nil, errors.New("input tensor data does not match its shape")
	}

	out, err := m.backend.Run(ctx, input)
	if err != nil {
		return nil, logging.NewOperationError("classifier.classify", "", err)
	}
	if len(out) != m.classes {
		return nil, fmt.Errorf("%w: got %d outputs, want %d", ErrOutputMismatch, len(out), m.classes)
	}
	return out, nil
}

// Close releases the backend. Subsequent Classify calls fail.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return nil
	}
	err := m.backend.Close()
	m.backend = nil
	m.loadErr = errors.New("model closed")
	return err
}
