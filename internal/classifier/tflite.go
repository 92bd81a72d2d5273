package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tphakala/go-tflite"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/imageprocessor"
)

type tfliteBackend struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	width       int
}

func newTFLiteBackend(cfg Config, logger *zap.Logger) (*tfliteBackend, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, errors.New("cannot load TensorFlow Lite model")
	}

	options := tflite.NewInterpreterOptions()
	if cfg.Threads > 0 {
		options.SetNumThread(cfg.Threads)
	}
	options.SetErrorReporter(func(msg string, _ any) {
		logger.Error("TFLite error", zap.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("cannot create interpreter")
	}

	b := &tfliteBackend{model: model, options: options, interpreter: interpreter}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		_ = b.Close()
		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}

	output := interpreter.GetOutputTensor(0)
	if output == nil || output.NumDims() == 0 {
		_ = b.Close()
		return nil, errors.New("model has no usable output tensor")
	}
	b.width = output.Dim(output.NumDims() - 1)
	return b, nil
}

func (b *tfliteBackend) Run(_ context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	inputTensor := b.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return nil, errors.New("cannot get input tensor")
	}
	dst := inputTensor.Float32s()
	if len(dst) != len(input.Data) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	outputTensor := b.interpreter.GetOutputTensor(0)
	out := make([]float32, b.width)
	copy(out, outputTensor.Float32s())
	return out, nil
}

func (b *tfliteBackend) OutputWidth() int {
	return b.width
}

func (b *tfliteBackend) Close() error {
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	if b.options != nil {
		b.options.Delete()
		b.options = nil
	}
	if b.model != nil {
		b.model.Delete()
		b.model = nil
	}
	return nil
}
