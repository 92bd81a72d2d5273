package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/skin-check/internal/imageprocessor"
)

type onnxBackend struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	width        int
}

func newONNXBackend(cfg Config) (*onnxBackend, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	outputName := cfg.OutputName
	if outputName == "" {
		outputName = outputs[0].Name
	}

	outDims := outputs[0].Dimensions
	if len(outDims) == 0 || outDims[len(outDims)-1] <= 0 {
		return nil, fmt.Errorf("model output %q has no fixed class dimension", outputName)
	}
	width := int(outDims[len(outDims)-1])

	inputShape := ort.NewShape(1, imageprocessor.InputSize, imageprocessor.InputSize, imageprocessor.Channels)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(width)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		width:        width,
	}, nil
}

func (b *onnxBackend) Run(_ context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	dst := b.inputTensor.GetData()
	if len(dst) != len(input.Data) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, b.width)
	copy(out, b.outputTensor.GetData())
	return out, nil
}

func (b *onnxBackend) OutputWidth() int {
	return b.width
}

func (b *onnxBackend) Close() error {
	var errs []error
	if b.session != nil {
		errs = append(errs, b.session.Destroy())
	}
	if b.inputTensor != nil {
		errs = append(errs, b.inputTensor.Destroy())
	}
	if b.outputTensor != nil {
		errs = append(errs, b.outputTensor.Destroy())
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}
