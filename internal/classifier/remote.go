package classifier

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/skin-check/internal/imageprocessor"
)

// The remote protocol carries the NHWC tensor as little-endian float32 bytes
// in a BytesValue and answers with the probabilities as a ListValue of
// numbers, so no generated stubs are required on either side.
const (
	inferenceServiceName = "skincheck.inference.v1.Classifier"
	classifyMethod       = "/" + inferenceServiceName + "/Classify"
)

// InferenceServer is implemented by sidecars that host the model in another
// process.
type InferenceServer interface {
	Classify(ctx context.Context, tensor []float32) ([]float32, error)
}

// RegisterInferenceServer exposes srv on s under the remote protocol.
func RegisterInferenceServer(s *grpc.Server, srv InferenceServer) {
	s.RegisterService(&inferenceServiceDesc, srv)
}

var inferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: inferenceServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "skincheck/inference.proto",
}

func classifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		tensor, err := decodeTensor(req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		probs, err := srv.(InferenceServer).Classify(ctx, tensor)
		if err != nil {
			return nil, err
		}
		return encodeProbabilities(probs), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	return interceptor(ctx, in, info, handler)
}

type remoteBackend struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

func newRemoteBackend(ctx context.Context, cfg Config, logger *zap.Logger, opts ...grpc.DialOption) (*remoteBackend, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, cfg.RemoteAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial inference service %s: %w", cfg.RemoteAddr, err)
	}
	return &remoteBackend{conn: conn, logger: logger}, nil
}

func (b *remoteBackend) Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	resp := new(structpb.ListValue)
	req := wrapperspb.Bytes(encodeTensor(input.Data))
	if err := b.conn.Invoke(ctx, classifyMethod, req, resp); err != nil {
		b.logger.Error("inference service call failed", zap.Error(err))
		return nil, err
	}

	values := resp.GetValues()
	out := make([]float32, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("output %d is not a number", i)
		}
		out[i] = float32(n.NumberValue)
	}
	return out, nil
}

// OutputWidth is unknown until the first response.
func (b *remoteBackend) OutputWidth() int {
	return 0
}

func (b *remoteBackend) Close() error {
	return b.conn.Close()
}

func encodeTensor(data []float32) []byte {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeTensor(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.New("tensor payload is not a whole number of float32 values")
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

func encodeProbabilities(probs []float32) *structpb.ListValue {
	values := make([]*structpb.Value, len(probs))
	for i, p := range probs {
		values[i] = structpb.NewNumberValue(float64(p))
	}
	return &structpb.ListValue{Values: values}
}
