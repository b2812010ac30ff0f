package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecisionMethod полное имя gRPC метода. Тело запроса и ответа
// google.protobuf.Struct с теми же ключами, что и JSON в POST /decisions.
const DecisionMethod = "/decision.v1.DecisionService/GetDecision"

// DecisionServer контракт gRPC сервиса решений.
type DecisionServer interface {
	GetDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// GRPCDecisionServer gRPC вход в тот же пайплайн, что и HTTP.
type GRPCDecisionServer struct {
	engine *DecisionEngine
}

func NewGRPCDecisionServer(engine *DecisionEngine) *GRPCDecisionServer {
	return &GRPCDecisionServer{engine: engine}
}

func (s *GRPCDecisionServer) GetDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> DecisionRequest через JSON, чтобы ключи совпадали с HTTP
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad payload: %v", err)
	}
	var req domain.DecisionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad payload: %v", err)
	}
	req.RequestedBy = auth.Actor(ctx, req.RequestedBy)

	// 2. Единый пайплайн
	resp, err := s.engine.GetDecision(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	// 3. Ответ обратно в Struct
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	result, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return result, nil
}

func getDecisionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionServer).GetDecision(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DecisionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DecisionServer).GetDecision(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DecisionServiceDesc описание сервиса без сгенерированного кода.
var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: "decision.v1.DecisionService",
	HandlerType: (*DecisionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDecision", Handler: getDecisionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "decision/v1/decision.proto",
}

// RegisterDecisionServer регистрирует сервис на gRPC сервере.
func RegisterDecisionServer(s grpc.ServiceRegistrar, srv DecisionServer) {
	s.RegisterService(&DecisionServiceDesc, srv)
}
