package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// PredictMethod полное имя метода сервиса моделей. Сервис принимает и
// отдает google.protobuf.Struct, поэтому сгенерированный клиент не нужен.
const PredictMethod = "/prediction.v1.PredictionService/Predict"

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	method  string
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{
		conn:    conn,
		method:  PredictMethod,
		timeout: timeout,
	}
}

// Call реализует predict.Transport
func (a *GRPCAdapter) Call(ctx context.Context, useCase string, payload []byte) ([]byte, error) {
	// 1. JSON-байты -> Protobuf Struct
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"useCase":  useCase,
		"input":    m,
		"metadata": map[string]interface{}{"source": "decision-engine"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Собственный предел адаптера, даже если у обертки свой
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, a.method, req, resp); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("prediction service call failed: %w", err)
	}

	// 3. Обратно в JSON в формате внешних скриптов
	resultBytes, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return resultBytes, nil
}
