// Package grpcllm is the production collaborators.LanguageModelClient: a
// gRPC connection to the external language-model service, guarded by
// circuitbreaker.GRPCWrapper the same way the teacher's Agent Core client
// guarded agentpb.AgentServiceClient. Liveness is checked over the
// standard gRPC health protocol rather than a bespoke ping RPC, satisfying
// health.LanguageModelPinger without generating custom protobuf stubs for
// a service this module doesn't own.
package grpcllm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
	"github.com/agentfleet/coordinator/internal/collaborators"
	"github.com/agentfleet/coordinator/internal/metrics"
)

const sendMethod = "/coordinator.llm.LanguageModelService/Send"

// Client bridges CLAUDE_REQUEST messages to the external language-model
// service over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	breaker *circuitbreaker.GRPCWrapper
	logger  *zap.Logger
}

// Dial connects to addr (insecure transport, matching the teacher's
// in-cluster Agent Core dial) and wraps the connection with a named
// circuit breaker registered under the "language-model" service label.
func Dial(addr string, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpcllm: dial %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		breaker: circuitbreaker.NewGRPCWrapper("language-model", "llm-client", logger),
		logger:  logger,
	}, nil
}

// Conn exposes the underlying connection, e.g. for a health checker that
// also wants to inspect connectivity state directly.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// CircuitBreaker exposes the wrapper's breaker for the degradation
// manager's health checks.
func (c *Client) CircuitBreaker() *circuitbreaker.GRPCWrapper { return c.breaker }

// Ping satisfies health.LanguageModelPinger via the standard gRPC health
// checking protocol.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	return err
}

// Send bridges a CLAUDE_REQUEST: the request/response are carried as a
// generic structpb.Struct rather than a hand-generated message type, since
// this module does not own (and must not fabricate) the language-model
// service's .proto definitions.
func (c *Client) Send(ctx context.Context, req collaborators.LanguageModelRequest) (collaborators.LanguageModelResponse, error) {
	reqStruct, err := structpb.NewStruct(requestFields(req))
	if err != nil {
		return collaborators.LanguageModelResponse{}, fmt.Errorf("grpcllm: encode request: %w", err)
	}

	respStruct := &structpb.Struct{}
	start := time.Now()
	execErr := c.breaker.Execute(ctx, func() error {
		return c.conn.Invoke(ctx, sendMethod, reqStruct, respStruct)
	})
	status := "ok"
	if execErr != nil {
		status = "error"
	}
	metrics.RecordGRPCMetrics("language-model", sendMethod, status, time.Since(start).Seconds())
	if execErr != nil {
		return collaborators.LanguageModelResponse{}, execErr
	}

	return responseFromFields(respStruct.AsMap()), nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func requestFields(req collaborators.LanguageModelRequest) map[string]interface{} {
	messages := make([]interface{}, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]interface{}{"role": m.Role, "content": m.Content}
	}
	return map[string]interface{}{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": float64(req.MaxTokens),
	}
}

func responseFromFields(fields map[string]interface{}) collaborators.LanguageModelResponse {
	resp := collaborators.LanguageModelResponse{}
	if content, ok := fields["content"].(string); ok {
		resp.Content = content
	}
	if v, ok := fields["input_tokens"].(float64); ok {
		resp.InputTokens = int(v)
	}
	if v, ok := fields["output_tokens"].(float64); ok {
		resp.OutputTokens = int(v)
	}
	return resp
}

var _ collaborators.LanguageModelClient = (*Client)(nil)
