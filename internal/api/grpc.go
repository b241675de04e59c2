package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"strategos/internal/engine"
	"strategos/internal/risk"
	"strategos/internal/store"
)

// RiskServiceName is the fully qualified gRPC service name.
const RiskServiceName = "strategos.v1.RiskService"

// Full method names of the RiskService.
const (
	MethodCalculateMargin     = "/" + RiskServiceName + "/CalculateMargin"
	MethodSimulateLiquidation = "/" + RiskServiceName + "/SimulateLiquidation"
	MethodSetLeverage         = "/" + RiskServiceName + "/SetLeverage"
)

// RiskServiceServer is the server API of strategos.v1.RiskService. Requests
// and responses are JSON-shaped google.protobuf.Struct messages carrying the
// same fields as the REST bodies.
type RiskServiceServer interface {
	CalculateMargin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SimulateLiquidation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetLeverage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRiskServiceServer registers srv on s.
func RegisterRiskServiceServer(s grpc.ServiceRegistrar, srv RiskServiceServer) {
	s.RegisterService(&riskServiceDesc, srv)
}

var riskServiceDesc = grpc.ServiceDesc{
	ServiceName: RiskServiceName,
	HandlerType: (*RiskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CalculateMargin", Handler: unaryHandler(MethodCalculateMargin, RiskServiceServer.CalculateMargin)},
		{MethodName: "SimulateLiquidation", Handler: unaryHandler(MethodSimulateLiquidation, RiskServiceServer.SimulateLiquidation)},
		{MethodName: "SetLeverage", Handler: unaryHandler(MethodSetLeverage, RiskServiceServer.SetLeverage)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "strategos/v1/risk.proto",
}

type unaryMethod func(RiskServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, m unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(RiskServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(RiskServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ---------------------------------------------------------------------------
// Implementation
// ---------------------------------------------------------------------------

var _ RiskServiceServer = (*RiskService)(nil)

// RiskService serves the risk engine over gRPC.
type RiskService struct {
	engine *engine.Engine
}

// NewRiskService creates a RiskService backed by eng.
func NewRiskService(eng *engine.Engine) *RiskService {
	return &RiskService{engine: eng}
}

func (s *RiskService) CalculateMargin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var p risk.MarginParams
	if err := fromStruct(in, &p); err != nil {
		return nil, err
	}
	calc, err := s.engine.CalculateMargin(ctx, p)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(calc)
}

func (s *RiskService) SimulateLiquidation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LiquidationRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	check, err := s.engine.SimulateLiquidation(ctx, req.Exchange, req.Position, req.CurrentPrice)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(check)
}

func (s *RiskService) SetLeverage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LeverageRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	setting, err := s.engine.SetLeverage(ctx, req.Exchange, req.Symbol, req.Leverage, req.MarginType)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(setting)
}

// fromStruct decodes a Struct into v through its JSON form and validates it.
func fromStruct(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// toStruct converts a JSON-serializable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// grpcError maps engine errors to gRPC status codes.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, risk.ErrUnknownExchange), errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, risk.ErrInvalidLeverage), errors.Is(err, risk.ErrInvalidInput):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, fmt.Sprint(err))
}
