package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages on both services are google.protobuf.Struct values holding the
// JSON encoding of the package api types.

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// decoder turns an incoming message into an endpoint request.
type decoder func(in *structpb.Struct) (any, error)

// as decodes into a new T.
func as[T any](in *structpb.Struct) (any, error) {
	v := new(T)
	if err := fromStruct(in, v); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return v, nil
}

// field decodes a single string field, for ID-only requests.
func field(name string) decoder {
	return func(in *structpb.Struct) (any, error) {
		return in.GetFields()[name].GetStringValue(), nil
	}
}
