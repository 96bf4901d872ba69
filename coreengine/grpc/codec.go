package grpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

// =============================================================================
// STRUCT CONVERSION
// =============================================================================
//
// Messages on the wire are google.protobuf.Struct. Requests and responses are
// plain Go values converted through their JSON form, so the REST and gRPC
// surfaces share one field vocabulary.

// toStruct converts a JSON-serializable object into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("response is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into out.
func fromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// =============================================================================
// ERROR CODES
// =============================================================================

// StatusFromError maps kernel errors onto gRPC status codes.
//
//	invalid handoff           InvalidArgument
//	illegal transition        FailedPrecondition
//	concurrent modification   Aborted
//	not found                 NotFound
//	closed exception          FailedPrecondition
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, handoff.ErrInvalidHandoff):
		code = codes.InvalidArgument
	case errors.Is(err, handoff.ErrIllegalTransition), errors.Is(err, handoff.ErrExceptionClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, handoff.ErrConcurrentModification):
		code = codes.Aborted
	case errors.Is(err, handoff.ErrNotFound):
		code = codes.NotFound
	}
	return status.Error(code, err.Error())
}

// invalidArgument is returned for malformed requests.
func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func required(value, field string) error {
	if value == "" {
		return invalidArgument("%s is required", field)
	}
	return nil
}
