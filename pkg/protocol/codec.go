package protocol

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of JSON encoded messages.
const CodecName = "json"

// gRPC service and method names of the compute provider.
const (
	ProviderServiceName = "secureknn.ComputeProvider"

	MethodClear           = "/" + ProviderServiceName + "/Clear"
	MethodUpload          = "/" + ProviderServiceName + "/Upload"
	MethodGetDatabase     = "/" + ProviderServiceName + "/GetDatabase"
	MethodPushQuery       = "/" + ProviderServiceName + "/PushQuery"
	MethodGetTransformDef = "/" + ProviderServiceName + "/GetTransformDef"
	MethodComputeKnn      = "/" + ProviderServiceName + "/ComputeKnn"
)

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec lets the gRPC transport carry the same JSON messages as the REST
// transport, so both share one set of message types.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return CodecName
}
