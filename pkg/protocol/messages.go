package protocol

import "context"

// Provider is the compute provider as seen by the owner and the query user.
// Implemented in-process by service.Provider and remotely by the REST and
// gRPC clients.
type Provider interface {
	// Clear drops the encrypted database and every per-query transform.
	Clear(ctx context.Context) error

	// Upload appends encrypted rows. Rows must match the width of the
	// current database, if any.
	Upload(ctx context.Context, rows [][]float64) error

	// Database returns a copy of the encrypted database.
	Database(ctx context.Context) ([][]float64, error)

	// PushQuery hands over the per-query transform Mt. Preparation of the
	// transformed view happens after PushQuery returns.
	PushQuery(ctx context.Context, queryID string, mt [][]float64) error

	// TransformDef returns the Mt recorded for queryID.
	TransformDef(ctx context.Context, queryID string) ([][]float64, error)

	// ComputeKnn returns the k original ciphertext rows nearest to query.
	ComputeKnn(ctx context.Context, queryID string, query []float64, k int) ([][]float64, error)
}

// Owner is the data owner as seen by the query user.
type Owner interface {
	// EncryptQuery turns a blinded query into a secure query matrix and pushes
	// the matching transform to the compute provider under queryID.
	EncryptQuery(ctx context.Context, queryID string, blinded []float64) ([][]float64, error)

	// Decrypt recovers plaintext integer rows from ciphertext rows.
	Decrypt(ctx context.Context, rows [][]float64) ([][]int64, error)
}

// DatapointsRequest carries a row matrix (upload, decrypt).
type DatapointsRequest struct {
	Datapoints [][]float64 `json:"datapoints"`
}

// DatapointsResponse carries a row matrix back (compute k-NN, encrypt query).
type DatapointsResponse struct {
	Datapoints [][]float64 `json:"datapoints"`
}

// DecryptResponse carries recovered plaintext rows.
type DecryptResponse struct {
	Datapoints [][]int64 `json:"datapoints"`
}

// EncryptQueryRequest carries a blinded query to the owner.
type EncryptQueryRequest struct {
	Datapoints []float64 `json:"datapoints"`
	QueryID    string    `json:"queryid"`
}

// PushQueryRequest carries a per-query transform to the compute provider.
type PushQueryRequest struct {
	QueryID string      `json:"queryid"`
	Mt      [][]float64 `json:"Mt"`
}

// TransformDefRequest asks for the Mt of a query id.
type TransformDefRequest struct {
	QueryID string `json:"queryid"`
}

// TransformDefResponse returns the Mt of a query id.
type TransformDefResponse struct {
	Mt [][]float64 `json:"Mt"`
}

// ComputeKnnRequest asks the compute provider for the k nearest rows.
type ComputeKnnRequest struct {
	QueryID string    `json:"queryid"`
	Query   []float64 `json:"query"`
	K       int       `json:"k"`
}

// Empty is the request or response of operations without a payload.
type Empty struct{}

// ErrorResponse is the body of every non-2xx REST response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
