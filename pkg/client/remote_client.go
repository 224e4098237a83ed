package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opaque/secureknn/pkg/protocol"
)

// RemoteConfig holds configuration for the REST remotes.
type RemoteConfig struct {
	URL         string
	HTTPTimeout time.Duration
}

// DefaultRemoteConfig returns sensible defaults for a local deployment.
func DefaultRemoteConfig(url string) RemoteConfig {
	return RemoteConfig{
		URL:         url,
		HTTPTimeout: 30 * time.Second,
	}
}

// remote performs JSON requests against one party's REST API.
type remote struct {
	baseURL    string
	httpClient *http.Client
}

func newRemote(cfg RemoteConfig) remote {
	return remote{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// do sends in (if non-nil) and decodes the response into out (if non-nil).
// Error responses are mapped back to the protocol's sentinel errors.
func (r remote) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := r.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var e protocol.ErrorResponse
		if json.Unmarshal(respBody, &e) != nil || e.Code == "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return protocol.FromCode(e.Code, e.Error)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// ProviderHTTP is a protocol.Provider talking to the provider's REST API.
type ProviderHTTP struct {
	remote
}

var _ protocol.Provider = (*ProviderHTTP)(nil)

// NewProviderHTTP creates a REST provider remote.
func NewProviderHTTP(cfg RemoteConfig) *ProviderHTTP {
	return &ProviderHTTP{remote: newRemote(cfg)}
}

func (p *ProviderHTTP) Clear(ctx context.Context) error {
	return p.do(ctx, http.MethodPost, "/cleardb", nil, nil, nil)
}

func (p *ProviderHTTP) Upload(ctx context.Context, rows [][]float64) error {
	return p.do(ctx, http.MethodPost, "/upload", nil, protocol.DatapointsRequest{Datapoints: rows}, nil)
}

func (p *ProviderHTTP) Database(ctx context.Context) ([][]float64, error) {
	var rows [][]float64
	if err := p.do(ctx, http.MethodGet, "/getdata", nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *ProviderHTTP) PushQuery(ctx context.Context, queryID string, mt [][]float64) error {
	return p.do(ctx, http.MethodPost, "/pushquery", nil, protocol.PushQueryRequest{QueryID: queryID, Mt: mt}, nil)
}

func (p *ProviderHTTP) TransformDef(ctx context.Context, queryID string) ([][]float64, error) {
	var resp protocol.TransformDefResponse
	if err := p.do(ctx, http.MethodGet, "/getmt", url.Values{"queryid": {queryID}}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Mt, nil
}

func (p *ProviderHTTP) ComputeKnn(ctx context.Context, queryID string, query []float64, k int) ([][]float64, error) {
	var resp protocol.DatapointsResponse
	req := protocol.ComputeKnnRequest{QueryID: queryID, Query: query, K: k}
	if err := p.do(ctx, http.MethodPost, "/computeknn", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Datapoints, nil
}

// OwnerHTTP is a protocol.Owner talking to the owner's REST API.
type OwnerHTTP struct {
	remote
}

var _ protocol.Owner = (*OwnerHTTP)(nil)

// NewOwnerHTTP creates a REST owner remote.
func NewOwnerHTTP(cfg RemoteConfig) *OwnerHTTP {
	return &OwnerHTTP{remote: newRemote(cfg)}
}

// UploadDatabase asks the owner to encrypt and upload its dataset.
func (o *OwnerHTTP) UploadDatabase(ctx context.Context) error {
	return o.do(ctx, http.MethodPost, "/uploaddatabase", nil, nil, nil)
}

func (o *OwnerHTTP) EncryptQuery(ctx context.Context, queryID string, blinded []float64) ([][]float64, error) {
	var resp protocol.DatapointsResponse
	req := protocol.EncryptQueryRequest{Datapoints: blinded, QueryID: queryID}
	if err := o.do(ctx, http.MethodPost, "/encryptquery", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Datapoints, nil
}

func (o *OwnerHTTP) Decrypt(ctx context.Context, rows [][]float64) ([][]int64, error) {
	var resp protocol.DecryptResponse
	if err := o.do(ctx, http.MethodPost, "/decrypt", nil, protocol.DatapointsRequest{Datapoints: rows}, &resp); err != nil {
		return nil, err
	}
	return resp.Datapoints, nil
}
