package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrAccountNotFound marks an account with no ledger presence.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrSimulationFailed marks a contract call the node refuses to execute;
	// nothing was submitted and no fee was spent.
	ErrSimulationFailed = errors.New("ledger: simulation failed")
	// ErrSubmissionRejected marks an envelope the network rejected outright
	// (bad sequence, insufficient fee or balance). The caller must rebuild
	// with fresh account state.
	ErrSubmissionRejected = errors.New("ledger: submission rejected")
	// ErrTxNotFound marks a transaction hash the node has not yet seen.
	ErrTxNotFound = errors.New("ledger: transaction not found")
)

// Client is the network boundary consumed by the transaction lifecycle, the
// asset resolver, and the swap engine.
type Client interface {
	LoadAccount(ctx context.Context, address string) (*Account, error)
	SubmitTransaction(ctx context.Context, env *Envelope) (*SubmitResult, error)
	SimulateTransaction(ctx context.Context, env *Envelope) (*SimulationResult, error)
	SendTransaction(ctx context.Context, env *Envelope) (*SubmitResult, error)
	GetTransaction(ctx context.Context, hash string) (*TxRecord, error)
	StrictSendPaths(ctx context.Context, source Asset, sourceAmount string, dest Asset) ([]Path, error)
	AssetsForCode(ctx context.Context, code string) ([]AssetRecord, error)
}

// Node error codes surfaced through the JSON-RPC error object.
const (
	rpcCodeNotFound     = -32004
	rpcCodeRejected     = -32010
	rpcCodeSimulation   = -32011
	defaultClientTimout = 10 * time.Second
)

// RPCClient implements Client against the node's JSON-RPC endpoint.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: defaultClientTimout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCClient) LoadAccount(ctx context.Context, address string) (*Account, error) {
	var result Account
	err := c.call(ctx, "ledger_getAccount", map[string]string{"address": address}, &result)
	if err != nil {
		var rpcErr *jsonRPCErrorObj
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeNotFound {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, env *Envelope) (*SubmitResult, error) {
	var result SubmitResult
	err := c.call(ctx, "tx_submit", map[string]interface{}{"envelope": env}, &result)
	if err != nil {
		var rpcErr *jsonRPCErrorObj
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeRejected {
			return nil, fmt.Errorf("%w: %s", ErrSubmissionRejected, rpcErr.Message)
		}
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) SimulateTransaction(ctx context.Context, env *Envelope) (*SimulationResult, error) {
	var result SimulationResult
	err := c.call(ctx, "tx_simulate", map[string]interface{}{"envelope": env}, &result)
	if err != nil {
		var rpcErr *jsonRPCErrorObj
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeSimulation {
			return nil, fmt.Errorf("%w: %s", ErrSimulationFailed, rpcErr.Message)
		}
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, env *Envelope) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.call(ctx, "tx_send", map[string]interface{}{"envelope": env}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, hash string) (*TxRecord, error) {
	var result TxRecord
	if err := c.call(ctx, "tx_get", map[string]string{"hash": hash}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) StrictSendPaths(ctx context.Context, source Asset, sourceAmount string, dest Asset) ([]Path, error) {
	params := map[string]interface{}{
		"sourceAsset":  source,
		"sourceAmount": sourceAmount,
		"destAsset":    dest,
	}
	var result []Path
	if err := c.call(ctx, "paths_strictSend", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCClient) AssetsForCode(ctx context.Context, code string) ([]AssetRecord, error) {
	var result []AssetRecord
	if err := c.call(ctx, "assets_forCode", map[string]string{"code": code}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *jsonRPCErrorObj) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
