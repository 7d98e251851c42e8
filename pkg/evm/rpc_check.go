package evm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCCheckResult is the outcome of probing one endpoint.
type RPCCheckResult struct {
	Name    string        `json:"name"`
	URL     string        `json:"url"`
	OK      bool          `json:"ok"`
	ChainID int64         `json:"chain_id"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// RPCEndpoint is an endpoint and the chain id it must report.
type RPCEndpoint struct {
	Name    string
	URL     string
	ChainID int64
}

func checkRPC(ctx context.Context, ep RPCEndpoint, timeout time.Duration) RPCCheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := RPCCheckResult{Name: ep.Name, URL: ep.URL}

	client, err := rpc.DialContext(ctx, ep.URL)
	if err != nil {
		res.Latency = time.Since(start)
		res.Error = err.Error()
		return res
	}
	defer client.Close()

	var id hexutil.Big
	if err := client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		res.Latency = time.Since(start)
		res.Error = err.Error()
		return res
	}
	res.Latency = time.Since(start)
	res.ChainID = id.ToInt().Int64()
	if ep.ChainID != 0 && res.ChainID != ep.ChainID {
		res.Error = fmt.Sprintf("chain id %d, expected %d", res.ChainID, ep.ChainID)
		return res
	}
	res.OK = true
	return res
}

// CheckRPCList probes every endpoint concurrently with eth_chainId. Results
// come back in input order.
func CheckRPCList(ctx context.Context, endpoints []RPCEndpoint, timeout time.Duration) []RPCCheckResult {
	results := make([]RPCCheckResult, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep RPCEndpoint) {
			defer wg.Done()
			results[i] = checkRPC(ctx, ep, timeout)
		}(i, ep)
	}
	wg.Wait()
	return results
}
