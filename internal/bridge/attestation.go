package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	AttestationPending  = "pending"
	AttestationComplete = "complete"
)

// Attester looks up the attestation for a burned message.
type Attester interface {
	Fetch(ctx context.Context, messageHash common.Hash) (status string, attestation []byte, err error)
}

// Doer is the subset of *http.Client the attestation client uses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttestationClient polls the attestation service at GET <base>/<hash>.
type AttestationClient struct {
	baseURL string
	client  Doer
	timeout time.Duration
}

func NewAttestationClient(baseURL string, client Doer, timeout time.Duration) *AttestationClient {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AttestationClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, timeout: timeout}
}

type attestationResponse struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
}

// Fetch returns AttestationPending for unknown or unfinished messages, and
// AttestationComplete with the decoded blob once the service has signed.
func (c *AttestationClient) Fetch(ctx context.Context, messageHash common.Hash) (string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+messageHash.Hex(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("attestation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return AttestationPending, nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, fmt.Errorf("read attestation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("attestation service returned HTTP %d", resp.StatusCode)
	}

	var parsed attestationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, fmt.Errorf("decode attestation response: %w", err)
	}
	if !strings.EqualFold(parsed.Status, AttestationComplete) || parsed.Attestation == "" || parsed.Attestation == "PENDING" {
		return AttestationPending, nil, nil
	}
	blob, err := hexutil.Decode(parsed.Attestation)
	if err != nil {
		return "", nil, fmt.Errorf("decode attestation blob: %w", err)
	}
	return AttestationComplete, blob, nil
}
