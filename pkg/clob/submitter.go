package clob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const orderPath = "/order"

// Doer is the subset of *http.Client the submitter uses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials authenticate order posts with L2 HMAC headers. An empty Key
// disables the headers.
type Credentials struct {
	Address    string
	Key        string
	Secret     string
	Passphrase string
}

type SubmitterConfig struct {
	Host        string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	OrderType   string
}

// FillReport is one execution the exchange reports with an accepted order.
// Price is in dollars per token (0-1) and Size in token base units.
type FillReport struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Fee   string `json:"fee"`
}

// Result is a successful submission.
type Result struct {
	OrderID      string
	Status       string
	MakingAmount string
	TakingAmount string
	Fills        []FillReport
}

type postResponse struct {
	OrderID      string       `json:"orderId"`
	OrderIDAlt   string       `json:"orderID"`
	Status       string       `json:"status"`
	MakingAmount string       `json:"makingAmount"`
	TakingAmount string       `json:"takingAmount"`
	Fills        []FillReport `json:"fills"`
	Error        string       `json:"error"`
	ErrorMsg     string       `json:"errorMsg"`
}

type postRequest struct {
	Order     wireOrder `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
}

// Submitter posts signed orders and classifies the exchange's answers.
type Submitter struct {
	cfg    SubmitterConfig
	client Doer
	creds  Credentials
	log    logrus.FieldLogger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	submitted map[string]struct{}
}

func NewSubmitter(cfg SubmitterConfig, client Doer, creds Credentials, log logrus.FieldLogger) *Submitter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.OrderType == "" {
		cfg.OrderType = "GTC"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Submitter{
		cfg:       cfg,
		client:    client,
		creds:     creds,
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
		submitted: make(map[string]struct{}),
	}
}

// Submit posts order for the local order localID. Each id is accepted at most
// once per process; retries inside one call resend the identical signed
// order, which the exchange deduplicates by order hash.
func (s *Submitter) Submit(ctx context.Context, localID string, order *SignedOrder) (*Result, error) {
	s.mu.Lock()
	if _, dup := s.submitted[localID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubmission, localID)
	}
	s.submitted[localID] = struct{}{}
	s.mu.Unlock()

	body, err := json.Marshal(postRequest{
		Order:     order.wire(),
		Owner:     s.creds.Key,
		OrderType: s.cfg.OrderType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	log := s.log.WithField("order_id", localID)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, err := s.post(ctx, body)
		if err == nil {
			return result, nil
		}
		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		lastErr = transient.err
		log.WithFields(logrus.Fields{"attempt": attempt, "error": lastErr}).Warn("Order submission failed, will retry")

		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.BaseBackoff<<(attempt-1)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.cfg.MaxAttempts, lastErr)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (s *Submitter) post(ctx context.Context, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.Host, "/")+orderPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.creds.Key != "" {
		s.sign(req, body)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("exchange returned HTTP %d: %s", resp.StatusCode, truncate(raw))}
	case resp.StatusCode >= 400:
		return nil, &RejectionError{Status: resp.StatusCode, Message: errorMessage(raw)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: unexpected HTTP %d", ErrMalformedResponse, resp.StatusCode)
	}

	var parsed postResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	id := parsed.OrderID
	if id == "" {
		id = parsed.OrderIDAlt
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no order id in %s", ErrMalformedResponse, truncate(raw))
	}
	return &Result{
		OrderID:      id,
		Status:       strings.ToLower(parsed.Status),
		MakingAmount: parsed.MakingAmount,
		TakingAmount: parsed.TakingAmount,
		Fills:        parsed.Fills,
	}, nil
}

// sign adds the L2 headers: an HMAC-SHA256 over timestamp, method, path and
// body keyed with the base64 API secret.
func (s *Submitter) sign(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	secret, err := base64.URLEncoding.DecodeString(s.creds.Secret)
	if err != nil {
		secret = []byte(s.creds.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + req.Method + orderPath + string(body)))

	req.Header.Set("POLY_ADDRESS", s.creds.Address)
	req.Header.Set("POLY_SIGNATURE", base64.URLEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_API_KEY", s.creds.Key)
	req.Header.Set("POLY_PASSPHRASE", s.creds.Passphrase)
}

func errorMessage(raw []byte) string {
	var parsed postResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.ErrorMsg != "" {
			return parsed.ErrorMsg
		}
	}
	return truncate(raw)
}

func truncate(raw []byte) string {
	const max = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
