package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/punchamoorthee/payswitch/internal/domain"
)

// Directory resolves bank registrations; *health.Registry satisfies it.
type Directory interface {
	Bank(code string) (domain.Bank, bool)
}

// HTTPClient speaks the JSON peer protocol:
//
//	POST {endpoint}/v1/{debit|credit|reversal}
//	GET  {endpoint}/v1/status/{op}/{token}
type HTTPClient struct {
	banks Directory
	http  *http.Client
}

func NewHTTPClient(banks Directory, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{banks: banks, http: hc}
}

func (c *HTTPClient) endpoint(code string) (string, error) {
	b, ok := c.banks.Bank(code)
	if !ok {
		return "", domain.ErrUnknownBank
	}
	return strings.TrimRight(b.Endpoint, "/"), nil
}

func (c *HTTPClient) Execute(ctx context.Context, in Instruction) (Result, error) {
	base, err := c.endpoint(in.Bank)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/"+string(in.Op), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.Token)

	var res Result
	if err := c.do(req, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *HTTPClient) Status(ctx context.Context, code string, op Op, token string) (StatusResult, error) {
	base, err := c.endpoint(code)
	if err != nil {
		return StatusResult{}, err
	}
	u := fmt.Sprintf("%s/v1/status/%s/%s", base, op, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return StatusResult{}, err
	}

	var res StatusResult
	err = c.do(req, &res)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return StatusResult{Status: StatusNotApplied}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}
	if res.Status == "" {
		res.Status = StatusUnknown
	}
	return res, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bank returned %d: %s", e.code, e.body)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
		if resp.StatusCode == http.StatusGatewayTimeout {
			return fmt.Errorf("%w: %w", ErrTimeout, se)
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, se)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
