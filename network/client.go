package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"barterlink/models"
)

// DefaultRequestTimeout bounds one ordinary exchange.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrNotFound indicates the host matched nothing for a delete.
	ErrNotFound = errors.New("network: no matching listing on host")
)

// TransportError wraps dial, write, read, and timeout failures. These are
// always recoverable: retry on the next tick or fall back to discovery.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// StatusError reports a reply with an unexpected status code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("network: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("network: unexpected status %d: %s", e.StatusCode, e.Message)
}

// SubmitResult is the host's answer to a listing submission.
type SubmitResult struct {
	ServerID  string
	Duplicate bool
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout time.Duration
	Logger  *zap.Logger
	Dialer  *net.Dialer
}

// Client issues single exchanges to a host over fresh connections.
type Client struct {
	timeout time.Duration
	logger  *zap.Logger
	dialer  *net.Dialer
}

// NewClient returns a client with defaults applied.
func NewClient(options ClientOptions) *Client {
	if options.Timeout <= 0 {
		options.Timeout = DefaultRequestTimeout
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Dialer == nil {
		options.Dialer = &net.Dialer{}
	}
	return &Client{
		timeout: options.Timeout,
		logger:  options.Logger,
		dialer:  options.Dialer,
	}
}

// Do performs one request/response exchange on a new connection to addr.
// The exchange is bounded by the client timeout or ctx, whichever ends first.
func (c *Client) Do(ctx context.Context, addr string, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	defer func() {
		_ = conn.Close()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, &TransportError{Op: "set deadline", Addr: addr, Err: err}
		}
	}

	// Unblock reads when ctx is cancelled before its deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteRequest(conn, addr, req); err != nil {
		return nil, &TransportError{Op: "write", Addr: addr, Err: err}
	}

	resp, err := ReadResponse(conn)
	if err != nil {
		if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrFrameTooLarge) {
			return nil, fmt.Errorf("read response from %s: %w", addr, err)
		}
		return nil, &TransportError{Op: "read", Addr: addr, Err: err}
	}

	c.logger.Debug("exchange", zap.String("addr", addr), zap.String("method", req.Method), zap.String("path", req.Path), zap.Int("status", resp.StatusCode))
	return resp, nil
}

// Hello probes liveness and reports whether addr answered like a host.
func (c *Client) Hello(ctx context.Context, addr string) (bool, error) {
	resp, err := c.Do(ctx, addr, &Request{Method: "GET", Path: PathHello})
	if err != nil {
		return false, err
	}
	return resp.StatusCode == 200 && strings.TrimSpace(string(resp.Body)) == HelloBody, nil
}

// KeepAlive registers deviceID as active and returns the host's active-user count.
func (c *Client) KeepAlive(ctx context.Context, addr, deviceID string) (int, error) {
	var out ActiveUsersResponse
	if err := c.doJSON(ctx, addr, "POST", PathKeepAlive, nil, KeepAliveRequest{DeviceID: deviceID}, &out, 200); err != nil {
		return 0, err
	}
	return out.ActiveUsers, nil
}

// ActiveUsers reads the host's active-user count.
func (c *Client) ActiveUsers(ctx context.Context, addr string) (int, error) {
	var out ActiveUsersResponse
	if err := c.doJSON(ctx, addr, "GET", PathActiveUsers, nil, nil, &out, 200); err != nil {
		return 0, err
	}
	return out.ActiveUsers, nil
}

// Listings fetches the host's unfiltered listing snapshot.
func (c *Client) Listings(ctx context.Context, addr string) ([]models.Listing, error) {
	var out []models.Listing
	if err := c.doJSON(ctx, addr, "GET", PathListings, nil, nil, &out, 200); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitListing posts a listing. A duplicate is reported through the result.
func (c *Client) SubmitListing(ctx context.Context, addr string, listing models.Listing) (SubmitResult, error) {
	var out MutationResponse
	if err := c.doJSON(ctx, addr, "POST", PathListing, nil, listing, &out, 200, 201); err != nil {
		return SubmitResult{}, err
	}
	if out.ID == "" {
		return SubmitResult{}, fmt.Errorf("submit listing to %s: response carried no id", addr)
	}
	return SubmitResult{ServerID: out.ID, Duplicate: out.Duplicate}, nil
}

// DeleteListings deletes by token using mode (DeleteByAuto, DeleteByID, or
// DeleteByOwner). ErrNotFound is returned when nothing matched.
func (c *Client) DeleteListings(ctx context.Context, addr, token, mode string) (int, error) {
	var query url.Values
	if mode != DeleteByAuto {
		query = url.Values{"by": []string{mode}}
	}

	var out MutationResponse
	err := c.doJSON(ctx, addr, "DELETE", PathListing+"/"+token, query, nil, &out, 200)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Status fetches the host summary.
func (c *Client) Status(ctx context.Context, addr string) (StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, addr, "GET", PathStatus, nil, nil, &out, 200); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, addr, method, path string, query url.Values, body, out any, accept ...int) error {
	req := &Request{Method: method, Path: path, Query: query, Header: Header{}}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		req.Body = raw
		req.Header.Set("Content-Type", ContentTypeJSON)
	}

	resp, err := c.Do(ctx, addr, req)
	if err != nil {
		return err
	}

	if !acceptable(resp.StatusCode, accept) {
		var failure MutationResponse
		_ = json.Unmarshal(resp.Body, &failure)
		return &StatusError{StatusCode: resp.StatusCode, Message: failure.Error}
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

func acceptable(status int, accept []int) bool {
	for _, code := range accept {
		if status == code {
			return true
		}
	}
	return false
}
