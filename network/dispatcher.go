package network

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"barterlink/models"
	"barterlink/storage"
)

// Route paths served by the host.
const (
	PathHello       = "/hello"
	PathKeepAlive   = "/keepalive"
	PathActiveUsers = "/active-users"
	PathListings    = "/listings"
	PathListing     = "/listing"
	PathStatus      = "/status"

	// HelloBody is the liveness reply discovery looks for.
	HelloBody = "hello"
)

// Delete modes accepted in the "by" query parameter of DELETE /listing/:token.
const (
	DeleteByAuto  = ""
	DeleteByID    = "id"
	DeleteByOwner = "owner"
)

// ListingStore is the store surface the dispatcher routes onto.
type ListingStore interface {
	Add(listing models.Listing) (storage.AddResult, error)
	List() ([]models.Listing, error)
	Count() (int, error)
	DeleteByServerID(serverID string) (int, error)
	DeleteByOwner(identity string) (int, error)
	DeleteByIdentity(token string) (int, error)
}

// Presence is the active-user registry surface the dispatcher needs.
type Presence interface {
	Register(deviceID string)
	Count() int
}

// KeepAliveRequest is the body of POST /keepalive.
type KeepAliveRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	VendorID string `json:"vendorID,omitempty"`
}

// ActiveUsersResponse is returned by /keepalive and /active-users.
type ActiveUsersResponse struct {
	ActiveUsers int `json:"activeUsers"`
}

// MutationResponse is returned by POST and DELETE on /listing.
type MutationResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Deleted   int    `json:"deleted,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusResponse summarizes the host.
type StatusResponse struct {
	Role          string `json:"role"`
	DeviceID      string `json:"deviceId,omitempty"`
	Port          int    `json:"port"`
	ActiveUsers   int    `json:"activeUsers"`
	ListingCount  int    `json:"listingCount"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Store    ListingStore
	Presence Presence
	DeviceID string
	Port     int
	Logger   *zap.Logger
	Now      func() time.Time
}

// Dispatcher maps parsed requests onto store operations.
type Dispatcher struct {
	store    ListingStore
	presence Presence
	deviceID string
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	port    int
	started time.Time
}

// NewDispatcher validates options and returns a dispatcher.
func NewDispatcher(options DispatcherOptions) (*Dispatcher, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Presence == nil {
		return nil, errors.New("presence registry is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Dispatcher{
		store:    options.Store,
		presence: options.Presence,
		deviceID: options.DeviceID,
		port:     options.Port,
		logger:   options.Logger,
		now:      options.Now,
		started:  options.Now(),
	}, nil
}

// SetPort records the bound port reported by /status.
func (d *Dispatcher) SetPort(port int) {
	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
}

// ResetUptime restarts the /status uptime clock. The host calls it on every Start.
func (d *Dispatcher) ResetUptime() {
	d.mu.Lock()
	d.started = d.now()
	d.mu.Unlock()
}

// Dispatch handles exactly one request.
func (d *Dispatcher) Dispatch(req *Request) *Response {
	switch {
	case req.Path == PathHello:
		return d.only(req, "GET", d.hello)
	case req.Path == PathKeepAlive:
		return d.only(req, "POST", d.keepAlive)
	case req.Path == PathActiveUsers:
		return d.only(req, "GET", d.activeUsers)
	case req.Path == PathListings:
		return d.only(req, "GET", d.listings)
	case req.Path == PathListing:
		return d.only(req, "POST", d.addListing)
	case strings.HasPrefix(req.Path, PathListing+"/"):
		return d.only(req, "DELETE", d.deleteListing)
	case req.Path == PathStatus:
		return d.only(req, "GET", d.status)
	default:
		return notFound()
	}
}

func (d *Dispatcher) only(req *Request, method string, handler func(*Request) *Response) *Response {
	if req.Method != method {
		return JSONResponse(405, MutationResponse{Error: "method not allowed"})
	}
	return handler(req)
}

func (d *Dispatcher) hello(*Request) *Response {
	return TextResponse(200, HelloBody)
}

func (d *Dispatcher) keepAlive(req *Request) *Response {
	var body KeepAliveRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return badRequest("invalid JSON body")
	}

	deviceID := strings.TrimSpace(body.DeviceID)
	if deviceID == "" {
		deviceID = strings.TrimSpace(body.VendorID)
	}
	if deviceID == "" {
		return badRequest("deviceId or vendorID is required")
	}

	d.presence.Register(deviceID)
	return JSONResponse(200, ActiveUsersResponse{ActiveUsers: d.presence.Count()})
}

func (d *Dispatcher) activeUsers(*Request) *Response {
	return JSONResponse(200, ActiveUsersResponse{ActiveUsers: d.presence.Count()})
}

func (d *Dispatcher) listings(*Request) *Response {
	listings, err := d.store.List()
	if err != nil {
		d.logger.Error("list listings failed", zap.Error(err))
		return internalError()
	}
	return JSONResponse(200, listings)
}

func (d *Dispatcher) addListing(req *Request) *Response {
	var listing models.Listing
	if err := json.Unmarshal(req.Body, &listing); err != nil {
		return badRequest("invalid JSON body")
	}
	// Server-assigned fields are never taken from the submitter.
	listing.ServerID = ""
	listing.ClientID = ""

	result, err := d.store.Add(listing)
	switch {
	case errors.Is(err, storage.ErrInvalidListing):
		return badRequest(err.Error())
	case err != nil:
		d.logger.Error("add listing failed", zap.Error(err))
		return internalError()
	}

	if result.Duplicate {
		return JSONResponse(200, MutationResponse{Success: true, ID: result.ServerID, Duplicate: true})
	}
	d.logger.Info("listing added", zap.String("server_id", result.ServerID), zap.String("vendor_id", listing.VendorID))
	return JSONResponse(201, MutationResponse{Success: true, ID: result.ServerID})
}

func (d *Dispatcher) deleteListing(req *Request) *Response {
	token := strings.TrimPrefix(req.Path, PathListing+"/")
	if token == "" {
		return notFound()
	}

	var (
		removed int
		err     error
	)
	switch mode := req.Query.Get("by"); mode {
	case DeleteByAuto:
		removed, err = d.store.DeleteByIdentity(token)
	case DeleteByID:
		removed, err = d.store.DeleteByServerID(token)
	case DeleteByOwner:
		removed, err = d.store.DeleteByOwner(token)
	default:
		return badRequest("unknown delete mode " + mode)
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return JSONResponse(404, MutationResponse{Error: "no matching listing"})
	case err != nil:
		d.logger.Error("delete listing failed", zap.String("token", token), zap.Error(err))
		return internalError()
	}

	d.logger.Info("listings deleted", zap.String("token", token), zap.Int("count", removed))
	return JSONResponse(200, MutationResponse{Success: true, Deleted: removed})
}

func (d *Dispatcher) status(*Request) *Response {
	count, err := d.store.Count()
	if err != nil {
		d.logger.Error("count listings failed", zap.Error(err))
		return internalError()
	}
	d.mu.Lock()
	port, started := d.port, d.started
	d.mu.Unlock()

	return JSONResponse(200, StatusResponse{
		Role:          string(models.RoleHost),
		DeviceID:      d.deviceID,
		Port:          port,
		ActiveUsers:   d.presence.Count(),
		ListingCount:  count,
		UptimeSeconds: int64(d.now().Sub(started) / time.Second),
	})
}

func badRequest(message string) *Response {
	return JSONResponse(400, MutationResponse{Error: message})
}

func notFound() *Response {
	return JSONResponse(404, MutationResponse{Error: "not found"})
}

func internalError() *Response {
	return JSONResponse(500, MutationResponse{Error: "internal error"})
}
