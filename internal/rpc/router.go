// Package rpc dispatches JSON-RPC requests from local frontends to the token
// manager, the upstream client, and the filter engine, and maps every failure
// mode to a protocol error object. Nothing here is allowed to crash the
// process on a per-request fault.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"

	"github.com/sei0o/binchotan-backend/internal/auth/token"
	"github.com/sei0o/binchotan-backend/internal/config"
	"github.com/sei0o/binchotan-backend/internal/credstore"
	"github.com/sei0o/binchotan-backend/internal/db/models"
	"github.com/sei0o/binchotan-backend/internal/filter"
	"github.com/sei0o/binchotan-backend/internal/logging"
	"github.com/sei0o/binchotan-backend/internal/ratelimit"
	"github.com/sei0o/binchotan-backend/internal/upstream"
	"github.com/sei0o/binchotan-backend/internal/version"
)

// Method names exposed on the socket.
const (
	MethodPlain         = "v0.plain"
	MethodHomeTimeline  = "v0.home_timeline"
	MethodStatus        = "v0.status"
	MethodAccountList   = "v0.account.list"
	MethodAccountAdd    = "v0.account.add"
	MethodFiltersReload = "v0.filters.reload"
)

// Bounds Twitter enforces on timeline page sizes. Out-of-range values are
// clamped rather than rejected, except zero and negative which are a caller
// error. An absent max_results requests timelineDefaultResults per page.
const (
	timelineMaxResults     = 100
	timelineDefaultResults = 50
)

// timelineClass keys the rate-limit window for the timeline endpoint.
const timelineClass = "users/:id/timelines/reverse_chronological"

// apiClient is the slice of the upstream client the router needs. Tests
// substitute a counting stub.
type apiClient interface {
	Call(ctx context.Context, accessToken, httpMethod, endpoint, userID string, params map[string]any) (*upstream.Result, error)
	Timeline(ctx context.Context, accessToken, userID string, params map[string]any) (*upstream.Result, error)
}

// tokenSource is the slice of the token manager the router needs.
type tokenSource interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
}

// accountAdder runs one interactive authorization flow.
type accountAdder interface {
	AddAccount(ctx context.Context) (string, error)
}

// Handler routes one request through Validated -> (PlainExecute |
// FilteredExecute) -> Responded. Every request yields exactly one response.
type Handler struct {
	store   *credstore.Store
	tokens  tokenSource
	client  apiClient
	tracker *ratelimit.Tracker
	filters *filter.Engine
	flow    accountAdder
	cfg     *config.Config
}

func NewHandler(store *credstore.Store, tokens tokenSource, client apiClient, tracker *ratelimit.Tracker, filters *filter.Engine, flow accountAdder, cfg *config.Config) *Handler {
	return &Handler{
		store:   store,
		tokens:  tokens,
		client:  client,
		tracker: tracker,
		filters: filters,
		flow:    flow,
		cfg:     cfg,
	}
}

// Handle processes one decoded request and always returns a response. Panics
// in handlers are recovered into a backend error: a per-request fault must map
// to a response, never a process exit.
func (h *Handler) Handle(ctx context.Context, req *Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [%s] handler panic: %v\n%s", logging.GetRequestID(ctx), r, debug.Stack())
			resp = errorResponse(req.ID, CodeBackendError, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	if req.JSONRPC != Version {
		return errorResponse(req.ID, CodeInvalidRequest, "incompatible JSON-RPC version, use 2.0", nil)
	}

	log.Printf("📨 [%s] %s", logging.GetRequestID(ctx), req.Method)

	switch req.Method {
	case MethodPlain:
		return h.handlePlain(ctx, req)
	case MethodHomeTimeline:
		return h.handleHomeTimeline(ctx, req)
	case MethodStatus:
		return h.handleStatus(req)
	case MethodAccountList:
		return h.handleAccountList(ctx, req)
	case MethodAccountAdd:
		return h.handleAccountAdd(ctx, req)
	case MethodFiltersReload:
		return h.handleFiltersReload(req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method, nil)
	}
}

type plainParams struct {
	UserID     string         `json:"user_id"`
	HTTPMethod string         `json:"http_method"`
	Endpoint   string         `json:"endpoint"`
	APIParams  map[string]any `json:"api_params"`
}

func (h *Handler) handlePlain(ctx context.Context, req *Request) Response {
	var params plainParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}
	if params.UserID == "" || params.Endpoint == "" {
		return errorResponse(req.ID, CodeInvalidParams, "user_id and endpoint are required", nil)
	}
	switch params.HTTPMethod {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return errorResponse(req.ID, CodeInvalidParams, "http_method must be one of GET, POST, PUT, DELETE", nil)
	}

	acc, eff, errResp := h.resolveAccount(ctx, req, params.UserID)
	if errResp != nil {
		return *errResp
	}

	accessToken, errResp := h.validToken(ctx, req, acc.ID)
	if errResp != nil {
		return *errResp
	}

	// The endpoint template (with :id intact) is the rate-limit class: the
	// upstream buckets quota per endpoint, not per substituted path.
	class := params.Endpoint
	if err := h.tracker.Check(eff.ID, class); err != nil {
		return quotaResponse(req, err)
	}

	res, err := h.client.Call(ctx, accessToken, params.HTTPMethod, params.Endpoint, eff.UserID, params.APIParams)
	h.observe(eff.ID, class, res)
	if err != nil {
		return upstreamErrorResponse(req, err)
	}

	return successResponse(req.ID, map[string]any{
		"meta": h.meta(eff.ID, class),
		"body": res.Body,
	})
}

type timelineParams struct {
	UserID    string         `json:"user_id"`
	APIParams map[string]any `json:"api_params"`
}

func (h *Handler) handleHomeTimeline(ctx context.Context, req *Request) Response {
	var params timelineParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}
	if params.UserID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "user_id is required", nil)
	}
	apiParams, errResp := boundTimelineParams(req, params.APIParams)
	if errResp != nil {
		return *errResp
	}

	acc, eff, errResp := h.resolveAccount(ctx, req, params.UserID)
	if errResp != nil {
		return *errResp
	}

	// The pipeline must exist before we spend quota on the fetch.
	pipeline := h.cfg.PipelineFor(acc.UserID)
	if missing, ok := h.filters.Lookup(pipeline); !ok {
		return errorResponse(req.ID, CodeFilterError, fmt.Sprintf("filter %s in pipeline for %s is not loaded", missing, acc.UserID), nil)
	}

	accessToken, errResp := h.validToken(ctx, req, acc.ID)
	if errResp != nil {
		return *errResp
	}

	if err := h.tracker.Check(eff.ID, timelineClass); err != nil {
		return quotaResponse(req, err)
	}

	res, err := h.client.Timeline(ctx, accessToken, eff.UserID, apiParams)
	h.observe(eff.ID, timelineClass, res)
	if err != nil {
		return upstreamErrorResponse(req, err)
	}

	var body struct {
		Data     []json.RawMessage `json:"data"`
		Includes json.RawMessage   `json:"includes,omitempty"`
		Meta     json.RawMessage   `json:"meta,omitempty"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return errorResponse(req.ID, CodeBackendError, fmt.Sprintf("parse timeline response: %v", err), nil)
	}

	filtered, faults, err := h.filters.Run(ctx, pipeline, body.Data)
	if err != nil {
		return errorResponse(req.ID, CodeFilterError, err.Error(), nil)
	}
	for _, fault := range faults {
		// A slow or broken filter degrades to pass-through; the request still
		// succeeds and the fault is an operational signal, not a caller error.
		log.Printf("⚠️ [%s] filter %s degraded to pass-through: %v", logging.GetRequestID(ctx), fault.Name, fault.Err)
	}
	if filtered == nil {
		filtered = []json.RawMessage{}
	}

	return successResponse(req.ID, map[string]any{
		"meta": h.meta(eff.ID, timelineClass),
		"body": map[string]any{
			"data":     filtered,
			"includes": body.Includes,
			"meta":     body.Meta,
		},
	})
}

func (h *Handler) handleStatus(req *Request) Response {
	if err := requireEmptyParams(req.Params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}
	return successResponse(req.ID, map[string]any{"version": version.Version})
}

func (h *Handler) handleAccountList(ctx context.Context, req *Request) Response {
	if err := requireEmptyParams(req.Params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}
	accounts, err := h.store.List(ctx)
	if err != nil {
		return errorResponse(req.ID, CodeOtherError, fmt.Sprintf("list accounts: %v", err), nil)
	}
	userIDs := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		userIDs = append(userIDs, acc.UserID)
	}
	return successResponse(req.ID, map[string]any{"user_ids": userIDs})
}

func (h *Handler) handleAccountAdd(ctx context.Context, req *Request) Response {
	if err := requireEmptyParams(req.Params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}
	userID, err := h.flow.AddAccount(ctx)
	if err != nil {
		if errors.Is(err, credstore.ErrTokenConflict) {
			return errorResponse(req.ID, CodeOtherError, err.Error(), nil)
		}
		return errorResponse(req.ID, CodeBackendError, fmt.Sprintf("authorization flow failed: %v", err), nil)
	}
	return successResponse(req.ID, map[string]any{"user_id": userID})
}

func (h *Handler) handleFiltersReload(req *Request) Response {
	if err := requireEmptyParams(req.Params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}
	loaded, loadErrs, err := h.filters.Reload()
	if err != nil {
		return errorResponse(req.ID, CodeFilterError, err.Error(), nil)
	}
	errs := make(map[string]string, len(loadErrs))
	for _, le := range loadErrs {
		errs[le.Name] = le.Err.Error()
	}
	return successResponse(req.ID, map[string]any{"loaded": loaded, "errors": errs})
}

// resolveAccount looks up the addressed account and its credential-bearing
// owner. An unregistered user id is a caller error; a delegate chain deeper
// than one hop is a configuration fault.
func (h *Handler) resolveAccount(ctx context.Context, req *Request, userID string) (acc, eff *models.Account, errResp *Response) {
	acc, err := h.store.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrAccountNotFound) {
			r := errorResponse(req.ID, CodeInvalidParams, "unregistered user id: "+userID, nil)
			return nil, nil, &r
		}
		r := errorResponse(req.ID, CodeOtherError, fmt.Sprintf("credential store: %v", err), nil)
		return nil, nil, &r
	}
	eff, err = h.store.ResolveEffective(ctx, acc.ID)
	if err != nil {
		code := CodeOtherError
		if errors.Is(err, credstore.ErrDelegateDepth) {
			code = CodeBackendError
		}
		r := errorResponse(req.ID, code, fmt.Sprintf("resolve credentials for %s: %v", userID, err), nil)
		return nil, nil, &r
	}
	return acc, eff, nil
}

func (h *Handler) validToken(ctx context.Context, req *Request, accountID string) (string, *Response) {
	accessToken, err := h.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		if errors.Is(err, token.ErrCredentialInvalid) {
			// Enough detail for the frontend to prompt re-authorization.
			r := errorResponse(req.ID, CodeBackendError, err.Error(), map[string]any{"reason": "credential_invalid"})
			return "", &r
		}
		r := errorResponse(req.ID, CodeBackendError, fmt.Sprintf("obtain access token: %v", err), nil)
		return "", &r
	}
	return accessToken, nil
}

// observe feeds rate-limit headers back into the tracker. This happens on
// every call that produced headers, success or failure.
func (h *Handler) observe(accountID, class string, res *upstream.Result) {
	if res != nil && res.RateLimit != nil {
		h.tracker.Observe(accountID, class, *res.RateLimit)
	}
}

func (h *Handler) meta(accountID, class string) Meta {
	w, ok := h.tracker.Snapshot(accountID, class)
	if !ok {
		return Meta{}
	}
	return Meta{APICallsRemaining: w.Remaining, APICallsReset: w.ResetAt.Unix()}
}

func boundTimelineParams(req *Request, apiParams map[string]any) (map[string]any, *Response) {
	if apiParams == nil {
		apiParams = map[string]any{}
	}
	raw, ok := apiParams["max_results"]
	if !ok {
		apiParams["max_results"] = timelineDefaultResults
		return apiParams, nil
	}
	n, ok := raw.(float64)
	if !ok || n != float64(int(n)) {
		r := errorResponse(req.ID, CodeInvalidParams, "max_results must be an integer", nil)
		return nil, &r
	}
	if n <= 0 {
		r := errorResponse(req.ID, CodeInvalidParams, "max_results must be positive", nil)
		return nil, &r
	}
	if n > timelineMaxResults {
		apiParams["max_results"] = timelineMaxResults
	} else {
		apiParams["max_results"] = int(n)
	}
	return apiParams, nil
}

func quotaResponse(req *Request, err error) Response {
	var quotaErr *ratelimit.QuotaError
	if errors.As(err, &quotaErr) {
		return errorResponse(req.ID, CodeOtherError, err.Error(), map[string]any{"reset_at": quotaErr.ResetAt.Unix()})
	}
	return errorResponse(req.ID, CodeOtherError, err.Error(), nil)
}

func upstreamErrorResponse(req *Request, err error) Response {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		data := map[string]any{"status": statusErr.Status}
		// Forward the upstream error body as JSON when it is JSON, as a
		// string otherwise (some error responses are plain text).
		if json.Valid([]byte(statusErr.Body)) {
			data["body"] = json.RawMessage(statusErr.Body)
		} else {
			data["body"] = statusErr.Body
		}
		return errorResponse(req.ID, CodeUpstreamError, err.Error(), data)
	}
	return errorResponse(req.ID, CodeBackendError, err.Error(), nil)
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("params are required for this method")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	return nil
}

func requireEmptyParams(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	if len(m) != 0 {
		return errors.New("this method takes no parameters")
	}
	return nil
}
