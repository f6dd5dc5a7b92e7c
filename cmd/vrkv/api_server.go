package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/galdor/go-service/pkg/shttp"
	"github.com/galdor/go-vr/pkg/vr"
)

const (
	clientIdHeaderField      = "X-VR-Client-Id"
	requestNumberHeaderField = "X-VR-Request-Number"
	primaryHeaderField       = "X-VR-Primary"
)

const requestTimeout = 10 * time.Second

type APIServer struct {
	Service *Service

	sessions *SessionPool
}

type PutRequest struct {
	Value string `json:"value"`
}

type KeyReply struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type WriteReply struct {
	Key           string  `json:"key"`
	PreviousValue *string `json:"previousValue,omitempty"`
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,

		sessions: NewSessionPool(),
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)

	api.Route("/status", "GET", api.hStatusGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

// hStoreGET lists keys known to the local replica; the list does not include
// writes which have not been committed on this replica yet.
func (api *APIServer) hStoreGET(h *shttp.Handler) {
	prefix := h.Request.URL.Query().Get("prefix")

	keys := api.Service.store.Keys(prefix)
	if keys == nil {
		keys = []string{}
	}

	h.ReplyJSON(200, keys)
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	result, err := api.submit(h, Op{Type: OpTypeGet, Key: key})
	if err != nil {
		api.replySubmissionError(h, err)
		return
	}

	if !result.Found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, KeyReply{Key: key, Value: result.Value})
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	data, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot read request body: %v", err)
		return
	}

	var req PutRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.ReplyError(400, "invalid_request_body",
			"invalid request body: %v", err)
		return
	}

	result, err := api.submit(h, Op{Type: OpTypePut, Key: key, Value: req.Value})
	if err != nil {
		api.replySubmissionError(h, err)
		return
	}

	h.ReplyJSON(200, writeReply(key, result))
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	result, err := api.submit(h, Op{Type: OpTypeDelete, Key: key})
	if err != nil {
		api.replySubmissionError(h, err)
		return
	}

	if !result.Found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, writeReply(key, result))
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	ctx, cancel := context.WithTimeout(h.Request.Context(), requestTimeout)
	defer cancel()

	info, err := api.Service.vrServer.Status(ctx)
	if err != nil {
		api.replySubmissionError(h, err)
		return
	}

	h.ReplyJSON(200, info)
}

func writeReply(key string, result OpResult) WriteReply {
	reply := WriteReply{Key: key}

	if result.Found {
		value := result.Value
		reply.PreviousValue = &value
	}

	return reply
}

// submit executes an operation through the replicated log. Clients which
// want their requests to be executed exactly once when they retry them
// provide their own identifier and request number; other requests are
// executed on behalf of one of the sessions of the server.
func (api *APIServer) submit(h *shttp.Handler, op Op) (OpResult, error) {
	if err := op.Check(); err != nil {
		return OpResult{}, &requestError{err: err}
	}

	ctx, cancel := context.WithTimeout(h.Request.Context(), requestTimeout)
	defer cancel()

	server := api.Service.vrServer

	clientId, requestNumber, err := clientIdentity(h)
	if err != nil {
		return OpResult{}, &requestError{err: err}
	}

	if clientId != "" {
		return server.Submit(ctx, clientId, requestNumber, op)
	}

	session := api.sessions.Acquire()
	defer api.sessions.Release(session)

	clientId, requestNumber = session.NextRequest()

	return server.Submit(ctx, clientId, requestNumber, op)
}

func clientIdentity(h *shttp.Handler) (vr.ClientId, vr.RequestNumber, error) {
	header := h.Request.Header

	clientId := header.Get(clientIdHeaderField)
	requestNumberString := header.Get(requestNumberHeaderField)

	if clientId == "" && requestNumberString == "" {
		return "", 0, nil
	}

	if clientId == "" {
		return "", 0, fmt.Errorf("missing or empty %s header field",
			clientIdHeaderField)
	}

	if requestNumberString == "" {
		return "", 0, fmt.Errorf("missing or empty %s header field",
			requestNumberHeaderField)
	}

	requestNumber, err := strconv.ParseUint(requestNumberString, 10, 64)
	if err != nil || requestNumber == 0 {
		return "", 0, fmt.Errorf("invalid %s header field",
			requestNumberHeaderField)
	}

	return vr.ClientId(clientId), vr.RequestNumber(requestNumber), nil
}

type requestError struct {
	err error
}

func (err *requestError) Error() string {
	return err.err.Error()
}

func (err *requestError) Unwrap() error {
	return err.err
}

func (api *APIServer) replySubmissionError(h *shttp.Handler, err error) {
	var reqErr *requestError
	var notPrimaryErr *vr.NotPrimaryError

	switch {
	case errors.As(err, &reqErr):
		h.ReplyError(400, "invalid_request", "%v", reqErr)

	case errors.As(err, &notPrimaryErr):
		address := api.Service.Cfg.VR.Replicas[notPrimaryErr.PrimaryId].APIAddress
		h.ResponseWriter.Header().Set(primaryHeaderField, address)

		h.ReplyError(421, "not_primary", "replica %q is not the primary, "+
			"requests must be sent to replica %q at %s",
			api.Service.replicaId, notPrimaryErr.PrimaryId, address)

	case errors.Is(err, vr.ErrUnexpectedRequestNumber):
		h.ReplyError(409, "unexpected_request_number", "%v", err)

	case errors.Is(err, vr.ErrInvalidState),
		errors.Is(err, vr.ErrServerStopped):
		h.ReplyError(503, "replica_unavailable", "%v", err)

	case errors.Is(err, context.DeadlineExceeded):
		h.ReplyError(504, "request_timeout", "request timed out")

	default:
		h.ReplyError(500, "internal_error", "%v", err)
	}
}
