package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"broker-relay/internal/attribution"
	"broker-relay/internal/domain"
	"broker-relay/internal/integrations/telegram"
	"broker-relay/internal/ratelimit"
	"broker-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	defaultOrigin     = "*"
	errorNotFound     = "NOT_FOUND"
	errorMethod       = "METHOD_NOT_ALLOWED"
	defaultConversion = "lead"
)

type ChatUseCase interface {
	SubmitMessage(ctx context.Context, in usecase.SubmitInput) (usecase.SubmitOutput, error)
	FetchMessages(ctx context.Context, in usecase.FetchInput) (usecase.FetchOutput, error)
	AuthorizeCallback(ctx context.Context, presented string) error
	IngestCallback(ctx context.Context, ev domain.OperatorEvent)
}

type LeadUseCase interface {
	Submit(ctx context.Context, in usecase.LeadInput) error
}

type AttributionStore interface {
	Capture(ctx context.Context, jar attribution.Jar, params url.Values, page attribution.Page) domain.Attribution
	Get(jar attribution.Jar) domain.Attribution
	ReportConversion(ctx context.Context, rec domain.Attribution, payout float64, status string)
}

type Handler struct {
	chat          ChatUseCase
	leads         LeadUseCase
	attr          AttributionStore
	allowedOrigin string
	secureCookie  bool
	logger        *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAllowedOrigin restricts CORS to a single origin and lets browsers send
// the attribution cookie cross-origin.
func WithAllowedOrigin(origin string) Option {
	return func(h *Handler) {
		if origin = strings.TrimSpace(origin); origin != "" {
			h.allowedOrigin = origin
		}
	}
}

// WithInsecureCookies drops the Secure attribute, for local plain-HTTP runs.
func WithInsecureCookies() Option {
	return func(h *Handler) {
		h.secureCookie = false
	}
}

type submitRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	FullName  string `json:"fullName"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Locale    string `json:"locale"`
}

type submitResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

type pollResponse struct {
	Messages []usecase.MessageView `json:"messages"`
}

type captureRequest struct {
	Params      map[string]string `json:"params"`
	LandingPage string            `json:"landingPage"`
	Referrer    string            `json:"referrer"`
}

type conversionRequest struct {
	Payout float64 `json:"payout"`
	Status string  `json:"status"`
}

type leadRequest struct {
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Locale   string `json:"locale"`
	Product  string `json:"product"`
	Comment  string `json:"comment"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(chat ChatUseCase, leads LeadUseCase, attr AttributionStore, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if leads == nil {
		return nil, errors.New("handler: lead use case must not be nil")
	}
	if attr == nil {
		return nil, errors.New("handler: attribution store must not be nil")
	}
	h := &Handler{
		chat:          chat,
		leads:         leads,
		attr:          attr,
		allowedOrigin: defaultOrigin,
		secureCookie:  true,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	resp := h.route(ctx, log, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["Content-Type"] = "application/json"
	resp.Headers[correlationHeader] = correlationID
	h.setCORS(resp.Headers)

	if resp.StatusCode >= 500 {
		log.Error("request failed", "status", resp.StatusCode)
	}
	return resp, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if req.HTTPMethod == http.MethodOptions {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
	}

	path := strings.TrimRight(req.Path, "/")
	switch path {
	case "/api/chat/messages":
		switch req.HTTPMethod {
		case http.MethodPost:
			return h.submitMessage(ctx, log, req)
		case http.MethodGet:
			return h.pollMessages(ctx, log, req)
		}
	case "/api/telegram/webhook":
		switch req.HTTPMethod {
		case http.MethodPost:
			return h.providerCallback(ctx, log, req)
		case http.MethodGet:
			return jsonResponse(http.StatusOK, statusResponse{Status: "ok"})
		}
	case "/api/attribution":
		switch req.HTTPMethod {
		case http.MethodPost:
			return h.captureAttribution(ctx, req)
		case http.MethodGet:
			return jsonResponse(http.StatusOK, h.attr.Get(newCookieJar(req, h.secureCookie)))
		}
	case "/api/attribution/conversion":
		if req.HTTPMethod == http.MethodPost {
			return h.reportConversion(ctx, req)
		}
	case "/api/leads":
		if req.HTTPMethod == http.MethodPost {
			return h.submitLead(ctx, log, req)
		}
	case "/healthz":
		if req.HTTPMethod == http.MethodGet {
			return jsonResponse(http.StatusOK, statusResponse{Status: "ok"})
		}
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound})
	}
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethod})
}

func (h *Handler) submitMessage(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body submitRequest
	if err := decodeBody(req, &body); err != nil {
		return invalidBody()
	}
	out, err := h.chat.SubmitMessage(ctx, usecase.SubmitInput{
		SessionID: body.SessionID,
		Message:   body.Message,
		FullName:  body.FullName,
		Phone:     body.Phone,
		Email:     body.Email,
		Locale:    body.Locale,
		ClientKey: clientKey(req),
	})
	if err != nil {
		return errorToResponse(log, err)
	}
	return jsonResponse(http.StatusOK, submitResponse{Success: true, SessionID: out.SessionID})
}

func (h *Handler) pollMessages(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	// An unparseable cursor means "from the start".
	after, _ := strconv.ParseInt(strings.TrimSpace(req.QueryStringParameters["after"]), 10, 64)
	out, err := h.chat.FetchMessages(ctx, usecase.FetchInput{
		SessionID: req.QueryStringParameters["sessionId"],
		After:     after,
	})
	if err != nil {
		return errorToResponse(log, err)
	}
	return jsonResponse(http.StatusOK, pollResponse{Messages: out.Messages})
}

// providerCallback acknowledges every delivery except one presenting the wrong
// secret, so the provider never backs off because of local conditions.
func (h *Handler) providerCallback(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	ack := jsonResponse(http.StatusOK, map[string]bool{"ok": true})

	if err := h.chat.AuthorizeCallback(ctx, header(req, telegram.SecretHeader)); err != nil {
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorUnauthorized {
			log.Warn("provider callback rejected", "reason", ucErr.Reason)
			return errorToResponse(log, err)
		}
		log.Error("provider callback not verified", "err", err)
		return ack
	}

	raw, err := rawBody(req)
	if err != nil {
		log.Debug("provider callback ignored: bad body encoding", "err", err)
		return ack
	}
	ev, err := telegram.ParseUpdate(raw)
	if err != nil {
		log.Debug("provider callback ignored", "err", err)
		return ack
	}
	h.chat.IngestCallback(ctx, ev)
	return ack
}

func (h *Handler) captureAttribution(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body captureRequest
	if err := decodeBody(req, &body); err != nil {
		return invalidBody()
	}
	params := url.Values{}
	for k, v := range body.Params {
		params.Set(k, v)
	}
	jar := newCookieJar(req, h.secureCookie)
	rec := h.attr.Capture(ctx, jar, params, attribution.Page{Path: body.LandingPage, Referrer: body.Referrer})
	return jar.apply(jsonResponse(http.StatusOK, rec))
}

func (h *Handler) reportConversion(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body conversionRequest
	if err := decodeBody(req, &body); err != nil {
		return invalidBody()
	}
	status := strings.TrimSpace(body.Status)
	if status == "" {
		status = defaultConversion
	}
	h.attr.ReportConversion(ctx, h.attr.Get(newCookieJar(req, h.secureCookie)), body.Payout, status)
	return jsonResponse(http.StatusAccepted, statusResponse{Status: "accepted"})
}

func (h *Handler) submitLead(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body leadRequest
	if err := decodeBody(req, &body); err != nil {
		return invalidBody()
	}
	err := h.leads.Submit(ctx, usecase.LeadInput{
		FullName:    body.FullName,
		Phone:       body.Phone,
		Email:       body.Email,
		Locale:      body.Locale,
		Product:     body.Product,
		Comment:     body.Comment,
		ClientKey:   clientKey(req),
		Attribution: h.attr.Get(newCookieJar(req, h.secureCookie)),
	})
	if err != nil {
		return errorToResponse(log, err)
	}
	return jsonResponse(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) setCORS(headers map[string]string) {
	headers["Access-Control-Allow-Origin"] = h.allowedOrigin
	headers["Access-Control-Allow-Methods"] = "GET, POST, OPTIONS"
	headers["Access-Control-Allow-Headers"] = "Content-Type, " + correlationHeader
	headers["Access-Control-Expose-Headers"] = correlationHeader
	if h.allowedOrigin != defaultOrigin {
		headers["Access-Control-Allow-Credentials"] = "true"
		headers["Vary"] = "Origin"
	}
}

func errorToResponse(log *slog.Logger, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		log.Error("use case failed", "err", err, "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, errorResponse{Error: string(ucErr.Code), Message: ucErr.Reason})
}

func invalidBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_body"})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"INTERNAL_ERROR"}`}
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(body)}
}

func rawBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	raw, err := rawBody(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// header looks a request header up case-insensitively.
func header(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	for k, vs := range req.MultiValueHeaders {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
	}
	return ""
}

func clientKey(req events.APIGatewayProxyRequest) string {
	headers := map[string]string{
		"X-Forwarded-For": header(req, "X-Forwarded-For"),
		"X-Real-IP":       header(req, "X-Real-IP"),
	}
	return ratelimit.ClientKey(headers, req.RequestContext.Identity.SourceIP)
}
