package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerUserID        = "X-User-Id"
)

type ChatUseCase interface {
	ResolveThread(ctx context.Context, callerID, chatbotID string) (domain.Thread, error)
	GetThread(ctx context.Context, callerID, threadID string) (domain.Thread, error)
	PostMessage(ctx context.Context, in usecase.PostMessageInput) (domain.Message, error)
	Run(ctx context.Context, in usecase.RunInput) (domain.Message, error)
	MarkRead(ctx context.Context, callerID, threadID, messageID string) error
}

type Handler struct {
	uc  ChatUseCase
	log *slog.Logger
}

type resolveRequest struct {
	ChatbotID string `json:"chatbotId"`
}

type postMessageRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type runRequest struct {
	ChatbotID string `json:"chatbotId"`
}

type readRequest struct {
	MessageID string `json:"messageId"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, log: slog.Default()}, nil
}

// Handle routes the API Gateway proxy request. Authentication happens in
// front of the function; the caller id arrives in X-User-Id.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	callerID := header(req.Headers, headerUserID)

	resp := h.route(ctx, req, callerID, correlationID)
	h.log.Info("request handled",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", resp.StatusCode,
		"correlation_id", correlationID,
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest, callerID, correlationID string) events.APIGatewayProxyResponse {
	parts := strings.Split(strings.Trim(req.Path, "/"), "/")
	method := strings.ToUpper(req.HTTPMethod)

	if len(parts) < 2 || parts[0] != "threads" {
		return errorJSON(http.StatusNotFound, string(domain.ErrorNotFound), "route_not_found", correlationID)
	}

	switch {
	case len(parts) == 2 && parts[1] == "resolve":
		if method != http.MethodPost {
			return methodNotAllowed(correlationID)
		}
		var body resolveRequest
		if err := decode(req.Body, &body); err != nil {
			return h.fail(err, correlationID)
		}
		thread, err := h.uc.ResolveThread(ctx, callerID, body.ChatbotID)
		if err != nil {
			return h.fail(err, correlationID)
		}
		return okJSON(http.StatusOK, thread, correlationID)

	case len(parts) == 2:
		if method != http.MethodGet {
			return methodNotAllowed(correlationID)
		}
		thread, err := h.uc.GetThread(ctx, callerID, parts[1])
		if err != nil {
			return h.fail(err, correlationID)
		}
		return okJSON(http.StatusOK, thread, correlationID)

	case len(parts) == 3 && parts[2] == "messages":
		if method != http.MethodPost {
			return methodNotAllowed(correlationID)
		}
		var body postMessageRequest
		if err := decode(req.Body, &body); err != nil {
			return h.fail(err, correlationID)
		}
		msg, err := h.uc.PostMessage(ctx, usecase.PostMessageInput{
			CallerID:  callerID,
			ThreadID:  parts[1],
			MessageID: body.ID,
			Content:   body.Content,
		})
		if err != nil {
			return h.fail(err, correlationID)
		}
		return okJSON(http.StatusCreated, msg, correlationID)

	case len(parts) == 3 && parts[2] == "runs":
		if method != http.MethodPost {
			return methodNotAllowed(correlationID)
		}
		var body runRequest
		if err := decode(req.Body, &body); err != nil {
			return h.fail(err, correlationID)
		}
		msg, err := h.uc.Run(ctx, usecase.RunInput{CallerID: callerID, ThreadID: parts[1], ChatbotID: body.ChatbotID})
		if err != nil {
			return h.fail(err, correlationID)
		}
		return okJSON(http.StatusOK, msg, correlationID)

	case len(parts) == 3 && parts[2] == "read":
		if method != http.MethodPost {
			return methodNotAllowed(correlationID)
		}
		var body readRequest
		if err := decode(req.Body, &body); err != nil {
			return h.fail(err, correlationID)
		}
		if err := h.uc.MarkRead(ctx, callerID, parts[1], body.MessageID); err != nil {
			return h.fail(err, correlationID)
		}
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusNoContent,
			Headers:    map[string]string{headerCorrelationID: correlationID},
		}
	}
	return errorJSON(http.StatusNotFound, string(domain.ErrorNotFound), "route_not_found", correlationID)
}

func (h *Handler) fail(err error, correlationID string) events.APIGatewayProxyResponse {
	code := domain.CodeOf(err)
	reason := ""
	var coded *domain.Error
	if errors.As(err, &coded) {
		reason = coded.Reason
	}
	status := statusFor(code, reason)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "code", code, "reason", reason, "error", err, "correlation_id", correlationID)
	}
	return errorJSON(status, string(code), reason, correlationID)
}

func statusFor(code domain.ErrorCode, reason string) int {
	switch code {
	case domain.ErrorValidation:
		if reason == "unauthenticated" {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case domain.ErrorNotFound:
		return http.StatusNotFound
	case domain.ErrorPermissionDenied:
		return http.StatusForbidden
	case domain.ErrorRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrorTransport, domain.ErrorUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return domain.Validation("empty_body")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewError(domain.ErrorValidation, "invalid_body", err)
	}
	return nil
}

func header(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func okJSON(status int, v any, correlationID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, string(domain.ErrorInternal), "encode_failed", correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(raw),
	}
}

func errorJSON(status int, code, reason, correlationID string) events.APIGatewayProxyResponse {
	raw, _ := json.Marshal(errorResponse{Error: code, Reason: reason, CorrelationID: correlationID})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(raw),
	}
}

func methodNotAllowed(correlationID string) events.APIGatewayProxyResponse {
	return errorJSON(http.StatusMethodNotAllowed, string(domain.ErrorValidation), "method_not_allowed", correlationID)
}
