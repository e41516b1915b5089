package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/usecase"
)

type stubUseCase struct {
	err      error
	thread   domain.Thread
	msg      domain.Message
	caller   string
	threadID string
	post     usecase.PostMessageInput
	run      usecase.RunInput
	readID   string
}

func (s *stubUseCase) ResolveThread(_ context.Context, callerID, chatbotID string) (domain.Thread, error) {
	s.caller = callerID
	s.thread.ChatbotID = chatbotID
	return s.thread, s.err
}

func (s *stubUseCase) GetThread(_ context.Context, callerID, threadID string) (domain.Thread, error) {
	s.caller, s.threadID = callerID, threadID
	return s.thread, s.err
}

func (s *stubUseCase) PostMessage(_ context.Context, in usecase.PostMessageInput) (domain.Message, error) {
	s.post = in
	return s.msg, s.err
}

func (s *stubUseCase) Run(_ context.Context, in usecase.RunInput) (domain.Message, error) {
	s.run = in
	return s.msg, s.err
}

func (s *stubUseCase) MarkRead(_ context.Context, callerID, threadID, messageID string) error {
	s.caller, s.threadID, s.readID = callerID, threadID, messageID
	return s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json", "X-User-Id": "user-1"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, uc *stubUseCase) *Handler {
	t.Helper()
	h, err := NewHandler(uc)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_ResolveThread(t *testing.T) {
	uc := &stubUseCase{thread: domain.Thread{ID: "t1", UserID: "user-1", Messages: []domain.Message{}}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/threads/resolve", `{"chatbotId":"bot-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", uc.caller)

	out := parseBody[domain.Thread](t, resp.Body)
	require.Equal(t, "t1", out.ID)
	require.Equal(t, "bot-1", out.ChatbotID)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_GetThread(t *testing.T) {
	uc := &stubUseCase{thread: domain.Thread{ID: "t1"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/threads/t1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "t1", uc.threadID)
}

func TestHandle_PostMessage(t *testing.T) {
	uc := &stubUseCase{msg: domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hi", CreatedAt: 1, ContentType: domain.ContentText}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/threads/t1/messages", `{"id":"m1","content":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, usecase.PostMessageInput{CallerID: "user-1", ThreadID: "t1", MessageID: "m1", Content: "hi"}, uc.post)
	require.Equal(t, "m1", parseBody[domain.Message](t, resp.Body).ID)
}

func TestHandle_RunAndRead(t *testing.T) {
	uc := &stubUseCase{msg: domain.Message{ID: "a1", Role: domain.RoleAssistant, Content: "Hello"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/threads/t1/runs", `{"chatbotId":"bot-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.RunInput{CallerID: "user-1", ThreadID: "t1", ChatbotID: "bot-1"}, uc.run)
	require.Equal(t, "Hello", parseBody[domain.Message](t, resp.Body).Content)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/threads/t1/read", `{"messageId":"a1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "a1", uc.readID)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	for _, body := range []string{`not-json`, ``, `{"chatbotId":"b","extra":1}`} {
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/threads/resolve", body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "body=%q", body)
		require.Equal(t, string(domain.ErrorValidation), parseBody[errorResponse](t, resp.Body).Error)
	}
}

func TestHandle_Routing(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/ask", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/threads/t1/unknown", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodDelete, "/threads/t1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: domain.Validation("empty_content"), status: http.StatusBadRequest, code: string(domain.ErrorValidation)},
		{name: "unauthenticated", err: domain.Validation("unauthenticated"), status: http.StatusUnauthorized, code: string(domain.ErrorValidation)},
		{name: "not found", err: domain.NewError(domain.ErrorNotFound, "thread_read_failed", domain.ErrNotFound), status: http.StatusNotFound, code: string(domain.ErrorNotFound)},
		{name: "permission", err: domain.NewError(domain.ErrorPermissionDenied, "not_thread_user", nil), status: http.StatusForbidden, code: string(domain.ErrorPermissionDenied)},
		{name: "rate limited", err: domain.NewError(domain.ErrorRateLimited, "backend_rate_limited", nil), status: http.StatusTooManyRequests, code: string(domain.ErrorRateLimited)},
		{name: "upstream", err: domain.NewError(domain.ErrorUpstream, "backend_error", nil), status: http.StatusBadGateway, code: string(domain.ErrorUpstream)},
		{name: "transport", err: domain.Transport("persist_failed", errors.New("io")), status: http.StatusBadGateway, code: string(domain.ErrorTransport)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(domain.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubUseCase{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/threads/t1/messages", `{"content":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, resp.Headers["X-Correlation-Id"], out.CorrelationID)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{thread: domain.Thread{ID: "t1"}})

	event := makeEvent(http.MethodGet, "/threads/t1", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
