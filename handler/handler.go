package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"marketplace-chat/internal/domain"
	"marketplace-chat/internal/usecase"
)

const (
	correlationHeader     = "X-Correlation-Id"
	defaultRequestTimeout = 3 * time.Second
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// ChatAPI is the conversation service exposed over HTTP.
type ChatAPI interface {
	ListConversations(ctx context.Context, callerID string) ([]domain.ConversationSummary, error)
	GetOrCreateConversation(ctx context.Context, callerID, otherUserID string) (domain.ConversationRef, error)
	GetMessages(ctx context.Context, callerID, conversationID string, limit int) ([]domain.MessageView, error)
	SendMessage(ctx context.Context, callerID, conversationID, content string) (domain.MessageView, error)
	MarkMessagesAsRead(ctx context.Context, callerID, conversationID string) error
	GetUnreadCount(ctx context.Context, callerID string) (int, error)
	SearchUsers(ctx context.Context, callerID, query string) ([]domain.UserResult, error)
}

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type conversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
}

type messagesResponse struct {
	Messages []domain.MessageView `json:"messages"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

type usersResponse struct {
	Users []domain.UserResult `json:"users"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler serves the chat API behind an API Gateway proxy integration.
type Handler struct {
	chat    ChatAPI
	timeout time.Duration
}

// NewHandler wires the chat service. A non-positive timeout uses 3s per request.
func NewHandler(chat ChatAPI, timeout time.Duration) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Handler{chat: chat, timeout: timeout}, nil
}

// Handle routes one API Gateway request. Errors are always rendered as
// responses; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := h.route(ctx, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID

	slog.InfoContext(ctx, "request handled",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", resp.StatusCode,
		"correlationId", corrID,
		"durationMs", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	caller := callerID(req)
	segs := strings.Split(strings.Trim(req.Path, "/"), "/")
	method := req.HTTPMethod

	switch {
	case len(segs) == 1 && segs[0] == "conversations":
		switch method {
		case http.MethodGet:
			convs, err := h.chat.ListConversations(ctx, caller)
			if err != nil {
				return errorResult(err)
			}
			return jsonResponse(http.StatusOK, conversationsResponse{Conversations: convs})
		case http.MethodPost:
			var body createConversationRequest
			if err := decodeBody(req, &body); err != nil {
				return invalidBody()
			}
			ref, err := h.chat.GetOrCreateConversation(ctx, caller, body.OtherUserID)
			if err != nil {
				return errorResult(err)
			}
			return jsonResponse(http.StatusOK, ref)
		}
		return methodNotAllowed()

	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "messages":
		convID := segs[1]
		switch method {
		case http.MethodGet:
			limit := 0
			if raw := req.QueryStringParameters["limit"]; raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil {
					return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidArgument), Reason: "invalid_limit"})
				}
				limit = n
			}
			msgs, err := h.chat.GetMessages(ctx, caller, convID, limit)
			if err != nil {
				return errorResult(err)
			}
			return jsonResponse(http.StatusOK, messagesResponse{Messages: msgs})
		case http.MethodPost:
			var body sendMessageRequest
			if err := decodeBody(req, &body); err != nil {
				return invalidBody()
			}
			msg, err := h.chat.SendMessage(ctx, caller, convID, body.Content)
			if err != nil {
				return errorResult(err)
			}
			return jsonResponse(http.StatusCreated, msg)
		}
		return methodNotAllowed()

	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "read":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		if err := h.chat.MarkMessagesAsRead(ctx, caller, segs[1]); err != nil {
			return errorResult(err)
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}

	case len(segs) == 1 && segs[0] == "unread-count":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		n, err := h.chat.GetUnreadCount(ctx, caller)
		if err != nil {
			return errorResult(err)
		}
		return jsonResponse(http.StatusOK, unreadCountResponse{Count: n})

	case len(segs) == 2 && segs[0] == "users" && segs[1] == "search":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		users, err := h.chat.SearchUsers(ctx, caller, req.QueryStringParameters["q"])
		if err != nil {
			return errorResult(err)
		}
		return jsonResponse(http.StatusOK, usersResponse{Users: users})
	}

	return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"})
}

// callerID reads the authenticated subject placed by the API Gateway authorizer.
func callerID(req events.APIGatewayProxyRequest) string {
	auth := req.RequestContext.Authorizer
	if auth == nil {
		return ""
	}
	if claims, ok := auth["claims"].(map[string]interface{}); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub
		}
	}
	if principal, ok := auth["principalId"].(string); ok {
		return principal
	}
	return ""
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	return json.Unmarshal(body, v)
}

func errorResult(err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorOperationFailed)})
	}
	status := http.StatusInternalServerError
	switch ue.Code {
	case usecase.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorInvalidArgument:
		status = http.StatusBadRequest
	}
	return jsonResponse(status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func invalidBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidArgument), Reason: "invalid_body"})
}

func methodNotAllowed() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"OPERATION_FAILED"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
