package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

// WebSocket API route keys.
const (
	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"
	routeDefault    = "$default"
)

// LambdaHandler adapts the Gateway to API Gateway WebSocket proxy events.
type LambdaHandler struct {
	gw *Gateway
}

// NewLambdaHandler wires the adapter. gw must not be nil.
func NewLambdaHandler(gw *Gateway) (*LambdaHandler, error) {
	if gw == nil {
		return nil, errors.New("handler: gateway must not be nil")
	}
	return &LambdaHandler{gw: gw}, nil
}

// Handle routes one proxy event. $connect carries the credential in the
// token query parameter or the Authorization header; a non-2xx there makes
// API Gateway reject the handshake. Everything else arrives on $default as
// a JSON envelope in the body.
func (h *LambdaHandler) Handle(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connID := req.RequestContext.ConnectionID

	switch req.RequestContext.RouteKey {
	case routeConnect:
		if _, err := h.gw.HandleConnect(ctx, connID, connectCredential(req)); err != nil {
			return errorResponse(err), nil
		}
	case routeDisconnect:
		if _, err := h.gw.HandleDisconnect(ctx, connID); err != nil {
			return errorResponse(err), nil
		}
	default:
		if err := h.gw.HandleAction(ctx, connID, []byte(req.Body)); err != nil {
			return errorResponse(err), nil
		}
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}

// connectCredential pulls the bearer credential from the places a browser
// WebSocket client can put it during the handshake.
func connectCredential(req events.APIGatewayWebsocketProxyRequest) string {
	if tok := req.QueryStringParameters["token"]; tok != "" {
		return tok
	}
	if v := req.Headers["Authorization"]; v != "" {
		return v
	}
	return req.Headers["authorization"]
}

type errorBody struct {
	Error string            `json:"error"`
	Code  session.ErrorCode `json:"code"`
}

func errorResponse(err error) events.APIGatewayProxyResponse {
	var se *session.Error
	if !errors.As(err, &se) {
		se = session.NewError(session.ErrorInternal, "internal error", err)
	}
	body, _ := json.Marshal(errorBody{Error: se.Reason, Code: se.Code})
	return events.APIGatewayProxyResponse{
		StatusCode: statusFor(se),
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func statusFor(se *session.Error) int {
	switch se.Code {
	case session.ErrorValidation:
		return http.StatusBadRequest
	case session.ErrorAuth:
		return http.StatusUnauthorized
	case session.ErrorNotFound:
		return http.StatusNotFound
	case session.ErrorConflict:
		return http.StatusConflict
	case session.ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
