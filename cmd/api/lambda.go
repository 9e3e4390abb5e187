package main

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	proxycore "github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// lambdaHandler serves API Gateway HTTP API (payload v2) events with h.
type lambdaHandler func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

func newLambdaHandler(h http.Handler) lambdaHandler {
	return httpadapter.NewV2(withGatewayRequestID(h)).ProxyWithContext
}

// withGatewayRequestID copies the API Gateway request id into X-Request-Id
// when the client did not send one, so logs correlate with access logs.
func withGatewayRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gw, ok := proxycore.GetAPIGatewayV2ContextFromContext(r.Context()); ok {
			if gw.RequestID != "" && r.Header.Get("X-Request-Id") == "" {
				r.Header.Set("X-Request-Id", gw.RequestID)
			}
		}
		next.ServeHTTP(w, r)
	})
}
