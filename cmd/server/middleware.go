package main

import (
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cidpkg "voicelink/internal/cid"
)

// cidMiddleware guarantees every request has a correlation id: an incoming
// X-VL-CID header is preserved, otherwise a fresh KSUID is generated. The id
// is placed on the request context and echoed in the response.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(cidpkg.HeaderName)
		if cid == "" {
			cid = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), cid))
		c.Writer.Header().Set(cidpkg.HeaderName, cid)
		c.Next()
	}
}

// otelMiddleware opens one span per request and attaches the basic HTTP
// attributes plus the correlation id when present.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("voicelink/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			),
		)
		defer span.End()

		if cid := cidpkg.FromContext(ctx); cid != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, cid))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
