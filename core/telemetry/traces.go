package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
const (
	AttrUserID    = "userkey.user.id"
	AttrSessionID = "userkey.session.id"
	AttrIPAddress = "userkey.client.ip"
	AttrErrorCode = "userkey.errorcode"
)

// SpanOptions provides configuration for span creation.
type SpanOptions struct {
	UserID    string
	SessionID string
	IPAddress string
}

// StartSpan starts a new span with the common attributes that are set.
func (p *Provider) StartSpan(ctx context.Context, name string, opts SpanOptions) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if opts.UserID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, opts.UserID))
	}
	if opts.SessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, opts.SessionID))
	}
	if opts.IPAddress != "" {
		attrs = append(attrs, attribute.String(AttrIPAddress, opts.IPAddress))
	}
	return p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// SpanIssue starts a span for a login URL request.
func (p *Provider) SpanIssue(ctx context.Context, ip string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "userkey.issue", SpanOptions{IPAddress: ip})
}

// SpanRedeem starts a span for a redemption.
func (p *Provider) SpanRedeem(ctx context.Context, sessionID, ip string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "userkey.redeem", SpanOptions{SessionID: sessionID, IPAddress: ip})
}

// SpanRevoke starts a span for the revocation of a user's keys.
func (p *Provider) SpanRevoke(ctx context.Context, userID string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "userkey.revoke", SpanOptions{UserID: userID})
}

// EndSpan ends a span, recording err and its error code when set.
func EndSpan(span trace.Span, errorCode string, err error) {
	if span == nil {
		return
	}
	if errorCode != "" {
		span.SetAttributes(attribute.String(AttrErrorCode, errorCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
