// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GatewayErrorType represents the category of a gateway (gRPC) error.
type GatewayErrorType int

const (
	GatewayErrorUnknown GatewayErrorType = iota
	GatewayErrorNetwork
	GatewayErrorAuth
	GatewayErrorTimeout
	GatewayErrorInternal
	GatewayErrorUnavailable
	GatewayErrorCanceled
)

// ClassifyGatewayError categorizes an error returned by a gateway call.
func ClassifyGatewayError(err error) GatewayErrorType {
	if err == nil {
		return GatewayErrorUnknown
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Canceled:
			return GatewayErrorCanceled
		case codes.DeadlineExceeded:
			return GatewayErrorTimeout
		case codes.Unauthenticated, codes.PermissionDenied:
			return GatewayErrorAuth
		case codes.Unavailable:
			return GatewayErrorUnavailable
		case codes.Internal:
			return GatewayErrorInternal
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rst_stream") || strings.Contains(lower, "connection reset"):
		return GatewayErrorNetwork
	case strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout"):
		return GatewayErrorTimeout
	case strings.Contains(lower, "unavailable"):
		return GatewayErrorUnavailable
	}
	return GatewayErrorUnknown
}

// FormatGatewayError renders a gateway failure as cell stderr text: a one-line
// summary, a hint, and the masked technical details.
func FormatGatewayError(op string, err error) string {
	if err == nil {
		return ""
	}
	var summary, hint string
	switch ClassifyGatewayError(err) {
	case GatewayErrorCanceled:
		summary, hint = "request was cancelled", "the cell was interrupted"
	case GatewayErrorTimeout:
		summary, hint = "gateway timed out", "retry, or narrow the query window"
	case GatewayErrorAuth:
		summary, hint = "gateway rejected the credentials", "check gateway.token in the cellrun config"
	case GatewayErrorUnavailable:
		summary, hint = "gateway is unavailable", "check gateway.addr in the cellrun config and that the gateway is running"
	case GatewayErrorInternal:
		summary, hint = "gateway failed internally", "retry; if it persists inspect the gateway logs"
	case GatewayErrorNetwork:
		summary, hint = "connection to the gateway was interrupted", "retry the cell"
	default:
		summary, hint = "gateway call failed", ""
	}

	var b strings.Builder
	b.WriteString(op)
	b.WriteString(": ")
	b.WriteString(summary)
	if hint != "" {
		b.WriteString("\n→ ")
		b.WriteString(hint)
	}
	b.WriteString("\nTechnical details: ")
	b.WriteString(Mask(err.Error()))
	return b.String()
}
