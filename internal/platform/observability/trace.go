package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/freshnest/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

// TraceMiddleware reads the Cloud Trace header, stores the trace metadata on
// the request context for log correlation, and echoes the normalised header
// back to the caller.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := parseTraceHeader(r.Header.Get(cloudTraceHeader))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			info.ProjectID = projectID

			sampled := "0"
			if info.Sampled {
				sampled = "1"
			}
			w.Header().Set(cloudTraceHeader, fmt.Sprintf("%s/%s;o=%s", info.TraceID, info.SpanID, sampled))

			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(r.Context(), info)))
		})
	}
}

// parseTraceHeader decodes "TRACE_ID/SPAN_ID;o=OPTIONS". The trace id must
// be 32 hex characters; the span id may be hex or the decimal form some
// load balancers send.
func parseTraceHeader(header string) (requestctx.TraceInfo, bool) {
	tracePart, spanPart, found := strings.Cut(strings.TrimSpace(header), "/")
	if !found {
		return requestctx.TraceInfo{}, false
	}

	traceID := strings.TrimSpace(tracePart)
	if len(traceID) != 32 || !allHex(traceID) {
		return requestctx.TraceInfo{}, false
	}

	spanPart, options, _ := strings.Cut(spanPart, ";")
	spanID, ok := canonicalSpanID(spanPart)
	if !ok {
		return requestctx.TraceInfo{}, false
	}

	return requestctx.TraceInfo{
		TraceID: strings.ToLower(traceID),
		SpanID:  spanID,
		Sampled: traceSampled(options),
	}, true
}

// canonicalSpanID returns the span id as 16 lowercase hex characters.
func canonicalSpanID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", false
	case len(value) <= 16 && allHex(value):
		padded := strings.Repeat("0", 16-len(value)) + strings.ToLower(value)
		return padded, true
	}
	if num, err := strconv.ParseUint(value, 10, 64); err == nil && num != 0 {
		return fmt.Sprintf("%016x", num), true
	}
	return "", false
}

func traceSampled(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		if flag, ok := strings.CutPrefix(strings.TrimSpace(segment), "o="); ok {
			return flag == "1"
		}
	}
	return false
}

func allHex(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'f'
		isUpper := r >= 'A' && r <= 'F'
		if !isDigit && !isLower && !isUpper {
			return false
		}
	}
	return true
}
