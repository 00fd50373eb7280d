package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Labels recorded by Health for failed submissions. Backend errors that
// carry an API code or an HTTP status get "api:<code>" and "http:<status>".
const (
	ErrorLabelTimeout  = "timeout"
	ErrorLabelCanceled = "canceled"
	ErrorLabelNetwork  = "network"
	ErrorLabelOther    = "other"
)

// SubmitErrorLabel buckets a failed backend submission for the health report.
func SubmitErrorLabel(err error) string {
	var (
		coded  interface{ ErrorCode() string }
		status interface{ HTTPStatus() int }
		netErr net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorLabelTimeout
	case errors.Is(err, context.Canceled):
		return ErrorLabelCanceled
	case errors.As(err, &coded) && coded.ErrorCode() != "":
		return "api:" + coded.ErrorCode()
	case errors.As(err, &status):
		return "http:" + strconv.Itoa(status.HTTPStatus())
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ErrorLabelTimeout
		}
		return ErrorLabelNetwork
	default:
		return ErrorLabelOther
	}
}

// FriendlyErrorName renders a submit error label for the summary report.
func FriendlyErrorName(label string) string {
	switch label {
	case "":
		return "Unknown error"
	case ErrorLabelTimeout:
		return "Submit deadline exceeded"
	case ErrorLabelCanceled:
		return "Submit canceled"
	case ErrorLabelNetwork:
		return "Network error"
	case ErrorLabelOther:
		return "Backend error"
	}
	if code, ok := strings.CutPrefix(label, "api:"); ok {
		return "Backend API error (" + code + ")"
	}
	if raw, ok := strings.CutPrefix(label, "http:"); ok {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return "Backend HTTP error"
		}
		if text := http.StatusText(code); text != "" {
			return "Backend HTTP " + raw + " " + text
		}
		return "Backend HTTP " + raw
	}
	return label
}
