package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableCloseError(t *testing.T) {
	restart := fmt.Errorf("read: %w", &websocket.CloseError{Code: websocket.CloseServiceRestart})
	if !IsRetryableCloseError(restart) {
		t.Fatalf("service restart should be retryable")
	}
	if IsRetryableCloseError(&websocket.CloseError{Code: websocket.CloseNormalClosure}) {
		t.Fatalf("normal closure should not be retryable")
	}
	if IsRetryableCloseError(errors.New("plain")) {
		t.Fatalf("non-close error should not be retryable")
	}
}

func TestIsRetryableNetError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if !IsRetryableNetError(fmt.Errorf("dial: %w", refused)) {
		t.Fatalf("refused dial should be retryable")
	}
	if !IsRetryableNetError(context.DeadlineExceeded) {
		t.Fatalf("deadline should be retryable")
	}
	if IsRetryableNetError(context.Canceled) {
		t.Fatalf("cancellation should not be retryable")
	}
	if IsRetryableNetError(errors.New("bad handshake")) {
		t.Fatalf("unclassified error should not be retryable")
	}
}
