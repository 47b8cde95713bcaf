package biometric

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
)

var (
	// ErrTimeout means the call ran out of time. It is never retried.
	ErrTimeout = errors.New("biometric engine timeout")
	// ErrTransport covers network failures, throttling and engine-side 5xx.
	ErrTransport = errors.New("biometric engine transport error")
	// ErrSessionNotFound means the engine does not know the liveness session.
	ErrSessionNotFound = errors.New("liveness session not found")
	// ErrNoFace means the frame holds no usable face.
	ErrNoFace = errors.New("no face detected in frame")
	// ErrBadHandle means a reference handle could not be resolved.
	ErrBadHandle = errors.New("invalid reference handle")
)

// classify folds an SDK error into one of the package sentinels.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SessionNotFoundException", "ResourceNotFoundException":
			return fmt.Errorf("%s: %w: %v", op, ErrSessionNotFound, err)
		case "InvalidParameterException", "InvalidImageFormatException", "ImageTooLargeException":
			return fmt.Errorf("%s: %w: %v", op, ErrNoFace, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
}
