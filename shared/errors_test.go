package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"connection", &ConnectionError{Op: "creating offer", Err: errors.New("boom")}, ErrorKindConnection},
		{"timeout", &DataChannelTimeoutError{Timeout: "10s"}, ErrorKindTimeout},
		{"wrapped timeout", fmt.Errorf("starting: %w", &DataChannelTimeoutError{Timeout: "10s"}), ErrorKindTimeout},
		{"protocol", &ProtocolValidationError{Code: "invalid_value", Message: "bad voice"}, ErrorKindProtocol},
		{"session state", &SessionStateError{Call: "StartSession", State: "active"}, ErrorKindSession},
		{"cleanup", &CleanupError{Stage: "peer connection close", Err: context.DeadlineExceeded}, ErrorKindCleanup},
		{"plain", errors.New("something else"), ErrorKindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestConnectionErrorUnwraps(t *testing.T) {
	cause := context.Canceled
	err := &ConnectionError{Op: "waiting for data channel", Err: cause}
	assert.True(t, errors.Is(err, context.Canceled))
}
