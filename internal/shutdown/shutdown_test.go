package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithSignalsCancelsOnSIGTERM(t *testing.T) {
	ctx, cancel := WithSignals(context.Background())
	defer cancel()

	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestWithSignalsCancelFunc(t *testing.T) {
	ctx, cancel := WithSignals(context.Background())
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
