package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsFuncsInReverseOrder(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, time.Second)

	var order []string
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, time.Second)

	var ran bool
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return fmt.Errorf("store close failed")
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors")
	assert.True(t, ran, "later functions should still run after one fails")
}

func TestShutdownManager_Timeout(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, time.Second)

	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		t.Fatal("should not run once the context is done")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestShutdownManager_DrainsServer(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(logger, server, time.Second)

	// Shutdown on a never-started server returns immediately.
	require.NoError(t, sm.Shutdown(context.Background()))
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
}
