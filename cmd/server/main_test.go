package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kasirinaja/ledger/internal/config"
	"kasirinaja/ledger/internal/notify"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store/memory"
)

func TestValidateSecurityConfig(t *testing.T) {
	strong := "0123456789abcdef0123456789abcdef"

	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short", AllowedOrigin: "http://pos.local"}))
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: strong, AllowedOrigin: "*"}))
	assert.NoError(t, validateSecurityConfig(config.Config{AuthSecret: strong, AllowedOrigin: "http://pos.local"}))
}

func TestRunReconcilerStopsWithContext(t *testing.T) {
	svc := service.New(memory.New(), notify.Noop{}, service.Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runReconciler(ctx, svc, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
