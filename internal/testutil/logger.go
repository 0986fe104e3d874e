// Package testutil provides shared test doubles for the ports interfaces.
package testutil

import "github.com/outpostvpn/billing-service/internal/domain/ports"

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Info(msg string, fields ...ports.Field)  {}
func (NopLogger) Error(msg string, fields ...ports.Field) {}
func (NopLogger) Warn(msg string, fields ...ports.Field)  {}
func (NopLogger) Debug(msg string, fields ...ports.Field) {}

var _ ports.Logger = NopLogger{}
