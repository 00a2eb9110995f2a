// Package testlogger provides a configured logger for tests.
package testlogger

import (
	"os"
	"testing"

	"github.com/moltrade/relayer/internal/log"
)

// Level returns the level to default the logger to, based on the
// RELAYER_TEST_LOGS presence.
func Level(t testing.TB) int {
	logLevel := log.InfoLevel
	debugEnv, isDebug := os.LookupEnv("RELAYER_TEST_LOGS")
	if isDebug && debugEnv == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		logLevel = log.DebugLevel
	}

	return logLevel
}

// New returns a configured logger
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).
		With("testName", t.Name())
}
