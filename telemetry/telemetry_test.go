package telemetry

import (
	"strings"
	"testing"
)

func TestLog(t *testing.T) {
	ResetState()

	tests := []struct {
		name     string
		severity uint8
		msg      string
	}{
		{"debug message", SeverityDebug, "debug:test"},
		{"info message", SeverityInfo, "info:test"},
		{"warn message", SeverityWarn, "warn:test"},
		{"error message", SeverityError, "error:test"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ResetState()
			Log(tc.severity, tc.msg)

			logs := GetLogQueue()
			if len(logs) != 1 {
				t.Fatalf("expected 1 log, got %d", len(logs))
			}

			log := logs[0]
			if log.Severity != tc.severity {
				t.Errorf("severity = %d, want %d", log.Severity, tc.severity)
			}

			body := string(log.Body[:log.BodyLen])
			if body != tc.msg {
				t.Errorf("body = %q, want %q", body, tc.msg)
			}

			if log.Timestamp == 0 {
				t.Error("timestamp should not be zero")
			}
		})
	}
}

func TestLogConvenienceFunctions(t *testing.T) {
	tests := []struct {
		name     string
		logFunc  func(string)
		expected uint8
	}{
		{"LogDebug", LogDebug, SeverityDebug},
		{"LogInfo", LogInfo, SeverityInfo},
		{"LogWarn", LogWarn, SeverityWarn},
		{"LogError", LogError, SeverityError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ResetState()
			tc.logFunc("test message")

			logs := GetLogQueue()
			if len(logs) != 1 {
				t.Fatalf("expected 1 log, got %d", len(logs))
			}

			if logs[0].Severity != tc.expected {
				t.Errorf("severity = %d, want %d", logs[0].Severity, tc.expected)
			}
		})
	}
}

func TestLogQueueCircular(t *testing.T) {
	ResetState()

	// Fill queue beyond capacity (queue size is 8)
	for i := 0; i < 12; i++ {
		LogInfo("message")
	}

	logs := GetLogQueue()
	if len(logs) != 8 {
		t.Errorf("queue length = %d, want 8 (max)", len(logs))
	}
}

func TestLogTruncation(t *testing.T) {
	ResetState()

	// Message longer than the 128-byte body buffer
	longMsg := strings.Repeat("x", 200)
	LogInfo(longMsg)

	logs := GetLogQueue()
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}

	if logs[0].BodyLen != 128 {
		t.Errorf("bodyLen = %d, want 128 (truncated)", logs[0].BodyLen)
	}
}

func TestLogDisabled(t *testing.T) {
	ResetState()
	Disable()

	LogInfo("should not be queued")

	logs := GetLogQueue()
	if len(logs) != 0 {
		t.Errorf("expected 0 logs when disabled, got %d", len(logs))
	}

	Enable()
}

func TestLogPaused(t *testing.T) {
	ResetState()
	Pause()

	LogInfo("should not be queued while a download owns the stack")

	logs := GetLogQueue()
	if len(logs) != 0 {
		t.Errorf("expected 0 logs while paused, got %d", len(logs))
	}

	Resume()
	LogInfo("should be queued again")

	logs = GetLogQueue()
	if len(logs) != 1 {
		t.Errorf("expected 1 log after resume, got %d", len(logs))
	}
}

func TestIsPaused(t *testing.T) {
	ResetState()
	if IsPaused() {
		t.Fatal("expected not paused initially")
	}
	Pause()
	if !IsPaused() {
		t.Error("expected paused after Pause")
	}
	Resume()
	if IsPaused() {
		t.Error("expected not paused after Resume")
	}
}

func TestSeverityConstants(t *testing.T) {
	// Verify OTLP severity numbers match expected values
	if SeverityDebug != 5 {
		t.Errorf("SeverityDebug = %d, want 5", SeverityDebug)
	}
	if SeverityInfo != 9 {
		t.Errorf("SeverityInfo = %d, want 9", SeverityInfo)
	}
	if SeverityWarn != 13 {
		t.Errorf("SeverityWarn = %d, want 13", SeverityWarn)
	}
	if SeverityError != 17 {
		t.Errorf("SeverityError = %d, want 17", SeverityError)
	}
}
