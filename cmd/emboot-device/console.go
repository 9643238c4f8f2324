//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/openenterprise/emboot/config"
	"github.com/openenterprise/emboot/credentials"
	"github.com/openenterprise/emboot/internal/download"
	"github.com/openenterprise/emboot/internal/emboot"
	"github.com/openenterprise/emboot/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const consolePort = 2323

var (
	consoleRxBuf [512]byte
	consoleTxBuf [512]byte
	consoleBuf   [128]byte
)

var (
	authFailures    int
	lastFailureTime time.Time
)

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

// consoleServer runs the debug/control console: authenticate, then
// dispatch status/reboot/jump/download/redo/undo/stay commands against
// the update driver. Adapted from the teacher's consoleServer/
// handleConsoleSession/processCommand, trimmed to this domain's
// command surface (spec.md §6 CLI surface).
func consoleServer(stack *xnet.StackAsync, logger *slog.Logger, boot *emboot.Driver, dl *download.Listener) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), consolePort)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if checkLockout() {
			time.Sleep(1 * time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, consolePort); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected")

		if !authenticateConsole(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			conn.Close()
			conn.Abort()
			continue
		}
		logger.Info("console:authenticated")

		writeConsole(&conn, "emboot console. Type 'help' for commands\r\n> ")
		flushConsole(&conn)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, logger, boot, dl)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}

func handleConsoleSession(conn *tcp.Conn, logger *slog.Logger, boot *emboot.Driver, dl *download.Listener) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(consoleBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				time.Sleep(10 * time.Millisecond)
				if cmdLen > 0 {
					processCommand(conn, consoleBuf[:cmdLen], logger, boot, dl)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 {
				consoleBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}

		if cmdLen >= len(consoleBuf)-1 {
			cmdLen = 0
			writeConsole(conn, "\r\nLine too long\r\n> ")
			flushConsole(conn)
		}
	}
}

func processCommand(conn *tcp.Conn, cmd []byte, logger *slog.Logger, boot *emboot.Driver, dl *download.Listener) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	switch {
	case bytesEqual(cmd, []byte("help")):
		writeConsole(conn, "Commands: help status reboot jump download redo redo-f undo stay unstay telemetry telemetry-flush\r\n")

	case bytesEqual(cmd, []byte("status")):
		status, err := boot.Step()
		if err != nil {
			writeConsole(conn, "status: error: "+err.Error()+"\r\n")
			break
		}
		writeConsole(conn, "status: "+status.String()+"\r\n")

	case bytesEqual(cmd, []byte("jump")):
		ok, err := boot.BootDecision()
		if err != nil {
			writeConsole(conn, "jump: error: "+err.Error()+"\r\n")
			break
		}
		if !ok {
			writeConsole(conn, "jump: refused, runapp not bootable\r\n")
			break
		}
		writeConsole(conn, "jumping\r\n")
		flushConsole(conn)
		jumpToRunApp()

	case bytesEqual(cmd, []byte("reboot")):
		writeConsole(conn, "rebooting\r\n")
		flushConsole(conn)
		time.Sleep(200 * time.Millisecond)
		hardReset()

	case bytesEqual(cmd, []byte("download")):
		dl.Enable(0)
		writeConsole(conn, "download: listening on port "+itoa(int(config.DownloadPort()))+"\r\n")

	case bytesEqual(cmd, []byte("redo")):
		if err := boot.Redo(false); err != nil {
			writeConsole(conn, "redo: error: "+err.Error()+"\r\n")
			break
		}
		writeConsole(conn, "redo armed\r\n")

	case bytesEqual(cmd, []byte("redo-f")):
		if err := boot.Redo(true); err != nil {
			writeConsole(conn, "redo -f: error: "+err.Error()+"\r\n")
			break
		}
		writeConsole(conn, "redo -f armed\r\n")

	case bytesEqual(cmd, []byte("undo")):
		if err := boot.Undo(); err != nil {
			writeConsole(conn, "undo: error: "+err.Error()+"\r\n")
			break
		}
		writeConsole(conn, "undo armed\r\n")

	case bytesEqual(cmd, []byte("stay")):
		if err := boot.Stay(true); err != nil {
			writeConsole(conn, "stay: error: "+err.Error()+"\r\n")
			break
		}
		writeConsole(conn, "stay set\r\n")

	case bytesEqual(cmd, []byte("unstay")):
		if err := boot.Stay(false); err != nil {
			writeConsole(conn, "unstay: error: "+err.Error()+"\r\n")
			break
		}
		writeConsole(conn, "stay cleared\r\n")

	case bytesEqual(cmd, []byte("telemetry")):
		enabled, queued, sent, errs, addr := telemetry.Status()
		writeConsole(conn, "telemetry: enabled="+boolStr(enabled)+
			" queued="+itoa(queued)+" sent="+itoa(sent)+
			" errors="+itoa(errs)+" collector="+addr+"\r\n")

	case bytesEqual(cmd, []byte("telemetry-flush")):
		telemetry.Flush()
		writeConsole(conn, "telemetry: flush requested\r\n")

	default:
		writeConsole(conn, "unknown command\r\n")
	}
}

func getLockoutDuration() time.Duration {
	switch {
	case authFailures >= 10:
		return 5 * time.Minute
	case authFailures >= 5:
		return 30 * time.Second
	case authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

func checkLockout() bool {
	lockout := getLockoutDuration()
	if lockout == 0 {
		return false
	}
	return time.Since(lastFailureTime) < lockout
}

func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

func resetFailures() {
	authFailures = 0
}

func authenticateConsole(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	flushConsole(conn)

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		flushConsole(conn)
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				restoreEcho()
				password := passBuf[:passLen]
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(password, expected) == 1 {
					resetFailures()
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}

		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}

	restoreEcho()
	recordFailure()
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func flushConsole(conn *tcp.Conn) {
	conn.Flush()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
