//go:build tinygo

package download

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/openenterprise/emboot/internal/emboot"
	"github.com/openenterprise/emboot/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Wire protocol, adapted from the teacher's otaServerLoop/
// handleOTASession: "OTA\n" initiation, length-prefixed chunks,
// ACK <n> per chunk, DONE <sha256-hex> to close, VERIFIED on success.
const (
	bufSize        = 4096 + 64
	maxPackageSize = 1984 * 1024
	defaultTimeout = 10 * time.Minute
)

var (
	rxBuf   [bufSize]byte
	txBuf   [512]byte
	chunkBuf [bufSize]byte
)

// Listener runs the on-device TCP receiver for the download driver,
// writing into a partition-backed Driver and, on a verified transfer,
// running the update state machine's precheck/arm sequence.
type Listener struct {
	mu        sync.Mutex
	enabled   bool
	enabledAt time.Time
	timeout   time.Duration

	stack *xnet.StackAsync
	log   *slog.Logger
	port  uint16

	drv   Driver
	boot  *emboot.Driver
}

// NewListener builds a Listener bound to stack, listening on port, and
// feeding received packages to drv before arming boot's update state
// machine.
func NewListener(stack *xnet.StackAsync, log *slog.Logger, port uint16, drv Driver, boot *emboot.Driver) *Listener {
	return &Listener{stack: stack, log: log, port: port, drv: drv, boot: boot}
}

// Enable opens the listen window for timeout (or defaultTimeout if zero).
func (l *Listener) Enable(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if timeout == 0 {
		timeout = defaultTimeout
	}
	l.enabled = true
	l.enabledAt = time.Now()
	l.timeout = timeout
	l.log.Info("download:enabled", slog.String("timeout", timeout.String()))
}

// Disable closes the listen window immediately.
func (l *Listener) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	l.log.Info("download:disabled")
}

func (l *Listener) isEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return false
	}
	if time.Since(l.enabledAt) > l.timeout {
		l.enabled = false
		l.log.Info("download:timeout-expired")
		return false
	}
	return true
}

// Run drives the listener loop until ctx-like cancellation is out of
// scope here: call it from its own goroutine, as the teacher's main.go
// does with otaServerInit.
func (l *Listener) Run() {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("download:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             rxBuf[:],
		TxBuf:             txBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		l.log.Error("download:configure-failed", slog.String("err", err.Error()))
		return
	}

	l.log.Info("download:ready", slog.Int("port", int(l.port)))

	for {
		for !l.isEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := l.stack.ListenTCP(&conn, l.port); err != nil {
			l.log.Error("download:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && l.isEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !l.isEnabled() {
			conn.Abort()
			continue
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("download:session-panic")
				}
			}()
			l.handleSession(&conn)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		l.Disable()
	}
}

func (l *Listener) handleSession(conn *tcp.Conn) {
	// A transfer and telemetry's own log shipping both want the TCP
	// stack; give the transfer exclusive use for its duration, as the
	// teacher's handleOTASession does around its own session.
	telemetry.Pause()
	defer func() {
		telemetry.Resume()
		telemetry.Flush()
	}()

	var readBuf [128]byte

	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 3 || string(readBuf[:3]) != "OTA" {
		l.log.Error("download:no-init")
		return
	}

	if err := l.drv.Begin(); err != nil {
		l.log.Error("download:begin-failed", slog.String("err", err.Error()))
		writeString(conn, "ERROR begin failed\n")
		return
	}

	writeString(conn, "READY ")
	writeInt(conn, maxPackageSize)
	writeString(conn, "\n")
	conn.Flush()
	time.Sleep(100 * time.Millisecond)

	hasher := sha256.New()
	chunkNum := 0

	for {
		if err := readExactly(conn, readBuf[:4], 30*time.Second); err != nil {
			l.log.Error("download:read-timeout", slog.String("err", err.Error()))
			return
		}

		if string(readBuf[:4]) == "DONE" {
			n2, _ := readWithTimeout(conn, readBuf[4:], 2*time.Second)
			fullCmd := string(readBuf[:4+n2])
			expectedHash := ""
			if len(fullCmd) > 5 {
				expectedHash = trimSpace(fullCmd[5:])
			}

			total, err := l.drv.End()
			if err != nil {
				l.log.Error("download:end-failed", slog.String("err", err.Error()))
				writeString(conn, "ERROR "+err.Error()+"\n")
				conn.Flush()
				return
			}

			actualHash := hex.EncodeToString(hasher.Sum(nil))
			if expectedHash != "" && expectedHash != actualHash {
				l.log.Error("download:hash-mismatch")
				writeString(conn, "ERROR hash mismatch\n")
				conn.Flush()
				return
			}

			if err := l.boot.Precheck(); err != nil {
				l.log.Error("download:precheck-failed", slog.String("err", err.Error()))
				writeString(conn, "ERROR precheck failed\n")
				conn.Flush()
				return
			}
			if err := l.boot.BeginUpdate(); err != nil {
				l.log.Error("download:arm-failed", slog.String("err", err.Error()))
				writeString(conn, "ERROR arm failed\n")
				conn.Flush()
				return
			}

			writeString(conn, "VERIFIED\n")
			conn.Flush()
			l.log.Info("download:complete", slog.Int("bytes", int(total)), slog.Int("chunks", chunkNum))
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if chunkLen > uint32(len(chunkBuf)) {
			l.log.Error("download:chunk-too-large", slog.Int("size", int(chunkLen)))
			writeString(conn, "ERROR chunk too large\n")
			conn.Flush()
			return
		}

		if err := readExactly(conn, chunkBuf[:chunkLen], 30*time.Second); err != nil {
			l.log.Error("download:chunk-read-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			return
		}

		hasher.Write(chunkBuf[:chunkLen])

		if err := l.drv.Text(chunkBuf[:chunkLen]); err != nil {
			l.log.Error("download:text-failed", slog.String("err", err.Error()))
			writeString(conn, "ERROR "+err.Error()+"\n")
			conn.Flush()
			return
		}

		chunkNum++
		writeString(conn, "ACK ")
		writeInt(conn, chunkNum)
		writeString(conn, "\n")
		conn.Flush()

		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 10; i++ {
			runtime.Gosched()
		}
	}
}

func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	totalRead := 0

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return totalRead, io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return totalRead, err
		}
		if n > 0 {
			return totalRead + n, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return totalRead, errors.New("download: timeout")
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	needed := len(buf)

	for totalRead < needed && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			totalRead += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if totalRead < needed {
		return errors.New("download: timeout")
	}
	return nil
}

func writeString(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
