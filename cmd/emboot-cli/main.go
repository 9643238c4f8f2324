// Command emboot-cli talks to an emboot device's debug console and
// download port over TCP: status/reboot/jump/redo/undo/stay via the
// console, and download by streaming a package built by emboot-pack.
// Adapted from the teacher's cmd/cli/main.go, trimmed to this domain's
// command surface (spec.md §6).
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	defaultConsolePort = "2323"
	downloadPort       = "4242"
	dialTimeout        = 10 * time.Second
	readTimeout        = 5 * time.Second
	chunkSize          = 4096
)

func main() {
	host := pflag.StringP("host", "h", "", "device IP address (required)")
	cmd := pflag.StringP("cmd", "c", "", "single command to run (interactive if empty)")
	password := pflag.StringP("password", "p", "", "console password (or EMBOOT_PASSWORD env var)")
	pflag.Parse()

	if *host == "" {
		if pflag.NArg() > 0 {
			*host = pflag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}
	if *cmd == "" && pflag.NArg() > 1 {
		*cmd = pflag.Arg(1)
	}

	pass := resolvePassword(*password)

	if *cmd == "download" || (pflag.NArg() > 1 && pflag.Arg(1) == "download") {
		var pkgPath string
		if pflag.NArg() > 2 {
			pkgPath = pflag.Arg(2)
		} else {
			fmt.Println("Usage: emboot-cli <ip> download <package.bin>")
			os.Exit(1)
		}
		if err := pushPackage(*host, pkgPath); err != nil {
			fmt.Fprintf(os.Stderr, "download failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	addr := net.JoinHostPort(*host, defaultConsolePort)
	if *cmd != "" {
		if err := runCommand(addr, *cmd, pass); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := interactive(addr, pass); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("emboot-cli")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  emboot-cli <ip> [command]")
	fmt.Println("  emboot-cli -h <ip> [-c <command>] [-p <password>]")
	fmt.Println()
	fmt.Println("Console commands: status reboot jump redo redo-f undo stay unstay")
	fmt.Println()
	fmt.Println("  emboot-cli <ip> download <package.bin>   push a firmware package")
}

func runCommand(addr, cmd, password string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	consumeUntilPrompt(conn)

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	fmt.Println(strings.TrimSpace(strings.TrimSuffix(string(buf[:n]), "> ")))
	return nil
}

func interactive(addr, password string) error {
	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, password); err != nil {
		return err
	}
	fmt.Println("Connected. Type 'quit' to exit.")

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	welcome := make([]byte, 1024)
	n, _ := conn.Read(welcome)
	fmt.Print(string(welcome[:n]))

	buf := make([]byte, 256)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			fmt.Println("bye")
			return nil
		}
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n2, _ := conn.Read(buf)
		fmt.Println(strings.TrimSpace(strings.TrimSuffix(string(buf[:n2]), "> ")))
	}
}

// pushPackage streams a package built by emboot-pack to the device's
// download port using the length-prefixed chunk / DONE / VERIFIED
// protocol internal/download/tcplistener.go implements.
func pushPackage(host, pkgPath string) error {
	data, err := os.ReadFile(pkgPath)
	if err != nil {
		return fmt.Errorf("read package: %w", err)
	}

	hash := sha256.Sum256(data)
	fmt.Printf("package: %s (%d bytes)\n", pkgPath, len(data))

	addr := net.JoinHostPort(host, downloadPort)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect to download port: %w", err)
	}
	defer conn.Close()

	conn.Write([]byte("OTA\n"))
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	resp := make([]byte, 256)
	n, err := conn.Read(resp)
	if err != nil || !strings.HasPrefix(string(resp[:n]), "READY") {
		return fmt.Errorf("device not ready: %w", err)
	}

	total := (len(data) + chunkSize - 1) / chunkSize
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[i:end]

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(chunk)))
		conn.Write(lenBuf)
		conn.Write(chunk)

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(resp)
		if err != nil || !strings.HasPrefix(string(resp[:n]), "ACK") {
			return fmt.Errorf("chunk %d/%d: no ACK", i/chunkSize+1, total)
		}
		fmt.Printf("\r[%3d%%] chunk %d/%d", (i+len(chunk))*100/len(data), i/chunkSize+1, total)
	}
	fmt.Println()

	conn.Write([]byte(fmt.Sprintf("DONE %x\n", hash)))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = conn.Read(resp)
	if err != nil || strings.TrimSpace(string(resp[:n])) != "VERIFIED" {
		return fmt.Errorf("verification failed: %s", strings.TrimSpace(string(resp[:n])))
	}
	fmt.Println("verified, update armed")
	return nil
}

func resolvePassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv("EMBOOT_PASSWORD"); envPass != "" {
		return envPass
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			return string(pw)
		}
	}
	return ""
}

func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	prompt := make([]byte, 64)
	n, err := conn.Read(prompt)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	if !strings.Contains(strings.ToLower(string(stripTelnetIAC(prompt[:n]))), "password") {
		return fmt.Errorf("unexpected prompt")
	}
	_, err = conn.Write([]byte(password + "\r\n"))
	return err
}

func stripTelnetIAC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == 0xFF && i+1 < len(data) {
			cmd := data[i+1]
			if cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
		} else {
			out = append(out, data[i])
			i++
		}
	}
	return out
}

func consumeUntilPrompt(conn net.Conn) {
	buf := make([]byte, 256)
	var accumulated strings.Builder
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated.Write(stripTelnetIAC(buf[:n]))
			if strings.Contains(accumulated.String(), "> ") {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
