// Package pinentry supplies pairing PINs, either from configuration or by
// prompting the user through an external pinentry program.
package pinentry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/aranet-reader/internal/ble"
)

// DefaultProgram is used when no program is configured.
const DefaultProgram = "pinentry"

// Static returns the same PIN for every request.
type Static string

func (s Static) RequestPIN(ctx context.Context, device string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == "" {
		return "", ble.ErrPINRejected
	}
	return string(s), nil
}

// Pinentry prompts for the PIN with a pinentry program (pinentry-qt,
// pinentry-gnome3, ...) using the Assuan protocol.
type Pinentry struct {
	Program string
	Args    []string
	Title   string
	Log     *zap.Logger
}

// New returns a prompt using program, or DefaultProgram if empty.
func New(program string, log *zap.Logger) *Pinentry {
	if program == "" {
		program = DefaultProgram
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pinentry{Program: program, Title: "Bluetooth PIN", Log: log}
}

// RequestPIN runs the program and returns the entered PIN. A cancelled
// dialog or an empty PIN yields ble.ErrPINRejected.
func (p *Pinentry) RequestPIN(ctx context.Context, device string) (string, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, p.Program, p.Args...)
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("pinentry: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pinentry: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("pinentry: start %s: %w", p.Program, err)
	}
	log.Debug("pinentry started", zap.String("program", p.Program), zap.String("device", device))

	type result struct {
		pin string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pin, err := p.converse(stdin, stdout, device, log)
		ch <- result{pin, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", ctx.Err()
	case res = <-ch:
	}

	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		log.Debug("pinentry exited", zap.Error(err))
	}
	if res.err != nil {
		return "", res.err
	}
	if res.pin == "" {
		return "", ble.ErrPINRejected
	}
	return res.pin, nil
}

// converse sends the prompt and reads replies until the PIN or an error
// arrives.
func (p *Pinentry) converse(w io.Writer, r io.Reader, device string, log *zap.Logger) (string, error) {
	title := p.Title
	if title == "" {
		title = "Bluetooth PIN"
	}
	commands := []string{
		"SETTITLE " + escape(title),
		"SETDESC " + escape("Enter PIN for device "+device),
		"SETPROMPT PIN:",
		"GETPIN",
	}
	for _, c := range commands {
		if _, err := io.WriteString(w, c+"\n"); err != nil {
			return "", fmt.Errorf("pinentry: write %q: %w", strings.Fields(c)[0], err)
		}
	}

	var pin string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "D "):
			v, err := url.PathUnescape(line[2:])
			if err != nil {
				return "", fmt.Errorf("pinentry: malformed data line: %w", err)
			}
			pin = strings.TrimSpace(v)
		case strings.HasPrefix(line, "ERR"):
			// Cancel, timeout or a rejected command all end the prompt.
			log.Info("PIN prompt ended without a PIN", zap.String("reply", line))
			return "", ble.ErrPINRejected
		case line == "OK" && pin != "":
			// OK following the data line ends GETPIN.
			_, _ = io.WriteString(w, "BYE\n")
			return pin, nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return "", fmt.Errorf("pinentry: read: %w", err)
	}
	return pin, nil
}

// escape percent-encodes the characters Assuan reserves in arguments.
func escape(s string) string {
	r := strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")
	return r.Replace(s)
}

// Compile-time checks.
var (
	_ ble.PINProvider = Static("")
	_ ble.PINProvider = (*Pinentry)(nil)
)
