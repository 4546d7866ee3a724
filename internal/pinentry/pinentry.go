// Package pinentry collects the optional USS secret phrase from the user
// out-of-band, the way an SSH agent or GnuPG collects a passphrase,
// instead of the program reading it off the command line or a terminal
// prompt in cleartext. User presence needs no prompt here: it's
// confirmed by a physical touch on the token itself.
//
// When no pinentry binary is on PATH, PromptSecret falls back to reading
// a line from the controlling terminal with echo disabled, via
// github.com/pkg/term.
package pinentry

import (
	"context"
	"fmt"
	"os/exec"

	assuan "github.com/foxcpp/go-assuan/client"
	"github.com/foxcpp/go-assuan/pinentry"
	"github.com/pkg/term"
)

// Program is the pinentry binary launched for the secret prompt,
// overridable via the CLI's --pinentry flag for systems where the
// default isn't on PATH or a specific flavor (curses, gnome3, ...) is
// wanted.
var Program = "pinentry"

// PromptSecret asks the user for the USS secret phrase associated with
// udiString, preferring a pinentry program and falling back to a raw
// terminal read if none is available.
func PromptSecret(ctx context.Context, udiString string) ([]byte, error) {
	secret, err := promptViaPinEntry(ctx, udiString)
	if err == nil {
		return secret, nil
	}
	return promptViaTerminal(udiString)
}

func promptViaPinEntry(ctx context.Context, udiString string) ([]byte, error) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := launchPinEntry(childCtx)
	if err != nil {
		return nil, fmt.Errorf("pinentry: start pinentry: %w", err)
	}
	defer p.Shutdown()

	p.SetTitle("tkey-fido")
	p.SetPrompt("USS phrase:")
	p.SetDesc(fmt.Sprintf("Enter the user-supplied secret for security token %s.", udiString))

	type result struct {
		secret string
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		secret, err := p.GetPIN()
		resultCh <- result{secret, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("pinentry: GetPIN: %w", r.err)
		}
		return []byte(r.secret), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func launchPinEntry(ctx context.Context) (*pinentry.Client, error) {
	cmd := exec.CommandContext(ctx, Program)

	var c pinentry.Client
	var err error
	c.Session, err = assuan.InitCmd(cmd)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// promptViaTerminal reads the secret phrase as a single line from
// /dev/tty with echo disabled, for environments without a pinentry
// program installed.
func promptViaTerminal(udiString string) ([]byte, error) {
	fmt.Printf("Enter the user-supplied secret for security token %s: ", udiString)

	t, err := term.Open("/dev/tty")
	if err != nil {
		return nil, fmt.Errorf("pinentry: open terminal: %w", err)
	}
	defer t.Close()

	if err := term.RawMode(t); err != nil {
		return nil, fmt.Errorf("pinentry: raw mode: %w", err)
	}
	defer t.Restore()

	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := t.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("pinentry: read: %w", err)
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case '\r', '\n':
			fmt.Println()
			return line, nil
		case 127, 8: // backspace / DEL
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
		case 3: // Ctrl-C
			fmt.Println()
			return nil, fmt.Errorf("pinentry: interrupted")
		default:
			line = append(line, buf[0])
		}
	}
}
