// Package agent owns the connection lifecycle to the security token: it
// auto-detects the serial port, loads the fido app if the token is still
// in firmware mode, disconnects after a short idle period so other
// processes can talk to the token, and reconnects transparently on the
// next request.
package agent

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/tillitis/tkey-fido/internal/tkey"
)

var le = log.New(os.Stderr, "agent: ", 0)

// SilenceLogging discards the package's diagnostic output.
func SilenceLogging() { le.SetOutput(io.Discard) }

// idleDisconnect is how long the serial connection stays open after the
// last operation before the agent lets it go, so a browser's typical
// check-only-then-authenticate burst reuses one connection. A var rather
// than a const so tests can shrink it.
var idleDisconnect = 3 * time.Second

const (
	wantFWName0  = "tk1 "
	wantFWName1  = "mkdf"
	wantAppName0 = "tk1 "
	wantAppName1 = "fido"
)

// ErrNoDevice is returned by DetectSerialPort when no candidate serial
// port is present.
var ErrNoDevice = errors.New("agent: no security token found")

// ErrManyDevices is returned by DetectSerialPort when more than one
// candidate serial port is present and the caller didn't pin one down.
var ErrManyDevices = errors.New("agent: more than one serial port found, specify one explicitly")

// DetectSerialPort returns the sole USB serial port currently present, or
// an error if there isn't exactly one. It's deliberately permissive about
// what counts as a candidate (go.bug.st/serial's enumeration doesn't
// expose vendor/product IDs portably across platforms); callers that care
// should pass an explicit --port flag instead of relying on this.
func DetectSerialPort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("agent: list serial ports: %w", err)
	}
	switch len(ports) {
	case 0:
		return "", ErrNoDevice
	case 1:
		return ports[0], nil
	default:
		return "", ErrManyDevices
	}
}

// Notify reports a condition the user should see even if they're not
// watching the terminal. A desktop build can swap in a notification
// popup; the default is the same logger everything else uses.
var Notify = func(msg string) { le.Printf("%s\n", msg) }

// AppLoader supplies the fido app binary to load when the token is found
// in firmware mode, and the optional secret phrase to hash into its USS.
type AppLoader struct {
	AppBinary    []byte
	EnterUSS     bool
	FileUSS      string
	SecretPrompt func(udiString string) ([]byte, error)
}

// Agent manages one security token connection across many U2F requests,
// connecting and loading the app on demand and disconnecting again after
// idleDisconnect of inactivity.
type Agent struct {
	devPath string
	loader  AppLoader

	mu              sync.Mutex
	tk              *tkey.Client
	fido            *tkey.Fido
	connected       bool
	disconnectTimer *time.Timer

	Counters *CounterStore
}

// New builds an Agent. devPath pins a specific serial port; an empty
// string auto-detects one on each connect. counters may be nil, in which
// case New allocates an in-memory-only store.
func New(devPath string, loader AppLoader, counters *CounterStore) *Agent {
	if counters == nil {
		counters = NewMemoryCounterStore()
	}
	a := &Agent{devPath: devPath, loader: loader, Counters: counters}
	handleSignals(func() {}, syscall.SIGHUP)
	handleSignals(func() { a.closeNow() }, os.Interrupt, syscall.SIGTERM)
	return a
}

func (a *Agent) connect() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disconnectTimer != nil {
		a.disconnectTimer.Stop()
		a.disconnectTimer = nil
	}
	if a.connected {
		return true
	}

	devPath := a.devPath
	if devPath == "" {
		var err error
		devPath, err = DetectSerialPort()
		if err != nil {
			switch {
			case errors.Is(err, ErrNoDevice):
				Notify("Could not find a security token plugged in.")
			case errors.Is(err, ErrManyDevices):
				Notify("More than one candidate serial port found; specify one explicitly.")
			default:
				Notify(fmt.Sprintf("Token detection failed: %s", err))
			}
			le.Printf("detect port: %v", err)
			return false
		}
		le.Printf("auto-detected serial port %s", devPath)
	}

	le.Printf("connecting on %s", devPath)
	tk := tkey.New(devPath)
	if err := tk.Connect(); err != nil {
		Notify(fmt.Sprintf("Failed to connect on %s.", devPath))
		le.Printf("connect: %v", err)
		return false
	}
	a.tk = tk

	if a.isFirmwareMode() {
		le.Printf("token is in firmware mode")
		if err := a.loadApp(); err != nil {
			le.Printf("load app: %v", err)
			a.closeNowLocked()
			return false
		}
	}

	fido := tkey.NewFido(a.tk)
	a.fido = &fido
	if !a.isWantedApp() {
		Notify("Please remove and reinsert the token — it may be running the wrong app.")
		le.Printf("app identity mismatch, or no response (and not in firmware mode)")
		a.closeNowLocked()
		return false
	}

	a.connected = true
	return true
}

func (a *Agent) isFirmwareMode() bool {
	nameVer, err := a.tk.GetNameVersion()
	if err != nil {
		return false
	}
	return nameVer.Name0 == wantFWName0 && nameVer.Name1 == wantFWName1
}

func (a *Agent) isWantedApp() bool {
	nameVer, err := a.fido.GetAppNameVersion()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			le.Printf("GetAppNameVersion: %v", err)
		}
		return false
	}
	return nameVer.Name0 == wantAppName0 && nameVer.Name1 == wantAppName1
}

func (a *Agent) loadApp() error {
	var secret []byte
	switch {
	case a.loader.EnterUSS:
		udi, err := a.tk.GetUDI()
		if err != nil {
			return fmt.Errorf("GetUDI: %w", err)
		}
		if a.loader.SecretPrompt == nil {
			return fmt.Errorf("EnterUSS set without a SecretPrompt")
		}
		secret, err = a.loader.SecretPrompt(udi.String())
		if err != nil {
			return fmt.Errorf("prompt for secret: %w", err)
		}
	case a.loader.FileUSS == "-":
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read uss from stdin: %w", err)
		}
		secret = content
	case a.loader.FileUSS != "":
		content, err := os.ReadFile(a.loader.FileUSS)
		if err != nil {
			return fmt.Errorf("read uss-file %s: %w", a.loader.FileUSS, err)
		}
		secret = content
	}

	le.Printf("loading fido app...")
	if err := a.tk.LoadApp(a.loader.AppBinary, secret); err != nil {
		return fmt.Errorf("LoadApp: %w", err)
	}
	le.Printf("fido app loaded")
	return nil
}

func (a *Agent) disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return
	}
	if a.disconnectTimer != nil {
		a.disconnectTimer.Stop()
	}
	a.disconnectTimer = time.AfterFunc(idleDisconnect, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.closeNowLocked()
		a.connected = false
		a.disconnectTimer = nil
		le.Printf("disconnected (idle)")
	})
}

func (a *Agent) closeNow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeNowLocked()
}

func (a *Agent) closeNowLocked() {
	if a.tk == nil {
		return
	}
	if err := a.tk.Close(); err != nil {
		le.Printf("close: %v", err)
	}
}

// Register derives a fresh keypair for appParam on the token, connecting
// first if necessary.
func (a *Agent) Register(appParam [32]byte) (userPresence bool, keyHandle [64]byte, pubKey []byte, err error) {
	if !a.connect() {
		return false, keyHandle, nil, fmt.Errorf("agent: connect failed")
	}
	defer a.disconnect()

	present, kh, pub, err := a.fido.U2FRegister(appParam)
	if err != nil {
		return false, keyHandle, nil, fmt.Errorf("U2FRegister: %w", err)
	}
	if !present {
		return false, keyHandle, nil, nil
	}
	if x, _ := elliptic.Unmarshal(elliptic.P256(), pub); x == nil {
		return false, keyHandle, nil, fmt.Errorf("unmarshal public key: invalid point")
	}
	return present, kh, pub, nil
}

// CheckOnly reports whether keyHandle is valid for appParam.
func (a *Agent) CheckOnly(appParam [32]byte, keyHandle [64]byte) (bool, error) {
	if !a.connect() {
		return false, fmt.Errorf("agent: connect failed")
	}
	defer a.disconnect()
	return a.fido.U2FCheckOnly(appParam, keyHandle)
}

// Authenticate signs an authentication challenge, first incrementing the
// host-persisted counter for (appParam, keyHandle) and then signing with
// the incremented value.
func (a *Agent) Authenticate(appParam, challengeParam [32]byte, keyHandle [64]byte, checkUser bool) (valid bool, userPresence bool, counter uint32, sig []byte, err error) {
	if !a.connect() {
		return false, false, 0, nil, fmt.Errorf("agent: connect failed")
	}
	defer a.disconnect()

	counter, err = a.Counters.Next(appParam, keyHandle)
	if err != nil {
		return false, false, 0, nil, fmt.Errorf("counter: %w", err)
	}

	valid, present, sig, err := a.fido.U2FAuthenticate(appParam, challengeParam, keyHandle, checkUser, counter)
	if err != nil {
		return false, false, counter, nil, fmt.Errorf("U2FAuthenticate: %w", err)
	}
	return valid, present, counter, sig, nil
}

func handleSignals(action func(), sig ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	go func() {
		for range ch {
			action()
		}
	}()
}
