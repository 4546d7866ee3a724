package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.bug.st/serial"

	"github.com/tillitis/tkey-fido/frame"
	"github.com/tillitis/tkey-fido/internal/agent"
	"github.com/tillitis/tkey-fido/internal/hidtransport"
	"github.com/tillitis/tkey-fido/internal/pinentry"
	"github.com/tillitis/tkey-fido/internal/u2fhid"
)

var le = log.New(os.Stderr, "", 0)

const progname = "tkey-fidod"

var version string

func main() {
	exit := func(code int) { os.Exit(code) }

	if version == "" {
		version = readBuildInfo()
	}

	var devPath, fileUSS, counterPath, pinentryProg string
	var enterUSS, listPortsOnly, testOnly, versionOnly, helpOnly, noPersistCounters, verbose bool
	pflag.CommandLine.SetOutput(os.Stderr)
	pflag.CommandLine.SortFlags = false
	pflag.BoolVarP(&listPortsOnly, "list-ports", "L", false,
		"List possible serial ports to use with --port.")
	pflag.StringVar(&devPath, "port", "",
		"Set serial port device `PATH`. If this is not passed, auto-detection will be attempted.")
	pflag.BoolVar(&enterUSS, "uss", false,
		"Enable typing of a phrase to be hashed as the User Supplied Secret. The USS is loaded onto the TKey along with the app itself. A different USS results in a different identity.")
	pflag.StringVar(&fileUSS, "uss-file", "",
		"Read `FILE` and hash its contents as the USS. Use '-' (dash) to read from stdin. The full contents are hashed unmodified (e.g. newlines are not stripped).")
	pflag.StringVar(&pinentryProg, "pinentry", "",
		"Use `PROGRAM` for entering the USS phrase, instead of the default pinentry found on PATH.")
	pflag.StringVar(&counterPath, "counter-file", "",
		"Persist authentication counters in `FILE` instead of the default file under the user's config directory. Pass '' with --no-persist-counters to keep them in memory only.")
	pflag.BoolVar(&noPersistCounters, "no-persist-counters", false,
		"Keep authentication counters in memory only; they reset to zero on restart.")
	pflag.BoolVar(&testOnly, "test", false, "Run a simple U2F register/authenticate test towards the app on the TKey, then exit.")
	pflag.BoolVar(&verbose, "verbose", false, "Enable verbose output, including hex dumps of all frames to and from the TKey.")
	pflag.BoolVar(&versionOnly, "version", false, "Output version information.")
	pflag.BoolVar(&helpOnly, "help", false, "Output this help.")
	pflag.Usage = func() {
		desc := fmt.Sprintf(`Usage: %[1]s [flags...]

%[1]s exposes a virtual USB-HID U2F authenticator backed by a physically
connected TKey security token. It answers U2F requests from a browser by
translating them to the fido app running on the token.`, progname)
		le.Printf("%s\n\n%s", desc, pflag.CommandLine.FlagUsagesWrapped(86))
	}
	pflag.Parse()

	if pflag.NArg() > 0 {
		le.Printf("Unexpected argument: %s\n\n", strings.Join(pflag.Args(), " "))
		pflag.Usage()
		exit(2)
	}
	if helpOnly {
		pflag.Usage()
		exit(0)
	}
	if versionOnly {
		fmt.Printf("%s %s\n", progname, version)
		exit(0)
	}
	if listPortsOnly {
		n, err := printPorts()
		if err != nil {
			le.Printf("%v\n", err)
			exit(1)
		} else if n == 0 {
			exit(1)
		}
		exit(0)
	}
	if enterUSS && fileUSS != "" {
		le.Printf("Pass only one of --uss or --uss-file.\n\n")
		pflag.Usage()
		exit(2)
	}

	if pinentryProg != "" {
		pinentry.Program = pinentryProg
	}
	if verbose {
		frame.Verbose = true
		frame.SetDebugOutput(os.Stderr)
	}

	counters, err := loadCounters(counterPath, noPersistCounters)
	if err != nil {
		le.Printf("%v\n", err)
		exit(1)
	}

	loader := agent.AppLoader{
		AppBinary:    appBinary,
		EnterUSS:     enterUSS,
		FileUSS:      fileUSS,
		SecretPrompt: func(udiString string) ([]byte, error) {
			return pinentry.PromptSecret(context.Background(), udiString)
		},
	}
	a := agent.New(devPath, loader, counters)

	if testOnly {
		runSmokeTest(a)
		exit(0)
	}

	if err := runDaemon(context.Background(), a, verbose); err != nil {
		le.Printf("Run failed: %s\n", err)
		exit(1)
	}
	exit(0)
}

func loadCounters(path string, memoryOnly bool) (*agent.CounterStore, error) {
	if memoryOnly {
		return agent.NewMemoryCounterStore(), nil
	}
	if path == "" {
		var err error
		path, err = agent.DefaultCounterStorePath()
		if err != nil {
			return nil, fmt.Errorf("default counter store path: %w", err)
		}
	}
	return agent.LoadCounterStore(path)
}

func runDaemon(ctx context.Context, a *agent.Agent, verbose bool) error {
	transport, err := hidtransport.New(progname)
	if err != nil {
		return fmt.Errorf("create virtual HID device: %w", err)
	}
	defer transport.Close()

	translator := u2fhid.NewTranslator(a, transport)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transportDone := make(chan error, 1)
	go func() { transportDone <- transport.Run(ctx) }()

	if verbose {
		go func() {
			nodes, err := transport.HidrawNodes(ctx)
			if err != nil {
				le.Printf("hidraw nodes: %s\n", err)
				return
			}
			le.Printf("virtual U2F token surfaced at %s\n", strings.Join(nodes, ", "))
		}()
	}

	translatorDone := make(chan error, 1)
	go func() { translatorDone <- translator.Run(ctx) }()

	select {
	case err := <-transportDone:
		return err
	case err := <-translatorDone:
		return err
	case <-ctx.Done():
		<-transportDone
		<-translatorDone
		return nil
	}
}

func readBuildInfo() string {
	version := "devel without BuildInfo"
	if info, ok := debug.ReadBuildInfo(); ok {
		sb := strings.Builder{}
		sb.WriteString("devel")
		for _, setting := range info.Settings {
			if strings.HasPrefix(setting.Key, "vcs") {
				sb.WriteString(fmt.Sprintf(" %s=%s", setting.Key, setting.Value))
			}
		}
		version = sb.String()
	}
	return version
}

func printPorts() (int, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return 0, fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		le.Printf("No TKey serial ports found.\n")
	} else {
		le.Printf("TKey serial ports (on stdout):\n")
		for _, p := range ports {
			fmt.Fprintf(os.Stdout, "%s\n", p)
		}
	}
	return len(ports), nil
}

func runSmokeTest(a *agent.Agent) {
	appliParam := sha256.Sum256([]byte("example.com"))

	fmt.Printf("Register...\n")
	userPresence, keyHandle, pubBytes, err := a.Register(appliParam)
	if err != nil {
		le.Printf("Register failed: %v\n", err)
		return
	}
	fmt.Printf("Register returned: userPresence:%v keyHandle:%0x pubBytes:%0x\n", userPresence, keyHandle, pubBytes)
	if !userPresence {
		le.Printf("User not present, bailing out\n")
		return
	}

	fmt.Printf("CheckOnly...\n")
	keyHandleValid, err := a.CheckOnly(appliParam, keyHandle)
	if err != nil {
		le.Printf("CheckOnly failed: %v\n", err)
		return
	}
	fmt.Printf("CheckOnly returned: keyHandleValid:%v\n", keyHandleValid)
	if !keyHandleValid {
		le.Printf("Key handle not valid, bailing out\n")
		return
	}

	challParam := sha256.Sum256([]byte("smoke test challenge"))
	checkUser := true

	fmt.Printf("Authenticate...\n")
	valid, presence, counter, sigASN1, err := a.Authenticate(appliParam, challParam, keyHandle, checkUser)
	if err != nil {
		le.Printf("Authenticate failed: %v\n", err)
		return
	}
	fmt.Printf("Authenticate(checkUser:%v) returned: valid:%v userPresence:%v counter:%d len(sig):%d\n",
		checkUser, valid, presence, counter, len(sigASN1))
	if checkUser && !presence {
		le.Printf("User presence required but user not present, bailing out\n")
		return
	}

	pubX, pubY := elliptic.Unmarshal(elliptic.P256(), pubBytes)
	if pubX == nil {
		fmt.Printf("unmarshal public key failed\n")
		return
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: pubX, Y: pubY}

	var signData bytes.Buffer
	signData.Write(appliParam[:])
	if presence {
		signData.WriteByte(0x01)
	} else {
		signData.WriteByte(0x00)
	}
	_ = binary.Write(&signData, binary.BigEndian, counter)
	signData.Write(challParam[:])
	hash := sha256.Sum256(signData.Bytes())

	if ecdsa.VerifyASN1(pub, hash[:], sigASN1) {
		fmt.Printf("Signature verified.\n")
	} else {
		fmt.Printf("Signature did NOT verify.\n")
	}
}
