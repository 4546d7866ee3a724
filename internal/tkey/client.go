// Package tkey provides a connection to the security token running the
// fido application: the serial transport, firmware bootstrap commands
// (identify, load app), and the app-level U2F RPCs. It shares the frame
// and proto packages with the device side, so the two ends can never
// disagree about the wire format.
package tkey

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"go.bug.st/serial"
	"golang.org/x/crypto/blake2s"

	"github.com/tillitis/tkey-fido/frame"
	"github.com/tillitis/tkey-fido/proto"
)

// SerialSpeed is the baud rate the device's virtual serial port runs at.
const SerialSpeed = 62500

// maxAppSize bounds app binaries LoadApp will accept, the size of the
// device RAM area an app may occupy.
const maxAppSize = 100 * 1024

var logger = log.New(os.Stderr, "tkey: ", 0)

// SilenceLogging discards the package's diagnostic output.
func SilenceLogging() {
	logger.SetOutput(io.Discard)
}

// Client is a serial connection to the security token and the firmware
// commands it supports before any app is loaded.
type Client struct {
	speed int
	port  string
	conn  serial.Port
}

// New allocates a Client for port. Use Connect to open it.
func New(port string) *Client {
	return &Client{port: port, speed: SerialSpeed}
}

// Connect opens the underlying serial port.
func (c *Client) Connect() error {
	mode := &serial.Mode{BaudRate: c.speed}
	conn, err := serial.Open(c.port, mode)
	if err != nil {
		return fmt.Errorf("tkey: open %s: %w", c.port, err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection. Closing an unconnected Client is a no-op,
// so teardown paths don't need to track whether Connect ever succeeded.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("tkey: close: %w", err)
	}
	c.conn = nil
	return nil
}

// SetReadTimeout sets the underlying serial read timeout; zero disables
// it. Note this only bounds a single Read, not an io.ReadFull loop.
func (c *Client) SetReadTimeout(d time.Duration) error {
	t := d
	if d <= 0 {
		t = -1
	}
	if err := c.conn.SetReadTimeout(t); err != nil {
		return fmt.Errorf("tkey: SetReadTimeout: %w", err)
	}
	return nil
}

func (c *Client) Write(p []byte) error {
	frame.Dump("tkey tx", p)
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("tkey: write: %w", err)
	}
	return nil
}

// ReadFrame reads and validates one frame addressed with the given
// command, returning the full frame (header byte included) and its frame
// ID, mirroring frame.ReadFrame's contract on top of this connection.
func (c *Client) ReadFrame(expected frame.Cmd, id int) ([]byte, int, error) {
	buf, gotID, err := frame.ReadFrame(c.conn, expected, id)
	frame.Dump("tkey rx", buf)
	return buf, gotID, err
}

// NameVersion is the identity a device application (or the firmware
// itself) reports.
type NameVersion struct {
	Name0   string
	Name1   string
	Version uint32
}

func (n *NameVersion) Unpack(raw []byte) {
	n.Name0 = string(raw[0:4])
	n.Name1 = string(raw[4:8])
	n.Version = binary.LittleEndian.Uint32(raw[8:12])
}

// GetNameVersion asks the firmware to identify itself.
func (c *Client) GetNameVersion() (*NameVersion, error) {
	id := 2
	tx, err := frame.NewFrameBuf(proto.FirmwareNameVersionCmd, id)
	if err != nil {
		return nil, err
	}
	if err := c.Write(tx); err != nil {
		return nil, err
	}

	if err := c.SetReadTimeout(2 * time.Second); err != nil {
		return nil, err
	}
	rx, _, err := c.ReadFrame(proto.FirmwareNameVersionRsp, id)
	if err != nil {
		return nil, fmt.Errorf("tkey: GetNameVersion: %w", err)
	}
	if err := c.SetReadTimeout(0); err != nil {
		return nil, err
	}

	nameVer := &NameVersion{}
	nameVer.Unpack(rx[2:])
	return nameVer, nil
}

// UDI is the device's Unique Device Identifier, the two 32-bit words the
// firmware reports: vendor, product, revision packed into the first, a
// serial number in the second.
type UDI struct {
	VendorID  uint16
	ProductID uint8
	Revision  uint8
	Serial    uint32
}

func (u *UDI) String() string {
	return fmt.Sprintf("%04x:%02x:%01x:%08x", u.VendorID, u.ProductID, u.Revision, u.Serial)
}

func (u *UDI) Unpack(raw []byte) {
	vpr := binary.BigEndian.Uint32(raw[0:4])
	u.VendorID = uint16((vpr >> 12) & 0xffff)
	u.ProductID = uint8((vpr >> 4) & 0xff)
	u.Revision = uint8(vpr & 0xf)
	u.Serial = binary.BigEndian.Uint32(raw[4:8])
}

// GetUDI asks the firmware for its Unique Device Identifier.
func (c *Client) GetUDI() (*UDI, error) {
	id := 2
	tx, err := frame.NewFrameBuf(proto.GetUDICmd, id)
	if err != nil {
		return nil, err
	}
	if err := c.Write(tx); err != nil {
		return nil, err
	}
	rx, _, err := c.ReadFrame(proto.GetUDIRsp, id)
	if err != nil {
		return nil, fmt.Errorf("tkey: GetUDI: %w", err)
	}
	if rx[2] != proto.StatusOK {
		return nil, fmt.Errorf("tkey: GetUDI: device NOK")
	}
	udi := &UDI{}
	udi.Unpack(rx[3 : 3+8])
	return udi, nil
}

// LoadAppFromFile reads fileName and loads it via LoadApp.
func (c *Client) LoadAppFromFile(fileName string, secretPhrase []byte) error {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("tkey: read %s: %w", fileName, err)
	}
	return c.LoadApp(content, secretPhrase)
}

// LoadApp loads a User-Supplied Secret derived from secretPhrase (or 32
// zero bytes if secretPhrase is empty) and the app binary bin, then waits
// for the device to confirm the digest it computed over bin matches the
// host's, so the host never trusts that the right app is running without
// a cross-check.
func (c *Client) LoadApp(bin []byte, secretPhrase []byte) error {
	if len(bin) > maxAppSize {
		return fmt.Errorf("tkey: app binary too large: %d bytes", len(bin))
	}

	if err := c.loadAppHeader(len(bin), secretPhrase); err != nil {
		return err
	}

	chunk := proto.LoadAppDataCmd.CmdLen().Bytelen() - 1
	var deviceDigest [32]byte
	var offset int
	for offset < len(bin) {
		last := len(bin)-offset <= chunk
		var n int
		var err error
		if last {
			deviceDigest, n, err = c.loadAppData(bin[offset:], true)
		} else {
			_, n, err = c.loadAppData(bin[offset:], false)
		}
		if err != nil {
			return fmt.Errorf("tkey: loadAppData: %w", err)
		}
		offset += n
	}

	digest := blake2s.Sum256(bin)
	if deviceDigest != digest {
		return fmt.Errorf("tkey: app digest mismatch: host and device disagree on what was loaded")
	}
	return nil
}

func (c *Client) loadAppHeader(size int, secretPhrase []byte) error {
	id := 2
	tx, err := frame.NewFrameBuf(proto.LoadAppCmd, id)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(tx[2:6], uint32(size))
	if len(secretPhrase) == 0 {
		tx[6] = 0
	} else {
		tx[6] = 1
		uss := blake2s.Sum256(secretPhrase)
		copy(tx[7:], uss[:])
	}

	if err := c.Write(tx); err != nil {
		return err
	}
	rx, _, err := c.ReadFrame(proto.LoadAppRsp, id)
	if err != nil {
		return fmt.Errorf("tkey: LoadApp: %w", err)
	}
	if rx[2] != proto.StatusOK {
		return fmt.Errorf("tkey: LoadApp: device NOK")
	}
	return nil
}

func (c *Client) loadAppData(content []byte, last bool) (digest [32]byte, n int, err error) {
	id := 2
	cmd := proto.LoadAppDataCmd
	tx, err := frame.NewFrameBuf(cmd, id)
	if err != nil {
		return digest, 0, err
	}

	payload := make([]byte, cmd.CmdLen().Bytelen()-1)
	copied := copy(payload, content)
	copy(tx[2:], payload)

	if err := c.Write(tx); err != nil {
		return digest, 0, err
	}

	expected := proto.LoadAppDataRsp
	if last {
		expected = proto.LoadAppDataReadyRsp
	}
	rx, _, err := c.ReadFrame(expected, id)
	if err != nil {
		return digest, 0, fmt.Errorf("tkey: loadAppData: %w", err)
	}
	if rx[2] != proto.StatusOK {
		return digest, 0, fmt.Errorf("tkey: loadAppData: device NOK")
	}
	if last {
		copy(digest[:], rx[3:3+32])
	}
	return digest, copied, nil
}
