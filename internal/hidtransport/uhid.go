// Copyright 2020 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hidtransport creates a virtual USB-HID FIDO authenticator device
// via the kernel's /dev/uhid interface and speaks CTAPHID over it, so a
// browser sees the token exactly like it would see a real USB security
// key.
package hidtransport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
)

const (
	// hidMaxDescriptorSize represents the maximum length of a descriptor
	// or an event injected, per linux/uhid.h.
	hidMaxDescriptorSize = 4096

	// uhidEventSize is the fixed size of the C struct the kernel always
	// writes to /dev/uhid.
	uhidEventSize = 4380
)

// kernelEventType is the type used to encapsulate the different request
// types written by the kernel or user to /dev/uhid.
type kernelEventType uint32

const (
	evDestroy       kernelEventType = 1
	evStart         kernelEventType = 2
	evStop          kernelEventType = 3
	evOpen          kernelEventType = 4
	evClose         kernelEventType = 5
	evOutput        kernelEventType = 6
	evGetReport     kernelEventType = 9
	evGetReportReply kernelEventType = 10
	evCreate2       kernelEventType = 11
	evInput2        kernelEventType = 12
	evSetReport     kernelEventType = 13
	evSetReportReply kernelEventType = 14
)

// EventType identifies what kind of Event a caller received from
// Device.Open's channel.
type EventType uint32

// Output is the only kernel event the FIDO transport cares about: the HID
// subsystem handing us a report the host wrote to the device.
const Output EventType = EventType(evOutput)

// Event is a decoded occurrence read from /dev/uhid, delivered on the
// channel returned by Device.Open.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// uhidCreate2Request replicates the kernel's uhid_create2_req struct.
type uhidCreate2Request struct {
	requestType    kernelEventType
	name           [128]byte
	phys           [64]byte
	uniq           [64]byte
	descriptorSize uint16
	bus            uint16
	vendorID       uint32
	productID      uint32
	version        uint32
	country        uint32
	descriptor     [hidMaxDescriptorSize]byte
}

// DeviceData carries the identity and HID report descriptor a virtual
// device is created with.
type DeviceData struct {
	Name       [128]byte
	Phys       [64]byte
	Uniq       [64]byte
	Descriptor [hidMaxDescriptorSize]byte
	Bus        uint16
	VendorID   uint32
	ProductID  uint32
}

// Device is a virtual HID device backed by the kernel's uhid misc device.
type Device struct {
	Data DeviceData

	file          *os.File
	descriptorLen int
}

// Input2Request replicates the kernel's uhid_input2_req struct, used to
// inject a HID input report (our CTAPHID response frames) into the device.
type Input2Request struct {
	RequestType kernelEventType
	DataSize    uint16
	Data        [hidMaxDescriptorSize]uint8
}

// NewDevice returns a device with the given name and HID report descriptor,
// not yet instantiated in the kernel.
func NewDevice(name string, descriptor []byte) (*Device, error) {
	if len(name) > 128 {
		return nil, fmt.Errorf("hidtransport: device name too long: got %d want 128 or shorter", len(name))
	}
	if len(descriptor) > hidMaxDescriptorSize {
		return nil, fmt.Errorf("hidtransport: device descriptor too long: got %d want %d or shorter", len(descriptor), hidMaxDescriptorSize)
	}
	d := &Device{descriptorLen: len(descriptor)}
	copy(d.Data.Name[:], name)
	copy(d.Data.Descriptor[:], descriptor)
	return d, nil
}

// Open creates the kernel-side device and starts delivering its events on
// the returned channel, which is closed when ctx is done or the device is
// closed.
func (d *Device) Open(ctx context.Context) (<-chan Event, error) {
	if d.Data.Name == [128]byte{} || d.Data.Descriptor == [hidMaxDescriptorSize]byte{} {
		return nil, fmt.Errorf("hidtransport: device has not been initialized")
	}

	var err error
	if d.file, err = os.OpenFile("/dev/uhid", os.O_RDWR, 0o644); err != nil {
		return nil, fmt.Errorf("hidtransport: open /dev/uhid: %w", err)
	}

	if d.Data.Uniq == [64]byte{} {
		uniq, _ := uuid.NewRandom()
		copy(d.Data.Uniq[:], uniq[:])
	}

	if err = d.WriteEvent(d.Data.createRequest(d.descriptorLen)); err != nil {
		return nil, fmt.Errorf("hidtransport: write uhid create request: %w", err)
	}

	events := make(chan Event)
	go d.readLoop(ctx, events)
	return events, nil
}

func (d *Device) readLoop(ctx context.Context, events chan Event) {
	defer close(events)
	for {
		buf, err := d.readEvent()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case events <- Event{Err: err}:
			}
			if err == os.ErrClosed {
				return
			}
			continue
		}

		var reqType kernelEventType
		if err := binary.Read(bytes.NewReader(buf[:4]), binary.LittleEndian, &reqType); err != nil {
			select {
			case <-ctx.Done():
				return
			case events <- Event{Err: fmt.Errorf("hidtransport: decode event type: %w", err)}:
			}
			continue
		}

		switch reqType {
		case evOutput:
			// the kernel's uhid_event carries a uint32 type tag followed
			// by a uhid_data_req{hid_data[4096]; size uint16; rtype uint8}
			data := buf[4:]
			size := binary.LittleEndian.Uint16(data[hidMaxDescriptorSize : hidMaxDescriptorSize+2])
			out := make([]byte, size)
			copy(out, data[:size])
			select {
			case <-ctx.Done():
				return
			case events <- Event{Type: Output, Data: out}:
			}
		case evDestroy, evStop:
			return
		default:
			// Start, Open, Close, GetReport, SetReport: nothing to do.
		}
	}
}

// HidrawNodes returns the /dev/hidraw* paths associated with this device,
// useful for a --verbose CLI to report where the token surfaced.
func (d *Device) HidrawNodes(ctx context.Context) ([]string, error) {
	if d.file == nil {
		return nil, fmt.Errorf("hidtransport: device has not been initialized")
	}
	dp, err := devicePath(d.infoString())
	if err != nil {
		return nil, err
	}
	return hidrawNodes(ctx, dp)
}

// Close destroys the device by writing a destroy request to /dev/uhid.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	if err := d.WriteEvent(evDestroy); err != nil {
		return fmt.Errorf("hidtransport: write uhid destroy request: %w", err)
	}
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("hidtransport: close uhid file: %w", err)
	}
	return nil
}

// readEvent reads one fixed-size uhid_event struct from the device's file.
func (d *Device) readEvent() ([]byte, error) {
	if d.file == nil {
		return nil, fmt.Errorf("hidtransport: device has not been initialized")
	}
	buf := make([]byte, uhidEventSize)
	n, err := d.file.Read(buf)
	if err != nil {
		return buf, err
	}
	if n != uhidEventSize {
		return buf, fmt.Errorf("hidtransport: unexpected number of bytes of uhid event; got %d, want %d", n, uhidEventSize)
	}
	return buf, nil
}

// WriteEvent writes i into /dev/uhid.
func (d *Device) WriteEvent(i interface{}) error {
	if d.file == nil {
		return fmt.Errorf("hidtransport: device has not been initialized")
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, i); err != nil {
		return err
	}
	_, err := d.file.Write(buf.Bytes())
	return err
}

func (dd *DeviceData) createRequest(descriptorLen int) uhidCreate2Request {
	return uhidCreate2Request{
		requestType:    evCreate2,
		name:           dd.Name,
		phys:           dd.Phys,
		uniq:           dd.Uniq,
		descriptorSize: uint16(descriptorLen),
		bus:            dd.Bus,
		vendorID:       dd.VendorID,
		productID:      dd.ProductID,
		descriptor:     dd.Descriptor,
	}
}

// infoString returns the <bus>:<vendor>:<product> form used under
// /sys/bus/hid/devices/ to locate this device's hidraw/event nodes.
func (d *Device) infoString() string {
	return fmt.Sprintf("%04X:%04X:%04X", d.Data.Bus, d.Data.VendorID, d.Data.ProductID)
}
