// Package tun creates and drives the local Linux tun(4) interface: a
// read/write file handle delivering and accepting raw IP packets. Requires
// CAP_NET_ADMIN.
//
// Opens /dev/net/tun, issues TUNSETIFF with IFF_TUN|IFF_NO_PI, and reads
// the kernel-assigned interface name back out of the ifreq. Wrapped in the
// same channel-based non-blocking readable/writable pair the rest of this
// module's transports use, rather than a blocking io.ReadWriteCloser.
package tun

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize   = unix.IFNAMSIZ
	ifReqPadSize = 40 - 16 - 2
)

type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	pad   [ifReqPadSize]byte
}

// Device is a non-blocking handle to a Linux tun interface, satisfying
// tundriver.RawTun.
type Device struct {
	file *os.File
	name string
	mtu  int

	inbound  chan []byte
	readable chan struct{}
	writable chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Open creates a new kernel tun interface (kernel picks the name, "tunN")
// with the given MTU for its read buffer, and starts its background
// reader.
func Open(mtu int) (*Device, error) {
	if mtu <= 0 {
		mtu = 1500
	}

	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.name[:], "tun%d")
	req.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		file.Fd(),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&req)),
	); errno != 0 {
		file.Close()
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", errno)
	}

	d := &Device{
		file:     file,
		name:     strings.Trim(string(req.name[:]), "\x00"),
		mtu:      mtu,
		inbound:  make(chan []byte, 64),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	d.signal(d.writable)
	go d.readLoop()
	return d, nil
}

func (d *Device) readLoop() {
	buf := make([]byte, d.mtu)
	for {
		n, err := d.file.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case d.inbound <- pkt:
			d.signal(d.readable)
		case <-d.closed:
			return
		}
	}
}

func (d *Device) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Name returns the kernel-assigned interface name (e.g. "tun0").
func (d *Device) Name() string { return d.name }

// ReadPacket returns the next queued inbound packet, or
// transport.ErrWouldBlock-shaped zero-length/nil via the Readable channel
// contract: callers should only call ReadPacket after Readable fires.
func (d *Device) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-d.inbound:
		if len(d.inbound) > 0 {
			d.signal(d.readable)
		}
		return pkt, nil
	default:
		return nil, nil
	}
}

// WritePacket writes one raw IP packet to the interface. The device has no
// kernel-side write buffering concerns (IFF_NO_PI, no framing), so this
// always reports writable.
func (d *Device) WritePacket(b []byte) error {
	if _, err := d.file.Write(b); err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	d.signal(d.writable)
	return nil
}

// Readable signals when ReadPacket has a packet queued.
func (d *Device) Readable() <-chan struct{} { return d.readable }

// Writable signals when WritePacket may be called; always ready for a tun
// device since the kernel buffers writes internally.
func (d *Device) Writable() <-chan struct{} { return d.writable }

// Close tears down the interface.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.file.Close()
	})
	return err
}
