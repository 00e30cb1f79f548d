//go:build linux

package tunconfig

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU matches the WireGuard standard, leaving room for the noise
// transport's own overhead over the wire.
const DefaultMTU = 1420

// defaultName is the interface name used when the runtime doesn't request
// a specific one. Linux allows arbitrary names.
const defaultName = "riftgate0"

// LinuxTun is a kernel TUN device on Linux, configured via raw netlink
// (RTM_NEWADDR/RTM_NEWROUTE/RTM_SETLINK) rather than shelling out to `ip`,
// the same rtnetlink-by-hand approach the example pack uses to avoid a
// netlink client dependency.
type LinuxTun struct {
	dev     wgtun.Device
	name    string
	ifIndex int32
}

// NewLinuxTun creates and brings up a kernel TUN device. name may be
// empty, in which case defaultName is used.
func NewLinuxTun(name string, mtu int) (*LinuxTun, error) {
	if name == "" {
		name = defaultName
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %q: %w", name, err)
	}

	actualName, err := dev.Name()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("getting TUN device name: %w", err)
	}

	ifIndex, err := interfaceIndex(actualName)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	if err := setLinkUp(ifIndex); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("bringing up %s: %w", actualName, err)
	}

	return &LinuxTun{dev: dev, name: actualName, ifIndex: ifIndex}, nil
}

// Name returns the kernel-assigned interface name.
func (t *LinuxTun) Name() string { return t.name }

func (t *LinuxTun) PollRead(buf []byte) (int, error) {
	bufs := [][]byte{buf}
	sizes := make([]int, 1)
	if _, err := t.dev.Read(bufs, sizes, 0); err != nil {
		return 0, err
	}
	return sizes[0], nil
}

func (t *LinuxTun) Write(packet []byte) (int, error) {
	n, err := t.dev.Write([][]byte{packet}, 0)
	return n, err
}

func (t *LinuxTun) SetIPs(v4, v6 netip.Addr) error {
	if v4.IsValid() {
		if err := addAddress(t.ifIndex, netip.PrefixFrom(v4, v4.BitLen())); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", v4, t.name, err)
		}
	}
	if v6.IsValid() {
		if err := addAddress(t.ifIndex, netip.PrefixFrom(v6, v6.BitLen())); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", v6, t.name, err)
		}
	}
	return nil
}

func (t *LinuxTun) SetRoutes(v4Routes, v6Routes []netip.Prefix) error {
	for _, p := range v4Routes {
		if err := addRoute(t.ifIndex, p); err != nil {
			return fmt.Errorf("adding route %s via %s: %w", p, t.name, err)
		}
	}
	for _, p := range v6Routes {
		if err := addRoute(t.ifIndex, p); err != nil {
			return fmt.Errorf("adding route %s via %s: %w", p, t.name, err)
		}
	}
	return nil
}

func (t *LinuxTun) SetMTU(mtu int) error {
	if err := setLinkMTU(t.ifIndex, mtu); err != nil {
		return fmt.Errorf("setting mtu on %s: %w", t.name, err)
	}
	return nil
}

func (t *LinuxTun) SetDNS(servers []netip.Addr, searchDomain string) error {
	if len(servers) == 0 && searchDomain == "" {
		return nil
	}
	strs := make([]string, len(servers))
	for i, s := range servers {
		strs[i] = s.String()
	}
	var search []string
	if searchDomain != "" {
		search = []string{searchDomain}
	}

	if _, err := exec.LookPath("resolvectl"); err != nil {
		// No systemd-resolved on this host; leaving system DNS untouched
		// is safer than clobbering /etc/resolv.conf for every interface.
		return nil
	}
	if len(strs) > 0 {
		args := append([]string{"dns", t.name}, strs...)
		if out, err := exec.Command("resolvectl", args...).CombinedOutput(); err != nil {
			return fmt.Errorf("resolvectl dns %s: %w (output: %s)", t.name, err, strings.TrimSpace(string(out)))
		}
	}
	if len(search) > 0 {
		args := append([]string{"domain", t.name}, search...)
		if out, err := exec.Command("resolvectl", args...).CombinedOutput(); err != nil {
			return fmt.Errorf("resolvectl domain %s: %w (output: %s)", t.name, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (t *LinuxTun) Close() error {
	if _, err := exec.LookPath("resolvectl"); err == nil {
		_ = exec.Command("resolvectl", "revert", t.name).Run()
	}
	return t.dev.Close()
}

// --- rtnetlink plumbing ---
//
// Hand-rolled message construction, the same tradeoff the example pack
// makes: it avoids a netlink client library at the cost of building
// nlmsghdr/ifaddrmsg/rtmsg payloads by hand.

const (
	nlmsgHdrLen  = 16
	ifaddrmsgLen = 8
	ifinfomsgLen = 16
	rtmsgLen     = 12
	rtaHdrLen    = 4
)

func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

func rtaAlignLen(l int) int { return (l + 3) &^ 3 }

func withRouteSocket(fn func(fd int) error) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}
	return fn(fd)
}

func readNetlinkAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	if n < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", n)
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != unix.NLMSG_ERROR {
		return nil
	}
	if n < nlmsgHdrLen+4 {
		return fmt.Errorf("truncated netlink error response")
	}
	errno := *(*int32)(unsafe.Pointer(&buf[nlmsgHdrLen]))
	if errno == 0 {
		return nil
	}
	return fmt.Errorf("netlink error: %s", unix.Errno(-errno))
}

// addAddress assigns prefix (a single host address with its natural
// prefix length) to the interface.
func addAddress(ifIndex int32, prefix netip.Prefix) error {
	addr := prefix.Addr()
	family, raw := addrFamilyAndBytes(addr)

	addrAttrLen := rtaAlignLen(rtaHdrLen + len(raw))
	total := nlmsgHdrLen + ifaddrmsgLen + addrAttrLen*2
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWADDR)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = uint8(prefix.Bits())
	buf[off+3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = nlmsgHdrLen + ifaddrmsgLen
	writeAttr(buf[off:], unix.IFA_LOCAL, raw)
	off += addrAttrLen
	writeAttr(buf[off:], unix.IFA_ADDRESS, raw)

	return withRouteSocket(func(fd int) error {
		if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
			return fmt.Errorf("sending RTM_NEWADDR: %w", err)
		}
		return readNetlinkAck(fd)
	})
}

func addRoute(ifIndex int32, dst netip.Prefix) error {
	family, raw := addrFamilyAndBytes(dst.Addr())

	dstAttrLen := rtaAlignLen(rtaHdrLen + len(raw))
	oifAttrLen := rtaAlignLen(rtaHdrLen + 4)
	total := nlmsgHdrLen + rtmsgLen + dstAttrLen + oifAttrLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWROUTE)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = uint8(dst.Bits())
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+5] = unix.RTPROT_BOOT
	buf[off+6] = unix.RT_SCOPE_LINK
	buf[off+7] = unix.RTN_UNICAST

	off = nlmsgHdrLen + rtmsgLen
	writeAttr(buf[off:], unix.RTA_DST, raw)
	off += dstAttrLen
	var oif [4]byte
	binary.LittleEndian.PutUint32(oif[:], uint32(ifIndex))
	writeAttr(buf[off:], unix.RTA_OIF, oif[:])

	return withRouteSocket(func(fd int) error {
		if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
			return fmt.Errorf("sending RTM_NEWROUTE: %w", err)
		}
		return readNetlinkAck(fd)
	})
}

func setLinkUp(ifIndex int32) error {
	total := nlmsgHdrLen + ifinfomsgLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWLINK)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], unix.IFF_UP)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], unix.IFF_UP)

	return withRouteSocket(func(fd int) error {
		if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
			return fmt.Errorf("sending RTM_NEWLINK: %w", err)
		}
		return readNetlinkAck(fd)
	})
}

func setLinkMTU(ifIndex int32, mtu int) error {
	total := nlmsgHdrLen + ifinfomsgLen + rtaAlignLen(rtaHdrLen+4)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_SETLINK)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = nlmsgHdrLen + ifinfomsgLen
	var mtuBytes [4]byte
	binary.LittleEndian.PutUint32(mtuBytes[:], uint32(mtu))
	writeAttr(buf[off:], unix.IFLA_MTU, mtuBytes[:])

	return withRouteSocket(func(fd int) error {
		if err := unix.Sendto(fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
			return fmt.Errorf("sending RTM_SETLINK: %w", err)
		}
		return readNetlinkAck(fd)
	})
}

// writeAttr writes one rtattr {len, type, value} at the start of dst.
func writeAttr(dst []byte, attrType uint16, value []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(rtaHdrLen+len(value)))
	binary.LittleEndian.PutUint16(dst[2:4], attrType)
	copy(dst[rtaHdrLen:], value)
}

func addrFamilyAndBytes(addr netip.Addr) (uint8, []byte) {
	if addr.Is4() {
		b := addr.As4()
		return unix.AF_INET, b[:]
	}
	b := addr.As16()
	return unix.AF_INET6, b[:]
}
