package network

import (
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	cerrors "bock/errors"
)

// ensureBridge creates the bridge interface if it doesn't already exist,
// assigns it the gateway address of subnet, brings it up, and enables IPv4
// forwarding globally — spec.md §4.7's "create with ip link add equivalent,
// assign default CIDR, bring up, enable forwarding globally".
func ensureBridge(name, subnetCIDR string) (*netlink.Bridge, net.IP, error) {
	gwIP, ipNet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, nil, cerrors.Wrap(err, cerrors.ErrInvalidConfig, "parse bridge subnet")
	}

	link, err := netlink.LinkByName(name)
	if err == nil {
		br, ok := link.(*netlink.Bridge)
		if !ok {
			return nil, nil, cerrors.WrapWithDetail(nil, cerrors.ErrInternal, "ensure bridge",
				fmt.Sprintf("interface %s exists and is not a bridge", name))
		}
		if err := netlink.LinkSetUp(br); err != nil {
			return nil, nil, cerrors.Wrap(err, cerrors.ErrInternal, "bring up existing bridge")
		}
		return br, gwIP, nil
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "create bridge", name)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: gwIP, Mask: ipNet.Mask}}
	if err := netlink.AddrAdd(br, addr); err != nil {
		netlink.LinkDel(br)
		return nil, nil, cerrors.Wrap(err, cerrors.ErrInternal, "assign bridge address")
	}

	if err := netlink.LinkSetUp(br); err != nil {
		netlink.LinkDel(br)
		return nil, nil, cerrors.Wrap(err, cerrors.ErrInternal, "bring up bridge")
	}

	if err := enableIPForward(); err != nil {
		// Non-fatal: containers on the bridge still reach each other; only
		// off-bridge routing needs forwarding, and that's often already on.
		return br, gwIP, nil
	}

	return br, gwIP, nil
}

func enableIPForward() error {
	return writeSysctl("/proc/sys/net/ipv4/ip_forward", "1")
}

// attachBridge implements the bridge-mode path of Attach: allocate a lease,
// create a veth pair, move the container-side peer into the target netns,
// configure it there, and attach the host-side end to the bridge.
func (p *Plumber) attachBridge(containerID string, pid int, cfg *Config) (*Attachment, error) {
	br, gw, err := ensureBridge(cfg.Bridge, cfg.Subnet)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "ensure bridge")
	}

	alloc, err := newAllocator(p.Root, cfg.Subnet)
	if err != nil {
		return nil, err
	}
	ip, err := alloc.Allocate(containerID)
	if err != nil {
		return nil, err
	}

	hostVeth := vethHostName(containerID)
	peerVeth := vethPeerName(containerID)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostVeth, MasterIndex: br.Index},
		PeerName:  peerVeth,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		alloc.Release(containerID)
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "create veth pair", hostVeth)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		netlink.LinkDel(veth)
		alloc.Release(containerID)
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "bring up host veth")
	}

	peerLink, err := netlink.LinkByName(peerVeth)
	if err != nil {
		netlink.LinkDel(veth)
		alloc.Release(containerID)
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "find veth peer", peerVeth)
	}

	if err := netlink.LinkSetNsPid(peerLink, pid); err != nil {
		netlink.LinkDel(veth)
		alloc.Release(containerID)
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "move veth peer into netns", peerVeth)
	}

	_, subnet, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		netlink.LinkDel(veth)
		alloc.Release(containerID)
		return nil, cerrors.Wrap(err, cerrors.ErrInvalidConfig, "parse subnet")
	}

	if err := configurePeerInNetns(pid, peerVeth, ip, subnet.Mask, gw); err != nil {
		netlink.LinkDel(veth)
		alloc.Release(containerID)
		return nil, err
	}

	return &Attachment{
		ContainerID: containerID,
		Mode:        ModeBridge,
		HostVeth:    hostVeth,
		PeerVeth:    peerVeth,
		IP:          ip,
		Gateway:     gw,
	}, nil
}

// configurePeerInNetns enters the target network namespace on a locked OS
// thread, assigns ip/mask to ifName, renames it to "eth0", brings it (and
// loopback) up, installs the default route via gw, then restores the
// calling goroutine's original namespace. Namespace entry must happen on a
// single, otherwise-uncontaminated thread per spec.md §4.2/§9 — LockOSThread
// pins this goroutine to one OS thread for the duration.
func configurePeerInNetns(pid int, ifName string, ip net.IP, mask net.IPMask, gw net.IP) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hostNS, err := netns.Get()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "get host netns")
	}
	defer hostNS.Close()

	targetNS, err := netns.GetFromPid(pid)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "get container netns", fmt.Sprintf("pid %d", pid))
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "enter container netns")
	}
	defer netns.Set(hostNS)

	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "find peer in container netns", ifName)
	}

	if err := netlink.LinkSetName(link, "eth0"); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "rename container interface")
	}
	link, err = netlink.LinkByName("eth0")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "find renamed container interface")
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "assign container address")
	}

	if lo, err := netlink.LinkByName("lo"); err == nil {
		netlink.LinkSetUp(lo)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "bring up container interface")
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "add default route")
	}

	return nil
}

// detachBridge deletes the host-side veth (which also destroys the peer)
// and releases the IP lease. Safe to call when the container's netns
// already disappeared, since the kernel already removed the pair.
func (p *Plumber) detachBridge(att *Attachment) error {
	if att == nil {
		return nil
	}
	if link, err := netlink.LinkByName(att.HostVeth); err == nil {
		netlink.LinkDel(link)
	}
	alloc, err := newAllocator(p.Root, "")
	if err == nil {
		alloc.Release(att.ContainerID)
	}
	return nil
}

func vethHostName(containerID string) string {
	return "veth" + shortHash(containerID) + "a"
}

func vethPeerName(containerID string) string {
	return "veth" + shortHash(containerID) + "b"
}

// shortHash derives a short, interface-name-safe suffix (IFNAMSIZ is 15
// bytes on Linux) from a container ID of arbitrary length.
func shortHash(containerID string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(containerID); i++ {
		h ^= uint32(containerID[i])
		h *= 16777619
	}
	const alphabet = "0123456789abcdefghijklmnopqrstuv"
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = alphabet[h&0x1f]
		h >>= 5
	}
	return string(buf)
}
