package network

import (
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	cerrors "bock/errors"
)

// attachMacvlan creates a macvlan sub-interface of cfg.Interface directly in
// the container's netns (no veth/bridge involved), per spec.md §4.7's
// macvlan mode. The sub-interface gets its own MAC address, visible on the
// physical segment cfg.Interface is attached to.
func (p *Plumber) attachMacvlan(containerID string, pid int, cfg *Config) (*Attachment, error) {
	if cfg.Interface == "" {
		return nil, cerrors.New(cerrors.ErrInvalidConfig, "attach macvlan", "no host interface specified")
	}
	parent, err := netlink.LinkByName(cfg.Interface)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "find macvlan parent", cfg.Interface)
	}

	ifName := "veth" + shortHash(containerID) + "m"
	mv := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{Name: ifName, ParentIndex: parent.Attrs().Index},
		Mode:      netlink.MACVLAN_MODE_BRIDGE,
	}
	if err := netlink.LinkAdd(mv); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "create macvlan", ifName)
	}
	if err := netlink.LinkSetNsPid(mv, pid); err != nil {
		netlink.LinkDel(mv)
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "move macvlan into netns")
	}
	if err := renameAndBringUpInNetns(pid, ifName); err != nil {
		return nil, err
	}
	return &Attachment{ContainerID: containerID, Mode: ModeMacvlan, PeerVeth: ifName}, nil
}

// attachIpvlan is the same shape as attachMacvlan but creates an ipvlan
// sub-interface, which shares the parent's MAC address instead of
// generating a new one — useful when the upstream switch filters on MAC
// count per port.
func (p *Plumber) attachIpvlan(containerID string, pid int, cfg *Config) (*Attachment, error) {
	if cfg.Interface == "" {
		return nil, cerrors.New(cerrors.ErrInvalidConfig, "attach ipvlan", "no host interface specified")
	}
	parent, err := netlink.LinkByName(cfg.Interface)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "find ipvlan parent", cfg.Interface)
	}

	ifName := "veth" + shortHash(containerID) + "i"
	iv := &netlink.IPVlan{
		LinkAttrs: netlink.LinkAttrs{Name: ifName, ParentIndex: parent.Attrs().Index},
		Mode:      netlink.IPVLAN_MODE_L2,
	}
	if err := netlink.LinkAdd(iv); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "create ipvlan", ifName)
	}
	if err := netlink.LinkSetNsPid(iv, pid); err != nil {
		netlink.LinkDel(iv)
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "move ipvlan into netns")
	}
	if err := renameAndBringUpInNetns(pid, ifName); err != nil {
		return nil, err
	}
	return &Attachment{ContainerID: containerID, Mode: ModeIpvlan, PeerVeth: ifName}, nil
}

// renameAndBringUpInNetns renames the just-moved sub-interface to "eth0"
// and brings it (and loopback) up inside the target namespace. DHCP or
// static addressing of macvlan/ipvlan interfaces is left to the workload
// (matching how Docker's macvlan driver behaves without an embedded DHCP
// client) — NetworkPlumber's job ends at link presence and up state.
func renameAndBringUpInNetns(pid int, ifName string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hostNS, err := netns.Get()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "get host netns")
	}
	defer hostNS.Close()

	targetNS, err := netns.GetFromPid(pid)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "get container netns")
	}
	defer targetNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "enter container netns")
	}
	defer netns.Set(hostNS)

	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "find interface in netns", ifName)
	}
	if err := netlink.LinkSetName(link, "eth0"); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "rename interface")
	}
	link, err = netlink.LinkByName("eth0")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "find renamed interface")
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "bring up interface")
	}
	if lo, err := netlink.LinkByName("lo"); err == nil {
		netlink.LinkSetUp(lo)
	}
	return nil
}

// detachVlan does nothing: the sub-interface lives in the container's netns
// and is destroyed together with it.
func (p *Plumber) detachVlan(att *Attachment) error {
	_ = att
	return nil
}
