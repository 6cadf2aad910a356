// Package network implements the NetworkPlumber component: bridge and veth
// plumbing, IP lease allocation, and port NAT for containers. It is the
// collaborator spec.md §4.7 describes; the teacher runtime has no equivalent
// package since runc itself never owns networking, so this is modeled after
// the bridge-mode plumbing of the wider container ecosystem (the podman
// fork's CNI/bridge driver under _examples/jesseduffield-lazydocker) adapted
// onto the vishvananda/netlink and vishvananda/netns libraries already in
// this module's dependency graph.
package network

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"bock/logging"
)

// Mode selects how a container's network namespace is populated.
type Mode string

const (
	// ModeBridge attaches the container to the bock0 bridge via a veth pair.
	// This is the default mode.
	ModeBridge Mode = "bridge"
	// ModeHost runs the container in the host's network namespace; no netns
	// is unshared and NetworkPlumber is a no-op.
	ModeHost Mode = "host"
	// ModeNone gives the container an otherwise-empty network namespace
	// (loopback only, no veth attached).
	ModeNone Mode = "none"
	// ModeMacvlan attaches a macvlan sub-interface of a host NIC directly
	// into the container's netns.
	ModeMacvlan Mode = "macvlan"
	// ModeIpvlan attaches an ipvlan sub-interface, sharing the host NIC's
	// MAC address rather than generating a new one.
	ModeIpvlan Mode = "ipvlan"
)

// DefaultBridgeName is the bridge NetworkPlumber creates in bridge mode,
// matching spec.md §4.7's "bock0".
const DefaultBridgeName = "bock0"

// DefaultSubnet is the CIDR assigned to the default bridge per spec.md §4.7.
const DefaultSubnet = "10.88.0.1/16"

// PortMapping describes one published container port, DNAT'd from the host.
type PortMapping struct {
	HostPort      uint16
	ContainerPort uint16
	Protocol      string // "tcp" or "udp"
	HostIP        string // optional bind address, "" means all interfaces
}

// Config is the per-container network configuration. It is not part of the
// OCI runtime spec (config.json has no notion of bridges or port
// publishing), so it is carried via annotations the way Docker/podman carry
// engine-level settings alongside the OCI spec.
type Config struct {
	Mode       Mode
	Bridge     string
	Subnet     string
	Interface  string // host NIC for macvlan/ipvlan
	Ports      []PortMapping
	Hostname   string
	MacAddress string
}

// Annotation keys read by ParseConfig.
const (
	annoMode   = "bock.network.mode"
	annoBridge = "bock.network.bridge"
	annoSubnet = "bock.network.subnet"
	annoIface  = "bock.network.interface"
	annoPorts  = "bock.network.ports"
	annoMac    = "bock.network.mac-address"
)

// ParseConfig derives a network Config from a container's OCI annotations.
// Absent annotations fall back to bridge mode with the default bridge and
// subnet, matching the "Bridge mode. Ensure bridge bock0 exists..." default
// in spec.md §4.7. A nil/empty map always yields bridge mode.
func ParseConfig(annotations map[string]string) (*Config, error) {
	cfg := &Config{
		Mode:   ModeBridge,
		Bridge: DefaultBridgeName,
		Subnet: DefaultSubnet,
	}
	if annotations == nil {
		return cfg, nil
	}

	if m, ok := annotations[annoMode]; ok && m != "" {
		switch Mode(m) {
		case ModeBridge, ModeHost, ModeNone, ModeMacvlan, ModeIpvlan:
			cfg.Mode = Mode(m)
		default:
			return nil, fmt.Errorf("unknown network mode %q", m)
		}
	}
	if b, ok := annotations[annoBridge]; ok && b != "" {
		cfg.Bridge = b
	}
	if s, ok := annotations[annoSubnet]; ok && s != "" {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", s, err)
		}
		cfg.Subnet = s
	}
	if i, ok := annotations[annoIface]; ok {
		cfg.Interface = i
	}
	if mac, ok := annotations[annoMac]; ok {
		cfg.MacAddress = mac
	}
	if p, ok := annotations[annoPorts]; ok && p != "" {
		ports, err := parsePorts(p)
		if err != nil {
			return nil, err
		}
		cfg.Ports = ports
	}
	return cfg, nil
}

// parsePorts parses a comma-separated list of "hostport:containerport/proto"
// or "hostip:hostport:containerport/proto" entries.
func parsePorts(spec string) ([]PortMapping, error) {
	var out []PortMapping
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		proto := "tcp"
		if idx := strings.LastIndex(entry, "/"); idx >= 0 {
			proto = strings.ToLower(entry[idx+1:])
			entry = entry[:idx]
		}
		if proto != "tcp" && proto != "udp" {
			return nil, fmt.Errorf("invalid port protocol %q in %q", proto, entry)
		}

		parts := strings.Split(entry, ":")
		var hostIP, hostPort, containerPort string
		switch len(parts) {
		case 2:
			hostPort, containerPort = parts[0], parts[1]
		case 3:
			hostIP, hostPort, containerPort = parts[0], parts[1], parts[2]
		default:
			return nil, fmt.Errorf("invalid port mapping %q", entry)
		}

		hp, err := strconv.ParseUint(hostPort, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid host port in %q: %w", entry, err)
		}
		cp, err := strconv.ParseUint(containerPort, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid container port in %q: %w", entry, err)
		}
		out = append(out, PortMapping{
			HostPort:      uint16(hp),
			ContainerPort: uint16(cp),
			Protocol:      proto,
			HostIP:        hostIP,
		})
	}
	return out, nil
}

// Attachment is what Attach returns: the resources Detach must unwind, kept
// entirely in memory (the lease and NAT chain are independently recoverable
// from $ROOT/network/leases.json and the deterministic chain name, so a
// crash between Attach and state-save does not leak silently).
type Attachment struct {
	ContainerID string
	Mode        Mode
	HostVeth    string
	PeerVeth    string
	IP          net.IP
	Gateway     net.IP
}

// Plumber owns all network-wide shared state: the bridge, the IP lease
// bitmap, and the iptables chains, each guarded by $ROOT/network/lock per
// spec.md §5 ("every mutation occurs under $ROOT/network/lock").
type Plumber struct {
	Root string
}

// New returns a Plumber rooted at $ROOT/network (root is $BOCK_ROOT).
func New(bockRoot string) *Plumber {
	return &Plumber{Root: bockRoot}
}

// Attach wires a container's network namespace per cfg.Mode and returns the
// Attachment Detach needs to unwind it. pid is the container's init PID;
// its netns is /proc/$pid/ns/net and must already exist (created by the
// CLONE_NEWNET flag ProcessLauncher passed when forking the helper).
func (p *Plumber) Attach(containerID string, pid int, cfg *Config) (*Attachment, error) {
	if cfg == nil || cfg.Mode == ModeHost {
		return nil, nil
	}
	if cfg.Mode == ModeNone {
		return &Attachment{ContainerID: containerID, Mode: ModeNone}, nil
	}

	switch cfg.Mode {
	case ModeBridge:
		att, err := p.attachBridge(containerID, pid, cfg)
		if err != nil {
			return nil, err
		}
		if len(cfg.Ports) > 0 {
			if err := p.installPortRules(containerID, att.IP, cfg.Ports); err != nil {
				p.detachBridge(att)
				return nil, err
			}
		}
		return att, nil
	case ModeMacvlan:
		return p.attachMacvlan(containerID, pid, cfg)
	case ModeIpvlan:
		return p.attachIpvlan(containerID, pid, cfg)
	default:
		return nil, fmt.Errorf("unsupported network mode %q", cfg.Mode)
	}
}

// Detach removes every resource an Attach call created: the veth (the
// kernel auto-removes the host half when the container half's netns is
// destroyed, but we remove it explicitly for the case delete races ahead of
// netns teardown), the IP lease, and any NAT rules, per spec.md §4.7
// "Cleanup on delete".
func (p *Plumber) Detach(att *Attachment) error {
	if att == nil {
		return nil
	}
	switch att.Mode {
	case ModeBridge:
		if err := p.removePortRules(att.ContainerID); err != nil {
			logging.Warn("remove NAT rules failed", "container_id", att.ContainerID, "error", err)
		}
		return p.detachBridge(att)
	case ModeMacvlan, ModeIpvlan:
		return p.detachVlan(att)
	default:
		return nil
	}
}

// Teardown tears down a container's network resources the same way Detach
// does, but derives everything (veth name, NAT chain) from containerID and
// cfg instead of an in-memory Attachment — delete runs in a fresh process
// that never called Attach, so it has no Attachment to hand back. Every
// name NetworkPlumber generates is deterministic from containerID precisely
// so this reconstruction is possible.
func (p *Plumber) Teardown(containerID string, cfg *Config) error {
	if cfg == nil || cfg.Mode == ModeHost || cfg.Mode == ModeNone {
		return nil
	}
	switch cfg.Mode {
	case ModeBridge:
		if err := p.removePortRules(containerID); err != nil {
			logging.Warn("remove NAT rules failed", "container_id", containerID, "error", err)
		}
		return p.detachBridge(&Attachment{ContainerID: containerID, HostVeth: vethHostName(containerID)})
	default:
		// macvlan/ipvlan sub-interfaces live inside the container's netns
		// and are destroyed with it; nothing to do on the host side.
		return nil
	}
}
