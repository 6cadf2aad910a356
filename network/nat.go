package network

import (
	"fmt"
	"net"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	cerrors "bock/errors"
)

// chainName derives a deterministic per-container NAT chain name, so
// Detach can remove exactly the rules a prior Attach installed without
// tracking rule state anywhere else — spec.md §4.7's "remove NAT rules by a
// deterministic chain per container".
func chainName(containerID string) string {
	return "BOCK-" + strings.ToUpper(shortHash(containerID))
}

// installPortRules installs one DNAT rule per published port (redirecting
// host:hostPort to containerIP:containerPort) plus the companion MASQUERADE
// and FORWARD ACCEPT rules spec.md §4.7 requires. Rules for a single
// container live in a dedicated chain jumped to from the built-in DOCKER-
// style entry points, so Detach can tear down the whole chain atomically.
func (p *Plumber) installPortRules(containerID string, containerIP net.IP, ports []PortMapping) error {
	ipt, err := iptables.New()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "init iptables")
	}

	chain := chainName(containerID)
	if err := ipt.ClearChain("nat", chain); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "create nat chain", chain)
	}
	if err := ipt.AppendUnique("nat", "PREROUTING", "-j", chain); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "jump to nat chain")
	}
	if err := ipt.AppendUnique("nat", "OUTPUT", "-j", chain); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "jump to nat chain (output)")
	}

	for _, p2 := range ports {
		dest := fmt.Sprintf("%s:%d", containerIP.String(), p2.ContainerPort)
		rule := []string{"-p", p2.Protocol, "--dport", fmt.Sprintf("%d", p2.HostPort), "-j", "DNAT", "--to-destination", dest}
		if p2.HostIP != "" {
			rule = append([]string{"-d", p2.HostIP}, rule...)
		}
		if err := ipt.AppendUnique("nat", chain, rule...); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "install dnat rule", dest)
		}

		if err := ipt.AppendUnique("nat", "POSTROUTING", "-s", containerIP.String(), "-j", "MASQUERADE"); err != nil {
			return cerrors.Wrap(err, cerrors.ErrInternal, "install masquerade rule")
		}
		if err := ipt.AppendUnique("filter", "FORWARD", "-d", containerIP.String(),
			"-p", p2.Protocol, "--dport", fmt.Sprintf("%d", p2.ContainerPort), "-j", "ACCEPT"); err != nil {
			return cerrors.Wrap(err, cerrors.ErrInternal, "install forward accept rule")
		}
	}

	return nil
}

// removePortRules deletes the jump rules and chain installed by
// installPortRules. Safe to call even if nothing was ever installed.
func (p *Plumber) removePortRules(containerID string) error {
	ipt, err := iptables.New()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "init iptables")
	}
	chain := chainName(containerID)

	ipt.Delete("nat", "PREROUTING", "-j", chain)
	ipt.Delete("nat", "OUTPUT", "-j", chain)
	ipt.ClearChain("nat", chain)
	ipt.DeleteChain("nat", chain)
	return nil
}
