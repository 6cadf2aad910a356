package network

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	cerrors "bock/errors"
)

// leaseFile is the bitmap persisted at $ROOT/network/leases.json, guarded by
// $ROOT/network/lock per spec.md §5 ("the global IP lease bitmap... is
// process-wide shared state; every mutation occurs under $ROOT/network/lock").
type leaseFile struct {
	Subnet string            `json:"subnet"`
	// Leases maps allocated IP (string form) to the owning container ID.
	Leases map[string]string `json:"leases"`
}

// allocator manages one subnet's IP bitmap on disk.
type allocator struct {
	root   string
	subnet string
}

func newAllocator(root, subnet string) (*allocator, error) {
	if root == "" {
		return nil, cerrors.New(cerrors.ErrInvalidConfig, "network allocator", "empty network root")
	}
	if err := os.MkdirAll(filepath.Join(root, "network"), 0700); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrIoFailed, "create network dir")
	}
	return &allocator{root: root, subnet: subnet}, nil
}

func (a *allocator) leasesPath() string {
	return filepath.Join(a.root, "network", "leases.json")
}

func (a *allocator) lockPath() string {
	return filepath.Join(a.root, "network", "lock")
}

func (a *allocator) withLock(fn func(*leaseFile) error) error {
	fl := flock.New(a.lockPath())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil || !locked {
		return cerrors.WrapWithDetail(err, cerrors.ErrResource, "acquire network lock", "timed out")
	}
	defer fl.Unlock()

	lf, err := a.load()
	if err != nil {
		return err
	}
	if err := fn(lf); err != nil {
		return err
	}
	return a.save(lf)
}

func (a *allocator) load() (*leaseFile, error) {
	data, err := os.ReadFile(a.leasesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &leaseFile{Subnet: a.subnet, Leases: map[string]string{}}, nil
		}
		return nil, cerrors.Wrap(err, cerrors.ErrIoFailed, "read leases file")
	}
	var lf leaseFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrIoFailed, "parse leases file")
	}
	if lf.Leases == nil {
		lf.Leases = map[string]string{}
	}
	if a.subnet != "" {
		lf.Subnet = a.subnet
	}
	return &lf, nil
}

// save writes the lease file atomically (temp file + rename), matching the
// state.json persistence idiom in spec/state.go.
func (a *allocator) save(lf *leaseFile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "marshal leases")
	}
	dir := filepath.Dir(a.leasesPath())
	tmp, err := os.CreateTemp(dir, ".leases-*.tmp")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "create temp leases file")
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "write temp leases file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "sync temp leases file")
	}
	if err := tmp.Close(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "close temp leases file")
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "chmod temp leases file")
	}
	if err := os.Rename(tmpPath, a.leasesPath()); err != nil {
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "rename leases file")
	}
	success = true
	return nil
}

// Allocate reserves the first free address in the subnet (excluding network,
// gateway, and broadcast addresses) for containerID.
func (a *allocator) Allocate(containerID string) (net.IP, error) {
	var result net.IP
	err := a.withLock(func(lf *leaseFile) error {
		subnet := lf.Subnet
		if subnet == "" {
			subnet = a.subnet
		}
		gw, ipNet, err := net.ParseCIDR(subnet)
		if err != nil {
			return cerrors.Wrap(err, cerrors.ErrInvalidConfig, "parse subnet")
		}

		used := make(map[string]bool, len(lf.Leases))
		for ip := range lf.Leases {
			used[ip] = true
		}
		used[gw.String()] = true

		broadcast := broadcastAddr(ipNet)

		for ip := cloneIP(ipNet.IP.Mask(ipNet.Mask)); ipNet.Contains(ip); incIP(ip) {
			if ip.Equal(ipNet.IP) {
				continue // network address
			}
			if broadcast != nil && ip.Equal(broadcast) {
				continue
			}
			if used[ip.String()] {
				continue
			}
			lf.Leases[ip.String()] = containerID
			result = cloneIP(ip)
			return nil
		}
		return cerrors.ErrNoLease
	})
	return result, err
}

// Release frees whatever address was leased to containerID, if any.
func (a *allocator) Release(containerID string) error {
	return a.withLock(func(lf *leaseFile) error {
		for ip, owner := range lf.Leases {
			if owner == containerID {
				delete(lf.Leases, ip)
			}
		}
		return nil
	})
}

// broadcastAddr returns the broadcast address of an IPv4 network, or nil
// for IPv6 (which has no broadcast concept).
func broadcastAddr(ipNet *net.IPNet) net.IP {
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil
	}
	bc := make(net.IP, len(ip4))
	for i := range ip4 {
		bc[i] = ip4[i] | ^ipNet.Mask[i]
	}
	return bc
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
