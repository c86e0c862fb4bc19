package wrapper

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// vethNames returns the host and peer interface names for a job. Interface
// names are capped at 15 chars by the kernel, which comfortably fits any id
// a single server lifetime can allocate.
func vethNames(id uint64) (host, peer string) {
	return fmt.Sprintf("wdn%d", id), fmt.Sprintf("wdn%dp", id)
}

// jobAddrs derives the job's address and the gateway (bridge) address from
// the configured subnet: the gateway is the first host address, jobs take
// addresses offset by their id.
func jobAddrs(subnet string, id uint64) (jobCIDR, gatewayCIDR string, err error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", "", fmt.Errorf("parse subnet: %w", err)
	}

	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return "", "", fmt.Errorf("subnet %s is not IPv4", subnet)
	}

	ones, bits := ipnet.Mask.Size()

	hosts := uint64(1)<<(bits-ones) - 2
	if hosts < 3 {
		return "", "", fmt.Errorf("subnet %s too small for job addresses", subnet)
	}

	base := binary.BigEndian.Uint32(ip4)
	gateway := base + 1

	// Job addresses start at base+2 and wrap within the subnet.
	job := base + 2 + uint32(id%(hosts-1))

	gwIP := make(net.IP, 4)
	binary.BigEndian.PutUint32(gwIP, gateway)

	jobIP := make(net.IP, 4)
	binary.BigEndian.PutUint32(jobIP, job)

	return fmt.Sprintf("%s/%d", jobIP, ones),
		fmt.Sprintf("%s/%d", gwIP, ones),
		nil
}

// ensureBridge creates the host bridge if it doesn't exist yet, assigns it
// the gateway address, and brings it up. Idempotent across jobs; the bridge
// is a shared host resource, not a per-job artifact.
func ensureBridge(cfg *NetworkConfig) (netlink.Link, error) {
	link, err := netlink.LinkByName(cfg.Bridge)
	if err != nil {
		bridge := &netlink.Bridge{
			LinkAttrs: netlink.LinkAttrs{Name: cfg.Bridge},
		}

		if err := netlink.LinkAdd(bridge); err != nil {
			return nil, fmt.Errorf("add bridge %s: %w", cfg.Bridge, err)
		}

		link = bridge

		_, gatewayCIDR, err := jobAddrs(cfg.Subnet, 0)
		if err != nil {
			return nil, err
		}

		addr, err := netlink.ParseAddr(gatewayCIDR)
		if err != nil {
			return nil, fmt.Errorf("parse gateway addr: %w", err)
		}

		if err := netlink.AddrAdd(link, addr); err != nil {
			return nil, fmt.Errorf("assign gateway addr: %w", err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("bring up bridge %s: %w", cfg.Bridge, err)
	}

	return link, nil
}

// setupHostNetwork creates the job's veth pair, attaches the host end to the
// bridge, and moves the peer end into the child's network namespace. Returns
// the peer name for the shim and a revert function deleting the pair.
func setupHostNetwork(
	cfg *NetworkConfig,
	id uint64,
	pid int,
) (peer string, revert func() error, err error) {
	bridge, err := ensureBridge(cfg)
	if err != nil {
		return "", nil, err
	}

	hostName, peerName := vethNames(id)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  peerName,
	}

	if err := netlink.LinkAdd(veth); err != nil {
		return "", nil, fmt.Errorf("add veth pair %s: %w", hostName, err)
	}

	// Deleting the host end tears down the whole pair.
	revert = func() error {
		return netlink.LinkDel(veth)
	}

	if err := netlink.LinkSetMaster(veth, bridge); err != nil {
		return "", revert, fmt.Errorf("attach %s to bridge: %w", hostName, err)
	}

	if err := netlink.LinkSetUp(veth); err != nil {
		return "", revert, fmt.Errorf("bring up %s: %w", hostName, err)
	}

	peerLink, err := netlink.LinkByName(peerName)
	if err != nil {
		return "", revert, fmt.Errorf("find veth peer %s: %w", peerName, err)
	}

	if err := netlink.LinkSetNsPid(peerLink, pid); err != nil {
		return "", revert, fmt.Errorf("move %s into namespace: %w", peerName, err)
	}

	return peerName, revert, nil
}

// setupShimNetwork runs inside the job's network namespace: loopback always
// comes up; when a veth peer was moved in, it gets the job address and a
// default route via the bridge.
func setupShimNetwork(sp *shimSpec) error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find loopback: %w", err)
	}

	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bring up loopback: %w", err)
	}

	if sp.VethPeer == "" {
		return nil
	}

	link, err := netlink.LinkByName(sp.VethPeer)
	if err != nil {
		return fmt.Errorf("find veth peer %s: %w", sp.VethPeer, err)
	}

	addr, err := netlink.ParseAddr(sp.Addr)
	if err != nil {
		return fmt.Errorf("parse job addr: %w", err)
	}

	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("assign job addr: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", sp.VethPeer, err)
	}

	gateway, _, err := net.ParseCIDR(sp.Gateway)
	if err != nil {
		return fmt.Errorf("parse gateway: %w", err)
	}

	if err := netlink.RouteAdd(&netlink.Route{Gw: gateway}); err != nil {
		return fmt.Errorf("add default route: %w", err)
	}

	return nil
}
