package control

import (
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/mdns"

	"github.com/deptz/augment-sub000/internal/version"
)

const mdnsService = "_augment-engine._tcp"

// startMDNSAdvertiser announces the control plane on the local network and
// returns a function that stops the announcement.
func startMDNSAdvertiser(logger *slog.Logger, instance, listenAddr string) func() {
	port, err := strconv.Atoi(listenPortFromAddr(listenAddr))
	if err != nil || port <= 0 {
		logger.Warn("mdns advertise skipped", "addr", listenAddr)
		return func() {}
	}

	instance = strings.TrimSpace(instance)
	if instance == "" {
		host, _ := os.Hostname()
		if strings.TrimSpace(host) == "" {
			host = "local"
		}
		instance = "augment-engine-" + host
	}

	meta := []string{
		"name=augment-engine",
		"api_version=1",
		"version=" + version.Current(),
	}
	service, err := mdns.NewMDNSService(instance, mdnsService, "", "", port, discoverAdvertiseIPs(), meta)
	if err != nil {
		logger.Error("mdns advertise service setup failed", "error", err)
		return func() {}
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		logger.Error("mdns advertise start failed", "error", err)
		return func() {}
	}
	logger.Info("mdns advertising enabled", "service", mdnsService, "instance", instance, "port", port)

	return func() {
		_ = server.Shutdown()
	}
}

func discoverAdvertiseIPs() []net.IP {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterAdvertiseIPs(ifAddrs)
}

// filterAdvertiseIPs keeps routable unicast addresses, IPv4 first.
func filterAdvertiseIPs(addrs []net.Addr) []net.IP {
	seen := map[string]struct{}{}
	var out []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet == nil || ipNet.IP == nil {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		normalized := ip.To16()
		if normalized == nil {
			continue
		}
		key := normalized.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, normalized)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].To4() != nil, out[j].To4() != nil
		if ai != aj {
			return ai
		}
		return out[i].String() < out[j].String()
	})
	return out
}

func listenPortFromAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "8113"
	}
	if strings.HasPrefix(addr, ":") {
		return strings.TrimPrefix(addr, ":")
	}
	if !strings.Contains(addr, ":") {
		return addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return p
}
