// Package host adapts the network supervisor to a Linux host: link
// state comes from the kernel's interface table, mDNS is served by
// zeroconf and wall-clock time is taken from NTP.
//
// On a host the operating system's network manager owns association,
// so the provisioner observes the link rather than driving a radio.
// Provisioning steps are logged, and access-point mode prints a WiFi
// join QR code for the operator.
package host

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/poolheat/internal/network"
)

// interfaceInfo is what the provisioner needs to know about one
// interface.
type interfaceInfo struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// Provisioner implements [network.Provisioner] on top of the host
// network stack.
type Provisioner struct {
	iface  string
	logger *slog.Logger
	list   func() ([]interfaceInfo, error)

	mu       sync.Mutex
	hostname string
	apSSID   string
}

// NewProvisioner watches the named interface, or the first non-loopback
// interface with an IPv4 address when iface is empty.
func NewProvisioner(iface string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{iface: iface, logger: logger, list: systemInterfaces}
}

func systemInterfaces() ([]interfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]interfaceInfo, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		out = append(out, interfaceInfo{Name: ifc.Name, Flags: ifc.Flags, Addrs: addrs})
	}
	return out, nil
}

// BeginAutoConfig implements [network.Provisioner]. Credentials arrive
// through the host network manager; auto-config completes when the link
// comes up.
func (p *Provisioner) BeginAutoConfig() error {
	p.logger.Info("auto-config listening, waiting for host network manager to associate",
		"interface", p.iface)
	return nil
}

// StopAutoConfig implements [network.Provisioner].
func (p *Provisioner) StopAutoConfig() {
	p.logger.Debug("auto-config stopped")
}

// IsAutoConfigDone implements [network.Provisioner].
func (p *Provisioner) IsAutoConfigDone() bool {
	return p.LinkStatus() == network.LinkUp
}

// BeginAccessPoint implements [network.Provisioner]. It logs a WiFi
// join QR code for the access point.
func (p *Provisioner) BeginAccessPoint(ssid string) error {
	p.mu.Lock()
	p.apSSID = ssid
	p.mu.Unlock()

	code, err := JoinQR(ssid)
	if err != nil {
		return fmt.Errorf("render join code: %w", err)
	}
	p.logger.Info("access point up, scan to join", "ssid", ssid)
	p.logger.Info("\n" + code)
	return nil
}

// BeginStation implements [network.Provisioner].
func (p *Provisioner) BeginStation() error {
	p.mu.Lock()
	p.apSSID = ""
	p.mu.Unlock()
	p.logger.Info("station mode", "interface", p.iface)
	return nil
}

// Connect implements [network.Provisioner].
func (p *Provisioner) Connect(ssid, password string) error {
	p.mu.Lock()
	p.apSSID = ""
	p.mu.Unlock()
	p.logger.Info("station credentials set", "ssid", ssid, "interface", p.iface)
	return nil
}

// LinkStatus implements [network.Provisioner]: down when the interface
// is missing or administratively down, connecting while it has no IPv4
// address, up otherwise.
func (p *Provisioner) LinkStatus() network.LinkStatus {
	ifc, err := p.lookup()
	if err != nil || ifc == nil || ifc.Flags&net.FlagUp == 0 {
		return network.LinkDown
	}
	if ipv4(ifc.Addrs) == "" {
		return network.LinkConnecting
	}
	return network.LinkUp
}

// LocalAddress implements [network.Provisioner].
func (p *Provisioner) LocalAddress() string {
	ifc, err := p.lookup()
	if err != nil || ifc == nil || ifc.Flags&net.FlagUp == 0 {
		return ""
	}
	return ipv4(ifc.Addrs)
}

// SetHostname implements [network.Provisioner]. The name is only
// recorded; the host's own name is left alone.
func (p *Provisioner) SetHostname(name string) error {
	if strings.ContainsAny(name, " .") {
		return fmt.Errorf("invalid hostname %q", name)
	}
	p.mu.Lock()
	p.hostname = name
	p.mu.Unlock()
	return nil
}

// Hostname returns the name last set.
func (p *Provisioner) Hostname() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostname
}

// AccessPoint returns the SSID being broadcast, or "" in station mode.
func (p *Provisioner) AccessPoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apSSID
}

func (p *Provisioner) lookup() (*interfaceInfo, error) {
	ifaces, err := p.list()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		ifc := &ifaces[i]
		if p.iface != "" {
			if ifc.Name == p.iface {
				return ifc, nil
			}
			continue
		}
		if ifc.Flags&net.FlagLoopback == 0 && ifc.Flags&net.FlagUp != 0 && ipv4(ifc.Addrs) != "" {
			return ifc, nil
		}
	}
	return nil, nil
}

// ipv4 returns the first IPv4 address in addrs.
func ipv4(addrs []net.Addr) string {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4.String()
		}
	}
	return ""
}

// JoinQR renders a terminal QR code for joining an open network.
func JoinQR(ssid string) (string, error) {
	q, err := qrcode.New(joinPayload(ssid), qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

// joinPayload is the WiFi network URI understood by phone cameras.
func joinPayload(ssid string) string {
	r := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	return "WIFI:T:nopass;S:" + r.Replace(ssid) + ";;"
}
