package host

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nugget/poolheat/internal/buildinfo"
)

// reRegisterInterval spaces out registration retries after a failure.
const reRegisterInterval = 30 * time.Second

// registration is a live mDNS service record.
type registration interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
	s, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Advertiser publishes the device as an mDNS service. It implements
// [network.Advertiser].
type Advertiser struct {
	service string
	port    int
	logger  *slog.Logger
	reg     registerFunc
	now     func() time.Time

	mu          sync.Mutex
	server      registration
	hostname    string
	lastAttempt time.Time
}

// NewAdvertiser creates an advertiser for service (e.g. "_arduino._tcp")
// on port.
func NewAdvertiser(service string, port int, logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{
		service: service,
		port:    port,
		logger:  logger,
		reg:     zeroconfRegister,
		now:     time.Now,
	}
}

// Advertise registers hostname, replacing any earlier registration.
func (a *Advertiser) Advertise(hostname string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hostname = hostname
	return a.registerLocked()
}

func (a *Advertiser) registerLocked() error {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.lastAttempt = a.now()
	text := []string{"board=poolheat", "version=" + buildinfo.Version}
	srv, err := a.reg(a.hostname, a.service, "local.", a.port, text, nil)
	if err != nil {
		return err
	}
	a.server = srv
	a.logger.Info("mdns service registered",
		"hostname", a.hostname+".local",
		"service", a.service,
		"port", a.port,
	)
	return nil
}

// Refresh retries a failed registration, at most once per
// reRegisterInterval. A live registration answers queries by itself.
func (a *Advertiser) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil || a.hostname == "" {
		return
	}
	if a.now().Sub(a.lastAttempt) < reRegisterInterval {
		return
	}
	if err := a.registerLocked(); err != nil {
		a.logger.Debug("mdns re-register failed", "error", err)
	}
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
