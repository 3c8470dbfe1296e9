// Package network supervises the WiFi link: association with stored
// credentials, the provisioning fallback cycle, first-association
// services (mDNS and time sync), the status LED cadence and offline
// access-point mode.
//
// The supervisor never blocks. [Supervisor.Step] inspects the link once
// and returns how long the caller should wait before stepping again.
package network

import (
	"log/slog"
	"time"

	"github.com/nugget/poolheat/internal/opstate"
)

// Blink cadences returned by [Supervisor.Step].
const (
	AutoConfigBlink = 300 * time.Millisecond
	APConfigBlink   = 2000 * time.Millisecond
	AssociateBlink  = 800 * time.Millisecond
	SessionBlink    = 500 * time.Millisecond
)

// Credential keys in the [opstate.NamespaceWiFi] namespace.
const (
	KeySSID     = "ssid"
	KeyPassword = "password"
)

// LinkStatus is the station link as reported by the provisioner.
type LinkStatus int

const (
	LinkDown LinkStatus = iota
	LinkConnecting
	LinkUp
)

func (l LinkStatus) String() string {
	switch l {
	case LinkDown:
		return "down"
	case LinkConnecting:
		return "connecting"
	case LinkUp:
		return "up"
	default:
		return "unknown"
	}
}

// State is the device's overall connection state. It combines the link
// the supervisor tracks with the session phase.
type State int

const (
	Disconnected State = iota
	Provisioning
	Associating
	Associated
	SessionHandshaking
	SessionActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Provisioning:
		return "provisioning"
	case Associating:
		return "associating"
	case Associated:
		return "associated"
	case SessionHandshaking:
		return "session_handshaking"
	case SessionActive:
		return "session_active"
	default:
		return "unknown"
	}
}

// Mode is the credential-acquisition fallback currently running.
type Mode int

const (
	ModeNone Mode = iota
	ModeAutoConfig
	ModeAPConfig
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeAutoConfig:
		return "autoconfig"
	case ModeAPConfig:
		return "apconfig"
	default:
		return "unknown"
	}
}

// Provisioner is the host networking stack.
type Provisioner interface {
	// BeginAutoConfig starts listening for broadcast credentials.
	BeginAutoConfig() error
	StopAutoConfig()
	// IsAutoConfigDone reports whether broadcast credentials arrived.
	IsAutoConfigDone() bool
	// BeginAccessPoint starts a local access point named ssid.
	BeginAccessPoint(ssid string) error
	// BeginStation returns to station mode using whatever credentials
	// the stack already holds.
	BeginStation() error
	// Connect starts associating with the given network.
	Connect(ssid, password string) error
	LinkStatus() LinkStatus
	LocalAddress() string
	SetHostname(name string) error
}

// Advertiser publishes the device hostname on the local network.
type Advertiser interface {
	Advertise(hostname string) error
	// Refresh keeps the advertisement alive; called on every active step.
	Refresh()
}

// Clock synchronizes wall-clock time from the network. Sync must
// return immediately and complete in the background.
type Clock interface {
	Sync(utcOffset time.Duration)
}

// Session is the device-shadow session as seen by the supervisor.
type Session interface {
	Start() error
	Stop()
	Active() bool
	Handshaking() bool
}

// Indicator is the status LED.
type Indicator interface {
	Set(lit bool)
	Toggle()
}

// CredentialStore persists WiFi credentials. [opstate.Store] satisfies it.
type CredentialStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Config wires a [Supervisor]. Provisioner, Session and Indicator are
// required.
type Config struct {
	Provisioner Provisioner
	Session     Session
	Indicator   Indicator
	Advertiser  Advertiser
	Clock       Clock
	Store       CredentialStore

	// Hostname is advertised over mDNS and used as the offline AP SSID.
	Hostname string
	// APSSID is broadcast during access-point provisioning.
	APSSID    string
	UTCOffset time.Duration
	// SSID and Password, when set, take precedence over stored
	// credentials at startup.
	SSID     string
	Password string
	Offline  bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Supervisor owns the WiFi link state machine.
type Supervisor struct {
	prov    Provisioner
	session Session
	led     Indicator
	adv     Advertiser
	clock   Clock
	store   CredentialStore
	logger  *slog.Logger
	now     func() time.Time

	hostname  string
	apSSID    string
	utcOffset time.Duration
	ssid      string
	password  string

	mode         Mode
	offline      bool
	station      bool
	associated   bool
	servicesUp   bool
	transitionAt time.Time
}

// New creates a Supervisor. Call [Supervisor.Start] once before
// stepping it.
func New(cfg Config) *Supervisor {
	if cfg.Provisioner == nil || cfg.Session == nil || cfg.Indicator == nil {
		panic("network: Config.Provisioner, Session and Indicator are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.APSSID == "" {
		cfg.APSSID = "SL12345"
	}
	return &Supervisor{
		prov:      cfg.Provisioner,
		session:   cfg.Session,
		led:       cfg.Indicator,
		adv:       cfg.Advertiser,
		clock:     cfg.Clock,
		store:     cfg.Store,
		logger:    cfg.Logger,
		now:       cfg.Now,
		hostname:  cfg.Hostname,
		apSSID:    cfg.APSSID,
		utcOffset: cfg.UTCOffset,
		ssid:      cfg.SSID,
		password:  cfg.Password,
		offline:   cfg.Offline,
	}
}

// Start brings the radio up. Offline devices go straight to a
// permanent access point named after the hostname. Otherwise the
// configured or stored credentials are used, and provisioning begins
// when there are none.
func (s *Supervisor) Start() {
	s.transitionAt = s.now()
	if s.hostname != "" {
		if err := s.prov.SetHostname(s.hostname); err != nil {
			s.logger.Warn("set hostname failed", "hostname", s.hostname, "error", err)
		}
	}

	if s.offline {
		s.offline = false
		s.SetOffline(true)
		return
	}

	ssid, password := s.ssid, s.password
	if ssid == "" {
		ssid, password = s.storedCredentials()
	}
	if ssid == "" {
		s.logger.Info("no stored credentials, starting provisioning")
		s.ResetProvisioning()
		return
	}
	s.connect(ssid, password)
}

func (s *Supervisor) storedCredentials() (string, string) {
	if s.store == nil {
		return "", ""
	}
	ssid, err := s.store.Get(opstate.NamespaceWiFi, KeySSID)
	if err != nil {
		s.logger.Warn("read stored ssid failed", "error", err)
		return "", ""
	}
	password, err := s.store.Get(opstate.NamespaceWiFi, KeyPassword)
	if err != nil {
		s.logger.Warn("read stored password failed", "error", err)
	}
	return ssid, password
}

func (s *Supervisor) connect(ssid, password string) {
	s.station = true
	s.logger.Info("associating", "ssid", ssid)
	if err := s.prov.Connect(ssid, password); err != nil {
		s.logger.Warn("connect failed", "ssid", ssid, "error", err)
	}
}

// ResetProvisioning advances the provisioning cycle by one step:
// none to auto-config, auto-config to access point, access point back
// to direct association. It also leaves offline mode and drops any
// link and session.
func (s *Supervisor) ResetProvisioning() {
	s.offline = false
	s.dropLink("provisioning reset")

	switch s.mode {
	case ModeNone:
		s.mode = ModeAutoConfig
		if err := s.prov.BeginAutoConfig(); err != nil {
			s.logger.Warn("begin auto-config failed", "error", err)
		}
	case ModeAutoConfig:
		s.mode = ModeAPConfig
		s.prov.StopAutoConfig()
		if err := s.prov.BeginAccessPoint(s.apSSID); err != nil {
			s.logger.Warn("begin access point failed", "ssid", s.apSSID, "error", err)
		}
	case ModeAPConfig:
		s.mode = ModeNone
		s.station = true
		if err := s.prov.BeginStation(); err != nil {
			s.logger.Warn("begin station failed", "error", err)
		}
	}
	s.transitionAt = s.now()
	s.logger.Info("provisioning mode changed", "mode", s.mode.String())
}

// Configure stores new station credentials and associates with them,
// abandoning any provisioning in progress.
func (s *Supervisor) Configure(ssid, password string) error {
	if s.store != nil {
		if err := s.store.Set(opstate.NamespaceWiFi, KeySSID, ssid); err != nil {
			return err
		}
		if err := s.store.Set(opstate.NamespaceWiFi, KeyPassword, password); err != nil {
			return err
		}
	}
	if s.mode == ModeAutoConfig {
		s.prov.StopAutoConfig()
	}
	s.mode = ModeNone
	s.offline = false
	s.dropLink("reconfigured")
	s.ssid, s.password = ssid, password
	s.connect(ssid, password)
	return nil
}

// SetOffline switches offline access-point mode. Entering it tears the
// session down at once; leaving it returns to station mode.
func (s *Supervisor) SetOffline(offline bool) {
	if offline == s.offline {
		return
	}
	if offline {
		s.dropLink("offline mode")
		if s.mode == ModeAutoConfig {
			s.prov.StopAutoConfig()
		}
		s.mode = ModeNone
		s.offline = true
		s.station = false
		if err := s.prov.BeginAccessPoint(s.hostname); err != nil {
			s.logger.Warn("begin access point failed", "ssid", s.hostname, "error", err)
		}
		s.logger.Info("offline mode, access point up", "ssid", s.hostname)
	} else {
		s.offline = false
		s.station = true
		if err := s.prov.BeginStation(); err != nil {
			s.logger.Warn("begin station failed", "error", err)
		}
		s.logger.Info("offline mode left")
	}
	s.transitionAt = s.now()
}

// dropLink forgets the association and stops the session.
func (s *Supervisor) dropLink(reason string) {
	if !s.associated {
		return
	}
	s.associated = false
	s.session.Stop()
	s.led.Set(false)
	s.transitionAt = s.now()
	s.logger.Info("link dropped", "reason", reason)
}

// MaintainOffline blinks the LED while the offline access point runs.
func (s *Supervisor) MaintainOffline(now time.Duration) time.Duration {
	s.led.Toggle()
	return APConfigBlink
}

// Step inspects the link once and returns the delay before the next
// step is due; zero means step again on the next tick.
func (s *Supervisor) Step(now time.Duration) time.Duration {
	if s.offline {
		return s.MaintainOffline(now)
	}

	if s.mode == ModeAutoConfig && s.prov.IsAutoConfigDone() {
		s.mode = ModeNone
		s.station = true
		s.logger.Info("auto-config received credentials")
	}

	link := s.prov.LinkStatus()
	if link != LinkUp {
		if s.associated {
			s.dropLink("link " + link.String())
		}
		s.led.Toggle()
		switch s.mode {
		case ModeAutoConfig:
			return AutoConfigBlink
		case ModeAPConfig:
			return APConfigBlink
		default:
			return AssociateBlink
		}
	}

	if !s.associated {
		s.associated = true
		s.mode = ModeNone
		s.transitionAt = s.now()
		s.logger.Info("associated", "address", s.prov.LocalAddress(), "hostname", s.hostname)
		// The address may have changed while the link was down, so the
		// mDNS record is rebuilt on every association.
		s.advertise()
		if !s.servicesUp {
			s.startServices()
		}
	}

	if !s.session.Active() {
		if !s.session.Handshaking() {
			if err := s.session.Start(); err != nil {
				s.logger.Warn("session start failed", "error", err)
			}
		}
		s.led.Toggle()
		return SessionBlink
	}

	s.led.Set(true)
	if s.adv != nil {
		s.adv.Refresh()
	}
	return 0
}

func (s *Supervisor) advertise() {
	if s.adv == nil {
		return
	}
	if err := s.adv.Advertise(s.hostname); err != nil {
		s.logger.Warn("mdns advertise failed", "hostname", s.hostname, "error", err)
	}
}

// startServices runs the once-per-boot work of the first association.
func (s *Supervisor) startServices() {
	s.servicesUp = true
	if s.clock != nil {
		s.clock.Sync(s.utcOffset)
	}
}

// State returns the combined connection state.
func (s *Supervisor) State() State {
	switch {
	case s.offline:
		return Disconnected
	case s.associated && s.session.Active():
		return SessionActive
	case s.associated && s.session.Handshaking():
		return SessionHandshaking
	case s.associated:
		return Associated
	case s.mode != ModeNone:
		return Provisioning
	case s.station:
		return Associating
	default:
		return Disconnected
	}
}

// Mode returns the provisioning mode.
func (s *Supervisor) Mode() Mode { return s.mode }

// Offline reports whether offline access-point mode is on.
func (s *Supervisor) Offline() bool { return s.offline }

// Associated reports whether the link was up at the last step.
func (s *Supervisor) Associated() bool { return s.associated }

// Connected reports whether the shadow session is fully up.
func (s *Supervisor) Connected() bool { return s.State() == SessionActive }

// TransitionAt returns the wall-clock time of the last link or
// provisioning change.
func (s *Supervisor) TransitionAt() time.Time { return s.transitionAt }
