package tunnel

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// ForwardingRule pairs a local bind endpoint with a remote target address,
// reachable from the gateway. Immutable once the forwarder has started.
type ForwardingRule struct {
	LocalBind    Address
	RemoteTarget Address
}

// HostKeyPolicyKind selects how a gateway's presented host key is verified.
type HostKeyPolicyKind int

const (
	// HostKeyRequireKnown requires the host key to match an entry in the
	// known_hosts store.
	HostKeyRequireKnown HostKeyPolicyKind = iota
	// HostKeyAcceptAny never rejects a host key. Use only for throwaway or
	// already-authenticated-out-of-band gateways.
	HostKeyAcceptAny
	// HostKeyRequireSpecific requires the presented key's fingerprint to
	// equal a pinned value.
	HostKeyRequireSpecific
)

// HostKeyPolicy configures host-key verification for a GatewaySpec.
type HostKeyPolicy struct {
	Kind HostKeyPolicyKind

	// KnownHostsFiles is consulted when Kind == HostKeyRequireKnown. When
	// empty, defaults to ["~/.ssh/known_hosts"] plus "/etc/ssh/ssh_known_hosts"
	// if present.
	KnownHostsFiles []string

	// Fingerprint is the pinned fingerprint (case-insensitive hex, colons
	// optional) consulted when Kind == HostKeyRequireSpecific.
	Fingerprint string
}

// GatewaySpec describes one hop in a gateway chain.
type GatewaySpec struct {
	Address  Address
	Username string

	// Credentials is produced by ResolveCredentials; callers normally leave
	// this nil and let AuthConfig drive resolution.
	Credentials []Credential

	HostKeyPolicy     HostKeyPolicy
	Compression       bool
	KeepaliveInterval time.Duration
}

// AuthConfig is the input to the Authentication Resolver (4.B).
type AuthConfig struct {
	Password            string
	PKey                Credential // in-memory private key, already loaded
	PKeyFiles           []string
	PKeyPassword        string
	AllowAgent          bool
	SSHConfigFile       string
	HostPKeyDirectories []string
}

// Defaults applies the documented §6 defaults for unset fields.
func (a AuthConfig) Defaults() AuthConfig {
	out := a
	if out.HostPKeyDirectories == nil {
		if home, err := os.UserHomeDir(); err == nil {
			out.HostPKeyDirectories = []string{filepath.Join(home, ".ssh")}
		}
	}
	return out
}

// Config is the explicit, enumerated configuration record for a
// TunnelForwarder (§6, §9 "dynamic configuration object" redesign).
type Config struct {
	// SSHAddressOrHost is the gateway endpoint: host, host:port, or an SSH
	// config alias resolved via SSHConfigFile.
	SSHAddressOrHost string
	SSHPort          int // 0 lets the SSH config / default of 22 apply

	SSHUsername string
	SSHPassword string
	SSHPKey     Credential
	// SSHPKeyPassword decrypts SSHPKeyFiles (SSHPKey is already loaded and
	// is not decrypted here). SSHPrivateKeyPassword
	// is the documented alias; resolveDeprecated reconciles the two.
	SSHPKeyPassword       string
	SSHPrivateKeyPassword string
	SSHPKeyFiles          []string

	SSHHostKey string // pinned fingerprint for HostKeyRequireSpecific

	SSHConfigFile string

	SSHProxy        string // ProxyCommand-style shell command
	SSHProxyEnabled bool

	HostPKeyDirectories []string
	AllowAgent          bool

	Compression    bool
	MuteExceptions bool
	SetKeepalive   time.Duration
	// Threaded selects dispatch mode (§6): true runs one worker goroutine
	// per accepted connection, false serializes handling one connection at
	// a time per rule. nil defaults to true.
	Threaded      *bool
	TunnelTimeout time.Duration
	SSHTimeout    time.Duration
	HostKeyPolicy HostKeyPolicyKind

	LocalBindAddresses  []Address
	RemoteBindAddresses []Address

	// Gateways, when non-empty, describes a multi-hop chain (4.H). The
	// client reaches Gateways[0] directly; rules attach to the last entry.
	// When empty, SSHAddressOrHost/SSHPort/... describe a single gateway.
	Gateways []GatewaySpec

	Logger      *logrus.Logger
	LoggerLevel logrus.Level

	// Deprecated aliases (§6). Prefer the current field names above; these
	// are only consulted by resolveDeprecated when the current name is unset.
	DeprecatedSSHAddress                         string
	DeprecatedSSHHost                            string
	DeprecatedSSHPrivateKey                      Credential
	DeprecatedRaiseExceptionIfAnyForwarderProblem *bool
}

const (
	// DefaultTunnelTimeout bounds a graceful stop (§5).
	DefaultTunnelTimeout = 10 * time.Second
	// DefaultSSHTimeout is the value Defaults stores in Config.SSHTimeout.
	// The handler's per-socket read slice is a fixed 100 ms and does not
	// read Config.SSHTimeout.
	DefaultSSHTimeout = 100 * time.Millisecond
	// DefaultKeepaliveInterval matches the teacher's client-keepalive cadence.
	DefaultKeepaliveInterval = 5 * time.Second
)

// Defaults fills in the documented §6 defaults for all zero-valued fields.
func (c Config) Defaults() Config {
	out := c
	if out.TunnelTimeout == 0 {
		out.TunnelTimeout = DefaultTunnelTimeout
	}
	if out.SSHTimeout == 0 {
		out.SSHTimeout = DefaultSSHTimeout
	}
	if out.SetKeepalive == 0 {
		out.SetKeepalive = DefaultKeepaliveInterval
	}
	if out.Logger == nil {
		out.Logger = defaultLogger()
	}
	if out.HostPKeyDirectories == nil {
		if home, err := os.UserHomeDir(); err == nil {
			out.HostPKeyDirectories = []string{filepath.Join(home, ".ssh")}
		}
	}
	if out.SSHConfigFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".ssh", "config")
			if _, err := os.Stat(candidate); err == nil {
				out.SSHConfigFile = candidate
			}
		}
	}
	return out
}

// threaded reports the effective dispatch mode: nil defaults to true (§6,
// "default true: one worker per accepted conn").
func (c Config) threaded() bool {
	return c.Threaded == nil || *c.Threaded
}

// resolveDeprecated maps deprecated option names onto their current
// counterparts, logging one warning per alias actually used. The current
// name always wins when both are given (§6, invariant 7 in §8).
func (c Config) resolveDeprecated(logger *logrus.Logger) Config {
	out := c
	if out.SSHAddressOrHost == "" && out.DeprecatedSSHAddress != "" {
		logger.Warn("ssh_address is deprecated, use ssh_address_or_host")
		out.SSHAddressOrHost = out.DeprecatedSSHAddress
	}
	if out.SSHAddressOrHost == "" && out.DeprecatedSSHHost != "" {
		logger.Warn("ssh_host is deprecated, use ssh_address_or_host")
		out.SSHAddressOrHost = out.DeprecatedSSHHost
	}
	if out.SSHPKey == nil && out.DeprecatedSSHPrivateKey != nil {
		logger.Warn("ssh_private_key is deprecated, use ssh_pkey")
		out.SSHPKey = out.DeprecatedSSHPrivateKey
	}
	if out.SSHPKeyPassword == "" && out.SSHPrivateKeyPassword != "" {
		out.SSHPKeyPassword = out.SSHPrivateKeyPassword
	}
	if !out.MuteExceptions && out.DeprecatedRaiseExceptionIfAnyForwarderProblem != nil {
		logger.Warn("raise_exception_if_any_forwarder_have_a_problem is deprecated, use mute_exceptions")
		out.MuteExceptions = !*out.DeprecatedRaiseExceptionIfAnyForwarderProblem
	}
	return out
}

// rules builds the ForwardingRule list from the parallel
// LocalBindAddresses/RemoteBindAddresses slices (§6: "multiple -L/-R pair up
// positionally").
func (c Config) rules() ([]ForwardingRule, error) {
	if len(c.LocalBindAddresses) != len(c.RemoteBindAddresses) {
		return nil, &ConfigError{
			Value: "local/remote bind address counts",
			Msg:   "local_bind_address(es) and remote_bind_address(es) must pair up positionally",
		}
	}
	rules := make([]ForwardingRule, len(c.LocalBindAddresses))
	for i := range c.LocalBindAddresses {
		rules[i] = ForwardingRule{
			LocalBind:    normalizeLocalBind(c.LocalBindAddresses[i]),
			RemoteTarget: c.RemoteBindAddresses[i],
		}
	}
	return rules, nil
}

// validate runs the 4.A validators over every rule's local and remote
// address. Gateway addresses are not checked here.
func (c Config) validate() error {
	var locals, remotes []Address
	for _, r := range c.LocalBindAddresses {
		locals = append(locals, normalizeLocalBind(r))
	}
	for _, r := range c.RemoteBindAddresses {
		remotes = append(remotes, r)
	}
	if err := checkAddresses(locals); err != nil {
		return err
	}
	for _, r := range remotes {
		if err := checkRemoteAddress(r); err != nil {
			return err
		}
	}
	return nil
}
