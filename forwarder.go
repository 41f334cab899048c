package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ForwarderState enumerates the TunnelForwarder lifecycle (§4.F):
//
//	Created --start()--> Starting --ok--> Running
//	                        \--fail--> Stopped (with error)
//	Running --stop()--> Stopping --done--> Stopped
//	Stopped --start()--> Starting ...
type ForwarderState int

const (
	StateCreated ForwarderState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// TunnelForwarder is the orchestrator (4.F): it owns the gateway chain and
// one Listener per rule, exposing start/stop/status and enforcing the
// invariants of §4.F and §5.
//
// The control mutex guards only in-memory bookkeeping (state, listeners
// map) and is never held across blocking I/O — the historical deadlock this
// avoids is holding a lock while stopping a server from within that
// server's own accept worker (§9).
type TunnelForwarder struct {
	cfg    Config
	logger *logrus.Logger

	controlMu sync.Mutex // serializes start/stop; never held across I/O
	state     ForwarderState
	startErr  error

	chain     *gatewayChain
	listeners []*Listener
	rules     []ForwardingRule
}

// New validates nothing yet (validation happens in start()) and returns a
// Created TunnelForwarder. Deprecated aliases are resolved immediately so
// later reads of cfg see the canonical fields.
func New(cfg Config) *TunnelForwarder {
	cfg = cfg.Defaults()
	logger := cfg.Logger
	cfg = cfg.resolveDeprecated(logger)
	return &TunnelForwarder{cfg: cfg, logger: logger, state: StateCreated}
}

// State returns the current lifecycle state.
func (f *TunnelForwarder) State() ForwarderState {
	f.controlMu.Lock()
	defer f.controlMu.Unlock()
	return f.state
}

// TunnelIsUp reflects listener health as of the last probe or start/stop
// transition; it is not a live atomic view (§5).
func (f *TunnelForwarder) TunnelIsUp() map[string]bool {
	f.controlMu.Lock()
	listeners := append([]*Listener(nil), f.listeners...)
	f.controlMu.Unlock()

	up := make(map[string]bool, len(listeners))
	for _, l := range listeners {
		up[l.rule.LocalBind.String()] = l.State() == ListenerActive
	}
	return up
}

// LocalBindPort returns the resolved local port for rule index i, valid
// after start() returns (§8 invariant 5: local_bind_port becomes nonzero
// for rules that asked for port 0).
func (f *TunnelForwarder) LocalBindPort(i int) (int, error) {
	f.controlMu.Lock()
	defer f.controlMu.Unlock()
	if i < 0 || i >= len(f.listeners) {
		return 0, fmt.Errorf("rule index %d out of range", i)
	}
	return f.listeners[i].BoundAddress().Port, nil
}

// start runs validators, resolves credentials, opens the gateway chain
// (building inner sessions first for a multi-hop chain), then starts one
// Listener per rule in parallel. After every listener reaches a terminal
// readiness state, the readiness policy is evaluated per mute_exceptions.
func (f *TunnelForwarder) start(ctx context.Context) error {
	f.controlMu.Lock()
	if f.state == StateRunning {
		f.controlMu.Unlock()
		f.logger.Warn("start() called while already Running; no-op")
		return nil
	}
	if f.state == StateStarting || f.state == StateStopping {
		f.controlMu.Unlock()
		return fmt.Errorf("tunnel forwarder: operation already in progress")
	}
	f.state = StateStarting
	f.controlMu.Unlock()

	err := f.doStart(ctx)

	f.controlMu.Lock()
	if err != nil {
		f.state = StateStopped
		f.startErr = err
	} else {
		f.state = StateRunning
	}
	f.controlMu.Unlock()
	return err
}

func (f *TunnelForwarder) doStart(ctx context.Context) error {
	cfg := f.cfg

	rules, err := cfg.rules()
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	gateways, err := f.gatewaySpecs()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	chain, err := openGatewayChain(ctx, gateways, f.credentialsForHop, f.proxyCommand(), f.logger)
	if err != nil {
		return err
	}

	terminal := chain.terminal()

	listeners := make([]*Listener, len(rules))
	var wg sync.WaitGroup
	for i, rule := range rules {
		listeners[i] = newListener(rule, terminal, f.logger, f.handlerError, cfg.threaded())
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.start()
		}(listeners[i])
	}
	wg.Wait()

	f.controlMu.Lock()
	f.chain = chain
	f.listeners = listeners
	f.rules = rules
	f.controlMu.Unlock()

	var failures []error
	for _, l := range listeners {
		if l.State() == ListenerFailed {
			failures = append(failures, &ListenerError{LocalBind: l.rule.LocalBind.String(), Cause: l.bindErr})
		}
	}

	if len(failures) == 0 {
		return nil
	}

	if cfg.MuteExceptions {
		f.logger.Warnf("%d listener(s) failed to start, continuing per mute_exceptions", len(failures))
		return nil
	}

	// Not muted: stop everything that did start and surface the aggregate.
	for _, l := range listeners {
		if l.State() == ListenerActive {
			l.stop(true, cfg.TunnelTimeout)
		}
	}
	chain.closeAll()
	return &AggregateError{Errors: failures}
}

func (f *TunnelForwarder) handlerError(err error) {
	f.logger.WithError(err).Debug("handler error")
}

func (f *TunnelForwarder) proxyCommand() string {
	if f.cfg.SSHProxyEnabled {
		return f.cfg.SSHProxy
	}
	return ""
}

// gatewaySpecs builds the ordered GatewaySpec list: either the explicit
// Config.Gateways chain, or a single hop synthesized from the top-level
// SSH* fields.
func (f *TunnelForwarder) gatewaySpecs() ([]GatewaySpec, error) {
	if len(f.cfg.Gateways) > 0 {
		return f.cfg.Gateways, nil
	}

	addr, err := f.resolveSingleGatewayAddress()
	if err != nil {
		return nil, err
	}

	policy := HostKeyPolicy{Kind: f.cfg.HostKeyPolicy}
	if f.cfg.SSHHostKey != "" {
		policy = HostKeyPolicy{Kind: HostKeyRequireSpecific, Fingerprint: f.cfg.SSHHostKey}
	}

	return []GatewaySpec{{
		Address:           addr,
		Username:          f.cfg.SSHUsername,
		HostKeyPolicy:     policy,
		Compression:       f.cfg.Compression,
		KeepaliveInterval: f.cfg.SetKeepalive,
	}}, nil
}

func (f *TunnelForwarder) resolveSingleGatewayAddress() (Address, error) {
	host := f.cfg.SSHAddressOrHost
	port := f.cfg.SSHPort
	if host == "" {
		return Address{}, &ConfigError{Value: host, Msg: "ssh_address_or_host is required"}
	}

	if f.cfg.SSHConfigFile != "" {
		defaults := lookupSSHConfigDefaults(f.cfg.SSHConfigFile, host)
		if defaults.HostName != "" {
			host = defaults.HostName
		}
		if port == 0 && defaults.Port != "" {
			fmt.Sscanf(defaults.Port, "%d", &port)
		}
	}
	if port == 0 {
		port = 22
	}
	addr := Address{Host: host, Port: port}
	if err := checkAddress(addr); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// credentialsForHop resolves the credential list for gateway hop i. Only
// the first hop consumes the top-level Config.SSH* credential fields;
// subsequent hops rely on their own GatewaySpec.Credentials, agent, and
// scanned directories.
func (f *TunnelForwarder) credentialsForHop(i int, g GatewaySpec) ([]Credential, error) {
	if len(g.Credentials) > 0 {
		return g.Credentials, nil
	}

	authCfg := AuthConfig{
		AllowAgent:          f.cfg.AllowAgent,
		SSHConfigFile:       f.cfg.SSHConfigFile,
		HostPKeyDirectories: f.cfg.HostPKeyDirectories,
	}
	password := ""
	var explicit Credential
	if i == 0 {
		authCfg.PKeyFiles = f.cfg.SSHPKeyFiles
		authCfg.PKeyPassword = f.cfg.SSHPKeyPassword
		password = f.cfg.SSHPassword
		explicit = f.cfg.SSHPKey
	}
	return ResolveCredentials(g.Address.String(), authCfg, password, explicit, f.logger)
}

// Start is the public entry point for start().
func (f *TunnelForwarder) Start() error {
	return f.start(context.Background())
}

// StartContext starts the forwarder, aborting if ctx is cancelled before
// start completes.
func (f *TunnelForwarder) StartContext(ctx context.Context) error {
	return f.start(ctx)
}

// Stop transitions to Stopping, signals every listener, and closes the
// gateway chain. It is idempotent and never raises (§7): calling it on a
// non-Running forwarder is a no-op.
func (f *TunnelForwarder) Stop(force bool) {
	f.controlMu.Lock()
	if f.state != StateRunning {
		f.controlMu.Unlock()
		return
	}
	f.state = StateStopping
	listeners := f.listeners
	chain := f.chain
	f.controlMu.Unlock()

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.stop(force, f.cfg.TunnelTimeout)
		}(l)
	}
	if !waitWithTimeout(&wg, f.cfg.TunnelTimeout) {
		f.logger.Warn((&ShutdownTimeout{Waited: f.cfg.TunnelTimeout.String()}).Error())

		// A listener is still wedged on a handler despite its own force-stop
		// having closed every tracked conn/channel it knew about (eg a
		// handler stuck between openDirectTCPIP succeeding and the channel
		// being tracked). Collapsing the chain tears down the underlying
		// ssh.Client, which fails every one of its channels at the
		// transport level and unblocks any remaining stuck read.
		if chain != nil {
			chain.closeAll()
			chain = nil
		}

		var escalateWG sync.WaitGroup
		for _, l := range listeners {
			escalateWG.Add(1)
			go func(l *Listener) {
				defer escalateWG.Done()
				l.stop(true, f.cfg.TunnelTimeout)
			}(l)
		}
		waitWithTimeout(&escalateWG, f.cfg.TunnelTimeout)
	}

	if chain != nil {
		chain.closeAll()
	}

	f.controlMu.Lock()
	f.state = StateStopped
	f.controlMu.Unlock()
}

// Restart stops then starts the forwarder.
func (f *TunnelForwarder) Restart() error {
	f.Stop(false)
	return f.Start()
}

// CheckTunnels refreshes TunnelIsUp by probing each listener: a connect to
// its bound address followed by an immediate close. Diagnostic only, never
// used for recovery.
func (f *TunnelForwarder) CheckTunnels() map[string]bool {
	f.controlMu.Lock()
	listeners := append([]*Listener(nil), f.listeners...)
	f.controlMu.Unlock()

	up := make(map[string]bool, len(listeners))
	for _, l := range listeners {
		up[l.rule.LocalBind.String()] = l.probe()
	}
	return up
}

// Run implements the scoped-acquisition form (4.F): start() on entry,
// stop(force=true) on every exit path, including a panic inside fn or an
// error returned from ctx's cancellation. A start failure propagates after
// cleanup (there is nothing to stop in that case, but Stop remains safe to
// call).
func Run(ctx context.Context, cfg Config, fn func(*TunnelForwarder) error) (err error) {
	f := New(cfg)
	if err := f.StartContext(ctx); err != nil {
		return err
	}
	defer func() {
		f.Stop(true)
		if r := recover(); r != nil {
			panic(r)
		}
	}()
	return fn(f)
}

// waitForSignalOrTimeout waits for ch to fire or timeout to elapse,
// reporting whether ch fired first.
func waitForSignalOrTimeout(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
