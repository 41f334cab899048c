// Command sshtunnel is a thin CLI wrapper over the tunnel library: it parses
// flags, constructs a tunnel.TunnelForwarder, starts it, prints the
// assigned local ports, then blocks on a termination signal and stops the
// forwarder before exiting (§4.G).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"sshtunnel"
)

type addressList []string

func (a *addressList) String() string { return strings.Join(*a, ",") }
func (a *addressList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		username    = flag.String("U", "", "SSH username")
		port        = flag.Int("p", 0, "SSH port on the gateway (default 22)")
		password    = flag.String("P", "", "SSH password")
		hostKey     = flag.String("k", "", "pinned gateway host key fingerprint")
		keyFile     = flag.String("K", "", "SSH private key file")
		keyPass     = flag.String("S", "", "passphrase for -K")
		threaded    = flag.Bool("t", false, "use one worker per accepted connection")
		verboseN    = flag.Int("v", 0, "verbosity as a single number, not counted by repetition: 1=ERROR 2=WARN 3=INFO 4=DEBUG 5=TRACE")
		showVersion = flag.Bool("V", false, "print version and exit")
		bindTuple   = flag.String("x", "", "bind_host:bind_port, overrides the host and port of every host:port -L")
		sshConfig   = flag.String("c", "", "path to an OpenSSH config file")
		compress    = flag.Bool("z", false, "enable compression")
		noAgent     = flag.Bool("n", false, "disable SSH agent probing")
	)

	var keyDirs addressList
	flag.Var(&keyDirs, "d", "directory to scan for private keys (repeatable)")

	var locals addressList
	flag.Var(&locals, "L", "local bind address local_host:local_port (repeatable)")
	var remotes addressList
	flag.Var(&remotes, "R", "remote target address remote_host:remote_port (repeatable)")

	flag.Parse()

	if *showVersion {
		fmt.Println("sshtunnel (library-backed SSH port forwarding CLI)")
		return 0
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sshtunnel [flags] -L local:port -R remote:port <gateway>")
		return 1
	}
	gateway := flag.Arg(0)

	logger := log.New()
	logger.SetLevel(verbosityToLevel(*verboseN))

	// Optional .env for local secrets, matching the teacher's godotenv.Load
	// usage in main.go — silently ignored if the file does not exist.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Debugf("could not load .env: %v", err)
	}
	if *password == "" {
		*password = os.Getenv("SSH_PASSWORD")
	}
	if *keyPass == "" {
		*keyPass = os.Getenv("SSH_PKEY_PASSWORD")
	}

	localAddrs, err := parseAddressList(locals, *bindTuple)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: ConfigError: %v\n", err)
		return 1
	}
	remoteAddrs, err := parseRemoteList(remotes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: ConfigError: %v\n", err)
		return 1
	}

	cfg := sshtunnel.Config{
		SSHAddressOrHost:    gateway,
		SSHPort:             *port,
		SSHUsername:         *username,
		SSHPassword:         *password,
		SSHHostKey:          *hostKey,
		SSHPKeyFiles:        nonEmptyList(*keyFile),
		SSHPKeyPassword:     *keyPass,
		SSHConfigFile:       *sshConfig,
		HostPKeyDirectories: keyDirs,
		AllowAgent:          !*noAgent,
		Compression:         *compress,
		Threaded:            threaded,
		LocalBindAddresses:  localAddrs,
		RemoteBindAddresses: remoteAddrs,
		Logger:              logger,
	}

	forwarder := sshtunnel.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := forwarder.StartContext(ctx); err != nil {
		return exitCodeFor(err)
	}

	for i := range localAddrs {
		if p, err := forwarder.LocalBindPort(i); err == nil {
			fmt.Printf("local bind %d listening on port %d\n", i, p)
		}
	}

	<-ctx.Done()
	forwarder.Stop(true)

	if ctx.Err() != nil {
		return 130
	}
	return 0
}

func verbosityToLevel(v int) log.Level {
	switch {
	case v >= 5:
		return log.TraceLevel
	case v == 4:
		return log.DebugLevel
	case v == 3:
		return log.InfoLevel
	case v == 2:
		return log.WarnLevel
	case v == 1:
		return log.ErrorLevel
	default:
		return log.ErrorLevel
	}
}

func nonEmptyList(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func parseAddressList(items []string, overrideBindTuple string) ([]sshtunnel.Address, error) {
	var overrideHost string
	var overridePort int
	if overrideBindTuple != "" {
		h, p, err := splitHostPort(overrideBindTuple)
		if err != nil {
			return nil, err
		}
		overrideHost, overridePort = h, p
	}

	out := make([]sshtunnel.Address, 0, len(items))
	for _, item := range items {
		if strings.HasPrefix(item, "/") {
			out = append(out, sshtunnel.Address{Path: item})
			continue
		}
		host, p, err := splitHostPort(item)
		if err != nil {
			return nil, fmt.Errorf("invalid -L value %q: %w", item, err)
		}
		if overrideBindTuple != "" {
			host, p = overrideHost, overridePort
		}
		out = append(out, sshtunnel.Address{Host: host, Port: p})
	}
	return out, nil
}

func parseRemoteList(items []string) ([]sshtunnel.Address, error) {
	out := make([]sshtunnel.Address, 0, len(items))
	for _, item := range items {
		host, p, err := splitHostPort(item)
		if err != nil {
			return nil, fmt.Errorf("invalid -R value %q: %w", item, err)
		}
		out = append(out, sshtunnel.Address{Host: host, Port: p})
	}
	return out, nil
}

func splitHostPort(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, errors.New("expected host:port")
	}
	host := s[:idx]
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %w", err)
	}
	return host, port, nil
}

// exitCodeFor maps a start() error onto §6's documented CLI exit codes.
func exitCodeFor(err error) int {
	var cfgErr *sshtunnel.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(os.Stderr, "ERROR: ConfigError: %v\n", err)
		return 1
	}
	var authErr *sshtunnel.AuthenticationError
	if errors.As(err, &authErr) {
		fmt.Fprintf(os.Stderr, "ERROR: AuthenticationError: %v\n", err)
		return 2
	}
	var noAuth *sshtunnel.NoAuthMethodsError
	if errors.As(err, &noAuth) {
		fmt.Fprintf(os.Stderr, "ERROR: NoAuthMethodsError: %v\n", err)
		return 2
	}
	var hostKeyErr *sshtunnel.HostKeyError
	if errors.As(err, &hostKeyErr) {
		fmt.Fprintf(os.Stderr, "ERROR: HostKeyError: %v\n", err)
		return 2
	}
	var listenErr *sshtunnel.AggregateError
	if errors.As(err, &listenErr) {
		fmt.Fprintf(os.Stderr, "ERROR: ListenerError: %v\n", err)
		return 3
	}
	fmt.Fprintf(os.Stderr, "ERROR: SessionError: %v\n", err)
	return 1
}
