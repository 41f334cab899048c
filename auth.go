package tunnel

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Credential is an opaque authentication candidate produced by the
// Authentication Resolver. It wraps an ssh.AuthMethod plus a stable
// fingerprint used for deduplication (empty fingerprint for password
// credentials, which are never deduplicated against keys).
type Credential interface {
	Method() ssh.AuthMethod
	Fingerprint() string
}

type keyCredential struct {
	signer ssh.Signer
}

func (k keyCredential) Method() ssh.AuthMethod { return ssh.PublicKeys(k.signer) }
func (k keyCredential) Fingerprint() string     { return ssh.FingerprintSHA256(k.signer.PublicKey()) }

// NewKeyCredential wraps an in-memory signer (ssh_pkey option) as a
// Credential.
func NewKeyCredential(signer ssh.Signer) Credential {
	return keyCredential{signer: signer}
}

type passwordCredential struct {
	password string
}

func (p passwordCredential) Method() ssh.AuthMethod { return ssh.Password(p.password) }
func (p passwordCredential) Fingerprint() string    { return "" }

// NewPasswordCredential wraps a password as a Credential.
func NewPasswordCredential(password string) Credential {
	return passwordCredential{password: password}
}

// ResolveCredentials implements the Authentication Resolver (4.B). It
// produces a deterministic ordered list:
//
//	explicit pkeys -> agent identities -> scanned directory keys -> password
//
// Duplicates (by key fingerprint) are collapsed keeping the first
// occurrence. A passphrase-protected key that cannot be decrypted is
// dropped with a warning, not an error. An empty result is a hard error.
func ResolveCredentials(gatewayAlias string, cfg AuthConfig, password string, explicitPKey Credential, logger *logrus.Logger) ([]Credential, error) {
	cfg = cfg.Defaults()
	if logger == nil {
		logger = defaultLogger()
	}

	var ordered []Credential
	seen := map[string]bool{}
	add := func(c Credential) {
		fp := c.Fingerprint()
		if fp != "" {
			if seen[fp] {
				return
			}
			seen[fp] = true
		}
		ordered = append(ordered, c)
	}

	// 1. Explicit pkeys: an in-memory key object, then pkey_file(s).
	if explicitPKey != nil {
		add(explicitPKey)
	}
	for _, path := range cfg.PKeyFiles {
		cred, ok := loadKeyFile(path, cfg.PKeyPassword, logger)
		if ok {
			add(cred)
		}
	}

	// Also honor IdentityFile from ssh_config for this gateway alias, if
	// configured and not already covered by explicit pkey_file entries.
	if cfg.SSHConfigFile != "" && gatewayAlias != "" {
		if identity := sshConfigLookup(cfg.SSHConfigFile, gatewayAlias, "IdentityFile"); identity != "" {
			if cred, ok := loadKeyFile(expandHome(identity), cfg.PKeyPassword, logger); ok {
				add(cred)
			}
		}
	}

	// 2. SSH agent identities.
	if cfg.AllowAgent {
		for _, cred := range agentCredentials(logger) {
			add(cred)
		}
	}

	// 3. Scanned directory keys, skipping anything already provided
	// explicitly.
	for _, dir := range cfg.HostPKeyDirectories {
		for _, cred := range scanDirectoryKeys(dir, logger) {
			add(cred)
		}
	}

	// 4. Password, last.
	if password != "" {
		add(NewPasswordCredential(password))
	}

	if len(ordered) == 0 {
		return nil, &NoAuthMethodsError{Gateway: gatewayAlias}
	}
	return ordered, nil
}

func loadKeyFile(path string, passphrase string, logger *logrus.Logger) (Credential, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		logger.Warnf("could not read key file %s: %v", path, err)
		return nil, false
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			logger.Warnf("key file %s is encrypted and no passphrase was supplied, skipping", path)
			return nil, false
		}
		logger.Warnf("could not parse key file %s: %v", path, err)
		return nil, false
	}
	return NewKeyCredential(signer), true
}

func agentCredentials(logger *logrus.Logger) []Credential {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		logger.Debugf("could not connect to ssh-agent at %s: %v", sock, err)
		return nil
	}
	ag := agent.NewClient(conn)
	signers, err := ag.Signers()
	if err != nil {
		logger.Warnf("could not list ssh-agent identities: %v", err)
		return nil
	}
	creds := make([]Credential, 0, len(signers))
	for _, s := range signers {
		creds = append(creds, NewKeyCredential(s))
	}
	return creds
}

func scanDirectoryKeys(dir string, logger *logrus.Logger) []Credential {
	dir = expandHome(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var creds []Credential
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			// Not a private key, or encrypted without a supplied passphrase;
			// scanned directories are best-effort and never error.
			continue
		}
		logger.Debugf("found candidate key %s in %s", entry.Name(), dir)
		creds = append(creds, NewKeyCredential(signer))
	}
	return creds
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// sshConfigLookup reads a single key for host from an OpenSSH config file
// using github.com/kevinburke/ssh_config, returning "" on any error so
// callers can fall back to their own defaults.
func sshConfigLookup(path, host, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	cfg, err := sshconfig.Decode(f)
	if err != nil {
		return ""
	}
	val, err := cfg.Get(host, key)
	if err != nil {
		return ""
	}
	return val
}

// sshConfigDefaults resolves HostName/User/Port/ProxyCommand for a gateway
// alias from an OpenSSH config file. The orchestrator applies HostName and
// an unset Port from it; User and ProxyCommand are looked up but not applied.
type sshConfigDefaults struct {
	HostName     string
	User         string
	Port         string
	ProxyCommand string
}

func lookupSSHConfigDefaults(path, alias string) sshConfigDefaults {
	return sshConfigDefaults{
		HostName:     sshConfigLookup(path, alias, "HostName"),
		User:         sshConfigLookup(path, alias, "User"),
		Port:         sshConfigLookup(path, alias, "Port"),
		ProxyCommand: sshConfigLookup(path, alias, "ProxyCommand"),
	}
}
