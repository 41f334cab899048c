// Package tunnel establishes and manages SSH-based TCP port forwarding
// tunnels. For each configured forwarding rule it accepts connections on a
// local endpoint (TCP port or UNIX domain socket), opens a direct-tcpip
// channel over an authenticated SSH session to a gateway host, and
// bidirectionally proxies bytes between the local endpoint and a remote
// target address reachable from the gateway.
package tunnel
