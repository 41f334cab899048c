package tunnel

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshtunnel/internal/testsshd"
)

// newTestGateway starts an in-process gateway and an echo server reachable
// as its direct-tcpip destination, returning both; pinning scenarios read
// the gateway's host key through HostKey().
func newTestGateway(password string) (*testsshd.Server, net.Listener) {
	hostKey, err := testsshd.GenerateSigner()
	Expect(err).NotTo(HaveOccurred())

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	go runEchoServer(echo)

	gw, err := testsshd.New(hostKey, password, nil)
	Expect(err).NotTo(HaveOccurred())
	return gw, echo
}

func runEchoServer(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 4096)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					c.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(GinkgoWriter)
	return logger
}

var _ = Describe("TunnelForwarder", func() {

	// S1: password auth, ephemeral port.
	It("forwards bytes end-to-end with password auth on an assigned port", func() {
		gw, echo := newTestGateway("s3cr3t")
		defer gw.Close()
		defer echo.Close()

		host, portStr, err := net.SplitHostPort(gw.Addr)
		Expect(err).NotTo(HaveOccurred())
		var port int
		fscanPort(portStr, &port)

		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		cfg := Config{
			SSHAddressOrHost:    host,
			SSHPort:             port,
			SSHUsername:         "u",
			SSHPassword:         "s3cr3t",
			AllowAgent:          false,
			HostKeyPolicy:       HostKeyAcceptAny,
			LocalBindAddresses:  []Address{{Host: "127.0.0.1", Port: 0}},
			RemoteBindAddresses: []Address{{Host: "127.0.0.1", Port: echoPort}},
			Logger:              testLogger(),
		}

		f := New(cfg)
		Expect(f.Start()).To(Succeed())
		defer f.Stop(true)

		localPort, err := f.LocalBindPort(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(localPort).To(BeNumerically(">=", 1024))

		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoaTest(localPort)))
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		_, err = conn.Write([]byte("ping\n"))
		Expect(err).NotTo(HaveOccurred())

		reply, err := bufio.NewReader(conn).ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("ping\n"))

		Expect(f.TunnelIsUp()).To(HaveKeyWithValue(cfg.LocalBindAddresses[0].String(), true))
	})

	// S3: host-key pinning.
	It("succeeds when the pinned fingerprint matches and fails when it does not", func() {
		gw, echo := newTestGateway("s3cr3t")
		defer gw.Close()
		defer echo.Close()

		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		fp := ssh.FingerprintSHA256(gw.HostKey())

		base := Config{
			SSHAddressOrHost:    host,
			SSHPort:             port,
			SSHUsername:         "u",
			SSHPassword:         "s3cr3t",
			AllowAgent:          false,
			LocalBindAddresses:  []Address{{Host: "127.0.0.1", Port: 0}},
			RemoteBindAddresses: []Address{{Host: "127.0.0.1", Port: echoPort}},
			Logger:              testLogger(),
		}

		good := base
		good.SSHHostKey = fp
		fGood := New(good)
		Expect(fGood.Start()).To(Succeed())
		fGood.Stop(true)

		bad := base
		bad.SSHHostKey = flipOneHexDigit(fp)
		fBad := New(bad)
		err := fBad.Start()
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&HostKeyError{}))
	})

	// S4: partial failure tolerance.
	It("aggregates listener failures by default, and tolerates them when muted", func() {
		gw, echo := newTestGateway("s3cr3t")
		defer gw.Close()
		defer echo.Close()

		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		// Occupy a port so the second rule's bind fails.
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer taken.Close()
		_, takenPortStr, _ := net.SplitHostPort(taken.Addr().String())
		var takenPort int
		fscanPort(takenPortStr, &takenPort)

		cfg := Config{
			SSHAddressOrHost: host,
			SSHPort:          port,
			SSHUsername:      "u",
			SSHPassword:      "s3cr3t",
			AllowAgent:       false,
			HostKeyPolicy:    HostKeyAcceptAny,
			LocalBindAddresses: []Address{
				{Host: "127.0.0.1", Port: 0},
				{Host: "127.0.0.1", Port: takenPort},
			},
			RemoteBindAddresses: []Address{
				{Host: "127.0.0.1", Port: echoPort},
				{Host: "127.0.0.1", Port: echoPort},
			},
			Logger: testLogger(),
		}

		strict := New(cfg)
		err = strict.Start()
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&AggregateError{}))
		for _, isUp := range strict.TunnelIsUp() {
			Expect(isUp).To(BeFalse())
		}

		muted := cfg
		muted.MuteExceptions = true
		f := New(muted)
		Expect(f.Start()).To(Succeed())
		defer f.Stop(true)

		up := f.TunnelIsUp()
		Expect(up[cfg.LocalBindAddresses[0].String()]).To(BeTrue())
		Expect(up[cfg.LocalBindAddresses[1].String()]).To(BeFalse())
	})

	// S5: graceful shutdown under load.
	It("stops within TunnelTimeout under concurrent load and every client observes EOF", func() {
		gw, echo := newTestGateway("s3cr3t")
		defer gw.Close()
		defer echo.Close()

		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		cfg := Config{
			SSHAddressOrHost:    host,
			SSHPort:             port,
			SSHUsername:         "u",
			SSHPassword:         "s3cr3t",
			AllowAgent:          false,
			HostKeyPolicy:       HostKeyAcceptAny,
			TunnelTimeout:       2 * time.Second,
			LocalBindAddresses:  []Address{{Host: "127.0.0.1", Port: 0}},
			RemoteBindAddresses: []Address{{Host: "127.0.0.1", Port: echoPort}},
			Logger:              testLogger(),
		}

		f := New(cfg)
		Expect(f.Start()).To(Succeed())

		localPort, err := f.LocalBindPort(0)
		Expect(err).NotTo(HaveOccurred())

		const n = 50
		conns := make([]net.Conn, n)
		for i := 0; i < n; i++ {
			c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoaTest(localPort)))
			Expect(err).NotTo(HaveOccurred())
			conns[i] = c
		}

		start := time.Now()
		f.Stop(true)
		Expect(time.Since(start)).To(BeNumerically("<=", cfg.TunnelTimeout+time.Second))

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				defer c.Close()
				buf := make([]byte, 1)
				c.SetReadDeadline(time.Now().Add(3 * time.Second))
				_, err := c.Read(buf)
				Expect(err).To(HaveOccurred())
			}(c)
		}
		wg.Wait()
	})

	It("is idempotent: stop(); stop() behaves like a single stop()", func() {
		gw, echo := newTestGateway("s3cr3t")
		defer gw.Close()
		defer echo.Close()

		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		cfg := Config{
			SSHAddressOrHost:    host,
			SSHPort:             port,
			SSHUsername:         "u",
			SSHPassword:         "s3cr3t",
			AllowAgent:          false,
			HostKeyPolicy:       HostKeyAcceptAny,
			LocalBindAddresses:  []Address{{Host: "127.0.0.1", Port: 0}},
			RemoteBindAddresses: []Address{{Host: "127.0.0.1", Port: echoPort}},
			Logger:              testLogger(),
		}
		f := New(cfg)
		Expect(f.Start()).To(Succeed())
		f.Stop(true)
		f.Stop(true) // must not panic or block
		Expect(f.State()).To(Equal(StateStopped))
	})

	It("runs start()/stop(force=true) via the scoped acquisition helper", func() {
		gw, echo := newTestGateway("s3cr3t")
		defer gw.Close()
		defer echo.Close()

		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		cfg := Config{
			SSHAddressOrHost:    host,
			SSHPort:             port,
			SSHUsername:         "u",
			SSHPassword:         "s3cr3t",
			AllowAgent:          false,
			HostKeyPolicy:       HostKeyAcceptAny,
			LocalBindAddresses:  []Address{{Host: "127.0.0.1", Port: 0}},
			RemoteBindAddresses: []Address{{Host: "127.0.0.1", Port: echoPort}},
			Logger:              testLogger(),
		}

		var sawRunning ForwarderState
		err := Run(context.Background(), cfg, func(f *TunnelForwarder) error {
			sawRunning = f.State()
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sawRunning).To(Equal(StateRunning))
	})
})

func flipOneHexDigit(fp string) string {
	runes := []byte(fp)
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == 'a' {
			runes[i] = 'b'
			return string(runes)
		}
		if runes[i] == 'b' {
			runes[i] = 'a'
			return string(runes)
		}
	}
	return fp + "x"
}

func fscanPort(s string, out *int) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			continue
		}
		n = n*10 + int(r-'0')
	}
	*out = n
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
