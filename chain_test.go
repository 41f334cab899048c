package tunnel

import (
	"context"
	"net"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"sshtunnel/internal/testsshd"
)

var _ = Describe("gatewayChain", func() {

	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetOutput(GinkgoWriter)
	})

	gatewaySpec := func(gw *testsshd.Server, user string) GatewaySpec {
		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		return GatewaySpec{
			Address:       Address{Host: host, Port: port},
			Username:      user,
			HostKeyPolicy: HostKeyPolicy{Kind: HostKeyAcceptAny},
		}
	}

	credsFor := func(password string) func(i int, g GatewaySpec) ([]Credential, error) {
		return func(i int, g GatewaySpec) ([]Credential, error) {
			return []Credential{NewPasswordCredential(password)}, nil
		}
	}

	It("chains two hops, attaching forwarding to the terminal session", func() {
		hostKey1, err := testsshd.GenerateSigner()
		Expect(err).NotTo(HaveOccurred())
		gw1, err := testsshd.New(hostKey1, "hop1pass", nil)
		Expect(err).NotTo(HaveOccurred())
		defer gw1.Close()

		hostKey2, err := testsshd.GenerateSigner()
		Expect(err).NotTo(HaveOccurred())
		gw2, err := testsshd.New(hostKey2, "hop2pass", nil)
		Expect(err).NotTo(HaveOccurred())
		defer gw2.Close()

		echo, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer echo.Close()
		go runEchoServer(echo)
		_, echoPortStr, _ := net.SplitHostPort(echo.Addr().String())
		var echoPort int
		fscanPort(echoPortStr, &echoPort)

		gateways := []GatewaySpec{gatewaySpec(gw1, "u1"), gatewaySpec(gw2, "u2")}

		hop := 0
		chain, err := openGatewayChain(context.Background(), gateways, func(i int, g GatewaySpec) ([]Credential, error) {
			hop = i
			if i == 0 {
				return []Credential{NewPasswordCredential("hop1pass")}, nil
			}
			return []Credential{NewPasswordCredential("hop2pass")}, nil
		}, "", logger)
		Expect(err).NotTo(HaveOccurred())
		Expect(hop).To(Equal(1))
		defer chain.closeAll()

		Expect(chain.sessions).To(HaveLen(2))
		Expect(chain.terminal()).To(Equal(chain.sessions[1]))

		ch, err := chain.terminal().openDirectTCPIP(Address{Host: "127.0.0.1", Port: echoPort}, "127.0.0.1", 0)
		Expect(err).NotTo(HaveOccurred())
		ch.Close()
	})

	It("aborts and unwinds all opened sessions when an inner hop fails auth", func() {
		hostKey1, err := testsshd.GenerateSigner()
		Expect(err).NotTo(HaveOccurred())
		gw1, err := testsshd.New(hostKey1, "hop1pass", nil)
		Expect(err).NotTo(HaveOccurred())
		defer gw1.Close()

		hostKey2, err := testsshd.GenerateSigner()
		Expect(err).NotTo(HaveOccurred())
		gw2, err := testsshd.New(hostKey2, "hop2pass", nil)
		Expect(err).NotTo(HaveOccurred())
		defer gw2.Close()

		gateways := []GatewaySpec{gatewaySpec(gw1, "u1"), gatewaySpec(gw2, "u2")}

		_, err = openGatewayChain(context.Background(), gateways, func(i int, g GatewaySpec) ([]Credential, error) {
			if i == 0 {
				return []Credential{NewPasswordCredential("hop1pass")}, nil
			}
			return []Credential{NewPasswordCredential("wrong-password")}, nil
		}, "", logger)
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&AuthenticationError{}))
	})

	It("rejects an empty gateway list with ConfigError", func() {
		_, err := openGatewayChain(context.Background(), nil, credsFor("x"), "", logger)
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&ConfigError{}))
	})
})
