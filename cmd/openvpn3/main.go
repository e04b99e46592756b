// Command openvpn3 is a minimal OpenVPN client: it establishes a tunnel
// described by a config file, creates a tun device on the OS, and moves
// packets between the two. It can also just ping through the tunnel or dump
// a handshake trace, which is handy when debugging against a server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/Doridian/water"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/jackpal/gateway"
	"github.com/pborman/getopt/v2"

	"github.com/facboy/openvpn3/extras/ping"
	"github.com/facboy/openvpn3/internal/networkio"
	"github.com/facboy/openvpn3/internal/runtimex"
	"github.com/facboy/openvpn3/internal/tracex"
	"github.com/facboy/openvpn3/internal/tun"
	"github.com/facboy/openvpn3/pkg/config"
)

func runCmd(binaryPath string, args ...string) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		log.WithError(err).Warnf("error running %s", binaryPath)
	}
}

func runIP(args ...string) {
	runCmd("/sbin/ip", args...)
}

func runRoute(args ...string) {
	runCmd("/sbin/route", args...)
}

func main() {
	configPath := getopt.StringLong("config", 'c', "", "config file to load")
	doPing := getopt.BoolLong("ping", 0, "ping through the tunnel and exit")
	doTrace := getopt.BoolLong("trace", 0, "dump a handshake trace and exit")
	skipRoute := getopt.BoolLong("skip-route", 0, "exit without setting routes")
	timeout := getopt.IntLong("timeout", 't', 60, "handshake timeout, in seconds")
	verbose := getopt.BoolLong("verbose", 'v', "enable debug logs")
	getopt.Parse()

	log.SetHandler(cli.New(os.Stderr))
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *configPath == "" {
		getopt.Usage()
		os.Exit(1)
	}

	opts := []config.Option{
		config.WithConfigFile(*configPath),
		config.WithLogger(log.Log),
	}

	start := time.Now()
	if *doTrace {
		opts = append(opts, config.WithHandshakeTracer(tracex.NewTracer(start)))
	}

	cfg := config.NewConfig(opts...)

	// connect to the server
	dialer := networkio.NewDialer(log.Log, &net.Dialer{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, cfg.Remote().Protocol, cfg.Remote().Endpoint)
	if err != nil {
		log.WithError(err).Fatal("dialer.DialContext")
	}

	// create the vpn tun device
	tunnel, err := tun.StartTUN(ctx, conn, cfg)
	if err != nil {
		log.WithError(err).Fatal("cannot initialize session")
		return
	}
	log.Infof("Local IP: %s", tunnel.LocalAddr())
	log.Infof("Gateway:  %s", tunnel.RemoteAddr())

	fmt.Println("initialization-sequence-completed")
	fmt.Printf("elapsed: %v\n", time.Since(start))

	if *doTrace {
		trace := cfg.Tracer().Trace()
		jsonData, err := json.MarshalIndent(trace, "", "  ")
		runtimex.PanicOnError(err, "cannot serialize trace")
		fileName := "handshake-trace.json"
		os.WriteFile(fileName, jsonData, 0644)
		fmt.Println("trace written to", fileName)
		os.Exit(0)
	}

	if *doPing {
		pinger := ping.New("8.8.8.8", tunnel)
		pinger.Count = 5
		if err := pinger.Run(context.Background()); err != nil {
			log.WithError(err).Fatal("ping error")
		}
		for _, r := range pinger.Replies() {
			fmt.Printf("seq=%d ttl=%d time=%v\n", r.Seq, r.TTL, r.RTT)
		}
		fmt.Printf("packet loss: %.0f%%\n", pinger.PacketLoss()*100)
		os.Exit(0)
	}

	if *skipRoute {
		os.Exit(0)
	}

	// create a tun interface on the OS
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	runtimex.PanicOnError(err, "unable to open tun interface")

	// TODO: investigate what's the maximum working MTU, additionally get it from flag.
	iface.SetMTU(1420)

	localAddr := tunnel.LocalAddr().String()
	remoteAddr := tunnel.RemoteAddr().String()
	netMask := net.IPMask(net.ParseIP(tunnel.NetMask()).To4())

	// discover the local gateway, we need it to add a route to the remote
	// via our own network gateway
	defaultGatewayIP, err := gateway.DiscoverGateway()
	if err != nil {
		log.Warn("could not discover default gateway IP, routes might be broken")
	}
	defaultInterfaceIP, err := gateway.DiscoverInterface()
	if err != nil {
		log.Warn("could not discover default route interface IP, routes might be broken")
	}
	defaultInterface, err := getInterfaceByIP(defaultInterfaceIP.String())
	if err != nil {
		log.Warn("could not get default route interface, routes might be broken")
	}

	if defaultGatewayIP != nil && defaultInterface != nil {
		log.Infof("route add %s gw %v dev %s", cfg.Remote().IPAddr, defaultGatewayIP, defaultInterface.Name)
		runRoute("add", cfg.Remote().IPAddr, "gw", defaultGatewayIP.String(), defaultInterface.Name)
	}

	// we want the network CIDR for setting up the routes
	network := &net.IPNet{
		IP:   net.ParseIP(localAddr).Mask(netMask),
		Mask: netMask,
	}

	// configure the interface and bring it up
	runIP("addr", "add", localAddr, "dev", iface.Name())
	runIP("link", "set", "dev", iface.Name(), "up")
	runRoute("add", remoteAddr, "gw", localAddr)
	runRoute("add", "-net", network.String(), "dev", iface.Name())
	runIP("route", "add", "default", "via", remoteAddr, "dev", iface.Name())

	go func() {
		for {
			packet := make([]byte, 2000)
			n, err := iface.Read(packet)
			if err != nil {
				log.WithError(err).Fatal("error reading from device")
			}
			tunnel.Write(packet[:n])
		}
	}()
	go func() {
		for {
			packet := make([]byte, 2000)
			n, err := tunnel.Read(packet)
			if err != nil {
				log.WithError(err).Fatal("error reading from tunnel")
			}
			iface.Write(packet[:n])
		}
	}()

	// surface session events until a fatal one seals the session
	for ev := range tunnel.Events() {
		log.Infof("event: %s", ev)
		if ev.Fatal {
			break
		}
	}
	tunnel.Close()
}
