package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbeuw/Shunt/internal/client"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	// Should be 127.0.0.1 to listen to applications on this machine
	var localHost string
	// port applications connect to
	var localPort string
	// The ip of the shunt server
	var remoteHost string
	var remotePort string
	var transport string
	var config string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&localHost, "i", "127.0.0.1", "localHost: shunt listens to applications on this ip")
	flag.StringVar(&localPort, "l", "1984", "localPort: shunt listens to applications on this port")
	flag.StringVar(&remoteHost, "s", "", "remoteHost: IP of your shunt server")
	flag.StringVar(&remotePort, "p", "443", "remotePort: port of your shunt server")
	flag.StringVar(&transport, "t", "", "transport: direct or websocket")
	flag.StringVar(&config, "c", "client.json", "config: path to the configuration file or options separated with semicolons")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")

	flag.Parse()

	if *askVersion {
		fmt.Printf("shunt-client %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	rawConfig, err := client.ParseConfig(config)
	if err != nil {
		log.Fatal(err)
	}

	// commandline argument takes precedence over json
	// if commandline argument is set, use commandline
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			rawConfig.LocalHost = localHost
		case "l":
			rawConfig.LocalPort = localPort
		case "s":
			rawConfig.RemoteHost = remoteHost
		case "p":
			rawConfig.RemotePort = remotePort
		case "t":
			rawConfig.Transport = transport
		}
	})
	// ones with default values
	if rawConfig.LocalHost == "" {
		rawConfig.LocalHost = localHost
	}
	if rawConfig.LocalPort == "" {
		rawConfig.LocalPort = localPort
	}
	if rawConfig.RemotePort == "" {
		rawConfig.RemotePort = remotePort
	}

	localConfig, remoteConfig, serviceConfig, err := rawConfig.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	c := client.NewClient(remoteConfig, serviceConfig)
	listener, err := net.Listen("tcp", localConfig.LocalAddr)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Listening on %v for %v", localConfig.LocalAddr, remoteConfig.RemoteAddr)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		listener.Close()
	}()

	if err := c.RouteTCP(listener); err != nil {
		log.Error(err)
	}
	if err := c.Close(); err != nil {
		log.Error(err)
	}
}
