package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cbeuw/Shunt/internal/server"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version string

// resolveBindAddr fills in the default listening addresses when the config names none
func resolveBindAddr(bindAddr []net.Addr) []net.Addr {
	if len(bindAddr) != 0 {
		return bindAddr
	}
	https, _ := net.ResolveTCPAddr("tcp", ":443")
	http, _ := net.ResolveTCPAddr("tcp", ":80")
	return []net.Addr{https, http}
}

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "server.json", "config: path to the configuration file or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")

	flag.Parse()

	if *askVersion {
		fmt.Printf("shunt-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	raw, err := server.ParseConfig(config)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	sta, err := server.InitState(raw)
	if err != nil {
		log.Fatalf("unable to initialise server state: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, addr := range resolveBindAddr(sta.BindAddr) {
		listener, err := net.Listen("tcp", addr.String())
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Listening on %v", addr)
		g.Go(func() error {
			return server.Serve(listener, sta)
		})
	}
	if sta.AdminAddr != "" {
		g.Go(func() error {
			return server.ServeAdmin(sta)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return sta.Close()
	})

	if err := g.Wait(); err != nil {
		log.Error(err)
	}
}
