package main

import (
	"net"
	"testing"
)

func TestResolveBindAddr(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		addrs := resolveBindAddr(nil)
		if len(addrs) != 2 {
			t.Fatalf("expected 2 default addresses, got %v", addrs)
		}
		if addrs[0].String() != ":443" || addrs[1].String() != ":80" {
			t.Errorf("expected :443 and :80, got %v", addrs)
		}
	})

	t.Run("configured", func(t *testing.T) {
		addr, _ := net.ResolveTCPAddr("tcp", "127.0.0.1:8443")
		addrs := resolveBindAddr([]net.Addr{addr})
		if len(addrs) != 1 || addrs[0].String() != "127.0.0.1:8443" {
			t.Errorf("expected %v got %v", addr, addrs)
		}
	})
}
