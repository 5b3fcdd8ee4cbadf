package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
	"github.com/cbeuw/Shunt/internal/service"
	"go.uber.org/multierr"
)

const (
	TransportDirect    = "direct"
	TransportWebSocket = "websocket"
)

type RawConfig struct {
	BindAddr      []string
	RedirAddr     string
	Transport     string
	WebSocketPath string
	AdminAddr     string
	DatabasePath  string
	StreamTimeout int
	MaxStreams    int
	KeepAlive     int
	RxRate        int64
	TxRate        int64
	Workers       int
}

// State type stores the global state of the program
type State struct {
	BindAddr      []net.Addr
	RedirAddr     string
	Transport     string
	WebSocketPath string
	AdminAddr     string
	Timeout       time.Duration

	RedirDialer interface {
		Dial(network, address string) (net.Conn, error)
	}

	Registry *service.Registry
	Ledger   *UsageLedger
	Metrics  *Metrics

	streamsM sync.Mutex
	// number of streams each live session has forwarded
	streams map[service.SessionID]int64

	serversM sync.Mutex
	servers  []*http.Server
	isClosed bool
}

// ParseConfig parses the config (either a path to json or the json itself as argument)
func ParseConfig(conf string) (raw RawConfig, err error) {
	content, errPath := os.ReadFile(conf)
	if errPath != nil {
		errJson := json.Unmarshal([]byte(conf), &raw)
		if errJson != nil {
			return raw, errors.New("Failed to read/unmarshal configuration, path is invalid or " + errJson.Error())
		}
	} else {
		errJson := json.Unmarshal(content, &raw)
		if errJson != nil {
			return raw, errors.New("Failed to read configuration file: " + errJson.Error())
		}
	}
	return raw, nil
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

func InitState(raw RawConfig) (sta *State, err error) {
	sta = &State{
		RedirAddr:     raw.RedirAddr,
		Transport:     strings.ToLower(raw.Transport),
		WebSocketPath: raw.WebSocketPath,
		AdminAddr:     raw.AdminAddr,
		RedirDialer:   &net.Dialer{Timeout: 10 * time.Second},
		Metrics:       NewMetrics(),
		streams:       make(map[service.SessionID]int64),
	}

	if sta.RedirAddr == "" {
		return nil, errors.New("RedirAddr cannot be empty")
	}
	if _, _, err = net.SplitHostPort(sta.RedirAddr); err != nil {
		return nil, fmt.Errorf("unable to parse RedirAddr: %v", err)
	}

	switch sta.Transport {
	case "":
		sta.Transport = TransportDirect
	case TransportDirect:
	case TransportWebSocket:
		if sta.WebSocketPath == "" {
			sta.WebSocketPath = "/"
		}
	default:
		return nil, fmt.Errorf("unknown transport %v", raw.Transport)
	}

	sta.BindAddr, err = parseBindAddr(raw.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse BindAddr: %v", err)
	}

	if raw.StreamTimeout == 0 {
		sta.Timeout = time.Duration(300) * time.Second
	} else {
		sta.Timeout = time.Duration(raw.StreamTimeout) * time.Second
	}

	if raw.DatabasePath != "" {
		sta.Ledger, err = OpenUsageLedger(raw.DatabasePath, nil)
		if err != nil {
			return nil, fmt.Errorf("unable to open usage database: %v", err)
		}
	}

	sta.Registry = service.NewRegistry(service.Config{
		Session: mux.SessionConfig{
			MaxStreams:        raw.MaxStreams,
			KeepAliveInterval: time.Duration(raw.KeepAlive) * time.Second,
		},
		RxRate:        raw.RxRate,
		TxRate:        raw.TxRate,
		Workers:       raw.Workers,
		StreamHandler: sta.forward,
	}, eventHandler{sta: sta})
	return sta, nil
}

func (sta *State) countStream(id service.SessionID) {
	sta.streamsM.Lock()
	sta.streams[id]++
	sta.streamsM.Unlock()
}

// streamsOf forgets and returns the number of streams session id forwarded
func (sta *State) streamsOf(id service.SessionID) int64 {
	sta.streamsM.Lock()
	defer sta.streamsM.Unlock()
	n := sta.streams[id]
	delete(sta.streams, id)
	return n
}

func (sta *State) addServer(srv *http.Server) bool {
	sta.serversM.Lock()
	defer sta.serversM.Unlock()
	if sta.isClosed {
		return false
	}
	sta.servers = append(sta.servers, srv)
	return true
}

// Close stops every listener and session, then closes the usage database
func (sta *State) Close() (err error) {
	sta.serversM.Lock()
	servers := sta.servers
	sta.servers = nil
	sta.isClosed = true
	sta.serversM.Unlock()
	for _, srv := range servers {
		if e := srv.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = multierr.Append(err, e)
		}
	}

	err = multierr.Append(err, sta.Registry.Shutdown())
	if sta.Ledger != nil {
		err = multierr.Append(err, sta.Ledger.Close())
	}
	return err
}
