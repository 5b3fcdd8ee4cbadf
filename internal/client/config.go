package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
	"github.com/cbeuw/Shunt/internal/service"
	log "github.com/sirupsen/logrus"
)

const (
	TransportDirect    = "direct"
	TransportWebSocket = "websocket"
)

// RawConfig represents the fields in the config json file
// nullable means if it's empty, a default value will be chosen in ProcessRawConfig
// jsonOptional means if the json's empty, its value will be set from commandline args
// but it mustn't be empty when ProcessRawConfig is called
type RawConfig struct {
	LocalHost  string // jsonOptional
	LocalPort  string // jsonOptional
	RemoteHost string // jsonOptional
	RemotePort string // jsonOptional

	Transport     string // nullable
	WebSocketPath string // nullable
	KeepAlive     int    // nullable
	MaxStreams    int    // nullable
	RxRate        int64  // nullable
	TxRate        int64  // nullable
}

type LocalConnConfig struct {
	LocalAddr string
}

type RemoteConnConfig struct {
	RemoteAddr    string
	Transport     string
	WebSocketPath string
	KeepAlive     time.Duration
}

// semi-colon separated value, e.g. RemoteHost=1.2.3.4;RemotePort=443;Transport=websocket
func ssvToJson(ssv string) (ret []byte) {
	elem := func(val string, lst []string) bool {
		for _, v := range lst {
			if val == v {
				return true
			}
		}
		return false
	}
	unescape := func(s string) string {
		r := strings.Replace(s, `\\`, `\`, -1)
		r = strings.Replace(r, `\=`, `=`, -1)
		r = strings.Replace(r, `\;`, `;`, -1)
		return r
	}
	unquoted := []string{"KeepAlive", "MaxStreams", "RxRate", "TxRate"}
	lines := strings.Split(unescape(ssv), ";")
	ret = []byte("{")
	for _, ln := range lines {
		if ln == "" {
			break
		}
		sp := strings.SplitN(ln, "=", 2)
		if len(sp) < 2 {
			log.Errorf("Malformed config option: %v", ln)
			continue
		}
		key := sp[0]
		value := sp[1]
		// JSON doesn't like quotation marks around numbers
		if elem(key, unquoted) {
			ret = append(ret, []byte(`"`+key+`":`+value+`,`)...)
		} else {
			ret = append(ret, []byte(`"`+key+`":"`+value+`",`)...)
		}
	}
	if len(ret) > 1 {
		ret = ret[:len(ret)-1] // remove the last comma
	}
	ret = append(ret, '}')
	return ret
}

// ParseConfig reads a config json file, or options separated with semicolons
func ParseConfig(conf string) (raw *RawConfig, err error) {
	var content []byte
	if strings.Contains(conf, ";") && strings.Contains(conf, "=") {
		content = ssvToJson(conf)
	} else {
		content, err = os.ReadFile(conf)
		if err != nil {
			return
		}
	}

	raw = new(RawConfig)
	err = json.Unmarshal(content, &raw)
	if err != nil {
		return nil, err
	}
	return
}

func (raw *RawConfig) ProcessRawConfig() (local LocalConnConfig, remote RemoteConnConfig, config service.Config, err error) {
	if raw.RemoteHost == "" {
		err = errors.New("RemoteHost cannot be empty")
		return
	}
	if raw.RemotePort == "" {
		err = errors.New("RemotePort cannot be empty")
		return
	}
	if raw.LocalPort == "" {
		err = errors.New("LocalPort cannot be empty")
		return
	}
	remote.RemoteAddr = net.JoinHostPort(raw.RemoteHost, raw.RemotePort)
	local.LocalAddr = net.JoinHostPort(raw.LocalHost, raw.LocalPort)

	switch strings.ToLower(raw.Transport) {
	case "", TransportDirect:
		remote.Transport = TransportDirect
	case TransportWebSocket:
		remote.Transport = TransportWebSocket
		remote.WebSocketPath = raw.WebSocketPath
		if remote.WebSocketPath == "" {
			remote.WebSocketPath = "/"
		}
	default:
		err = fmt.Errorf("unknown transport %v", raw.Transport)
		return
	}

	if raw.KeepAlive <= 0 {
		remote.KeepAlive = 0
	} else {
		remote.KeepAlive = time.Duration(raw.KeepAlive) * time.Second
	}

	config = service.Config{
		Session: mux.SessionConfig{
			MaxStreams:        raw.MaxStreams,
			KeepAliveInterval: remote.KeepAlive,
		},
		RxRate: raw.RxRate,
		TxRate: raw.TxRate,
	}
	return
}
