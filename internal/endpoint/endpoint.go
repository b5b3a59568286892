// Package endpoint parses publish URLs into a transport and its options.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/castor/internal/rtp"
	"github.com/zsiec/castor/internal/srt"
)

var (
	// ErrUnsupportedScheme is returned for URLs of an unknown scheme.
	ErrUnsupportedScheme = errors.New("endpoint: unsupported scheme")
	// ErrUnsupportedTransport marks schemes that parse but have no sender
	// in this module.
	ErrUnsupportedTransport = errors.New("endpoint: transport not implemented")
)

// Scheme is a URL scheme.
type Scheme string

const (
	SchemeSRT     Scheme = "srt"
	SchemeSRTQUIC Scheme = "srt+quic"
	SchemeRTP     Scheme = "rtp"
	SchemeRTMP    Scheme = "rtmp"
	SchemeRTMPS   Scheme = "rtmps"
	SchemeRTSP    Scheme = "rtsp"
)

var defaultPorts = map[Scheme]int{
	SchemeRTMP:  1935,
	SchemeRTMPS: 443,
	SchemeRTSP:  554,
}

// quicPayloadSize keeps an SRT packet inside one QUIC DATAGRAM frame on a
// 1500 byte path: six TS packets instead of seven.
const quicPayloadSize = 6 * 188

// Endpoint is a parsed publish URL.
type Endpoint struct {
	Scheme Scheme
	Host   string
	Port   int
	Path   string

	// SRT holds the connection options of srt and srt+quic URLs.
	SRT srt.Config
	// Fingerprint pins the listener certificate of an srt+quic URL
	// (hex SHA-256).
	Fingerprint string

	// RTP holds the packetizer options of rtp URLs; audio goes to AudioPort.
	RTP       rtp.Config
	AudioPort int

	// Ignored lists query options that were not understood.
	Ignored []string

	u *url.URL
}

// Parse parses raw into an Endpoint. The host is always required; the port
// is required unless the scheme has a well-known default.
func Parse(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: %w", err)
	}
	e := Endpoint{Scheme: Scheme(strings.ToLower(u.Scheme)), u: u}
	switch e.Scheme {
	case SchemeSRT, SchemeSRTQUIC, SchemeRTP, SchemeRTMP, SchemeRTMPS, SchemeRTSP:
	default:
		return Endpoint{}, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}

	e.Host = u.Hostname()
	if e.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint: %s URL has no host", e.Scheme)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("endpoint: invalid port %q", p)
		}
		e.Port = port
	} else if def, ok := defaultPorts[e.Scheme]; ok {
		e.Port = def
	} else {
		return Endpoint{}, fmt.Errorf("endpoint: %s URL requires a port", e.Scheme)
	}
	e.Path = strings.TrimPrefix(u.Path, "/")

	q := u.Query()
	switch e.Scheme {
	case SchemeSRT, SchemeSRTQUIC:
		err = e.parseSRT(q)
	case SchemeRTP:
		err = e.parseRTP(q)
	default:
		for k := range q {
			e.Ignored = append(e.Ignored, k)
		}
	}
	if err != nil {
		return Endpoint{}, err
	}
	sort.Strings(e.Ignored)
	return e, nil
}

func (e *Endpoint) parseSRT(q url.Values) error {
	cfg := srt.DefaultConfig()
	if e.Scheme == SchemeSRTQUIC {
		cfg.PayloadSize = quicPayloadSize
	}
	cfg.StreamID = e.Path
	for key, vals := range q {
		v := vals[len(vals)-1]
		var err error
		switch key {
		case "streamid":
			cfg.StreamID = v
		case "passphrase":
			if err = srt.ValidatePassphrase(v); err == nil {
				cfg.Passphrase = v
			}
		case "pbkeylen":
			cfg.KeyLength, err = intOption(key, v)
			if err == nil && cfg.KeyLength != 16 && cfg.KeyLength != 24 && cfg.KeyLength != 32 {
				err = fmt.Errorf("endpoint: pbkeylen must be 16, 24 or 32, got %d", cfg.KeyLength)
			}
		case "latency":
			cfg.Latency, err = msOption(key, v)
		case "conntimeo":
			cfg.ConnectTimeout, err = msOption(key, v)
		case "peeridletimeo":
			cfg.PeerIdleTimeout, err = msOption(key, v)
		case "payloadsize":
			cfg.PayloadSize, err = intOption(key, v)
		case "mtu":
			cfg.MTU, err = intOption(key, v)
		case "solo":
			cfg.SoloPackets, err = strconv.ParseBool(v)
			if err != nil {
				err = fmt.Errorf("endpoint: solo: %w", err)
			}
		case "checkalive":
			cfg.CheckServerAlive, err = strconv.ParseBool(v)
			if err != nil {
				err = fmt.Errorf("endpoint: checkalive: %w", err)
			}
		case "mode":
			if v != "caller" {
				err = fmt.Errorf("endpoint: mode %q not supported, only caller", v)
			}
		case "transtype":
			if v != "live" {
				err = fmt.Errorf("endpoint: transtype %q not supported, only live", v)
			}
		case "fingerprint":
			if e.Scheme != SchemeSRTQUIC {
				err = fmt.Errorf("endpoint: fingerprint only applies to srt+quic")
			}
			e.Fingerprint = v
		default:
			e.Ignored = append(e.Ignored, key)
		}
		if err != nil {
			return err
		}
	}
	if len(cfg.StreamID) > 512 {
		return fmt.Errorf("endpoint: stream id of %d bytes exceeds 512", len(cfg.StreamID))
	}
	e.SRT = cfg
	return nil
}

func (e *Endpoint) parseRTP(q url.Values) error {
	e.RTP = rtp.DefaultConfig()
	e.AudioPort = e.Port + 2
	for key, vals := range q {
		v := vals[len(vals)-1]
		var err error
		switch key {
		case "audioport":
			e.AudioPort, err = intOption(key, v)
		case "pkt_size":
			e.RTP.MTU, err = intOption(key, v)
		default:
			e.Ignored = append(e.Ignored, key)
		}
		if err != nil {
			return err
		}
	}
	if e.AudioPort > 65535 {
		return fmt.Errorf("endpoint: audio port %d out of range", e.AudioPort)
	}
	return nil
}

func intOption(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: %s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func msOption(key, v string) (time.Duration, error) {
	n, err := intOption(key, v)
	return time.Duration(n) * time.Millisecond, err
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// AudioAddr returns host:audioport for rtp URLs.
func (e Endpoint) AudioAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.AudioPort))
}

// IsSRT reports whether the endpoint is carried by the SRT engine.
func (e Endpoint) IsSRT() bool {
	return e.Scheme == SchemeSRT || e.Scheme == SchemeSRTQUIC
}

// Supported returns ErrUnsupportedTransport for schemes with no sender.
func (e Endpoint) Supported() error {
	switch e.Scheme {
	case SchemeSRT, SchemeSRTQUIC, SchemeRTP:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedTransport, e.Scheme)
}

// String returns the URL with the passphrase redacted.
func (e Endpoint) String() string {
	if e.u == nil {
		return ""
	}
	return redact(e.u)
}

// Redact returns raw with its passphrase and password hidden. Strings that
// do not parse as URLs come back as "invalid URL".
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid URL"
	}
	return redact(u)
}

func redact(orig *url.URL) string {
	u := *orig
	q := u.Query()
	if q.Has("passphrase") {
		q.Set("passphrase", "xxxxx")
		u.RawQuery = q.Encode()
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
