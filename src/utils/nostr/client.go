package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nostr-archive/archiver/src/utils/build_info"
	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/logger"

	"github.com/go-resty/resty/v2"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const closeGrace = 2 * time.Second

// Network classes a connection can be opened on
const (
	NetworkClear = "clear"
	NetworkTor   = "tor"
)

var ErrTorUnavailable = errors.New("tor network class requested but no socks proxy configured")

// Info is the relay's self-reported capability document (NIP-11)
type Info struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Pubkey        string  `json:"pubkey"`
	Contact       string  `json:"contact"`
	SupportedNips []int64 `json:"supported_nips"`
	Software      string  `json:"software"`
	Version       string  `json:"version"`
}

// ProbeResult is a measured connectivity round trip set, nil fields
// mean the step wasn't measured
type ProbeResult struct {
	RttOpenMs  *int64
	RttReadMs  *int64
	RttWriteMs *int64
}

// Client talks the wire protocol to relays: streaming subscriptions,
// NIP-11 document fetches and connectivity probes. Transport is chosen
// per network class, onion endpoints go through the socks proxy.
type Client struct {
	config *config.Config
	log    *logrus.Entry

	clearHttp *http.Client
	torHttp   *http.Client

	clearRest *resty.Client
	torRest   *resty.Client
}

func NewClient(config *config.Config) (self *Client, err error) {
	self = new(Client)
	self.config = config
	self.log = logger.NewSublogger("nostr-client")

	self.clearHttp = &http.Client{Timeout: 0}
	self.clearRest = newRest(self.clearHttp, config.Nostr.InfoRequestTimeout)

	if config.Nostr.SocksProxyUrl != "" {
		var torTransport http.RoundTripper
		torTransport, err = newSocksTransport(config.Nostr.SocksProxyUrl)
		if err != nil {
			return
		}
		self.torHttp = &http.Client{Transport: torTransport}
		self.torRest = newRest(self.torHttp, config.Nostr.InfoRequestTimeout)
	}

	return
}

func newRest(httpClient *http.Client, timeout time.Duration) *resty.Client {
	return resty.NewWithClient(httpClient).
		SetTimeout(timeout).
		SetHeader("User-Agent", "nostr-archive/"+build_info.Version).
		SetHeader("Accept", "application/nostr+json")
}

func newSocksTransport(proxyUrl string) (transport http.RoundTripper, err error) {
	parsed, err := url.Parse(proxyUrl)
	if err != nil {
		return
	}

	var auth *proxy.Auth
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
	if err != nil {
		return
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer doesn't support contexts")
	}

	return &http.Transport{
		DialContext:       contextDialer.DialContext,
		DisableKeepAlives: true,
	}, nil
}

func (self *Client) httpClientFor(network string) (*http.Client, error) {
	if network == NetworkTor {
		if self.torHttp == nil {
			return nil, ErrTorUnavailable
		}
		return self.torHttp, nil
	}
	return self.clearHttp, nil
}

func (self *Client) restFor(network string) (*resty.Client, error) {
	if network == NetworkTor {
		if self.torRest == nil {
			return nil, ErrTorUnavailable
		}
		return self.torRest, nil
	}
	return self.clearRest, nil
}

func (self *Client) dial(ctx context.Context, relayUrl, network string) (conn *websocket.Conn, err error) {
	httpClient, err := self.httpClientFor(network)
	if err != nil {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, self.config.Nostr.DialTimeout)
	defer cancel()

	conn, _, err = websocket.Dial(dialCtx, relayUrl, &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	if err != nil {
		return
	}

	conn.SetReadLimit(self.config.Nostr.MaxFrameSize)
	return
}

// OpenStream subscribes to the relay with the given filter and returns
// the event stream. The stream lives until ctx is cancelled, Close is
// called or the relay terminates it.
func (self *Client) OpenStream(ctx context.Context, relayUrl, network string, filter *Filter) (out Stream, err error) {
	conn, err := self.dial(ctx, relayUrl, network)
	if err != nil {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)

	subId := xid.New().String()
	err = wsjson.Write(streamCtx, conn, []interface{}{"REQ", subId, filter})
	if err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	s := &stream{
		conn:   conn,
		subId:  subId,
		log:    self.log.WithField("relay", relayUrl),
		events: make(chan *Event, self.config.Nostr.ReceiveQueueSize),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go s.run(streamCtx)

	return s, nil
}

// FetchInfo downloads the relay's NIP-11 information document
func (self *Client) FetchInfo(ctx context.Context, relayUrl, network string) (info *Info, raw []byte, err error) {
	rest, err := self.restFor(network)
	if err != nil {
		return
	}

	resp, err := rest.R().
		SetContext(ctx).
		Get(toHttpUrl(relayUrl))
	if err != nil {
		return
	}
	if resp.IsError() {
		err = fmt.Errorf("info document request failed: %s", resp.Status())
		return
	}

	raw = resp.Body()
	info = new(Info)
	err = json.Unmarshal(raw, info)
	if err != nil {
		info = nil
		return
	}
	return
}

// Probe measures open/read and optionally write round trips
func (self *Client) Probe(ctx context.Context, relayUrl, network string) (result *ProbeResult, err error) {
	result = new(ProbeResult)

	probeCtx, cancel := context.WithTimeout(ctx, self.config.Prober.RequestTimeout)
	defer cancel()

	started := time.Now()
	conn, err := self.dial(probeCtx, relayUrl, network)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	result.RttOpenMs = millisSince(started)

	// Read round trip: ask for a single stored event
	subId := xid.New().String()
	limit := 1
	started = time.Now()
	err = wsjson.Write(probeCtx, conn, []interface{}{"REQ", subId, &Filter{Limit: limit}})
	if err != nil {
		return result, err
	}

	err = self.awaitFrame(probeCtx, conn, func(label string, frame []json.RawMessage) bool {
		return label == "EVENT" || label == "EOSE"
	})
	if err != nil {
		return result, err
	}
	result.RttReadMs = millisSince(started)
	_ = wsjson.Write(probeCtx, conn, []interface{}{"CLOSE", subId})

	if !self.config.Prober.WriteProbe || self.config.Nostr.ProbeSecretKey == "" {
		return result, nil
	}

	// Write round trip: publish an ephemeral event and wait for the OK
	event := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      self.config.Prober.WriteProbeKind,
		Tags:      [][]string{},
		Content:   "connectivity probe",
	}
	err = event.Sign(self.config.Nostr.ProbeSecretKey)
	if err != nil {
		return result, err
	}

	started = time.Now()
	err = wsjson.Write(probeCtx, conn, []interface{}{"EVENT", event})
	if err != nil {
		return result, err
	}

	err = self.awaitFrame(probeCtx, conn, func(label string, frame []json.RawMessage) bool {
		return label == "OK"
	})
	if err != nil {
		return result, err
	}
	result.RttWriteMs = millisSince(started)

	return result, nil
}

func (self *Client) awaitFrame(ctx context.Context, conn *websocket.Conn, accept func(label string, frame []json.RawMessage) bool) (err error) {
	for {
		var frame []json.RawMessage
		err = wsjson.Read(ctx, conn, &frame)
		if err != nil {
			return
		}
		if len(frame) == 0 {
			continue
		}
		var label string
		if json.Unmarshal(frame[0], &label) != nil {
			continue
		}
		if accept(label, frame) {
			return nil
		}
	}
}

func millisSince(started time.Time) *int64 {
	ms := time.Since(started).Milliseconds()
	return &ms
}

// toHttpUrl rewrites a websocket endpoint to the http endpoint serving
// the info document
func toHttpUrl(relayUrl string) string {
	switch {
	case strings.HasPrefix(relayUrl, "wss://"):
		return "https://" + strings.TrimPrefix(relayUrl, "wss://")
	case strings.HasPrefix(relayUrl, "ws://"):
		return "http://" + strings.TrimPrefix(relayUrl, "ws://")
	default:
		return relayUrl
	}
}
