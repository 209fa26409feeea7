package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Nostr struct {
	// Timeout of the websocket dial, including the upgrade
	DialTimeout time.Duration

	// Capacity of the per-session incoming event queue
	ReceiveQueueSize int

	// Upper bound of a single websocket frame accepted from a relay
	MaxFrameSize int64

	// socks5://host:port of a Tor proxy. Empty disables the tor network class.
	SocksProxyUrl string

	// Timeout of the NIP-11 info document request
	InfoRequestTimeout time.Duration

	// Hex-encoded secret key used to sign write-probe events
	ProbeSecretKey string
}

func setNostrDefaults() {
	viper.SetDefault("Nostr.DialTimeout", "15s")
	viper.SetDefault("Nostr.ReceiveQueueSize", "64")
	viper.SetDefault("Nostr.MaxFrameSize", "524288")
	viper.SetDefault("Nostr.SocksProxyUrl", "")
	viper.SetDefault("Nostr.InfoRequestTimeout", "15s")
	viper.SetDefault("Nostr.ProbeSecretKey", "")
}

func (self *Nostr) Validate() error {
	if self.DialTimeout <= 0 {
		return errors.New("nostr dial timeout must be positive")
	}
	if self.ReceiveQueueSize <= 0 {
		return errors.New("nostr receive queue size must be positive")
	}
	if self.MaxFrameSize <= 0 {
		return errors.New("nostr max frame size must be positive")
	}
	return nil
}
