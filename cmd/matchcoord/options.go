package main

import (
	"fmt"

	"github.com/pongarena/matchcoord/internal/database"
	"github.com/pongarena/matchcoord/internal/gateway"
	"github.com/pongarena/matchcoord/internal/ident"
	"github.com/pongarena/matchcoord/internal/match"
	"github.com/pongarena/matchcoord/internal/notify"
	"github.com/pongarena/matchcoord/internal/tourney"
)

type HTTPSOptions struct {
	Port                 uint16   `toml:"port"`
	AllowedSecureDomains []string `toml:"allowed-secure-domains"`
	CachePath            string   `toml:"cache-path"`
	ExposeInsecure       bool     `toml:"expose-insecure"`
}

type Options struct {
	Host  string        `toml:"host"`
	Port  uint16        `toml:"port"`
	HTTPS *HTTPSOptions `toml:"https"`
	Debug bool          `toml:"debug"`

	DB         database.Options     `toml:"db"`
	Ident      ident.ClientOptions  `toml:"ident"`
	IdentCache ident.CheckerOptions `toml:"ident-cache"`
	Match      match.Options        `toml:"match"`
	Tournament tourney.Options      `toml:"tournament"`
	Notify     notify.Options       `toml:"notify"`
	Gateway    gateway.Options      `toml:"gateway"`
}

func (o *Options) FillDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == 0 {
		o.Port = 8080
	}
	if o.HTTPS != nil && o.HTTPS.Port == 0 {
		o.HTTPS.Port = 8443
	}
	if o.DB.Path == "" {
		o.DB.Path = "matchcoord.db"
	}
	o.Ident.FillDefaults()
	o.IdentCache.FillDefaults()
	o.Match.FillDefaults()
	o.Tournament.FillDefaults()
	o.Notify.FillDefaults()
	o.Gateway.FillDefaults()
}

func (o *Options) AddrWithPort() string {
	return fmt.Sprintf("%v:%v", o.Host, o.Port)
}

func (o *Options) SecureAddrWithPort() string {
	return fmt.Sprintf("%v:%v", o.Host, o.HTTPS.Port)
}
