package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/pflag"

	"github.com/1ureka/rtunnel/internal/util"
)

// commonFlags are shared by every subcommand.
type commonFlags struct {
	config string
	debug  bool
}

func (f *commonFlags) bind(fs *pflag.FlagSet, defaultConfig string) {
	fs.StringVarP(&f.config, "config", "c", defaultConfig, "path to the JSON or YAML config file")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
}

// apply enables debug logging, the stats reporter and the metrics endpoint.
func (f *commonFlags) apply(ctx context.Context, debugConfigured bool, metricsAddr string) {
	if f.debug || debugConfigured {
		util.EnableDebug()
	}
	util.StartStatsReporter(ctx)
	if metricsAddr != "" {
		startMetrics(ctx, metricsAddr)
	}
}

// normalizeRelayURL accepts a bare host[:port] or a ws/wss/http/https URL and
// returns a WebSocket URL. The path defaults to /control.
func normalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme: %s", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/control"
	}
	return u.String(), nil
}
