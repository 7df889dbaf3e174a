// Package flags defines command line flags specific to the approval node.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// RPCHost defines the host on which the REST server runs.
	RPCHost = &cli.StringFlag{
		Name:  "rpc-host",
		Usage: "Host on which the REST server listens",
		Value: "127.0.0.1",
	}
	// RPCPort defines the port on which the REST server runs.
	RPCPort = &cli.IntFlag{
		Name:  "rpc-port",
		Usage: "Port on which the REST server listens",
		Value: 8080,
	}
	// HTTPCorsDomains serves preflight requests when the REST server is
	// queried from a browser.
	HTTPCorsDomains = &cli.StringSliceFlag{
		Name:  "http-cors-domains",
		Usage: "Comma separated list of domains from which to accept cross origin requests",
		Value: cli.NewStringSlice("*"),
	}
	// MonitoringPortFlag defines the port used by the prometheus service.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used by the monitoring service",
		Value: 8081,
	}
)
