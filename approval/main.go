// Package main defines the entry point of the token version approval
// node, a process coordinating multi-validator approval of secondary
// token versions and the execution of the resulting state transitions.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/aurigraph/tokenversion/approval/flags"
	"github.com/aurigraph/tokenversion/approval/node"
	"github.com/aurigraph/tokenversion/shared/cmd"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	cmd.VerbosityFlag,
	cmd.DataDirFlag,
	cmd.EnableTracingFlag,
	cmd.TracingProcessNameFlag,
	cmd.TracingEndpointFlag,
	cmd.TraceSampleFractionFlag,
	cmd.DisableMonitoringFlag,
	cmd.MonitoringHostFlag,
	cmd.LogFormat,
	cmd.ConfigFileFlag,
	cmd.ApprovalConfigFileFlag,
	flags.RPCHost,
	flags.RPCPort,
	flags.HTTPCorsDomains,
	flags.MonitoringPortFlag,
}

func startNode(ctx *cli.Context) error {
	approvalNode, err := node.New(ctx)
	if err != nil {
		return err
	}
	approvalNode.Start()
	return nil
}

func main() {
	app := cli.App{
		Name:   "approval-node",
		Usage:  "this is a consensus driven approval service for secondary token versions",
		Action: startNode,
		Flags:  cmd.WrapFlags(appFlags),
		Before: func(ctx *cli.Context) error {
			if ctx.IsSet(cmd.ConfigFileFlag.Name) {
				if err := altsrc.InitInputSourceWithContext(
					cmd.WrapFlags(appFlags),
					altsrc.NewYamlSourceFromFlagFunc(cmd.ConfigFileFlag.Name),
				)(ctx); err != nil {
					return err
				}
			}

			format := ctx.String(cmd.LogFormat.Name)
			switch format {
			case "text":
				logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			case "json":
				logrus.SetFormatter(&logrus.JSONFormatter{})
			default:
				return fmt.Errorf("unknown log format %s", format)
			}

			level, err := logrus.ParseLevel(ctx.String(cmd.VerbosityFlag.Name))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)

			runtime.GOMAXPROCS(runtime.NumCPU())
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
