// Package node launches the approval node and manages the lifecycle of
// all its associated services at runtime: approvals, execution, webhooks,
// REST, and monitoring, gracefully closing them if the process ends.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/aurigraph/tokenversion/approval/approvals"
	"github.com/aurigraph/tokenversion/approval/db"
	"github.com/aurigraph/tokenversion/approval/execution"
	"github.com/aurigraph/tokenversion/approval/flags"
	"github.com/aurigraph/tokenversion/approval/registry"
	"github.com/aurigraph/tokenversion/approval/rpc"
	"github.com/aurigraph/tokenversion/approval/webhook"
	"github.com/aurigraph/tokenversion/shared"
	"github.com/aurigraph/tokenversion/shared/cmd"
	"github.com/aurigraph/tokenversion/shared/event"
	"github.com/aurigraph/tokenversion/shared/params"
	"github.com/aurigraph/tokenversion/shared/prometheus"
	"github.com/aurigraph/tokenversion/shared/tracing"
)

var log = logrus.WithField("prefix", "node")

// approvalDBDirName is the directory under the datadir holding the bolt
// data file.
const approvalDBDirName = "approvaldb"

// ApprovalNode handles the lifecycle of the entire system and registers
// services to a service registry.
type ApprovalNode struct {
	cliCtx        *cli.Context
	ctx           context.Context
	cancel        context.CancelFunc
	services      *shared.ServiceRegistry
	lock          sync.RWMutex
	stop          chan struct{} // Channel to wait for termination notifications.
	db            *db.Store
	registry      *registry.Registry
	operationFeed *event.Feed
	manager       *execution.TransitionManager
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*ApprovalNode, error) {
	processName := cliCtx.String(cmd.TracingProcessNameFlag.Name)
	if processName == "" {
		processName = "approval-node"
	}
	if err := tracing.Setup(
		processName,
		cliCtx.String(cmd.TracingEndpointFlag.Name),
		cliCtx.Float64(cmd.TraceSampleFractionFlag.Name),
		cliCtx.Bool(cmd.EnableTracingFlag.Name),
	); err != nil {
		return nil, err
	}

	if cliCtx.IsSet(cmd.ApprovalConfigFileFlag.Name) {
		if err := params.LoadConfigFile(cliCtx.String(cmd.ApprovalConfigFileFlag.Name)); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &ApprovalNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: shared.NewServiceRegistry(),
		stop:     make(chan struct{}),
		registry: registry.New(),
	}

	if err := node.startDB(cliCtx); err != nil {
		return nil, err
	}
	node.manager = execution.NewTransitionManager(node.db)

	if err := node.registerApprovalService(); err != nil {
		return nil, err
	}
	if err := node.registerExecutionService(); err != nil {
		return nil, err
	}
	if err := node.registerWebhookService(); err != nil {
		return nil, err
	}
	if err := node.registerRPCService(cliCtx); err != nil {
		return nil, err
	}
	if !cliCtx.Bool(cmd.DisableMonitoringFlag.Name) {
		if err := node.registerPrometheusService(cliCtx); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// OperationFeed carries approval lifecycle events between the node's
// services.
func (n *ApprovalNode) OperationFeed() *event.Feed {
	return n.operationFeed
}

// Start the ApprovalNode and kicks off every registered service.
func (n *ApprovalNode) Start() {
	n.lock.Lock()

	log.Info("Starting approval node")
	n.services.StartAll()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the approval node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *ApprovalNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping approval node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
	n.cancel()
	close(n.stop)
}

func (n *ApprovalNode) startDB(cliCtx *cli.Context) error {
	baseDir := cliCtx.String(cmd.DataDirFlag.Name)
	dbPath := filepath.Join(baseDir, approvalDBDirName)
	log.WithField("path", dbPath).Info("Checking DB")
	store, err := db.NewStore(dbPath)
	if err != nil {
		return err
	}
	n.db = store
	return nil
}

func (n *ApprovalNode) registerApprovalService() error {
	svc := approvals.NewService(n.ctx, &approvals.Config{
		Database: n.db,
		Registry: n.registry,
	})
	n.operationFeed = svc.OperationFeed()
	return n.services.RegisterService(svc)
}

func (n *ApprovalNode) registerExecutionService() error {
	svc := execution.NewService(n.ctx, &execution.Config{
		Database:      n.db,
		Registry:      n.registry,
		Manager:       n.manager,
		OperationFeed: n.operationFeed,
	})
	return n.services.RegisterService(svc)
}

func (n *ApprovalNode) registerWebhookService() error {
	svc := webhook.NewService(n.ctx, &webhook.Config{
		Database:      n.db,
		OperationFeed: n.operationFeed,
	})
	return n.services.RegisterService(svc)
}

func (n *ApprovalNode) registerRPCService(cliCtx *cli.Context) error {
	var approvalService *approvals.Service
	if err := n.services.FetchService(&approvalService); err != nil {
		return err
	}
	var executionService *execution.Service
	if err := n.services.FetchService(&executionService); err != nil {
		return err
	}
	var webhookService *webhook.Service
	if err := n.services.FetchService(&webhookService); err != nil {
		return err
	}
	svc := rpc.NewService(n.ctx, &rpc.Config{
		Host:           cliCtx.String(flags.RPCHost.Name),
		Port:           strconv.Itoa(cliCtx.Int(flags.RPCPort.Name)),
		AllowedOrigins: cliCtx.StringSlice(flags.HTTPCorsDomains.Name),
		Database:       n.db,
		Approvals:      approvalService,
		Execution:      executionService,
		Manager:        n.manager,
		Webhooks:       webhookService,
	})
	return n.services.RegisterService(svc)
}

func (n *ApprovalNode) registerPrometheusService(cliCtx *cli.Context) error {
	svc := prometheus.NewPrometheusService(
		fmt.Sprintf("%s:%d", cliCtx.String(cmd.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name)),
		n.services,
	)
	hook := prometheus.NewLogrusCollector()
	logrus.AddHook(hook)
	return n.services.RegisterService(svc)
}
