/*
Copyright 2024 Bud Studio.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	corev1 "k8s.io/api/core/v1"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/BudEcosystem/scale-to-zero/pkg/autoscaler"
	"github.com/BudEcosystem/scale-to-zero/pkg/config"
	"github.com/BudEcosystem/scale-to-zero/pkg/coordinator"
	"github.com/BudEcosystem/scale-to-zero/pkg/idle"
	"github.com/BudEcosystem/scale-to-zero/pkg/kernelmap"
	"github.com/BudEcosystem/scale-to-zero/pkg/metrics"
	"github.com/BudEcosystem/scale-to-zero/pkg/packetsource"
	"github.com/BudEcosystem/scale-to-zero/pkg/registry"
	"github.com/BudEcosystem/scale-to-zero/pkg/scheduler"
	"github.com/BudEcosystem/scale-to-zero/pkg/types"
	"github.com/BudEcosystem/scale-to-zero/pkg/watcher"
	"github.com/BudEcosystem/scale-to-zero/pkg/workloadapi"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scaler-agent",
		Short: "Cluster-wide scale-to-zero engine",
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	runCmd := newRunCmd()
	root.RunE = runCmd.RunE // run is the default when no subcommand is given
	root.AddCommand(runCmd)
	root.AddCommand(newDiagnoseCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scale-to-zero agent until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
}

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run a one-shot preflight check of configuration and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return diagnose(cmd.Context(), cfg)
		},
	}
}

// runAgent wires components A through K together and blocks until an
// interrupt or terminate signal arrives.
func runAgent(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("resolving kubeconfig: %w", err)
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:  clientgoscheme.Scheme,
		Metrics: metricsserver.Options{BindAddress: cfg.MetricsAddr},
	})
	if err != nil {
		return fmt.Errorf("constructing controller-runtime manager: %w", err)
	}

	reg := registry.New()
	table := kernelmap.NewMapTable()
	bridge := kernelmap.New(table, reg)
	m := metrics.New(ctrlmetrics.Registry)
	bridge.OnDrift(func(corrected int64) { m.KernelMapDriftCorrected.Add(float64(corrected)) })

	api := workloadapi.New(mgr.GetClient())
	autoscalerMgr := autoscaler.New(api)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RateWindow = cfg.ScaleUpRateWindow
	schedCfg.ReadyTimeout = cfg.ScaleUpReadyTimeout
	schedCfg.AutoscalerRecreateDelay = cfg.AutoscalerRecreateDelay
	schedCfg.APICallTimeout = cfg.APICallTimeout
	sched := scheduler.New(reg, api, bridge, autoscalerMgr, m, schedCfg)

	detector := idle.New(reg, sched, nowUnix, m)

	svcReconciler := &watcher.ServiceReconciler{Client: mgr.GetClient(), Registry: reg, Bridge: bridge, AutoscalerMgr: autoscalerMgr}
	if err := svcReconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("registering service reconciler: %w", err)
	}
	depReconciler := &watcher.WorkloadReconciler{Client: mgr.GetClient(), Registry: reg, Bridge: bridge, Kind: types.WorkloadKindDeployment}
	if err := depReconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("registering deployment reconciler: %w", err)
	}
	stsReconciler := &watcher.WorkloadReconciler{Client: mgr.GetClient(), Registry: reg, Bridge: bridge, Kind: types.WorkloadKindStatefulSet}
	if err := stsReconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("registering statefulset reconciler: %w", err)
	}

	go bridge.Run(ctx, cfg.ReconcilerInterval)
	go detector.Run(ctx, time.Second)

	consumer, closeSource, err := buildPacketConsumer(cfg, reg, sched)
	if err != nil {
		klog.ErrorS(err, "packet-event source unavailable, running without live traffic signal", "path", cfg.PacketSourcePath)
	} else {
		defer closeSource()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				klog.ErrorS(err, "packet-event consumer stopped")
			}
		}()
	}

	if cfg.CoordinationEnabled {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.CoordinationEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connecting to coordination store: %w", err)
		}
		defer etcdClient.Close()

		coord := coordinator.New(etcdClient, cfg.NodeID, reg, bridge, cfg.LeaderTTL, cfg.SyncInterval, m)
		go coord.Run(ctx)
	}

	klog.InfoS("scaler-agent started", "node", cfg.NodeID, "coordinationEnabled", cfg.CoordinationEnabled)
	return mgr.Start(ctx)
}

// diagnose performs a one-shot preflight check: configuration already
// parsed successfully by the time this runs, so it validates the cluster
// API and, if enabled, the coordination store are reachable.
func diagnose(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.APICallTimeout)
	defer cancel()

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("resolving kubeconfig: %w", err)
	}
	cl, err := client.New(restConfig, client.Options{Scheme: clientgoscheme.Scheme})
	if err != nil {
		return fmt.Errorf("constructing cluster client: %w", err)
	}
	var namespaces corev1.NamespaceList
	if err := cl.List(ctx, &namespaces); err != nil {
		return fmt.Errorf("listing namespaces to verify cluster connectivity: %w", err)
	}
	fmt.Println("cluster API: reachable")

	if cfg.CoordinationEnabled {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.CoordinationEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connecting to coordination store: %w", err)
		}
		defer etcdClient.Close()
		if _, err := etcdClient.Get(ctx, "/coord/leader"); err != nil {
			return fmt.Errorf("reading coordination store: %w", err)
		}
		fmt.Println("coordination store: reachable")
	}

	if f, err := os.Open(cfg.PacketSourcePath); err != nil {
		fmt.Printf("packet-event source %s: unavailable (%v)\n", cfg.PacketSourcePath, err)
	} else {
		f.Close()
		fmt.Printf("packet-event source %s: reachable\n", cfg.PacketSourcePath)
	}

	return nil
}

func buildPacketConsumer(cfg config.Config, reg *registry.Registry, sched *scheduler.Scheduler) (*packetsource.Consumer, func(), error) {
	f, err := os.Open(cfg.PacketSourcePath)
	if err != nil {
		return nil, nil, err
	}
	source := packetsource.NewReaderSource(f)
	consumer := packetsource.NewConsumer(source, reg, sched, nowUnix)
	return consumer, func() { f.Close() }, nil
}

func nowUnix() int64 { return time.Now().Unix() }
