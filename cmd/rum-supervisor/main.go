// Command rum-supervisor is the per-VM daemon binary: given a VM config
// file and a lifecycle command, it drives the VM to the requested state
// and then serves the daemon RPC contract on a Unix socket until an exit
// condition fires.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/hypervisor"
	"github.com/rumvm/rum/lib/logger"
	"github.com/rumvm/rum/lib/logging"
	"github.com/rumvm/rum/lib/otel"
	"github.com/rumvm/rum/lib/rpcclient"
	"github.com/rumvm/rum/lib/supervisor"
	"github.com/rumvm/rum/lib/vmconfig"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rum-supervisor terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the VM's TOML config file")
	flag.Parse()

	args := flag.Args()
	if *configPath == "" || len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s -config <path> <up|down|destroy|provision>\n", os.Args[0])
		return fmt.Errorf("missing required arguments")
	}

	cmd, err := parseCommand(args[0])
	if err != nil {
		return err
	}

	sys, err := vmconfig.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	p, err := sys.Paths()
	if err != nil {
		return err
	}
	if err := p.EnsureWorkDir(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisorLog := logging.NewSupervisorLog(p)
	defer supervisorLog.Close()

	otelProvider, otelShutdown, err := otel.Init(ctx, loadOtelConfig(sys.DisplayName()))
	if err != nil {
		slog.Warn("otel init failed, continuing without tracing", "error", err)
		otelProvider = &otel.Provider{}
		otelShutdown = func(context.Context) error { return nil }
	}
	defer otelShutdown(context.Background())

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLoggerToWriter(logger.SubsystemSupervisor, logCfg, otelProvider.LogHandler, io.MultiWriter(os.Stdout, supervisorLog))
	ctx = logger.AddToContext(ctx, log)

	hv, err := hypervisor.Connect(ctx, sys.Config.Advanced.LibvirtURI)
	if err != nil {
		return err
	}

	sup := &supervisor.Supervisor{
		Sys:    sys,
		Paths:  p,
		HV:     hv,
		Dialer: rpcclient.Dialer{},
		Cmd:    cmd,
		Plan:   scriptPlan(sys),
	}

	return sup.Run(ctx)
}

func parseCommand(s string) (flow.Command, error) {
	switch s {
	case "up":
		return flow.CmdUp, nil
	case "down":
		return flow.CmdDown, nil
	case "destroy":
		return flow.CmdDestroy, nil
	case "provision":
		return flow.CmdProvision, nil
	default:
		return 0, fmt.Errorf("unknown command %q: want up, down, destroy, or provision", s)
	}
}

func scriptPlan(sys *vmconfig.SystemConfig) flow.ScriptPlan {
	return flow.ScriptPlan{
		HasDriveSetup:   len(sys.Config.Fs) > 0,
		HasSystemScript: sys.Config.Provision.System != nil,
		HasBootScript:   sys.Config.Provision.Boot != nil,
	}
}
