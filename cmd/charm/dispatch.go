// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/charm"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
	"github.com/canonical/zookeeper-operator/internal/workload"
	"github.com/canonical/zookeeper-operator/service/snap"
)

var logger = loggo.GetLogger("zookeeper.cmd")

const dispatchDoc = `
Runs the hook or action Juju dispatched to this unit. The event is read
from the JUJU_* environment the unit agent sets, hook tools are invoked
from the agent's PATH and log records are sent to juju-log.
`

type dispatchCommand struct {
	cmd.CommandBase

	root  string
	debug bool

	getenv      func(string) string
	runner      hookenv.Runner
	newWorkload func(root string) (charm.Workload, error)
}

func newDispatchCommand() *dispatchCommand {
	return &dispatchCommand{
		getenv:      os.Getenv,
		runner:      hookenv.NewRunner(),
		newWorkload: newSnapWorkload,
	}
}

// Info implements cmd.Command.
func (c *dispatchCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "charm",
		Purpose: "run a dispatched hook or action",
		Doc:     dispatchDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *dispatchCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.root, "root", "/", "filesystem root the workload lives under")
	f.BoolVar(&c.debug, "debug", false, "log charm activity at debug level")
}

// Init implements cmd.Command.
func (c *dispatchCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *dispatchCommand) Run(ctx *cmd.Context) error {
	env, err := hookenv.NewEnvironment(c.getenv)
	if err != nil {
		return errors.Annotate(err, "reading dispatch environment")
	}
	tools := hookenv.NewTools(c.runner)
	if err := hookenv.RegisterLogWriter(tools); err != nil {
		return errors.Trace(err)
	}
	level := loggo.INFO
	if c.debug {
		level = loggo.DEBUG
	}
	loggo.GetLogger("zookeeper").SetLogLevel(level)

	w, err := c.newWorkload(c.root)
	if err != nil {
		return errors.Trace(err)
	}
	ch, err := charm.New(charm.Config{
		Env:      env,
		Context:  tools,
		Workload: w,
	})
	if err != nil {
		return errors.Trace(err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Debugf("%s on %s", env.EventName(), env.UnitName)
	return errors.Annotatef(ch.Dispatch(runCtx), "running %s", env.EventName())
}

func newSnapWorkload(root string) (charm.Workload, error) {
	svc, err := snap.NewService(snap.App{
		Name:     literals.SnapName,
		Revision: literals.CharmedZooKeeperSnapRevision,
		Daemon:   literals.SnapDaemon,
	}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := workload.New(workload.Config{Root: root, Service: svc})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}
