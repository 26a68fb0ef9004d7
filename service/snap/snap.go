// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snap manages a workload shipped as a snap, pinned to a revision.
package snap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"
)

const (
	// Command is a path to the snap binary, or to one that can be detected by os.Exec
	Command = "snap"
)

var (
	logger = loggo.GetLogger("zookeeper.service.snap")

	// snapNameRe is derived from https://github.com/snapcore/snapcraft/blob/a2ef08109d86259a0748446f41bce5205d00a922/schema/snapcraft.yaml#L81-106
	// but does not test for "--"
	snapNameRe = regexp.MustCompile("^[a-z0-9][a-z0-9-]{0,39}[^-]$")
)

// CommandRunner runs the snap binary.
type CommandRunner func(executable string, args ...string) (string, error)

// App is a wrapper around a single snap.
type App struct {
	Name     string
	Revision int
	// Daemon is the snap app holding the long running service,
	// e.g. "daemon" for charmed-zookeeper.daemon.
	Daemon string
}

// Validate checks the snap and daemon names.
func (a App) Validate() error {
	if !snapNameRe.MatchString(a.Name) {
		return errors.NotValidf("snap name %q", a.Name)
	}
	if a.Daemon != "" && !snapNameRe.MatchString(a.Daemon) {
		return errors.NotValidf("daemon name %q", a.Daemon)
	}
	if a.Revision < 0 {
		return errors.NotValidf("revision %d", a.Revision)
	}
	return nil
}

// Service manages the daemon of a snap through snapd.
type Service struct {
	app        App
	executable string
	run        CommandRunner
}

// NewService returns a Service for app. A nil runner executes the snap
// binary directly.
func NewService(app App, run CommandRunner) (*Service, error) {
	if err := app.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if run == nil {
		run = utils.RunCommand
	}
	return &Service{
		app:        app,
		executable: Command,
		run:        run,
	}, nil
}

// Name returns the snapd name of the service, e.g. charmed-zookeeper.daemon.
func (s *Service) Name() string {
	if s.app.Daemon == "" {
		return s.app.Name
	}
	return s.app.Name + "." + s.app.Daemon
}

// InstallCommand returns the arguments installing the pinned revision.
func (s *Service) InstallCommand() []string {
	args := []string{"install", s.app.Name}
	if s.app.Revision > 0 {
		args = append(args, fmt.Sprintf("--revision=%d", s.app.Revision))
	}
	return args
}

// Install installs the snap at its pinned revision and holds it there so
// snapd does not refresh the workload under the charm.
func (s *Service) Install() error {
	args := s.InstallCommand()
	logger.Infof("command: %s %s", s.executable, strings.Join(args, " "))
	if out, err := s.run(s.executable, args...); err != nil {
		return errors.Annotatef(err, "output: %v", out)
	}
	return errors.Trace(s.Hold())
}

// Hold stops automatic refreshes of the snap.
func (s *Service) Hold() error {
	out, err := s.run(s.executable, "refresh", "--hold=forever", s.app.Name)
	if err != nil {
		return errors.Annotatef(err, "holding %s: %v", s.app.Name, out)
	}
	return nil
}

// Installed returns true if snapd knows the service.
func (s *Service) Installed() (bool, error) {
	installed, _, _, err := s.status()
	if err != nil {
		return false, errors.Trace(err)
	}
	return installed, nil
}

// Running returns (true, nil) when snap indicates that service is currently active.
func (s *Service) Running() (bool, error) {
	_, _, running, err := s.status()
	if err != nil {
		return false, errors.Trace(err)
	}
	return running, nil
}

// Start starts the service, returning nil when successful.
// If the service is already running, Start does not restart it.
func (s *Service) Start() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		return nil
	}
	return errors.Trace(s.execThenExpect([]string{"start", "--enable", s.Name()}, "Started."))
}

// Stop stops a running service.
func (s *Service) Stop() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return nil
	}
	return errors.Trace(s.execThenExpect([]string{"stop", s.Name()}, "Stopped."))
}

// Restart restarts the service, or starts if it's not currently
// running.
func (s *Service) Restart() error {
	return errors.Trace(s.execThenExpect([]string{"restart", s.Name()}, "Restarted."))
}

// Remove stops the service and uninstalls the snap.
func (s *Service) Remove() error {
	if err := s.Stop(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.execThenExpect([]string{"remove", s.app.Name}, s.app.Name+" removed"))
}

// SetConfig sets a snap's key to value.
func (s *Service) SetConfig(key, value string) error {
	if key == "" {
		return errors.NotValidf("empty key")
	}
	out, err := s.run(s.executable, "set", s.app.Name, fmt.Sprintf("%s=%s", key, value))
	if err != nil {
		return errors.Annotatef(err, "setting snap %s config %s: %v", s.app.Name, key, out)
	}
	return nil
}

// status returns an interpreted output from the `snap services` command.
// For example, this output from `snap services charmed-zookeeper.daemon`
//
//	Service                   Startup  Current  Notes
//	charmed-zookeeper.daemon  enabled  inactive -
//
// returns this output from status
//
//	(true, true, false, nil)
func (s *Service) status() (isInstalled, enabledAtStartup, isCurrentlyActive bool, err error) {
	out, err := s.run(s.executable, "services", s.Name())
	if err != nil {
		if strings.Contains(out, "not installed") || strings.Contains(out, "not found") {
			return false, false, false, nil
		}
		return false, false, false, errors.Annotatef(err, "output: %v", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, s.Name()) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return false, false, false, errors.Errorf("unexpected snap services output %q", line)
		}
		return true, fields[1] == "enabled", fields[2] == "active", nil
	}
	return false, false, false, nil
}

// execThenExpect calls `snap <commandArgs>...` and then checks
// stdout against expectation and snap's exit code. When there's a
// mismatch or non-0 exit code, execThenExpect returns an error.
func (s *Service) execThenExpect(commandArgs []string, expectation string) error {
	out, err := s.run(s.executable, commandArgs...)
	if err != nil {
		return errors.Annotatef(err, "snap %s: %v", strings.Join(commandArgs, " "), out)
	}
	if !strings.Contains(out, expectation) {
		return errors.Errorf(`expected "%s", got "%s"`, expectation, out)
	}
	return nil
}
