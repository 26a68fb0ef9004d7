// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

//go:build integration

// Package integration drives a deployed zookeeper application through the
// juju CLI and checks the ensemble it manages.
package integration

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/config"
)

var logger = loggo.GetLogger("zookeeper.integration")

// Juju runs juju CLI commands against one model.
type Juju struct {
	Model string
	Run   func(command string, args ...string) (string, error)
	Clock clock.Clock
}

// NewJuju returns a Juju bound to model.
func NewJuju(model string) *Juju {
	return &Juju{Model: model, Run: utils.RunCommand, Clock: clock.WallClock}
}

func (j *Juju) juju(args ...string) (string, error) {
	full := append([]string{args[0], "-m", j.Model}, args[1:]...)
	logger.Debugf("juju %s", strings.Join(full, " "))
	out, err := j.Run("juju", full...)
	if err != nil {
		return out, errors.Annotatef(err, "juju %s: %s", args[0], strings.TrimSpace(out))
	}
	return out, nil
}

func (j *Juju) yaml(out interface{}, args ...string) error {
	data, err := j.juju(append(args, "--format=yaml")...)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(yaml.Unmarshal([]byte(data), out), "decoding juju %s", args[0])
}

// AddModel creates the model without switching to it.
func (j *Juju) AddModel() error {
	_, err := j.Run("juju", "add-model", j.Model, "--no-switch")
	return errors.Annotatef(err, "adding model %s", j.Model)
}

// DestroyModel tears the model down along with its storage.
func (j *Juju) DestroyModel() error {
	_, err := j.Run("juju", "destroy-model", j.Model, "--no-prompt", "--destroy-storage", "--force")
	return errors.Annotatef(err, "destroying model %s", j.Model)
}

// Deploy deploys a charm under name.
func (j *Juju) Deploy(charm, name string, units int) error {
	_, err := j.juju("deploy", charm, name, "-n", fmt.Sprint(units))
	return errors.Trace(err)
}

// Relate integrates two applications.
func (j *Juju) Relate(a, b string) error {
	_, err := j.juju("integrate", a, b)
	return errors.Trace(err)
}

// AddUnit adds units to an application.
func (j *Juju) AddUnit(app string, units int) error {
	_, err := j.juju("add-unit", app, "-n", fmt.Sprint(units))
	return errors.Trace(err)
}

// RemoveApplication removes an application and waits for it to go.
func (j *Juju) RemoveApplication(app string) error {
	if _, err := j.juju("remove-application", app, "--no-prompt", "--force"); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(j.wait(func(s *Status) error {
		if _, ok := s.Applications[app]; ok {
			return errors.Errorf("%s still present", app)
		}
		return nil
	}))
}

// UnitStatus is the part of a unit's status the tests look at.
type UnitStatus struct {
	Workload struct {
		Current string `yaml:"current"`
		Message string `yaml:"message"`
	} `yaml:"workload-status"`
	Agent struct {
		Current string `yaml:"current"`
	} `yaml:"juju-status"`
	Leader  bool   `yaml:"leader"`
	Address string `yaml:"public-address"`
}

// Status is the model status.
type Status struct {
	Applications map[string]struct {
		Units map[string]UnitStatus `yaml:"units"`
	} `yaml:"applications"`
}

// Status reads the model status.
func (j *Juju) Status() (*Status, error) {
	var s Status
	if err := j.yaml(&s, "status"); err != nil {
		return nil, errors.Trace(err)
	}
	return &s, nil
}

// Units returns the unit statuses of app.
func (j *Juju) Units(app string) (map[string]UnitStatus, error) {
	s, err := j.Status()
	if err != nil {
		return nil, errors.Trace(err)
	}
	a, ok := s.Applications[app]
	if !ok {
		return nil, errors.NotFoundf("application %s", app)
	}
	return a.Units, nil
}

// WaitActive waits until every unit of apps is active and idle, with at
// least units units for each of them.
func (j *Juju) WaitActive(units int, apps ...string) error {
	return errors.Trace(j.wait(func(s *Status) error {
		for _, app := range apps {
			a, ok := s.Applications[app]
			if !ok {
				return errors.NotFoundf("application %s", app)
			}
			if len(a.Units) < units {
				return errors.Errorf("%s has %d of %d units", app, len(a.Units), units)
			}
			for name, u := range a.Units {
				if u.Workload.Current != "active" || u.Agent.Current != "idle" {
					return errors.Errorf("%s is %s/%s: %s", name,
						u.Workload.Current, u.Agent.Current, u.Workload.Message)
				}
			}
		}
		return nil
	}))
}

func (j *Juju) wait(check func(*Status) error) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			s, err := j.Status()
			if err != nil {
				return errors.Trace(err)
			}
			return check(s)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt%10 == 0 {
				logger.Infof("waiting: %v", err)
			}
		},
		Attempts:    -1,
		Delay:       10 * time.Second,
		MaxDuration: 30 * time.Minute,
		Clock:       j.Clock,
	})
}

// Exec runs a command on a unit.
func (j *Juju) Exec(unit string, command ...string) (string, error) {
	args := append([]string{"exec", "--unit", unit, "--"}, command...)
	out, err := j.juju(args...)
	return out, errors.Trace(err)
}

// RunAction runs an action on a unit and returns its results.
func (j *Juju) RunAction(unit, action string) (map[string]string, error) {
	var out map[string]struct {
		Status  string            `yaml:"status"`
		Results map[string]string `yaml:"results"`
	}
	if err := j.yaml(&out, "run", unit, action); err != nil {
		return nil, errors.Trace(err)
	}
	for _, result := range out {
		if result.Status != "completed" {
			return nil, errors.Errorf("%s on %s %s", action, unit, result.Status)
		}
		return result.Results, nil
	}
	return nil, errors.NotFoundf("%s results on %s", action, unit)
}

// JAASUsers returns the server users in a unit's JAAS config.
func (j *Juju) JAASUsers(unit string) ([]string, error) {
	out, err := j.Exec(unit, "cat", path.Join(literals.Paths[literals.PathConf], config.JAASFile))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return config.ParseJAASUsers(out), nil
}

// RelationData returns the application data app publishes to unit over
// endpoint.
func (j *Juju) RelationData(unit, endpoint string) (map[string]string, error) {
	var out map[string]struct {
		RelationInfo []struct {
			Endpoint        string            `yaml:"endpoint"`
			ApplicationData map[string]string `yaml:"application-data"`
		} `yaml:"relation-info"`
	}
	if err := j.yaml(&out, "show-unit", unit); err != nil {
		return nil, errors.Trace(err)
	}
	for _, info := range out[unit].RelationInfo {
		if info.Endpoint == endpoint {
			return info.ApplicationData, nil
		}
	}
	return nil, errors.NotFoundf("%s relation on %s", endpoint, unit)
}
