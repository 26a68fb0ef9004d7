// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrade decides whether the ensemble may be refreshed to a new
// charm revision.
package upgrade

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
)

// Compatible reports whether current satisfies a caret constraint such as
// "^3.5": the same major version, no older than the constraint.
func Compatible(current, constraint string) (bool, error) {
	cur, err := parseVersion(current)
	if err != nil {
		return false, errors.Annotatef(err, "current version")
	}
	base, ok := strings.CutPrefix(strings.TrimSpace(constraint), "^")
	if !ok {
		return false, errors.NotSupportedf("version constraint %q", constraint)
	}
	min, err := parseVersion(base)
	if err != nil {
		return false, errors.Annotatef(err, "version constraint")
	}
	return cur.Major == min.Major && cur.Compare(min) >= 0, nil
}

// parseVersion accepts "X.Y" as well as "X.Y.Z".
func parseVersion(s string) (version.Number, error) {
	if strings.Count(s, ".") == 1 {
		s += ".0"
	}
	n, err := version.Parse(s)
	if err != nil {
		return version.Number{}, errors.NotValidf("version %q", s)
	}
	return n, nil
}

// State is what the checks look at.
type State struct {
	// Stable is the cluster stability status, status.Active when stable.
	Stable status.Status
	// Unhealthy lists units whose server does not answer ruok.
	Unhealthy []string
	// Version is the running ZooKeeper version.
	Version string
}

// Blocker is a reason the upgrade cannot proceed.
type Blocker struct {
	reason string
}

// NewBlocker returns a Blocker.
func NewBlocker(format string, a ...interface{}) *Blocker {
	return &Blocker{reason: fmt.Sprintf(format, a...)}
}

// String implements fmt.Stringer.
func (b Blocker) String() string {
	return b.reason
}

// Validator checks one precondition.
type Validator func(State) (*Blocker, error)

// Validators returns the checks run before an upgrade.
func Validators() []Validator {
	return []Validator{
		checkStable,
		checkHealthy,
		checkVersion,
	}
}

func checkStable(s State) (*Blocker, error) {
	if s.Stable != status.Active {
		return NewBlocker("cluster is not stable: %s", s.Stable.Level().Message), nil
	}
	return nil, nil
}

func checkHealthy(s State) (*Blocker, error) {
	if len(s.Unhealthy) > 0 {
		return NewBlocker("units not serving requests: %s", strings.Join(s.Unhealthy, ", ")), nil
	}
	return nil, nil
}

func checkVersion(s State) (*Blocker, error) {
	supported := literals.Dependencies["service"].UpgradeSupported
	ok, err := Compatible(s.Version, supported)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return NewBlocker("running version %s cannot be upgraded, %s required", s.Version, supported), nil
	}
	return nil, nil
}

// PreUpgradeCheck runs every validator and reports all blockers at once.
func PreUpgradeCheck(s State, validators ...Validator) error {
	if len(validators) == 0 {
		validators = Validators()
	}
	var blockers []string
	for _, v := range validators {
		blocker, err := v(s)
		if err != nil {
			return errors.Trace(err)
		}
		if blocker != nil {
			blockers = append(blockers, "- "+blocker.String())
		}
	}
	if len(blockers) > 0 {
		return errors.Errorf("cannot upgrade:\n%s", strings.Join(blockers, "\n"))
	}
	return nil
}
