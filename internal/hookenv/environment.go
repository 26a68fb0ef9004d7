// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hookenv

import (
	"os"
	"path"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// Environment is the context Juju passes to a dispatched charm through
// JUJU_* environment variables.
type Environment struct {
	UnitName      string
	AppName       string
	ModelName     string
	CharmDir      string
	DispatchPath  string
	HookName      string
	ActionName    string
	RelationName  string
	RelationID    string
	RemoteUnit    string
	RemoteApp     string
	DepartingUnit string
}

// EnvironmentFromOS reads the environment of the running process.
func EnvironmentFromOS() (Environment, error) {
	return NewEnvironment(os.Getenv)
}

// NewEnvironment builds an Environment using getenv to look variables up.
func NewEnvironment(getenv func(string) string) (Environment, error) {
	env := Environment{
		UnitName:      getenv("JUJU_UNIT_NAME"),
		ModelName:     getenv("JUJU_MODEL_NAME"),
		CharmDir:      getenv("JUJU_CHARM_DIR"),
		DispatchPath:  getenv("JUJU_DISPATCH_PATH"),
		HookName:      getenv("JUJU_HOOK_NAME"),
		ActionName:    getenv("JUJU_ACTION_NAME"),
		RelationName:  getenv("JUJU_RELATION"),
		RelationID:    getenv("JUJU_RELATION_ID"),
		RemoteUnit:    getenv("JUJU_REMOTE_UNIT"),
		RemoteApp:     getenv("JUJU_REMOTE_APP"),
		DepartingUnit: getenv("JUJU_DEPARTING_UNIT"),
	}
	if env.UnitName == "" {
		return Environment{}, errors.NotFoundf("JUJU_UNIT_NAME")
	}
	if !names.IsValidUnit(env.UnitName) {
		return Environment{}, errors.NotValidf("unit name %q", env.UnitName)
	}
	app, err := names.UnitApplication(env.UnitName)
	if err != nil {
		return Environment{}, errors.Trace(err)
	}
	env.AppName = app

	// Older agents only set JUJU_HOOK_NAME or JUJU_ACTION_NAME.
	if env.DispatchPath == "" {
		switch {
		case env.ActionName != "":
			env.DispatchPath = path.Join("actions", env.ActionName)
		case env.HookName != "":
			env.DispatchPath = path.Join("hooks", env.HookName)
		default:
			return Environment{}, errors.NotFoundf("JUJU_DISPATCH_PATH")
		}
	}
	return env, nil
}

// UnitNumber returns the number of the unit, e.g. 2 for zookeeper/2.
func (e Environment) UnitNumber() int {
	return names.NewUnitTag(e.UnitName).Number()
}

// IsAction reports whether the dispatch is an action rather than a hook.
func (e Environment) IsAction() bool {
	return strings.HasPrefix(e.DispatchPath, "actions/")
}

// EventName returns the hook or action name being dispatched,
// e.g. "cluster-relation-changed" or "create-backup".
func (e Environment) EventName() string {
	return path.Base(e.DispatchPath)
}

// RelationEvent splits a relation hook name into endpoint and event,
// e.g. ("zookeeper", "broken") for zookeeper-relation-broken.
func (e Environment) RelationEvent() (endpoint, event string, ok bool) {
	name := e.EventName()
	i := strings.LastIndex(name, "-relation-")
	if i <= 0 || e.IsAction() {
		return "", "", false
	}
	return name[:i], name[i+len("-relation-"):], true
}
