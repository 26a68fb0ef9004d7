// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hookenv

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/canonical/zookeeper-operator/core/status"
)

// Runner executes a hook tool and returns its combined output.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

type commandRunner struct{}

// Run implements Runner.
func (commandRunner) Run(name string, args ...string) (string, error) {
	return utils.RunCommand(name, args...)
}

// NewRunner returns a Runner that executes hook tools found on PATH.
func NewRunner() Runner {
	return commandRunner{}
}

// SecretOwner is who owns a secret created by the charm.
type SecretOwner string

const (
	OwnerApplication SecretOwner = "application"
	OwnerUnit        SecretOwner = "unit"
)

// Context is the hook tool surface the charm consumes.
type Context interface {
	IsLeader() (bool, error)
	StatusSet(kind status.Kind, message string, application bool) error
	ApplicationVersionSet(version string) error
	Log(level loggo.Level, message string) error
	ConfigGet() (map[string]interface{}, error)
	RelationIDs(endpoint string) ([]string, error)
	RelationList(relationID string) ([]string, error)
	RelationRemoteApp(relationID string) (string, error)
	RelationGet(relationID, member string, app bool) (map[string]string, error)
	RelationSet(relationID string, app bool, values map[string]string) error
	GoalStateUnits() ([]string, error)
	IngressAddress(endpoint string) (string, error)
	OpenPort(port int, protocol string) error
	SecretGet(label string) (map[string]string, error)
	SecretAdd(label string, owner SecretOwner, content map[string]string) (string, error)
	SecretSet(label string, content map[string]string) error
	SecretRemove(label string) error
	ActionGet() (map[string]interface{}, error)
	ActionSet(values map[string]string) error
	ActionFail(message string) error
}

// Tools implements Context by executing hook tools.
type Tools struct {
	runner Runner
}

var _ Context = (*Tools)(nil)

// NewTools returns Tools running commands through runner.
func NewTools(runner Runner) *Tools {
	return &Tools{runner: runner}
}

func (t *Tools) run(name string, args ...string) (string, error) {
	out, err := t.runner.Run(name, args...)
	if err == nil {
		return out, nil
	}
	if isNotFound(out) || isNotFound(err.Error()) {
		return "", errors.NewNotFound(err, fmt.Sprintf("%s %s", name, strings.Join(args, " ")))
	}
	if msg := strings.TrimSpace(out); msg != "" {
		return "", errors.Annotatef(err, "running %s: %s", name, msg)
	}
	return "", errors.Annotatef(err, "running %s", name)
}

func isNotFound(s string) bool {
	return strings.Contains(s, "not found")
}

func (t *Tools) runYAML(out interface{}, name string, args ...string) error {
	args = append(args, "--format=yaml")
	raw, err := t.run(name, args...)
	if err != nil {
		return errors.Trace(err)
	}
	if err := yaml.Unmarshal([]byte(raw), out); err != nil {
		return errors.Annotatef(err, "parsing %s output", name)
	}
	return nil
}

// IsLeader implements Context.
func (t *Tools) IsLeader() (bool, error) {
	var leader bool
	if err := t.runYAML(&leader, "is-leader"); err != nil {
		return false, errors.Annotate(err, "leadership status unknown")
	}
	return leader, nil
}

// StatusSet implements Context.
func (t *Tools) StatusSet(kind status.Kind, message string, application bool) error {
	if !status.ValidKind(kind) {
		return errors.NotValidf("status %q", kind)
	}
	var args []string
	if application {
		args = append(args, "--application")
	}
	args = append(args, kind.String(), message)
	_, err := t.run("status-set", args...)
	return errors.Trace(err)
}

// ApplicationVersionSet implements Context.
func (t *Tools) ApplicationVersionSet(version string) error {
	_, err := t.run("application-version-set", version)
	return errors.Trace(err)
}

// Log implements Context.
func (t *Tools) Log(level loggo.Level, message string) error {
	_, err := t.run("juju-log", "-l", level.String(), message)
	return errors.Trace(err)
}

// ConfigGet implements Context.
func (t *Tools) ConfigGet() (map[string]interface{}, error) {
	config := make(map[string]interface{})
	if err := t.runYAML(&config, "config-get", "--all"); err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

// RelationIDs implements Context.
func (t *Tools) RelationIDs(endpoint string) ([]string, error) {
	var ids []string
	if err := t.runYAML(&ids, "relation-ids", endpoint); err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(ids)
	return ids, nil
}

// RelationList implements Context.
func (t *Tools) RelationList(relationID string) ([]string, error) {
	var units []string
	if err := t.runYAML(&units, "relation-list", "-r", relationID); err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(units)
	return units, nil
}

// RelationRemoteApp implements Context.
func (t *Tools) RelationRemoteApp(relationID string) (string, error) {
	var app string
	if err := t.runYAML(&app, "relation-list", "-r", relationID, "--app"); err != nil {
		return "", errors.Trace(err)
	}
	if app == "" {
		return "", errors.NotFoundf("remote application of %s", relationID)
	}
	return app, nil
}

// RelationGet implements Context. member is a unit name, or an application
// name when app is true.
func (t *Tools) RelationGet(relationID, member string, app bool) (map[string]string, error) {
	args := []string{"-r", relationID}
	if app {
		args = append(args, "--app")
	}
	args = append(args, "-", member)
	data := make(map[string]string)
	if err := t.runYAML(&data, "relation-get", args...); err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// RelationSet implements Context. Empty values delete their key.
func (t *Tools) RelationSet(relationID string, app bool, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return withContentFile(values, func(path string) error {
		args := []string{"-r", relationID}
		if app {
			args = append(args, "--app")
		}
		_, err := t.run("relation-set", append(args, "--file", path)...)
		return errors.Trace(err)
	})
}

type goalState struct {
	Units map[string]interface{} `yaml:"units"`
}

// GoalStateUnits implements Context. It returns every unit of the
// application the model expects to exist, including ones not yet started.
func (t *Tools) GoalStateUnits() ([]string, error) {
	var goal goalState
	if err := t.runYAML(&goal, "goal-state"); err != nil {
		return nil, errors.Trace(err)
	}
	units := make([]string, 0, len(goal.Units))
	for name := range goal.Units {
		units = append(units, name)
	}
	sort.Strings(units)
	return units, nil
}

// IngressAddress implements Context.
func (t *Tools) IngressAddress(endpoint string) (string, error) {
	var address interface{}
	if err := t.runYAML(&address, "network-get", endpoint, "--ingress-address"); err != nil {
		return "", errors.Trace(err)
	}
	switch a := address.(type) {
	case string:
		return a, nil
	case []interface{}:
		if len(a) > 0 {
			return fmt.Sprint(a[0]), nil
		}
	}
	return "", errors.NotFoundf("ingress address for %q", endpoint)
}

// OpenPort implements Context.
func (t *Tools) OpenPort(port int, protocol string) error {
	_, err := t.run("open-port", fmt.Sprintf("%d/%s", port, protocol))
	return errors.Trace(err)
}

// SecretGet implements Context.
func (t *Tools) SecretGet(label string) (map[string]string, error) {
	content := make(map[string]string)
	if err := t.runYAML(&content, "secret-get", "--label", label); err != nil {
		return nil, errors.Trace(err)
	}
	return content, nil
}

// SecretAdd implements Context and returns the new secret's id.
func (t *Tools) SecretAdd(label string, owner SecretOwner, content map[string]string) (string, error) {
	var out string
	err := withContentFile(content, func(path string) error {
		var err error
		out, err = t.run("secret-add", "--label", label, "--owner", string(owner), "--file", path)
		return errors.Trace(err)
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return strings.TrimSpace(out), nil
}

type secretInfo struct {
	Label string `yaml:"label"`
}

func (t *Tools) secretID(label string) (string, error) {
	infos := make(map[string]secretInfo)
	if err := t.runYAML(&infos, "secret-info-get", "--label", label); err != nil {
		return "", errors.Trace(err)
	}
	for id, info := range infos {
		if info.Label == label {
			return id, nil
		}
	}
	return "", errors.NotFoundf("secret %q", label)
}

// SecretSet implements Context. The secret is located by label and its
// content is replaced with a new revision.
func (t *Tools) SecretSet(label string, content map[string]string) error {
	id, err := t.secretID(label)
	if err != nil {
		return errors.Trace(err)
	}
	return withContentFile(content, func(path string) error {
		_, err := t.run("secret-set", id, "--file", path)
		return errors.Trace(err)
	})
}

// SecretRemove implements Context.
func (t *Tools) SecretRemove(label string) error {
	id, err := t.secretID(label)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = t.run("secret-remove", id)
	return errors.Trace(err)
}

// ActionGet implements Context.
func (t *Tools) ActionGet() (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if err := t.runYAML(&params, "action-get"); err != nil {
		return nil, errors.Trace(err)
	}
	return params, nil
}

// ActionSet implements Context.
func (t *Tools) ActionSet(values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	_, err := t.run("action-set", keyValues(values)...)
	return errors.Trace(err)
}

// ActionFail implements Context.
func (t *Tools) ActionFail(message string) error {
	_, err := t.run("action-fail", message)
	return errors.Trace(err)
}

// withContentFile writes values as YAML to a file only the charm can read
// and passes its path to f. Relation data and secret content never appear
// on a command line.
func withContentFile(values map[string]string, f func(path string) error) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return errors.Trace(err)
	}
	file, err := os.CreateTemp("", "hook-tool-*.yaml")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(file.Name())
	if err := file.Chmod(0600); err != nil {
		_ = file.Close()
		return errors.Trace(err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return errors.Trace(err)
	}
	if err := file.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f(file.Name()))
}

// keyValues renders values as sorted key=value arguments.
func keyValues(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+values[k])
	}
	return args
}
