// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/juju/testing"
	"gopkg.in/yaml.v3"

	"github.com/canonical/zookeeper-operator/internal/hookenv"
)

// Relation is a relation as seen from the application under test.
type Relation struct {
	ID        string
	Endpoint  string
	RemoteApp string
	// Members holds every unit in the relation, both sides.
	Members []string
	// Data holds databags keyed by unit or application name.
	Data map[string]map[string]string
}

func (r *Relation) bag(member string) map[string]string {
	if r.Data == nil {
		r.Data = make(map[string]map[string]string)
	}
	bag, ok := r.Data[member]
	if !ok {
		bag = make(map[string]string)
		r.Data[member] = bag
	}
	return bag
}

// Secret is a secret held by the fake model.
type Secret struct {
	ID       string
	Label    string
	Owner    string
	Revision int
	Content  map[string]string
}

// StatusCall records a status-set invocation.
type StatusCall struct {
	Application bool
	Kind        string
	Message     string
}

// Juju is an in-memory model shared by every unit of the application under
// test. It answers hook tool invocations the way a unit agent would.
type Juju struct {
	mu sync.Mutex

	App       string
	Leader    string
	Config    map[string]interface{}
	Relations map[string]*Relation
	GoalUnits []string
	Addresses map[string]string
	Secrets   []*Secret
	Statuses  map[string][]StatusCall
	Ports     map[string][]string
	Versions  []string
	Logs      []string

	ActionParams  map[string]interface{}
	ActionResults map[string]string
	ActionFailure string

	nextSecret int
}

// NewJuju returns an empty model for the named application.
func NewJuju(app string) *Juju {
	return &Juju{
		App:       app,
		Config:    make(map[string]interface{}),
		Relations: make(map[string]*Relation),
		Addresses: make(map[string]string),
		Statuses:  make(map[string][]StatusCall),
		Ports:     make(map[string][]string),

		ActionParams:  make(map[string]interface{}),
		ActionResults: make(map[string]string),
	}
}

// AddRelation registers a relation and returns it.
func (j *Juju) AddRelation(id, endpoint, remoteApp string, members ...string) *Relation {
	j.mu.Lock()
	defer j.mu.Unlock()
	rel := &Relation{
		ID:        id,
		Endpoint:  endpoint,
		RemoteApp: remoteApp,
		Members:   members,
		Data:      make(map[string]map[string]string),
	}
	j.Relations[id] = rel
	return rel
}

// RemoveRelation drops a relation from the model.
func (j *Juju) RemoveRelation(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.Relations, id)
}

// JoinUnit adds unit to the relation's members.
func (j *Juju) JoinUnit(id, unit string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rel := j.Relations[id]
	for _, m := range rel.Members {
		if m == unit {
			return
		}
	}
	rel.Members = append(rel.Members, unit)
}

// DepartUnit removes unit from the relation's members and its databag.
func (j *Juju) DepartUnit(id, unit string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rel := j.Relations[id]
	members := rel.Members[:0]
	for _, m := range rel.Members {
		if m != unit {
			members = append(members, m)
		}
	}
	rel.Members = members
	delete(rel.Data, unit)
}

// LastStatus returns the last unit status set by unit.
func (j *Juju) LastStatus(unit string) StatusCall {
	j.mu.Lock()
	defer j.mu.Unlock()
	calls := j.Statuses[unit]
	for i := len(calls) - 1; i >= 0; i-- {
		if !calls[i].Application {
			return calls[i]
		}
	}
	return StatusCall{}
}

// SecretByLabel returns the secret visible to unit under label.
func (j *Juju) SecretByLabel(unit, label string) (*Secret, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.findSecret(unit, label)
	return s, s != nil
}

func (j *Juju) findSecret(unit, label string) *Secret {
	for _, s := range j.Secrets {
		if s.Label != label {
			continue
		}
		if s.Owner == unit || s.Owner == j.App {
			return s
		}
	}
	return nil
}

// Runner returns a hook tool runner acting as unit.
func (j *Juju) Runner(unit string) *Runner {
	return &Runner{Stub: &testing.Stub{}, juju: j, unit: unit}
}

// Runner implements hookenv.Runner against a Juju model.
type Runner struct {
	Stub *testing.Stub

	juju *Juju
	unit string
}

var _ hookenv.Runner = (*Runner)(nil)

var errExit = errors.New("exit status 1")

// Run implements hookenv.Runner.
func (r *Runner) Run(name string, args ...string) (string, error) {
	r.Stub.AddCall(name, toInterfaces(args)...)
	if err := r.Stub.NextErr(); err != nil {
		return "", err
	}
	j := r.juju
	j.mu.Lock()
	defer j.mu.Unlock()

	flags, positional := parseArgs(args)
	switch name {
	case "is-leader":
		return render(j.Leader == r.unit)
	case "status-set":
		call := StatusCall{Application: flags["application"] != ""}
		if len(positional) > 0 {
			call.Kind = positional[0]
		}
		if len(positional) > 1 {
			call.Message = positional[1]
		}
		if call.Application && j.Leader != r.unit {
			return "ERROR this unit is not the leader", errExit
		}
		j.Statuses[r.unit] = append(j.Statuses[r.unit], call)
		return "", nil
	case "application-version-set":
		j.Versions = append(j.Versions, positional[0])
		return "", nil
	case "juju-log":
		j.Logs = append(j.Logs, fmt.Sprintf("%s %s", flags["l"], strings.Join(positional, " ")))
		return "", nil
	case "config-get":
		return render(j.Config)
	case "relation-ids":
		ids := []string{}
		for id, rel := range j.Relations {
			if len(positional) == 0 || rel.Endpoint == positional[0] {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return render(ids)
	case "relation-list":
		rel, ok := j.Relations[flags["r"]]
		if !ok {
			return "ERROR relation not found", errExit
		}
		if flags["app"] != "" {
			return render(rel.RemoteApp)
		}
		units := []string{}
		for _, m := range rel.Members {
			if m != r.unit && (rel.RemoteApp == j.App || !strings.HasPrefix(m, j.App+"/")) {
				units = append(units, m)
			}
		}
		sort.Strings(units)
		return render(units)
	case "relation-get":
		rel, ok := j.Relations[flags["r"]]
		if !ok {
			return "ERROR relation not found", errExit
		}
		member := r.unit
		if len(positional) > 1 {
			member = positional[1]
		}
		data := map[string]string{}
		for k, v := range rel.Data[member] {
			data[k] = v
		}
		return render(data)
	case "relation-set":
		rel, ok := j.Relations[flags["r"]]
		if !ok {
			return "ERROR relation not found", errExit
		}
		member := r.unit
		if flags["app"] != "" {
			if j.Leader != r.unit {
				return "ERROR cannot write relation settings", errExit
			}
			member = j.App
		}
		values, err := content(flags, positional)
		if err != nil {
			return err.Error(), errExit
		}
		bag := rel.bag(member)
		for k, v := range values {
			if v == "" {
				delete(bag, k)
				continue
			}
			bag[k] = v
		}
		return "", nil
	case "goal-state":
		units := map[string]interface{}{}
		for _, u := range j.GoalUnits {
			units[u] = map[string]string{"status": "active"}
		}
		return render(map[string]interface{}{"units": units})
	case "network-get":
		address, ok := j.Addresses[r.unit]
		if !ok {
			return "ERROR no network config found", errExit
		}
		return render(address)
	case "open-port":
		j.Ports[r.unit] = append(j.Ports[r.unit], positional...)
		return "", nil
	case "secret-get":
		s := j.findSecret(r.unit, flags["label"])
		if s == nil {
			return "ERROR secret not found", errExit
		}
		return render(s.Content)
	case "secret-info-get":
		s := j.findSecret(r.unit, flags["label"])
		if s == nil {
			return "ERROR secret not found", errExit
		}
		return render(map[string]interface{}{
			s.ID: map[string]interface{}{"label": s.Label, "owner": s.Owner, "revision": s.Revision},
		})
	case "secret-add":
		owner := r.unit
		if flags["owner"] == string(hookenv.OwnerApplication) {
			if j.Leader != r.unit {
				return "ERROR permission denied", errExit
			}
			owner = j.App
		}
		values, err := content(flags, positional)
		if err != nil {
			return err.Error(), errExit
		}
		j.nextSecret++
		s := &Secret{
			ID:       fmt.Sprintf("secret:%020d", j.nextSecret),
			Label:    flags["label"],
			Owner:    owner,
			Revision: 1,
			Content:  values,
		}
		j.Secrets = append(j.Secrets, s)
		return s.ID + "\n", nil
	case "secret-set":
		for _, s := range j.Secrets {
			if s.ID != positional[0] {
				continue
			}
			if s.Owner == j.App && j.Leader != r.unit {
				return "ERROR permission denied", errExit
			}
			values, err := content(flags, positional[1:])
			if err != nil {
				return err.Error(), errExit
			}
			s.Content = values
			s.Revision++
			return "", nil
		}
		return "ERROR secret not found", errExit
	case "secret-remove":
		for i, s := range j.Secrets {
			if s.ID != positional[0] {
				continue
			}
			if s.Owner == j.App && j.Leader != r.unit {
				return "ERROR permission denied", errExit
			}
			j.Secrets = append(j.Secrets[:i], j.Secrets[i+1:]...)
			return "", nil
		}
		return "ERROR secret not found", errExit
	case "action-get":
		return render(j.ActionParams)
	case "action-set":
		for k, v := range keyValues(positional) {
			j.ActionResults[k] = v
		}
		return "", nil
	case "action-fail":
		j.ActionFailure = strings.Join(positional, " ")
		return "", nil
	}
	return fmt.Sprintf("ERROR unknown hook tool %q", name), errExit
}

// UnitApp returns the application of a unit name.
func UnitApp(unit string) string {
	app, _ := names.UnitApplication(unit)
	return app
}

func render(v interface{}) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

// parseArgs splits hook tool arguments into flags and positional values.
// Boolean flags map to "true".
func parseArgs(args []string) (map[string]string, []string) {
	valued := map[string]bool{"r": true, "l": true, "label": true, "owner": true, "format": true, "file": true}
	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-" || !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			flags[k] = v
			continue
		}
		if valued[name] && i+1 < len(args) {
			flags[name] = args[i+1]
			i++
			continue
		}
		flags[name] = "true"
	}
	return flags, positional
}

// content merges key=value arguments over the YAML map named by --file.
func content(flags map[string]string, args []string) (map[string]string, error) {
	values := make(map[string]string)
	if path := flags["file"]; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotate(err, "ERROR reading --file")
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, errors.Annotate(err, "ERROR parsing --file")
		}
	}
	for k, v := range keyValues(args) {
		values[k] = v
	}
	return values, nil
}

func keyValues(args []string) map[string]string {
	values := make(map[string]string)
	for _, kv := range args {
		k, v, _ := strings.Cut(kv, "=")
		values[k] = v
	}
	return values
}

func toInterfaces(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
