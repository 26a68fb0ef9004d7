// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package secrets stores charm credentials in Juju secrets, one secret per
// scope addressed by label.
package secrets

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
)

var logger = loggo.GetLogger("zookeeper.secrets")

// Scope selects who owns a secret.
type Scope string

const (
	// ScopeApp secrets are shared by every unit and written by the leader.
	ScopeApp Scope = "app"
	// ScopeUnit secrets belong to a single unit.
	ScopeUnit Scope = "unit"
)

// Store reads and writes secret keys for one unit.
type Store struct {
	ctx hookenv.Context
	app string
}

// NewStore returns a Store for the application app.
func NewStore(ctx hookenv.Context, app string) *Store {
	return &Store{ctx: ctx, app: app}
}

// Label returns the label of the secret backing scope.
func (s *Store) Label(scope Scope) string {
	return fmt.Sprintf("%s.%s.%s", literals.Peer, s.app, scope)
}

func validate(scope Scope, key string) error {
	switch scope {
	case ScopeApp:
		if !literals.IsAppSecret(key) {
			return errors.NotValidf("application secret key %q", key)
		}
	case ScopeUnit:
		if !literals.IsUnitSecret(key) {
			return errors.NotValidf("unit secret key %q", key)
		}
	default:
		return errors.NotValidf("secret scope %q", scope)
	}
	return nil
}

// Content returns every key of a scope. It is empty before the first Set.
func (s *Store) Content(scope Scope) (map[string]string, error) {
	content, err := s.ctx.SecretGet(s.Label(scope))
	if errors.IsNotFound(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s secret", scope)
	}
	return content, nil
}

// Get returns the value of key, NotFound when unset.
func (s *Store) Get(scope Scope, key string) (string, error) {
	if err := validate(scope, key); err != nil {
		return "", errors.Trace(err)
	}
	content, err := s.Content(scope)
	if err != nil {
		return "", errors.Trace(err)
	}
	value, ok := content[key]
	if !ok || value == "" {
		return "", errors.NotFoundf("%s secret %q", scope, key)
	}
	return value, nil
}

// Set stores values under scope. Empty values remove their key. Only the
// leader may write application secrets.
func (s *Store) Set(scope Scope, values map[string]string) error {
	for key := range values {
		if err := validate(scope, key); err != nil {
			return errors.Trace(err)
		}
	}
	if scope == ScopeApp {
		leader, err := s.ctx.IsLeader()
		if err != nil {
			return errors.Trace(err)
		}
		if !leader {
			return errors.Forbiddenf("writing application secrets from a non-leader unit")
		}
	}

	label := s.Label(scope)
	existing, err := s.ctx.SecretGet(label)
	found := err == nil
	if err != nil && !errors.IsNotFound(err) {
		return errors.Annotatef(err, "reading %s secret", scope)
	}
	content := make(map[string]string)
	for k, v := range existing {
		content[k] = v
	}
	for k, v := range values {
		if v == "" {
			delete(content, k)
			continue
		}
		content[k] = v
	}

	switch {
	case !found && len(content) == 0:
		return nil
	case !found:
		owner := hookenv.OwnerUnit
		if scope == ScopeApp {
			owner = hookenv.OwnerApplication
		}
		if _, err := s.ctx.SecretAdd(label, owner, content); err != nil {
			return errors.Annotatef(err, "creating %s secret", scope)
		}
		logger.Debugf("created secret %s", label)
	case len(content) == 0:
		if err := s.ctx.SecretRemove(label); err != nil {
			return errors.Annotatef(err, "removing %s secret", scope)
		}
	default:
		if err := s.ctx.SecretSet(label, content); err != nil {
			return errors.Annotatef(err, "updating %s secret", scope)
		}
	}
	return nil
}

// Remove deletes keys from scope.
func (s *Store) Remove(scope Scope, keys ...string) error {
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		values[k] = ""
	}
	return errors.Trace(s.Set(scope, values))
}
