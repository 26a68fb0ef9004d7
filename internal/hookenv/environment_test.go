// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hookenv_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/zookeeper-operator/internal/hookenv"
)

type environmentSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&environmentSuite{})

func getenv(vars map[string]string) func(string) string {
	return func(key string) string {
		return vars[key]
	}
}

func (s *environmentSuite) TestHook(c *gc.C) {
	env, err := hookenv.NewEnvironment(getenv(map[string]string{
		"JUJU_UNIT_NAME":     "zookeeper/2",
		"JUJU_DISPATCH_PATH": "hooks/zookeeper-relation-broken",
		"JUJU_RELATION_ID":   "zookeeper:4",
		"JUJU_REMOTE_APP":    "app",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(env.AppName, gc.Equals, "zookeeper")
	c.Check(env.UnitNumber(), gc.Equals, 2)
	c.Check(env.IsAction(), jc.IsFalse)
	c.Check(env.EventName(), gc.Equals, "zookeeper-relation-broken")

	endpoint, event, ok := env.RelationEvent()
	c.Check(ok, jc.IsTrue)
	c.Check(endpoint, gc.Equals, "zookeeper")
	c.Check(event, gc.Equals, "broken")
}

func (s *environmentSuite) TestAction(c *gc.C) {
	env, err := hookenv.NewEnvironment(getenv(map[string]string{
		"JUJU_UNIT_NAME":   "zookeeper/0",
		"JUJU_ACTION_NAME": "create-backup",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(env.DispatchPath, gc.Equals, "actions/create-backup")
	c.Check(env.IsAction(), jc.IsTrue)
	c.Check(env.EventName(), gc.Equals, "create-backup")
	_, _, ok := env.RelationEvent()
	c.Check(ok, jc.IsFalse)
}

func (s *environmentSuite) TestLegacyHookName(c *gc.C) {
	env, err := hookenv.NewEnvironment(getenv(map[string]string{
		"JUJU_UNIT_NAME": "zookeeper/0",
		"JUJU_HOOK_NAME": "install",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(env.DispatchPath, gc.Equals, "hooks/install")
}

func (s *environmentSuite) TestMissingUnit(c *gc.C) {
	_, err := hookenv.NewEnvironment(getenv(nil))
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *environmentSuite) TestInvalidUnit(c *gc.C) {
	_, err := hookenv.NewEnvironment(getenv(map[string]string{
		"JUJU_UNIT_NAME":     "zookeeper",
		"JUJU_DISPATCH_PATH": "hooks/install",
	}))
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *environmentSuite) TestMissingDispatch(c *gc.C) {
	_, err := hookenv.NewEnvironment(getenv(map[string]string{
		"JUJU_UNIT_NAME": "zookeeper/0",
	}))
	c.Check(err, gc.ErrorMatches, "JUJU_DISPATCH_PATH not found")
}
