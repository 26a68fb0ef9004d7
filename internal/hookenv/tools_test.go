// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hookenv_test

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
	hookenvtesting "github.com/canonical/zookeeper-operator/internal/hookenv/testing"
)

type toolsSuite struct {
	testing.IsolationSuite

	juju   *hookenvtesting.Juju
	runner *hookenvtesting.Runner
	tools  *hookenv.Tools
}

var _ = gc.Suite(&toolsSuite{})

func (s *toolsSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.juju = hookenvtesting.NewJuju("zookeeper")
	s.juju.Leader = "zookeeper/0"
	s.runner = s.juju.Runner("zookeeper/0")
	s.tools = hookenv.NewTools(s.runner)
}

func (s *toolsSuite) TestIsLeader(c *gc.C) {
	leader, err := s.tools.IsLeader()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leader, jc.IsTrue)

	other := hookenv.NewTools(s.juju.Runner("zookeeper/1"))
	leader, err = other.IsLeader()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leader, jc.IsFalse)
}

func (s *toolsSuite) TestIsLeaderError(c *gc.C) {
	s.runner.Stub.SetErrors(errors.New("pow"))
	_, err := s.tools.IsLeader()
	c.Check(err, gc.ErrorMatches, "leadership status unknown: running is-leader: pow")
}

func (s *toolsSuite) TestStatusSet(c *gc.C) {
	err := s.tools.StatusSet(status.KindWaiting, "other units starting first", false)
	c.Assert(err, jc.ErrorIsNil)
	s.runner.Stub.CheckCall(c, 0, "status-set", "waiting", "other units starting first")
	c.Check(s.juju.LastStatus("zookeeper/0"), jc.DeepEquals, hookenvtesting.StatusCall{
		Kind:    "waiting",
		Message: "other units starting first",
	})
}

func (s *toolsSuite) TestStatusSetApplication(c *gc.C) {
	err := s.tools.StatusSet(status.KindActive, "", true)
	c.Assert(err, jc.ErrorIsNil)
	s.runner.Stub.CheckCall(c, 0, "status-set", "--application", "active", "")
}

func (s *toolsSuite) TestStatusSetInvalid(c *gc.C) {
	err := s.tools.StatusSet(status.Kind("error"), "", false)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	s.runner.Stub.CheckNoCalls(c)
}

func (s *toolsSuite) TestLog(c *gc.C) {
	err := s.tools.Log(loggo.WARNING, "careful")
	c.Assert(err, jc.ErrorIsNil)
	s.runner.Stub.CheckCall(c, 0, "juju-log", "-l", "WARNING", "careful")
}

func (s *toolsSuite) TestConfigGet(c *gc.C) {
	s.juju.Config["init-limit"] = 5
	s.juju.Config["log-level"] = "INFO"
	config, err := s.tools.ConfigGet()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(config, jc.DeepEquals, map[string]interface{}{
		"init-limit": 5,
		"log-level":  "INFO",
	})
	s.runner.Stub.CheckCall(c, 0, "config-get", "--all", "--format=yaml")
}

func (s *toolsSuite) TestRelations(c *gc.C) {
	s.juju.AddRelation("cluster:0", "cluster", "zookeeper", "zookeeper/0", "zookeeper/1", "zookeeper/2")
	s.juju.AddRelation("zookeeper:3", "zookeeper", "app", "zookeeper/0", "app/0")

	ids, err := s.tools.RelationIDs("cluster")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ids, jc.DeepEquals, []string{"cluster:0"})

	units, err := s.tools.RelationList("cluster:0")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(units, jc.DeepEquals, []string{"zookeeper/1", "zookeeper/2"})

	units, err = s.tools.RelationList("zookeeper:3")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(units, jc.DeepEquals, []string{"app/0"})

	app, err := s.tools.RelationRemoteApp("zookeeper:3")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(app, gc.Equals, "app")
}

func (s *toolsSuite) TestRelationSetGet(c *gc.C) {
	s.juju.AddRelation("cluster:0", "cluster", "zookeeper", "zookeeper/0", "zookeeper/1")

	err := s.tools.RelationSet("cluster:0", false, map[string]string{"ip": "10.0.0.1", "state": "started"})
	c.Assert(err, jc.ErrorIsNil)
	s.runner.Stub.CheckCallNames(c, "relation-set")
	args := s.runner.Stub.Calls()[0].Args
	c.Assert(args, gc.HasLen, 4)
	c.Check(args[:3], jc.DeepEquals, []interface{}{"-r", "cluster:0", "--file"})
	_, err = os.Stat(args[3].(string))
	c.Check(err, jc.Satisfies, os.IsNotExist)

	data, err := s.tools.RelationGet("cluster:0", "zookeeper/0", false)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, jc.DeepEquals, map[string]string{"ip": "10.0.0.1", "state": "started"})

	err = s.tools.RelationSet("cluster:0", false, map[string]string{"state": ""})
	c.Assert(err, jc.ErrorIsNil)
	data, err = s.tools.RelationGet("cluster:0", "zookeeper/0", false)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, jc.DeepEquals, map[string]string{"ip": "10.0.0.1"})
}

func (s *toolsSuite) TestRelationSetAppNotLeader(c *gc.C) {
	s.juju.AddRelation("cluster:0", "cluster", "zookeeper", "zookeeper/0", "zookeeper/1")
	other := hookenv.NewTools(s.juju.Runner("zookeeper/1"))
	err := other.RelationSet("cluster:0", true, map[string]string{"quorum": "ssl"})
	c.Check(err, gc.ErrorMatches, "running relation-set: ERROR cannot write relation settings: exit status 1")
}

func (s *toolsSuite) TestRelationGetNotFound(c *gc.C) {
	_, err := s.tools.RelationGet("cluster:9", "zookeeper/0", false)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *toolsSuite) TestGoalStateUnits(c *gc.C) {
	s.juju.GoalUnits = []string{"zookeeper/1", "zookeeper/0"}
	units, err := s.tools.GoalStateUnits()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(units, jc.DeepEquals, []string{"zookeeper/0", "zookeeper/1"})
}

func (s *toolsSuite) TestIngressAddress(c *gc.C) {
	s.juju.Addresses["zookeeper/0"] = "10.1.2.3"
	address, err := s.tools.IngressAddress("cluster")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(address, gc.Equals, "10.1.2.3")
}

func (s *toolsSuite) TestOpenPort(c *gc.C) {
	err := s.tools.OpenPort(2181, "tcp")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.juju.Ports["zookeeper/0"], jc.DeepEquals, []string{"2181/tcp"})
}

func (s *toolsSuite) TestSecrets(c *gc.C) {
	_, err := s.tools.SecretGet("cluster.zookeeper.app")
	c.Check(err, jc.Satisfies, errors.IsNotFound)

	id, err := s.tools.SecretAdd("cluster.zookeeper.app", hookenv.OwnerApplication, map[string]string{
		"sync-password": "s3cret",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id, gc.Matches, "secret:.*")

	content, err := s.tools.SecretGet("cluster.zookeeper.app")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(content, jc.DeepEquals, map[string]string{"sync-password": "s3cret"})

	err = s.tools.SecretSet("cluster.zookeeper.app", map[string]string{
		"sync-password":  "s3cret",
		"super-password": "other",
	})
	c.Assert(err, jc.ErrorIsNil)

	// Visible to the rest of the application.
	other := hookenv.NewTools(s.juju.Runner("zookeeper/1"))
	content, err = other.SecretGet("cluster.zookeeper.app")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(content, jc.DeepEquals, map[string]string{"sync-password": "s3cret", "super-password": "other"})

	c.Assert(s.tools.SecretRemove("cluster.zookeeper.app"), jc.ErrorIsNil)
	_, err = s.tools.SecretGet("cluster.zookeeper.app")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *toolsSuite) TestSecretsStayOffCommandLine(c *gc.C) {
	s.juju.AddRelation("zookeeper:3", "zookeeper", "app", "app/0")
	_, err := s.tools.SecretAdd("cluster.zookeeper.app", hookenv.OwnerApplication, map[string]string{
		"super-password": "first-s3cret",
	})
	c.Assert(err, jc.ErrorIsNil)
	err = s.tools.SecretSet("cluster.zookeeper.app", map[string]string{"super-password": "second-s3cret"})
	c.Assert(err, jc.ErrorIsNil)
	err = s.tools.RelationSet("zookeeper:3", true, map[string]string{"password": "third-s3cret"})
	c.Assert(err, jc.ErrorIsNil)

	content, err := s.tools.SecretGet("cluster.zookeeper.app")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(content, jc.DeepEquals, map[string]string{"super-password": "second-s3cret"})
	data, err := s.tools.RelationGet("zookeeper:3", "zookeeper", true)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, jc.DeepEquals, map[string]string{"password": "third-s3cret"})

	var names []string
	for _, call := range s.runner.Stub.Calls() {
		names = append(names, call.FuncName)
		for _, arg := range call.Args {
			c.Check(arg, gc.Not(jc.Contains), "s3cret", gc.Commentf("%s %v", call.FuncName, call.Args))
		}
	}
	c.Check(names, jc.DeepEquals, []string{
		"secret-add", "secret-info-get", "secret-set", "relation-set",
		"secret-get", "relation-get",
	})
}

func (s *toolsSuite) TestSecretSetMissing(c *gc.C) {
	err := s.tools.SecretSet("nope", map[string]string{"a": "b"})
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *toolsSuite) TestActions(c *gc.C) {
	s.juju.ActionParams["id"] = "backup-1"
	params, err := s.tools.ActionGet()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(params, jc.DeepEquals, map[string]interface{}{"id": "backup-1"})

	c.Assert(s.tools.ActionSet(map[string]string{"password": "x"}), jc.ErrorIsNil)
	c.Check(s.juju.ActionResults, jc.DeepEquals, map[string]string{"password": "x"})

	c.Assert(s.tools.ActionFail("nope"), jc.ErrorIsNil)
	c.Check(s.juju.ActionFailure, gc.Equals, "nope")
}

type logWriterSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&logWriterSuite{})

func (s *logWriterSuite) TestWrite(c *gc.C) {
	juju := hookenvtesting.NewJuju("zookeeper")
	tools := hookenv.NewTools(juju.Runner("zookeeper/0"))
	writer := hookenv.NewLogWriter(tools)
	writer.Write(loggo.Entry{Level: loggo.ERROR, Module: "zookeeper.charm", Message: "boom"})
	c.Check(juju.Logs, jc.DeepEquals, []string{"ERROR zookeeper.charm: boom"})
}
