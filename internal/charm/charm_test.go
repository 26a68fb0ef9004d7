// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm_test

import (
	"os"
	"path/filepath"

	"github.com/go-zookeeper/zk"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/charm"
	"github.com/canonical/zookeeper-operator/internal/config"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
	hookenvtesting "github.com/canonical/zookeeper-operator/internal/hookenv/testing"
	"github.com/canonical/zookeeper-operator/internal/workload"
	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

type charmSuite struct {
	testing.IsolationSuite
	harness
}

var _ = gc.Suite(&charmSuite{})

func (s *charmSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.harness.setUp(c)
}

func (s *charmSuite) TestNewValidates(c *gc.C) {
	_, err := charm.New(charm.Config{})
	c.Check(err, gc.ErrorMatches, "empty unit name not valid")
	c.Check(errors.IsNotValid(err), jc.IsTrue)

	_, err = charm.New(charm.Config{Env: hookenv.Environment{UnitName: "zookeeper/0"}})
	c.Check(err, gc.ErrorMatches, "nil Context not valid")
}

func (s *charmSuite) TestInstall(c *gc.C) {
	c.Assert(s.hook(c, "zookeeper/0", "install"), jc.ErrorIsNil)

	u := s.units["zookeeper/0"]
	u.service.CheckCallNames(c, "Install")
	for _, key := range []string{literals.PathConf, literals.PathData, literals.PathLogs} {
		c.Check(u.workload.Path(key), jc.IsDirectory)
	}
	c.Check(s.juju.Ports["zookeeper/0"], jc.DeepEquals, []string{"2181/tcp", "2182/tcp"})
	c.Check(s.juju.Versions, jc.DeepEquals, []string{"3.9.2"})
}

func (s *charmSuite) TestInstallFailureBlocks(c *gc.C) {
	u := s.units["zookeeper/0"]
	u.service.installed = false
	u.service.SetErrors(errors.New("snap store unreachable"))

	c.Assert(s.hook(c, "zookeeper/0", "install"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.ServiceNotInstalled)
	c.Check(s.juju.Ports, gc.HasLen, 0)

	c.Assert(s.hook(c, "zookeeper/0", "config-changed"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.ServiceNotInstalled)
}

func (s *charmSuite) TestNoPeerRelation(c *gc.C) {
	s.juju.RemoveRelation(s.peers.ID)
	c.Assert(s.hook(c, "zookeeper/0", "start"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.NoPeerRelation)
	s.units["zookeeper/0"].service.CheckNoCalls(c)
}

func (s *charmSuite) TestLeaderBootstrap(c *gc.C) {
	s.bootstrap(c)

	c.Check(s.appSecret(c), jc.DeepEquals, map[string]string{
		"sync-password":  "pw-1",
		"super-password": "pw-2",
	})
	u := s.units["zookeeper/0"]
	u.service.CheckCallNames(c, "Start")
	id, err := u.workload.MyID()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id, gc.Equals, 1)

	c.Check(s.peers.Data["zookeeper/0"], jc.DeepEquals, map[string]string{
		"ip":       "10.0.0.1",
		"hostname": "juju-0",
		"state":    "started",
		"quorum":   "non-ssl",
	})
	c.Check(s.appData(), jc.DeepEquals, map[string]string{"zookeeper/0": "added"})
	c.Check(s.conf(c, "zookeeper/0", config.DynamicConfigFile), gc.Equals,
		"server.1=10.0.0.1:2888:3888:participant;0.0.0.0:2181\n")
	c.Check(config.ParseJAASUsers(s.conf(c, "zookeeper/0", config.JAASFile)), jc.DeepEquals, []string{"super", "sync"})
	c.Check(s.zooCfg(c, "zookeeper/0")["reconfigEnabled"], gc.Equals, "true")

	env, err := os.ReadFile(filepath.Join(u.root, workload.EnvironmentFile))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(env), jc.Contains, zkclient.SuperDigest("super", "pw-2"))
	s.ensemble.CheckCallNames(c, "ServerMembers")
}

func (s *charmSuite) TestReconcileIsIdempotent(c *gc.C) {
	s.bootstrap(c)
	u := s.units["zookeeper/0"]
	u.service.ResetCalls()

	c.Assert(s.hook(c, "zookeeper/0", "update-status"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.Active)
	u.service.CheckNoCalls(c)
	c.Check(s.scraped, jc.DeepEquals, []string{"10.0.0.1"})
}

func (s *charmSuite) TestConfigChangedRestarts(c *gc.C) {
	s.bootstrap(c)
	u := s.units["zookeeper/0"]
	u.service.ResetCalls()

	s.juju.Config[config.InitLimitKey] = 10
	c.Assert(s.hook(c, "zookeeper/0", "config-changed"), jc.ErrorIsNil)
	u.service.CheckCallNames(c, "Restart")
	c.Check(s.zooCfg(c, "zookeeper/0")["initLimit"], gc.Equals, "10")
	s.checkStatus(c, "zookeeper/0", status.Active)
}

func (s *charmSuite) TestNonLeaderWaitsForPasswords(c *gc.C) {
	s.addUnit(c, "zookeeper/1", "10.0.0.2")
	c.Assert(s.relationHook(c, "zookeeper/1", "cluster-relation-joined", s.peers.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/1", status.NoPasswords)
	c.Check(s.peers.Data["zookeeper/1"]["ip"], gc.Equals, "10.0.0.2")
}

func (s *charmSuite) TestLeaderWaitsForEveryAddress(c *gc.C) {
	s.addUnit(c, "zookeeper/1", "10.0.0.2")
	c.Assert(s.hook(c, "zookeeper/0", "leader-elected"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.NotAllIP)
	s.units["zookeeper/0"].service.CheckNoCalls(c)
}

func (s *charmSuite) TestUnhealthyAfterStart(c *gc.C) {
	s.units["zookeeper/0"].healthy = false
	c.Assert(s.hook(c, "zookeeper/0", "leader-elected"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.ServiceUnhealthy)
}

func (s *charmSuite) TestNotInQuorum(c *gc.C) {
	s.units["zookeeper/0"].mode = zk.ModeUnknown
	c.Assert(s.hook(c, "zookeeper/0", "leader-elected"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.ServiceNotQuorum)
}

// scaleUp brings a second unit into a running ensemble one hook at a time.
func (s *charmSuite) scaleUp(c *gc.C) {
	s.addUnit(c, "zookeeper/1", "10.0.0.2")
	c.Assert(s.hook(c, "zookeeper/0", "leader-elected"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.NotAllIP)

	c.Assert(s.relationHook(c, "zookeeper/1", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/1", status.NotUnitTurn)
	s.units["zookeeper/1"].service.CheckNoCalls(c)

	c.Assert(s.relationHook(c, "zookeeper/0", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.NotAllAdded)

	c.Assert(s.relationHook(c, "zookeeper/1", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/1", status.NotAllAdded)
	s.units["zookeeper/1"].service.CheckCallNames(c, "Start")

	c.Assert(s.relationHook(c, "zookeeper/0", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.Active)
}

func (s *charmSuite) TestScaleUp(c *gc.C) {
	s.scaleUp(c)

	c.Check(s.conf(c, "zookeeper/1", config.DynamicConfigFile), gc.Equals,
		"server.1=10.0.0.1:2888:3888:participant;0.0.0.0:2181\n"+
			"server.2=10.0.0.2:2888:3888:participant;0.0.0.0:2181\n")
	s.ensemble.CheckCalls(c, []testing.StubCall{
		{FuncName: "ServerMembers"},
		{FuncName: "ServerMembers"},
		{FuncName: "AddMembers", Args: []interface{}{
			[]string{"server.2=10.0.0.2:2888:3888:participant;0.0.0.0:2181"},
		}},
	})
	c.Check(s.appData(), jc.DeepEquals, map[string]string{
		"zookeeper/0": "added",
		"zookeeper/1": "added",
	})

	c.Assert(s.hook(c, "zookeeper/1", "update-status"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/1", status.Active)
}

func (s *charmSuite) TestScaleDown(c *gc.C) {
	s.scaleUp(c)
	s.juju.DepartUnit(s.peers.ID, "zookeeper/1")
	s.juju.GoalUnits = []string{"zookeeper/0"}
	s.ensemble.ResetCalls()

	c.Assert(s.relationHook(c, "zookeeper/0", "cluster-relation-departed", s.peers.ID), jc.ErrorIsNil)
	s.ensemble.CheckCall(c, 1, "RemoveMembers", []int{2})
	c.Check(s.ensemble.members, gc.HasLen, 1)
	c.Check(s.appData()["zookeeper/1"], gc.Equals, "removed")
	s.checkStatus(c, "zookeeper/0", status.Active)
}

func (s *charmSuite) TestBootstrapLeaderOnHighestUnit(c *gc.C) {
	s.juju.Leader = "zookeeper/2"
	s.addUnit(c, "zookeeper/1", "10.0.0.2")
	s.addUnit(c, "zookeeper/2", "10.0.0.3")
	c.Assert(s.hook(c, "zookeeper/2", "leader-elected"), jc.ErrorIsNil)

	s.settle(c, "zookeeper/0", "zookeeper/1", "zookeeper/2")
	c.Check(s.appData(), jc.DeepEquals, map[string]string{
		"zookeeper/0": "added",
		"zookeeper/1": "added",
		"zookeeper/2": "added",
	})
	for _, unit := range []string{"zookeeper/0", "zookeeper/1", "zookeeper/2"} {
		s.units[unit].service.CheckCallNames(c, "Start")
	}
	c.Check(s.ensemble.members, gc.HasLen, 3)
}

func (s *charmSuite) TestLeadershipMovesBeforeScaleUpCompletes(c *gc.C) {
	s.addUnit(c, "zookeeper/1", "10.0.0.2")
	s.addUnit(c, "zookeeper/2", "10.0.0.3")
	c.Assert(s.hook(c, "zookeeper/0", "leader-elected"), jc.ErrorIsNil)
	c.Assert(s.relationHook(c, "zookeeper/1", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	c.Assert(s.relationHook(c, "zookeeper/2", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	c.Assert(s.relationHook(c, "zookeeper/0", "cluster-relation-changed", s.peers.ID), jc.ErrorIsNil)
	c.Check(s.appData(), jc.DeepEquals, map[string]string{"zookeeper/0": "added"})

	s.juju.Leader = "zookeeper/2"
	c.Assert(s.hook(c, "zookeeper/2", "leader-elected"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/2", status.NotUnitTurn)

	s.settle(c, "zookeeper/0", "zookeeper/1", "zookeeper/2")
	c.Check(s.appData(), jc.DeepEquals, map[string]string{
		"zookeeper/0": "added",
		"zookeeper/1": "added",
		"zookeeper/2": "added",
	})
	c.Check(s.ensemble.members, gc.HasLen, 3)
}

func (s *charmSuite) TestStop(c *gc.C) {
	s.bootstrap(c)
	u := s.units["zookeeper/0"]
	u.service.ResetCalls()

	c.Assert(s.hook(c, "zookeeper/0", "stop"), jc.ErrorIsNil)
	u.service.CheckCallNames(c, "Stop")
}

func (s *charmSuite) TestUpgradeCharm(c *gc.C) {
	s.bootstrap(c)
	u := s.units["zookeeper/0"]
	u.service.ResetCalls()

	c.Assert(s.hook(c, "zookeeper/0", "upgrade-charm"), jc.ErrorIsNil)
	u.service.CheckCallNames(c, "Install")
	c.Check(s.juju.Versions, jc.DeepEquals, []string{"3.9.2"})
	s.checkStatus(c, "zookeeper/0", status.Active)
}

func (s *charmSuite) addClient(c *gc.C) *hookenvtesting.Relation {
	rel := s.juju.AddRelation("zookeeper:5", "zookeeper", "app", "zookeeper/0", "app/0")
	rel.Data["app"] = map[string]string{"database": "/app"}
	return rel
}

func (s *charmSuite) TestClientRelation(c *gc.C) {
	s.bootstrap(c)
	rel := s.addClient(c)
	u := s.units["zookeeper/0"]
	u.service.ResetCalls()
	s.ensemble.ResetCalls()

	c.Assert(s.relationHook(c, "zookeeper/0", "zookeeper-relation-changed", rel.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.Active)

	c.Check(s.appData()["relation-5"], gc.Equals, "pw-3")
	c.Check(s.appData()["relation-5-chroot"], gc.Equals, "/app")
	c.Check(config.ParseJAASUsers(s.conf(c, "zookeeper/0", config.JAASFile)), jc.DeepEquals,
		[]string{"relation-5", "super", "sync"})
	u.service.CheckCallNames(c, "Restart")
	s.ensemble.CheckCallNames(c, "ServerMembers", "CreateZNodes")
	s.ensemble.CheckCall(c, 1, "CreateZNodes", []string{"/app"})

	published := rel.Data["zookeeper"]
	c.Check(published["username"], gc.Equals, "relation-5")
	c.Check(published["password"], gc.Equals, "pw-3")
	c.Check(published["uris"], gc.Equals, "10.0.0.1:2181/app")
	c.Check(published["endpoints"], gc.Equals, "10.0.0.1:2181")
	c.Check(published["tls"], gc.Equals, "disabled")
}

func (s *charmSuite) TestClientRelationBroken(c *gc.C) {
	s.bootstrap(c)
	rel := s.addClient(c)
	c.Assert(s.relationHook(c, "zookeeper/0", "zookeeper-relation-changed", rel.ID), jc.ErrorIsNil)
	s.ensemble.ResetCalls()

	c.Assert(s.relationHook(c, "zookeeper/0", "zookeeper-relation-broken", rel.ID), jc.ErrorIsNil)
	s.ensemble.CheckCall(c, 0, "RevokeACLs", "/app", "relation-5")
	_, ok := s.appData()["relation-5"]
	c.Check(ok, jc.IsFalse)
	_, ok = s.appData()["relation-5-chroot"]
	c.Check(ok, jc.IsFalse)
	c.Check(config.ParseJAASUsers(s.conf(c, "zookeeper/0", config.JAASFile)), jc.DeepEquals, []string{"super", "sync"})
	s.checkStatus(c, "zookeeper/0", status.Active)
}

func (s *charmSuite) TestClientWithoutChrootIgnored(c *gc.C) {
	s.bootstrap(c)
	rel := s.juju.AddRelation("zookeeper:6", "zookeeper", "other", "zookeeper/0", "other/0")

	c.Assert(s.relationHook(c, "zookeeper/0", "zookeeper-relation-joined", rel.ID), jc.ErrorIsNil)
	c.Check(rel.Data["zookeeper"], gc.HasLen, 0)
	_, ok := s.appData()["relation-6"]
	c.Check(ok, jc.IsFalse)
}
