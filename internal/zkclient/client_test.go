// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package zkclient_test

import (
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/canonical/zookeeper-operator/internal/zkclient"
)

type managerSuite struct {
	testing.IsolationSuite

	conn    *MockConn
	dialed  [][]string
	manager *zkclient.Manager
}

var _ = gc.Suite(&managerSuite{})

var hosts = []string{"10.0.0.1:2181", "10.0.0.2:2181", "10.0.0.3:2181"}

const membership = `server.1=10.0.0.1:2888:3888:participant;0.0.0.0:2181
server.2=10.0.0.2:2888:3888:participant;0.0.0.0:2181
version=100000002`

func (s *managerSuite) setup(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.conn = NewMockConn(ctrl)
	s.dialed = nil
	s.manager = zkclient.NewManager(hosts, "super", "pw")
	s.manager.Dial = func(hosts []string, timeout time.Duration) (zkclient.Conn, error) {
		s.dialed = append(s.dialed, hosts)
		return s.conn, nil
	}
	s.manager.Srvr = func(servers []string, timeout time.Duration) ([]*zk.ServerStats, bool) {
		return []*zk.ServerStats{
			{Mode: zk.ModeFollower},
			{Mode: zk.ModeLeader},
			{Error: errors.New("connection refused")},
		}, false
	}
	return ctrl
}

func (s *managerSuite) expectSession() {
	s.conn.EXPECT().AddAuth("digest", []byte("super:pw")).Return(nil)
	s.conn.EXPECT().Close()
}

func (s *managerSuite) TestLeader(c *gc.C) {
	defer s.setup(c).Finish()

	leader, err := s.manager.Leader()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leader, gc.Equals, "10.0.0.2:2181")
}

func (s *managerSuite) TestLeaderNotFound(c *gc.C) {
	defer s.setup(c).Finish()
	s.manager.Srvr = func(servers []string, timeout time.Duration) ([]*zk.ServerStats, bool) {
		return []*zk.ServerStats{{Mode: zk.ModeFollower}}, true
	}

	_, err := s.manager.Leader()
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *managerSuite) TestAuthFailureClosesSession(c *gc.C) {
	defer s.setup(c).Finish()
	s.conn.EXPECT().AddAuth("digest", []byte("super:pw")).Return(zk.ErrAuthFailed)
	s.conn.EXPECT().Close()

	_, err := s.manager.ServerMembers()
	c.Check(err, gc.ErrorMatches, `authenticating as "super": .*`)
}

func (s *managerSuite) TestServerMembers(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Get("/zookeeper/config").Return([]byte(membership), &zk.Stat{}, nil)

	members, err := s.manager.ServerMembers()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(members.IDs(), jc.DeepEquals, []int{1, 2})
	c.Check(members.Version, gc.Equals, int64(0x100000002))
	c.Check(s.dialed, jc.DeepEquals, [][]string{{"10.0.0.2:2181"}})
}

func (s *managerSuite) TestAddMembersSkipsExisting(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Get("/zookeeper/config").Return([]byte(membership), &zk.Stat{}, nil)
	s.conn.EXPECT().IncrementalReconfig(
		[]string{"server.3=10.0.0.3:2888:3888:participant;0.0.0.0:2181"}, gomock.Nil(), int64(-1),
	).Return(&zk.Stat{}, nil)

	err := s.manager.AddMembers([]string{
		"server.2=10.0.0.2:2888:3888:participant;0.0.0.0:2181",
		"server.3=10.0.0.3:2888:3888:participant;0.0.0.0:2181",
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestAddMembersNothingToDo(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Get("/zookeeper/config").Return([]byte(membership), &zk.Stat{}, nil)

	err := s.manager.AddMembers([]string{"server.1=10.0.0.1:2888:3888:participant;0.0.0.0:2181"})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestAddMembersInvalidLine(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Get("/zookeeper/config").Return([]byte(membership), &zk.Stat{}, nil)

	err := s.manager.AddMembers([]string{"version=1"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *managerSuite) TestRemoveMembers(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Get("/zookeeper/config").Return([]byte(membership), &zk.Stat{}, nil)
	s.conn.EXPECT().IncrementalReconfig(gomock.Nil(), []string{"2"}, int64(-1)).Return(nil, errors.New("no quorum"))

	err := s.manager.RemoveMembers([]int{2, 5})
	c.Check(err, gc.ErrorMatches, `reconfig removing \[2\]: .*`)
}

func (s *managerSuite) TestCreateZNodes(c *gc.C) {
	defer s.setup(c).Finish()
	acls := []zk.ACL{zkclient.SASLACL("relation-1", zk.PermAll)}
	s.expectSession()
	gomock.InOrder(
		s.conn.EXPECT().Exists("/app").Return(true, &zk.Stat{}, nil),
		s.conn.EXPECT().Exists("/app/chroot").Return(false, nil, nil),
		s.conn.EXPECT().Create("/app/chroot", gomock.Nil(), int32(0), acls).Return("/app/chroot", nil),
		s.conn.EXPECT().SetACL("/app/chroot", acls, int32(-1)).Return(&zk.Stat{}, nil),
	)

	err := s.manager.CreateZNodes([]string{"/app/chroot"}, acls)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestCreateZNodesRelativePath(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()

	err := s.manager.CreateZNodes([]string{"app"}, nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *managerSuite) TestDeleteZNodeRecursive(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	gomock.InOrder(
		s.conn.EXPECT().Children("/app").Return([]string{"a"}, &zk.Stat{}, nil),
		s.conn.EXPECT().Children("/app/a").Return(nil, &zk.Stat{}, nil),
		s.conn.EXPECT().Delete("/app/a", int32(-1)).Return(nil),
		s.conn.EXPECT().Delete("/app", int32(-1)).Return(nil),
	)

	err := s.manager.DeleteZNode("/app")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestDeleteMissingZNode(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Children("/gone").Return(nil, nil, zk.ErrNoNode)

	err := s.manager.DeleteZNode("/gone")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestRevokeACLs(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	kept := zkclient.SASLACL("relation-2", zk.PermRead)
	s.conn.EXPECT().GetACL("/app").Return([]zk.ACL{
		zkclient.SASLACL("relation-1", zk.PermAll),
		kept,
	}, &zk.Stat{}, nil)
	s.conn.EXPECT().SetACL("/app", []zk.ACL{kept}, int32(-1)).Return(&zk.Stat{}, nil)

	err := s.manager.RevokeACLs("/app", "relation-1")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestRevokeLastACLKeepsSuper(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().GetACL("/app").Return([]zk.ACL{zkclient.SASLACL("relation-1", zk.PermAll)}, &zk.Stat{}, nil)
	s.conn.EXPECT().SetACL("/app", []zk.ACL{zkclient.DigestACL("super", "pw", zk.PermAll)}, int32(-1)).Return(&zk.Stat{}, nil)

	err := s.manager.RevokeACLs("/app", "relation-1")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *managerSuite) TestGetACLMissing(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().GetACL("/nope").Return(nil, nil, zk.ErrNoNode)

	_, err := s.manager.GetACL("/nope")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	c.Check(s.dialed, jc.DeepEquals, [][]string{hosts})
}

func (s *managerSuite) TestExists(c *gc.C) {
	defer s.setup(c).Finish()
	s.expectSession()
	s.conn.EXPECT().Exists("/app").Return(true, &zk.Stat{}, nil)

	exists, err := s.manager.Exists("/app")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(exists, jc.IsTrue)
}

func (s *managerSuite) TestPingServers(c *gc.C) {
	defer s.setup(c).Finish()
	s.manager.Ruok = func(servers []string, timeout time.Duration) []bool {
		c.Check(servers, jc.DeepEquals, hosts)
		return []bool{true, false, true}
	}

	err := s.manager.PingServers()
	c.Check(err, gc.ErrorMatches, "servers not serving requests: 10.0.0.2:2181")

	s.manager.Ruok = func([]string, time.Duration) []bool { return []bool{true, true, true} }
	c.Check(s.manager.PingServers(), jc.ErrorIsNil)
}

type helpersSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&helpersSuite{})

func (s *helpersSuite) TestParsePerms(c *gc.C) {
	perms, err := zkclient.ParsePerms("cdrwa")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(perms, gc.Equals, int32(zk.PermAll))

	perms, err = zkclient.ParsePerms("rw")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(perms, gc.Equals, int32(zk.PermRead|zk.PermWrite))

	_, err = zkclient.ParsePerms("rx")
	c.Check(err, gc.ErrorMatches, `permission "x" not valid`)
	_, err = zkclient.ParsePerms("")
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *helpersSuite) TestDigest(c *gc.C) {
	acl := zkclient.DigestACL("super", "pw", zk.PermAll)
	c.Check(acl.Scheme, gc.Equals, "digest")
	c.Check(acl.ID, gc.Matches, "super:.+")
	c.Check(zkclient.SuperDigest("super", "pw"), gc.Equals, acl.ID)
}

func (s *helpersSuite) TestParseMembers(c *gc.C) {
	members, err := zkclient.ParseMembers(membership)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(members.Servers[2], gc.Equals, "server.2=10.0.0.2:2888:3888:participant;0.0.0.0:2181")

	_, err = zkclient.ParseMembers("server.x=host")
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *helpersSuite) TestHostsWithPort(c *gc.C) {
	c.Check(zkclient.HostsWithPort([]string{"10.0.0.2", "", "10.0.0.1", "10.0.0.2"}, 2181), jc.DeepEquals,
		[]string{"10.0.0.1:2181", "10.0.0.2:2181"})
}
