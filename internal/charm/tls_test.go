// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charm_test

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/zookeeper-operator/core/status"
	"github.com/canonical/zookeeper-operator/internal/config"
	hookenvtesting "github.com/canonical/zookeeper-operator/internal/hookenv/testing"
	"github.com/canonical/zookeeper-operator/internal/tls"
	"github.com/canonical/zookeeper-operator/pki"
)

type tlsSuite struct {
	testing.IsolationSuite
	harness

	caKey  crypto.Signer
	caCert *x509.Certificate
	caPem  string

	certs  *hookenvtesting.Relation
	client *hookenvtesting.Relation
}

var _ = gc.Suite(&tlsSuite{})

func (s *tlsSuite) SetUpSuite(c *gc.C) {
	s.IsolationSuite.SetUpSuite(c)
	var err error
	s.caKey, err = pki.ECDSAP256()
	c.Assert(err, jc.ErrorIsNil)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "self-signed-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, s.caKey.Public(), s.caKey)
	c.Assert(err, jc.ErrorIsNil)
	s.caCert, err = x509.ParseCertificate(der)
	c.Assert(err, jc.ErrorIsNil)
	s.caPem = string(pem.EncodeToMemory(&pem.Block{Type: pki.PEMTypeCertificate, Bytes: der}))
}

func (s *tlsSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.harness.setUp(c)
	s.client = s.juju.AddRelation("zookeeper:5", "zookeeper", "app", "zookeeper/0", "app/0")
	s.client.Data["app"] = map[string]string{"database": "/app"}
	s.bootstrap(c)
	s.certs = s.juju.AddRelation("certificates:3", "certificates", "self-signed-certificates",
		"zookeeper/0", "self-signed-certificates/0")
}

// issue signs the CSR the unit published on the certificates relation.
func (s *tlsSuite) issue(c *gc.C) {
	var requests []map[string]interface{}
	err := json.Unmarshal([]byte(s.certs.Data["zookeeper/0"][tls.CSRsKey]), &requests)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(requests, gc.HasLen, 1)
	csrPem := requests[0]["certificate_signing_request"].(string)

	csr, err := pki.CSRFromPem(csrPem)
	c.Assert(err, jc.ErrorIsNil)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, csr.PublicKey, s.caKey)
	c.Assert(err, jc.ErrorIsNil)
	cert := string(pem.EncodeToMemory(&pem.Block{Type: pki.PEMTypeCertificate, Bytes: der}))
	data, err := json.Marshal([]tls.ProviderCertificate{{
		Certificate: cert,
		CSR:         csrPem,
		CA:          s.caPem,
		Chain:       []string{cert, s.caPem},
	}})
	c.Assert(err, jc.ErrorIsNil)
	s.certs.Data["self-signed-certificates"] = map[string]string{tls.CertificatesKey: string(data)}
}

// enableTLS walks the single unit through the encryption switch.
func (s *tlsSuite) enableTLS(c *gc.C) {
	c.Assert(s.relationHook(c, "zookeeper/0", "certificates-relation-joined", s.certs.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.NoCert)
	c.Check(s.appData()["tls"], gc.Equals, "enabled")
	c.Check(s.appData()["switching-encryption"], gc.Equals, "started")

	s.issue(c)
	c.Assert(s.relationHook(c, "zookeeper/0", "certificates-relation-changed", s.certs.ID), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.SwitchingEncryption)
	props := s.zooCfg(c, "zookeeper/0")
	c.Check(props["portUnification"], gc.Equals, "true")
	c.Check(props["secureClientPort"], gc.Equals, "2182")
	c.Check(props["sslQuorum"], gc.Equals, "")
	c.Check(s.peers.Data["zookeeper/0"]["unified"], gc.Equals, "true")

	c.Assert(s.hook(c, "zookeeper/0", "update-status"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.AllUnified)
	c.Check(s.appData()["quorum"], gc.Equals, "ssl")
	_, switching := s.appData()["switching-encryption"]
	c.Check(switching, jc.IsFalse)
	props = s.zooCfg(c, "zookeeper/0")
	c.Check(props["sslQuorum"], gc.Equals, "true")
	c.Check(props["portUnification"], gc.Equals, "true")

	c.Assert(s.hook(c, "zookeeper/0", "update-status"), jc.ErrorIsNil)
	s.checkStatus(c, "zookeeper/0", status.Active)
}

func (s *tlsSuite) TestEnableTLS(c *gc.C) {
	u := s.units["zookeeper/0"]
	u.service.ResetCalls()
	s.enableTLS(c)

	props := s.zooCfg(c, "zookeeper/0")
	c.Check(props["sslQuorum"], gc.Equals, "true")
	c.Check(props["portUnification"], gc.Equals, "")
	unit := s.peers.Data["zookeeper/0"]
	c.Check(unit["quorum"], gc.Equals, "ssl")
	c.Check(unit["certificate"], gc.Not(gc.Equals), "")
	_, unified := unit["unified"]
	c.Check(unified, jc.IsFalse)
	u.service.CheckCallNames(c, "Restart", "Restart", "Restart")

	keystore := s.conf(c, "zookeeper/0", config.KeystoreFile)
	c.Check(keystore, jc.Contains, "PRIVATE KEY")
	c.Check(s.conf(c, "zookeeper/0", config.TruststoreFile), jc.Contains, "BEGIN CERTIFICATE")

	published := s.client.Data["zookeeper"]
	c.Check(published["uris"], gc.Equals, "10.0.0.1:2182/app")
	c.Check(published["tls"], gc.Equals, "enabled")
	c.Check(published["tls-ca"], gc.Equals, s.caPem)
}

func (s *tlsSuite) TestDisableTLS(c *gc.C) {
	s.enableTLS(c)

	c.Assert(s.relationHook(c, "zookeeper/0", "certificates-relation-broken", s.certs.ID), jc.ErrorIsNil)
	s.juju.RemoveRelation(s.certs.ID)
	s.checkStatus(c, "zookeeper/0", status.Active)

	app := s.appData()
	c.Check(app["quorum"], gc.Equals, "non-ssl")
	_, enabled := app["tls"]
	c.Check(enabled, jc.IsFalse)
	props := s.zooCfg(c, "zookeeper/0")
	c.Check(props["secureClientPort"], gc.Equals, "")
	c.Check(props["sslQuorum"], gc.Equals, "")
	unit := s.peers.Data["zookeeper/0"]
	c.Check(unit["quorum"], gc.Equals, "non-ssl")
	_, cert := unit["certificate"]
	c.Check(cert, jc.IsFalse)

	published := s.client.Data["zookeeper"]
	c.Check(published["uris"], gc.Equals, "10.0.0.1:2181/app")
	c.Check(published["tls"], gc.Equals, "disabled")
}

func (s *tlsSuite) TestUpgradeCharmRewritesStores(c *gc.C) {
	s.enableTLS(c)
	u := s.units["zookeeper/0"]
	c.Assert(u.workload.RemoveTLSFiles(), jc.ErrorIsNil)

	c.Assert(s.hook(c, "zookeeper/0", "upgrade-charm"), jc.ErrorIsNil)
	c.Check(s.conf(c, "zookeeper/0", config.KeystoreFile), jc.Contains, "PRIVATE KEY")
	s.checkStatus(c, "zookeeper/0", status.Active)
}
