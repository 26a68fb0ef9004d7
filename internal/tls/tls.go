// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tls requests unit certificates over the certificates relation
// and keeps the key material in unit secrets and on disk.
package tls

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/hookenv"
	"github.com/canonical/zookeeper-operator/internal/secrets"
	"github.com/canonical/zookeeper-operator/pki"
)

var logger = loggo.GetLogger("zookeeper.tls")

// Databag keys of the tls-certificates interface.
const (
	CSRsKey         = "certificate_signing_requests"
	CertificatesKey = "certificates"
)

type certificateRequest struct {
	CSR string `json:"certificate_signing_request"`
	CA  bool   `json:"ca"`
}

// ProviderCertificate is a certificate issued by the certificates provider.
type ProviderCertificate struct {
	Certificate string   `json:"certificate"`
	CSR         string   `json:"certificate_signing_request"`
	CA          string   `json:"ca"`
	Chain       []string `json:"chain"`
	Revoked     bool     `json:"revoked,omitempty"`
}

// SecretStore holds the unit's TLS material.
type SecretStore interface {
	Content(scope secrets.Scope) (map[string]string, error)
	Set(scope secrets.Scope, values map[string]string) error
}

// Files writes the key and trust stores the server reads.
type Files interface {
	WriteTLSFiles(privateKey, certificate, ca string, chain []string) error
	RemoveTLSFiles() error
}

// SANs are the names the unit certificate is valid for.
type SANs struct {
	Unit     string
	IP       string
	Hostname string
	FQDN     string
}

// State is the TLS material of a unit.
type State struct {
	PrivateKey         string
	CSR                string
	Certificate        string
	CA                 string
	Chain              []string
	KeystorePassword   string
	TruststorePassword string
}

// Ready reports whether the unit holds a signed certificate.
func (s State) Ready() bool {
	return s.PrivateKey != "" && s.Certificate != "" && s.CA != ""
}

// Fingerprint returns the sha256 of the certificate, recorded in the peer
// relation so other units can tell when a unit's certificate changed.
func (s State) Fingerprint() string {
	if s.Certificate == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(s.Certificate)))
	return hex.EncodeToString(sum[:])
}

// Manager drives the unit side of the certificates relation.
type Manager struct {
	ctx     hookenv.Context
	secrets SecretStore
	files   Files

	NewKey      pki.KeyProfile
	NewPassword func() (string, error)
}

// New returns a Manager.
func New(ctx hookenv.Context, secrets SecretStore, files Files) *Manager {
	return &Manager{
		ctx:         ctx,
		secrets:     secrets,
		files:       files,
		NewKey:      pki.DefaultKeyProfile,
		NewPassword: utils.RandomPassword,
	}
}

// State reads the unit's TLS material.
func (m *Manager) State() (State, error) {
	content, err := m.secrets.Content(secrets.ScopeUnit)
	if err != nil {
		return State{}, errors.Trace(err)
	}
	return State{
		PrivateKey:         content[literals.PrivateKeyKey],
		CSR:                content[literals.CSRKey],
		Certificate:        content[literals.CertificateKey],
		CA:                 content[literals.CACertKey],
		Chain:              splitPEM(content[literals.ChainKey]),
		KeystorePassword:   content[literals.KeystorePasswordKey],
		TruststorePassword: content[literals.TruststorePasswordKey],
	}, nil
}

// RequestCertificate publishes a CSR for the unit. The private key and
// store passwords are generated on first use and kept across requests.
func (m *Manager) RequestCertificate(relationID string, sans SANs) error {
	state, err := m.State()
	if err != nil {
		return errors.Trace(err)
	}
	updates := make(map[string]string)
	if state.PrivateKey == "" {
		signer, err := m.NewKey()
		if err != nil {
			return errors.Annotate(err, "generating private key")
		}
		if state.PrivateKey, err = pki.SignerToPemString(signer); err != nil {
			return errors.Trace(err)
		}
		updates[literals.PrivateKeyKey] = state.PrivateKey
	}
	existing := map[string]string{
		literals.KeystorePasswordKey:   state.KeystorePassword,
		literals.TruststorePasswordKey: state.TruststorePassword,
	}
	for key, current := range existing {
		if current != "" {
			continue
		}
		password, err := m.NewPassword()
		if err != nil {
			return errors.Annotate(err, "generating store password")
		}
		updates[key] = password
	}

	signer, err := pki.SignerFromPem(state.PrivateKey)
	if err != nil {
		return errors.Annotate(err, "loading private key")
	}
	request := pki.NewCSRRequest(pkix.Name{CommonName: sans.IP}, signer).
		AddDNSNames(strings.ReplaceAll(sans.Unit, "/", "-"), sans.Hostname, sans.FQDN)
	if ip := net.ParseIP(sans.IP); ip != nil {
		request.AddIPAddresses(ip)
	}
	csr, err := request.Commit()
	if err != nil {
		return errors.Trace(err)
	}
	updates[literals.CSRKey] = csr
	if err := m.secrets.Set(secrets.ScopeUnit, updates); err != nil {
		return errors.Trace(err)
	}

	data, err := json.Marshal([]certificateRequest{{CSR: csr}})
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.ctx.RelationSet(relationID, false, map[string]string{CSRsKey: string(data)}); err != nil {
		return errors.Annotate(err, "publishing certificate request")
	}
	logger.Infof("requested certificate for %s", sans.Unit)
	return nil
}

// ProviderCertificates reads the certificates issued on the relation.
func (m *Manager) ProviderCertificates(relationID string) ([]ProviderCertificate, error) {
	app, err := m.ctx.RelationRemoteApp(relationID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := m.ctx.RelationGet(relationID, app, true)
	if err != nil {
		return nil, errors.Annotatef(err, "reading certificates of %s", app)
	}
	raw := data[CertificatesKey]
	if raw == "" {
		return nil, nil
	}
	var certs []ProviderCertificate
	if err := json.Unmarshal([]byte(raw), &certs); err != nil {
		return nil, errors.Annotatef(err, "parsing certificates of %s", app)
	}
	return certs, nil
}

// CertificateAvailable stores the certificate issued for the unit's CSR and
// writes the key and trust stores. It reports whether the certificate
// changed.
func (m *Manager) CertificateAvailable(relationID string) (bool, error) {
	state, err := m.State()
	if err != nil {
		return false, errors.Trace(err)
	}
	if state.CSR == "" {
		return false, nil
	}
	certs, err := m.ProviderCertificates(relationID)
	if err != nil {
		return false, errors.Trace(err)
	}
	var issued *ProviderCertificate
	for i, cert := range certs {
		if strings.TrimSpace(cert.CSR) == strings.TrimSpace(state.CSR) && !cert.Revoked {
			issued = &certs[i]
			break
		}
	}
	if issued == nil {
		logger.Debugf("no certificate issued for the current request yet")
		return false, nil
	}
	if _, err := pki.CertificatesFromPem(issued.Certificate); err != nil {
		return false, errors.Annotate(err, "issued certificate")
	}
	if strings.TrimSpace(issued.Certificate) == strings.TrimSpace(state.Certificate) &&
		strings.TrimSpace(issued.CA) == strings.TrimSpace(state.CA) {
		return false, nil
	}
	err = m.secrets.Set(secrets.ScopeUnit, map[string]string{
		literals.CertificateKey: issued.Certificate,
		literals.CACertKey:      issued.CA,
		literals.ChainKey:       strings.Join(issued.Chain, "\n"),
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := m.files.WriteTLSFiles(state.PrivateKey, issued.Certificate, issued.CA, issued.Chain); err != nil {
		return false, errors.Annotate(err, "writing tls stores")
	}
	logger.Infof("certificate available")
	return true, nil
}

// WriteFiles rewrites the stores from the stored material, e.g. after the
// snap was reinstalled.
func (m *Manager) WriteFiles() error {
	state, err := m.State()
	if err != nil {
		return errors.Trace(err)
	}
	if !state.Ready() {
		return errors.NotFoundf("unit certificate")
	}
	return errors.Trace(m.files.WriteTLSFiles(state.PrivateKey, state.Certificate, state.CA, state.Chain))
}

// Remove drops the certificate and its stores after the certificates
// relation is broken. The private key and store passwords are kept for a
// later request.
func (m *Manager) Remove() error {
	err := m.secrets.Set(secrets.ScopeUnit, map[string]string{
		literals.CertificateKey: "",
		literals.CACertKey:      "",
		literals.ChainKey:       "",
		literals.CSRKey:         "",
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(m.files.RemoveTLSFiles(), "removing tls stores")
}

// splitPEM splits concatenated PEM blocks.
func splitPEM(data string) []string {
	var blocks []string
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return blocks
		}
		blocks = append(blocks, string(pem.EncodeToMemory(block)))
	}
}
