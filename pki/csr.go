// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"net"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// CSRRequest collects the attributes of a certificate signing request.
type CSRRequest struct {
	dnsNames    set.Strings
	ipAddresses map[string]net.IP
	signer      crypto.Signer
	subject     pkix.Name
}

// NewCSRRequest returns a CSRRequest for subject signed by signer.
func NewCSRRequest(subject pkix.Name, signer crypto.Signer) *CSRRequest {
	return &CSRRequest{
		dnsNames:    set.Strings{},
		ipAddresses: map[string]net.IP{},
		signer:      signer,
		subject:     subject,
	}
}

// AddDNSNames adds the specified dns names to the request. Empty names are
// ignored.
func (r *CSRRequest) AddDNSNames(dnsNames ...string) *CSRRequest {
	for _, name := range dnsNames {
		if name != "" {
			r.dnsNames.Add(name)
		}
	}
	return r
}

// AddIPAddresses adds the specified ip addresses to the request.
func (r *CSRRequest) AddIPAddresses(ipAddresses ...net.IP) *CSRRequest {
	for _, ipAddress := range ipAddresses {
		if ipAddress == nil {
			continue
		}
		ipStr := ipAddress.String()
		if _, exists := r.ipAddresses[ipStr]; !exists {
			r.ipAddresses[ipStr] = ipAddress
		}
	}
	return r
}

// Commit signs the request and returns it pem encoded.
func (r *CSRRequest) Commit() (string, error) {
	if r.signer == nil {
		return "", errors.NotValidf("csr request without signer")
	}
	template := &x509.CertificateRequest{
		Subject:     r.subject,
		DNSNames:    r.dnsNames.SortedValues(),
		IPAddresses: ipAddressMapToSlice(r.ipAddresses),
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, r.signer)
	if err != nil {
		return "", errors.Annotate(err, "creating certificate request")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: PEMTypeCSR, Bytes: der})), nil
}

// CSRFromPem parses a pem encoded certificate signing request.
func CSRFromPem(pemStr string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != PEMTypeCSR {
		return nil, errors.NotFoundf("certificate request in pem data")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Annotate(err, "parsing certificate request")
	}
	return csr, nil
}

func ipAddressMapToSlice(m map[string]net.IP) []net.IP {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rval := make([]net.IP, len(keys))
	for i, k := range keys {
		rval[i] = m[k]
	}
	return rval
}
