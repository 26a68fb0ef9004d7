// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"io"
	"strings"

	"github.com/juju/errors"
)

const (
	PEMTypeCertificate = "CERTIFICATE"
	PEMTypeCSR         = "CERTIFICATE REQUEST"
	PEMTypePKCS1       = "RSA PRIVATE KEY"
	PEMTypePKCS8       = "PRIVATE KEY"
)

// SignerToPemWriter writes the private key as a PKCS8 pem block.
func SignerToPemWriter(out io.Writer, signer crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return errors.Annotate(err, "marshalling private key")
	}
	return errors.Trace(pem.Encode(out, &pem.Block{Type: PEMTypePKCS8, Bytes: der}))
}

// SignerToPemString returns the private key as a PKCS8 pem string.
func SignerToPemString(signer crypto.Signer) (string, error) {
	builder := strings.Builder{}
	if err := SignerToPemWriter(&builder, signer); err != nil {
		return "", errors.Trace(err)
	}
	return builder.String(), nil
}

// SignerFromPem parses the first private key found in pemStr. PKCS8 and
// PKCS1 blocks are understood.
func SignerFromPem(pemStr string) (crypto.Signer, error) {
	rest := []byte(pemStr)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.NotFoundf("private key in pem data")
		}
		switch block.Type {
		case PEMTypePKCS8:
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Annotate(err, "parsing pkcs8 private key")
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, errors.NotSupportedf("private key type %T", key)
			}
			return signer, nil
		case PEMTypePKCS1:
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Annotate(err, "parsing pkcs1 private key")
			}
			return key, nil
		}
	}
}

// CertificatesFromPem parses every certificate block in pemStr, in order.
func CertificatesFromPem(pemStr string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(pemStr)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != PEMTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Annotate(err, "parsing certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.NotFoundf("certificate in pem data")
	}
	return certs, nil
}
