// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/zookeeper-operator/core/literals"
	"github.com/canonical/zookeeper-operator/internal/s3client"
)

// Keys of the s3-credentials relation.
const (
	AccessKeyKey  = "access-key"
	SecretKeyKey  = "secret-key"
	BucketKey     = "bucket"
	EndpointKey   = "endpoint"
	RegionKey     = "region"
	PathKey       = "path"
	URIStyleKey   = "s3-uri-style"
	TLSCAChainKey = "tls-ca-chain"
)

var mandatoryParams = []string{AccessKeyKey, SecretKeyKey, BucketKey}

// S3Params are the object store settings published by an s3 integrator.
type S3Params struct {
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Path      string `yaml:"path"`
	URIStyle  string `yaml:"s3-uri-style,omitempty"`
}

// ParseS3Params reads relation data. Missing mandatory keys are NotValid.
func ParseS3Params(data map[string]string) (S3Params, error) {
	var missing []string
	for _, key := range mandatoryParams {
		if strings.TrimSpace(data[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return S3Params{}, errors.NotValidf("s3 parameters, missing %s", strings.Join(missing, ", "))
	}
	params := S3Params{
		AccessKey: data[AccessKeyKey],
		SecretKey: data[SecretKeyKey],
		Bucket:    data[BucketKey],
		Endpoint:  data[EndpointKey],
		Region:    data[RegionKey],
		Path:      strings.Trim(data[PathKey], "/"),
		URIStyle:  data[URIStyleKey],
	}
	if params.Path == "" {
		params.Path = literals.S3BackupsPath
	}
	return params, nil
}

// Credentials returns the client settings for the params.
func (p S3Params) Credentials() s3client.Credentials {
	return s3client.Credentials{
		AccessKey: p.AccessKey,
		SecretKey: p.SecretKey,
		Region:    p.Region,
		Endpoint:  p.Endpoint,
		PathStyle: p.URIStyle == "path",
	}
}

// Key returns the object key of name inside the backup id.
func (p S3Params) Key(id, name string) string {
	return fmt.Sprintf("%s/%s/%s", p.Path, id, name)
}

// Marshal serialises the params for storage in an application secret.
func (p S3Params) Marshal() (string, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

// UnmarshalS3Params is the inverse of Marshal.
func UnmarshalS3Params(content string) (S3Params, error) {
	var p S3Params
	if err := yaml.Unmarshal([]byte(content), &p); err != nil {
		return S3Params{}, errors.Annotate(err, "parsing stored s3 parameters")
	}
	if p.AccessKey == "" || p.SecretKey == "" || p.Bucket == "" {
		return S3Params{}, errors.NotValidf("stored s3 parameters")
	}
	if p.Path == "" {
		p.Path = literals.S3BackupsPath
	}
	return p, nil
}
