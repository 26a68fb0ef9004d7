// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics reads the Prometheus endpoint the ZooKeeper server
// exposes and summarises ensemble health from it.
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/canonical/zookeeper-operator/core/literals"
)

var logger = loggo.GetLogger("zookeeper.metrics")

// Metric names published by the server's Prometheus provider.
const (
	QuorumSizeMetric       = "quorum_size"
	SyncedFollowersMetric  = "synced_followers"
	UptimeMetric           = "uptime"
	ZNodeCountMetric       = "znode_count"
	AliveConnectionsMetric = "num_alive_connections"
	OutstandingMetric      = "outstanding_requests"
)

// DefaultTimeout bounds a scrape.
const DefaultTimeout = 5 * time.Second

// Health is the subset of server metrics the charm reports on. Followers
// only report the metrics they own, so leader-only values stay zero.
type Health struct {
	QuorumSize          int
	SyncedFollowers     int
	Uptime              time.Duration
	ZNodes              int
	AliveConnections    int
	OutstandingRequests int
}

// Degraded reports whether a leader sees fewer synced followers than the
// quorum needs.
func (h Health) Degraded() bool {
	return h.QuorumSize > 1 && h.SyncedFollowers < h.QuorumSize-1
}

// String implements fmt.Stringer.
func (h Health) String() string {
	return fmt.Sprintf("quorum %d, synced followers %d, znodes %d, connections %d, outstanding %d, up %s",
		h.QuorumSize, h.SyncedFollowers, h.ZNodes, h.AliveConnections, h.OutstandingRequests, h.Uptime)
}

// Scraper fetches metrics over HTTP.
type Scraper struct {
	Client *http.Client
}

// NewScraper returns a Scraper with a bounded client.
func NewScraper() *Scraper {
	return &Scraper{Client: &http.Client{Timeout: DefaultTimeout}}
}

// URL returns the metrics endpoint of host.
func URL(host string) string {
	return fmt.Sprintf("http://%s:%d/metrics", host, literals.MetricsProviderPort)
}

// Families fetches and parses every metric family served at url.
func (s *Scraper) Families(ctx context.Context, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "scraping %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("scraping %s: %s", url, resp.Status)
	}
	return Parse(resp.Body)
}

// Health scrapes the server on host.
func (s *Scraper) Health(ctx context.Context, host string) (Health, error) {
	families, err := s.Families(ctx, URL(host))
	if err != nil {
		return Health{}, errors.Trace(err)
	}
	h := HealthFromFamilies(families)
	logger.Tracef("%s: %s", host, h)
	return h, nil
}

// Parse reads the Prometheus text exposition format.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, errors.Annotate(err, "parsing metrics")
	}
	return families, nil
}

// HealthFromFamilies extracts Health from parsed families.
func HealthFromFamilies(families map[string]*dto.MetricFamily) Health {
	uptime, _ := Value(families, UptimeMetric)
	return Health{
		QuorumSize:          intValue(families, QuorumSizeMetric),
		SyncedFollowers:     intValue(families, SyncedFollowersMetric),
		Uptime:              time.Duration(uptime) * time.Millisecond,
		ZNodes:              intValue(families, ZNodeCountMetric),
		AliveConnections:    intValue(families, AliveConnectionsMetric),
		OutstandingRequests: intValue(families, OutstandingMetric),
	}
}

func intValue(families map[string]*dto.MetricFamily, name string) int {
	v, _ := Value(families, name)
	return int(v)
}

// Value returns the sum of a gauge, counter or untyped family over its
// label sets. ok is false when the family is missing.
func Value(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	family, found := families[name]
	if !found {
		return 0, false
	}
	var total float64
	for _, m := range family.GetMetric() {
		switch family.GetType() {
		case dto.MetricType_GAUGE:
			total += m.GetGauge().GetValue()
		case dto.MetricType_COUNTER:
			total += m.GetCounter().GetValue()
		case dto.MetricType_UNTYPED:
			total += m.GetUntyped().GetValue()
		case dto.MetricType_SUMMARY:
			total += m.GetSummary().GetSampleSum()
		}
	}
	return total, true
}
