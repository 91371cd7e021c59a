package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/lead-call-orchestrator/internal/config"
)

var keyspaceName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

var consistencyLevels = map[string]gocql.Consistency{
	"any":          gocql.Any,
	"one":          gocql.One,
	"two":          gocql.Two,
	"local_one":    gocql.LocalOne,
	"quorum":       gocql.Quorum,
	"local_quorum": gocql.LocalQuorum,
	"each_quorum":  gocql.EachQuorum,
	"all":          gocql.All,
}

// Scylla holds the transcript store session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla opens a session on cfg.Keyspace. With cfg.InitSchema the
// keyspace is created first through a keyspace-less bootstrap session.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	if !keyspaceName.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("scylla: invalid keyspace name %q", cfg.Keyspace)
	}
	consistency, err := parseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	if cfg.InitSchema {
		if err := createKeyspace(cfg, consistency); err != nil {
			return nil, err
		}
	}

	cluster := clusterFor(cfg, consistency)
	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	return &Scylla{session: session}, nil
}

func clusterFor(cfg config.ScyllaConfig, consistency gocql.Consistency) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	cluster.Consistency = consistency
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        time.Second,
	}
	return cluster
}

func createKeyspace(cfg config.ScyllaConfig, consistency gocql.Consistency) error {
	bootstrap, err := clusterFor(cfg, consistency).CreateSession()
	if err != nil {
		return fmt.Errorf("scylla: bootstrap: %w", err)
	}
	defer bootstrap.Close()

	stmt := "CREATE KEYSPACE IF NOT EXISTS " + cfg.Keyspace +
		" WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}"
	if err := bootstrap.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}

func parseConsistency(level string) (gocql.Consistency, error) {
	if level == "" {
		return gocql.Quorum, nil
	}
	c, ok := consistencyLevels[strings.ToLower(level)]
	if !ok {
		return 0, fmt.Errorf("scylla: unknown consistency %q", level)
	}
	return c, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial read against system.local.
func (s *Scylla) Ping(ctx context.Context) error {
	var release string
	if err := s.session.Query("SELECT release_version FROM system.local").WithContext(ctx).Scan(&release); err != nil {
		return fmt.Errorf("scylla: ping: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}
