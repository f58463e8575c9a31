// Package graph wraps the Neo4j driver with session-scoped helpers for the
// metadata graph: parameterized queries, DDL management and full wipes.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/observability"
)

// Store holds a process-wide driver. Sessions are opened per operation and
// released on all exit paths.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *observability.Logger
}

// NewStore connects to Neo4j and verifies connectivity.
func NewStore(ctx context.Context, cfg config.GraphConfig, logger *observability.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	return &Store{
		driver:   driver,
		database: cfg.Database,
		logger:   logger,
	}, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Run executes a single write query and consumes the result.
func (s *Store) Run(ctx context.Context, cypher string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return fmt.Errorf("run query: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("consume result: %w", err)
	}
	return nil
}

// Query executes a read query and collects all records.
func (s *Store) Query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect result: %w", err)
	}
	return records, nil
}

// EnsureConstraint creates a uniqueness constraint if it does not exist.
// Names and labels come from trusted configuration, never from request input.
func (s *Store) EnsureConstraint(ctx context.Context, name, label string, props []string) error {
	qualified := make([]string, len(props))
	for i, p := range props {
		qualified[i] = "n." + p
	}
	cypher := fmt.Sprintf(
		"CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE (%s) IS UNIQUE",
		name, label, strings.Join(qualified, ", "),
	)
	if err := s.Run(ctx, cypher, nil); err != nil {
		return fmt.Errorf("ensure constraint %s: %w", name, err)
	}
	return nil
}

// EnsureVectorIndex creates a vector index if it does not exist.
func (s *Store) EnsureVectorIndex(ctx context.Context, name, label, prop string, dims int, similarity string) error {
	cypher := fmt.Sprintf(
		"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON n.%s "+
			"OPTIONS { indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: '%s'} }",
		name, label, prop, dims, similarity,
	)
	if err := s.Run(ctx, cypher, nil); err != nil {
		return fmt.Errorf("ensure vector index %s: %w", name, err)
	}
	return nil
}

// EnsureFulltextIndex creates a fulltext index if it does not exist.
func (s *Store) EnsureFulltextIndex(ctx context.Context, name, label string, props []string) error {
	qualified := make([]string, len(props))
	for i, p := range props {
		qualified[i] = "n." + p
	}
	cypher := fmt.Sprintf(
		"CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [%s]",
		name, label, strings.Join(qualified, ", "),
	)
	if err := s.Run(ctx, cypher, nil); err != nil {
		return fmt.Errorf("ensure fulltext index %s: %w", name, err)
	}
	return nil
}

// Clear wipes every node, constraint and index. All or nothing: a failure
// leaves the store in an undefined state and is returned to the caller.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.Run(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}

	constraints, err := s.Query(ctx, "SHOW CONSTRAINTS", nil)
	if err != nil {
		return fmt.Errorf("show constraints: %w", err)
	}
	for _, record := range constraints {
		name, ok := recordString(record, "name")
		if !ok {
			continue
		}
		if err := s.Run(ctx, fmt.Sprintf("DROP CONSTRAINT %s", name), nil); err != nil {
			return fmt.Errorf("drop constraint %s: %w", name, err)
		}
	}

	indexes, err := s.Query(ctx, "SHOW INDEXES", nil)
	if err != nil {
		return fmt.Errorf("show indexes: %w", err)
	}
	for _, record := range indexes {
		name, ok := recordString(record, "name")
		if !ok {
			continue
		}
		// Constraint-backed indexes are already gone at this point.
		if err := s.Run(ctx, fmt.Sprintf("DROP INDEX %s", name), nil); err != nil {
			s.logger.Warn().Str("index", name).Err(err).Msg("drop index failed")
		}
	}

	s.logger.Info().Msg("graph store cleared")
	return nil
}

func recordString(record *neo4j.Record, key string) (string, bool) {
	v, ok := record.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// NodeProps extracts the property map of a node-valued column from a record.
func NodeProps(record *neo4j.Record, key string) (map[string]any, bool) {
	v, ok := record.Get(key)
	if !ok {
		return nil, false
	}
	switch n := v.(type) {
	case neo4j.Node:
		return n.Props, true
	case map[string]any:
		return n, true
	}
	return nil, false
}
