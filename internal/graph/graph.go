// Package graph projects personas and memories into a Neo4j graph so the
// people a user talks about can be explored by who appears together.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
)

// CoMention is a persona that appears in the same memories as another.
type CoMention struct {
	PersonaID     string `json:"persona_id"`
	CanonicalName string `json:"canonical_name"`
	Count         int    `json:"count"`
}

// RelationGraph manages (User)-[:KNOWS]->(Persona) and
// (Memory)-[:MENTIONS]->(Persona) edges stored in Neo4j.
type RelationGraph struct {
	driver    neo4j.DriverWithContext
	boost     float64 // KNOWS strength added per memory
	decayRate float64 // KNOWS strength removed per Decay call
	logger    *zap.Logger
}

// Connect opens a Neo4j driver and verifies connectivity.
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}
	return driver, nil
}

// NewRelationGraph creates a relation graph backed by Neo4j.
func NewRelationGraph(driver neo4j.DriverWithContext, boost, decayRate float64, logger *zap.Logger) *RelationGraph {
	return &RelationGraph{
		driver:    driver,
		boost:     boost,
		decayRate: decayRate,
		logger:    logger,
	}
}

// EnsureSchema creates uniqueness constraints.
func (g *RelationGraph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT persona_id IF NOT EXISTS FOR (p:Persona) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT user_scope IF NOT EXISTS FOR (u:User) REQUIRE u.scope IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return nil
}

// RecordMemory projects a stored memory and the personas it mentions.
func (g *RelationGraph) RecordMemory(ctx context.Context, m *memory.Memory, personas []*persona.Persona) error {
	if len(personas) == 0 {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	rows := make([]map[string]interface{}, 0, len(personas))
	for _, p := range personas {
		rows = append(rows, map[string]interface{}{
			"id":           p.ID,
			"name":         p.CanonicalName,
			"relationship": string(p.RelationshipType),
		})
	}

	_, err := session.Run(ctx,
		`MERGE (u:User {scope: $scope})
		 MERGE (m:Memory {id: $memoryId})
		 SET m.label = $label, m.importance = $importance, m.timestamp = datetime($ts)
		 WITH u, m
		 UNWIND $personas AS row
		 MERGE (p:Persona {id: row.id})
		 SET p.name = row.name, p.relationship = row.relationship, p.scope = $scope
		 MERGE (u)-[k:KNOWS]->(p)
		 ON CREATE SET k.strength = $boost, k.updated_at = datetime()
		 ON MATCH SET k.strength = CASE WHEN k.strength + $boost > 1.0 THEN 1.0 ELSE k.strength + $boost END,
		              k.updated_at = datetime()
		 MERGE (m)-[:MENTIONS]->(p)`,
		map[string]interface{}{
			"scope":      m.UserScope,
			"memoryId":   m.ID,
			"label":      string(m.Emotion.Label),
			"importance": m.ImportanceScore,
			"ts":         m.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			"boost":      g.boost,
			"personas":   rows,
		})
	if err != nil {
		return fmt.Errorf("record memory %s: %w", m.ID, err)
	}
	return nil
}

// CoMentions returns the personas that share memories with personaID,
// most frequent first.
func (g *RelationGraph) CoMentions(ctx context.Context, scope, personaID string, limit int) ([]CoMention, error) {
	if limit <= 0 {
		limit = 5
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (p:Persona {id: $id, scope: $scope})<-[:MENTIONS]-(m:Memory)-[:MENTIONS]->(o:Persona)
		 WHERE o.id <> p.id
		 RETURN o.id AS id, o.name AS name, count(m) AS n
		 ORDER BY n DESC, id
		 LIMIT $limit`,
		map[string]interface{}{"id": personaID, "scope": scope, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("co-mentions: %w", err)
	}

	out := []CoMention{}
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		name, _ := rec.Get("name")
		n, _ := rec.Get("n")
		cm := CoMention{}
		cm.PersonaID, _ = id.(string)
		cm.CanonicalName, _ = name.(string)
		if c, ok := n.(int64); ok {
			cm.Count = int(c)
		}
		out = append(out, cm)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("co-mentions: %w", err)
	}
	return out, nil
}

// Strength returns the KNOWS strength between a user and a persona, or 0.
func (g *RelationGraph) Strength(ctx context.Context, scope, personaID string) (float64, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:User {scope: $scope})-[k:KNOWS]->(:Persona {id: $id})
		 RETURN k.strength AS strength`,
		map[string]interface{}{"scope": scope, "id": personaID})
	if err != nil {
		return 0, fmt.Errorf("get strength: %w", err)
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	v, _ := result.Record().Get("strength")
	s, _ := v.(float64)
	return s, nil
}

// Decay lowers every KNOWS strength so people not mentioned lately fade.
func (g *RelationGraph) Decay(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (:User)-[k:KNOWS]->(:Persona)
		 WHERE k.strength > 0
		 SET k.strength = CASE WHEN k.strength - $decay < 0 THEN 0 ELSE k.strength - $decay END`,
		map[string]interface{}{"decay": g.decayRate})
	if err != nil {
		return fmt.Errorf("decay relations: %w", err)
	}
	g.logger.Debug("relation strengths decayed", zap.Float64("rate", g.decayRate))
	return nil
}

// Close shuts down the Neo4j driver.
func (g *RelationGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
