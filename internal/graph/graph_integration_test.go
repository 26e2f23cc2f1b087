//go:build integration

package graph

import (
	"context"
	"testing"
	"time"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
)

func TestRelationGraph(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("neo4j bolt url: %v", err)
	}
	driver, err := Connect(ctx, uri, "", "")
	if err != nil {
		t.Fatal(err)
	}
	g := NewRelationGraph(driver, 0.1, 0.05, zap.NewNop())
	defer g.Close(ctx)
	if err := g.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	zhang := &persona.Persona{ID: "zhang", CanonicalName: "张三", RelationshipType: persona.RelationColleague}
	li := &persona.Persona{ID: "li", CanonicalName: "李四", RelationshipType: persona.RelationFriend}
	wang := &persona.Persona{ID: "wang", CanonicalName: "王五", RelationshipType: persona.RelationUnknown}
	now := time.Now()
	for i, ps := range [][]*persona.Persona{{zhang, li}, {zhang, li}, {zhang, wang}} {
		m := &memory.Memory{ID: string(rune('a' + i)), UserScope: "u1", Timestamp: now,
			Emotion: memory.Emotion{Label: emotion.Positive}}
		if err := g.RecordMemory(ctx, m, ps); err != nil {
			t.Fatal(err)
		}
	}

	co, err := g.CoMentions(ctx, "u1", "zhang", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(co) != 2 || co[0].PersonaID != "li" || co[0].Count != 2 {
		t.Errorf("co-mentions = %+v", co)
	}

	s, err := g.Strength(ctx, "u1", "zhang")
	if err != nil {
		t.Fatal(err)
	}
	if s < 0.29 || s > 0.31 {
		t.Errorf("strength = %v, want 0.3", s)
	}
	if err := g.Decay(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ = g.Strength(ctx, "u1", "zhang"); s < 0.24 || s > 0.26 {
		t.Errorf("strength after decay = %v, want 0.25", s)
	}
}
