package store

import (
	"strings"
	"testing"
)

func TestStoreMemoryQueryShape(t *testing.T) {
	if !strings.Contains(storeMemoryQuery, "(c)-[:CONTAINS_MEMORY]->(m)") {
		t.Fatalf("conversation edge wrong:\n%s", storeMemoryQuery)
	}
	if strings.Contains(storeMemoryQuery, "EXTRACTED_FROM") {
		t.Fatalf("stale edge type:\n%s", storeMemoryQuery)
	}
}

func TestSupersedeQueryShape(t *testing.T) {
	if !strings.Contains(supersedeQuery, "old.valid_until = $valid_from") {
		t.Fatalf("old memory must close at the correction's valid_from:\n%s", supersedeQuery)
	}
	if !strings.Contains(supersedeQuery, "MERGE (new)-[r:SUPERSEDES]->(old)") {
		t.Fatalf("supersedes edge wrong:\n%s", supersedeQuery)
	}
	if !strings.Contains(supersedeQuery, "ON CREATE SET r.created_at = $now") {
		t.Fatalf("supersedes edge missing created_at:\n%s", supersedeQuery)
	}
}

func TestContradictionQueryOverlap(t *testing.T) {
	// A memory already closed before the new one began cannot contradict it.
	if !strings.Contains(contradictionQuery, "node.valid_until IS NULL OR node.valid_until > $valid_from") {
		t.Fatalf("validity overlap clause missing:\n%s", contradictionQuery)
	}
	if !strings.Contains(contradictionQuery, "node.memory_type = $memory_type") {
		t.Fatalf("type filter missing:\n%s", contradictionQuery)
	}
}

func TestVectorSearchQueryFiltersSimilarity(t *testing.T) {
	if !strings.Contains(vectorSearchQuery, "score >= $min_similarity") {
		t.Fatalf("similarity floor missing:\n%s", vectorSearchQuery)
	}
}

func TestSchemaCoversEntityLabels(t *testing.T) {
	labels := []string{
		"(m:Memory) REQUIRE m.id IS UNIQUE",
		"(c:Conversation) REQUIRE c.id IS UNIQUE",
		"(p:Person) REQUIRE p.id IS UNIQUE",
		"(i:Interest) REQUIRE i.id IS UNIQUE",
		"(n:Infrastructure) REQUIRE n.id IS UNIQUE",
		"(t:TechPreference) REQUIRE t.id IS UNIQUE",
		"(f:Fact) REQUIRE f.id IS UNIQUE",
		"(d:Decision) REQUIRE d.id IS UNIQUE",
	}
	all := strings.Join(schemaStatements, "\n")
	for _, want := range labels {
		if !strings.Contains(all, want) {
			t.Fatalf("schema missing constraint %q", want)
		}
	}
	if !strings.Contains(all, "CREATE VECTOR INDEX memory_embeddings") {
		t.Fatalf("vector index missing")
	}
}
