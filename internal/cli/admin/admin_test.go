package admin

import (
	"context"
	"testing"

	"github.com/cloo-solutions/strata/internal/config"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernanceActions(t *testing.T) {
	actions, err := governanceActions(map[string]string{"PII": " Refuse ", "duplicate": "redact"})
	require.NoError(t, err)
	assert.Equal(t, map[domain.ViolationKind]domain.GovernanceAction{
		domain.ViolationPII:       domain.ActionRefuse,
		domain.ViolationDuplicate: domain.ActionRedact,
	}, actions)
}

func TestGovernanceActions_Rejects(t *testing.T) {
	_, err := governanceActions(map[string]string{"spam": "refuse"})
	assert.ErrorContains(t, err, "unknown violation kind")

	_, err = governanceActions(map[string]string{"pii": "ignore"})
	assert.ErrorContains(t, err, "unknown action")
}

func TestChunkConfig_DrivesChunker(t *testing.T) {
	text := "Redis keeps the hot tier in memory. " +
		"Postgres stores cold knowledge items. " +
		"Sweeps demote idle items."

	cfg := config.ChunkConfig{MaxChars: 1200, MinChars: 400, Overlap: 200, OverlapSentences: 1, SimilarityThreshold: 0.1}
	chunks, err := service.NewChunker(chunkConfig(cfg)).Chunk(text, service.ChunkStrategySentence)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	cfg.MaxSentences = 1
	chunks, err = service.NewChunker(chunkConfig(cfg)).Chunk(text, service.ChunkStrategySentence)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Redis keeps the hot tier in memory. ", chunks[1].Text[:chunks[1].OverlapPrefix])
}

func TestInvalidationTag(t *testing.T) {
	tag, err := invalidationTag("", "item-1", "")
	require.NoError(t, err)
	assert.Equal(t, "item:item-1", tag)

	tag, err = invalidationTag("", "", "wiki")
	require.NoError(t, err)
	assert.Equal(t, "source:wiki", tag)

	tag, err = invalidationTag("custom", "", "")
	require.NoError(t, err)
	assert.Equal(t, "custom", tag)

	_, err = invalidationTag("", "", "")
	assert.Error(t, err)
}

func TestUnavailableGenerator(t *testing.T) {
	_, err := unavailableGenerator{}.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrGenerationUnavailable)
}

func TestCommands_Flags(t *testing.T) {
	serve := ServeCmd()
	assert.NotNil(t, serve.Flags().Lookup("no-migrate"))
	assert.NotNil(t, serve.Flags().Lookup("port"))

	sweep := SweepCmd()
	assert.NotNil(t, sweep.Flags().Lookup("retention"))

	migrate := MigrateCmd()
	assert.Error(t, migrate.Args(migrate, []string{"sideways"}))
	assert.NoError(t, migrate.Args(migrate, []string{"down"}))
	assert.NoError(t, migrate.Args(migrate, nil))
}
