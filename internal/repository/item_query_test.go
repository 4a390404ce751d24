package repository

import (
	"testing"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTSQuery(t *testing.T) {
	assert.Equal(t, "cache | tag", buildTSQuery([]string{"Cache", "tag!", "cache"}))
	assert.Equal(t, "", buildTSQuery([]string{"&|!", ""}))
	assert.Equal(t, "a1b", buildTSQuery([]string{"a:1*b"}))
}

func TestFilterClause(t *testing.T) {
	where, args, err := filterClause(domain.Filter{"source": "docs", "lang": "en"}, []any{"q"})
	require.NoError(t, err)
	assert.Equal(t, " AND source = $2 AND metadata @> $3::jsonb", where)
	assert.Equal(t, []any{"q", "docs", `{"lang":"en"}`}, args)

	where, args, err = filterClause(nil, []any{"q"})
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Len(t, args, 1)
}
