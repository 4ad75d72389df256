package materialize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
)

const testOpenAPIDoc = `{
  "swagger": "2.0",
  "info": {"title": "catalog", "version": "1.0"},
  "host": "catalog.example.com",
  "x-flowplane-filters": ["cors"],
  "paths": {
    "/items": {
      "get": {
        "operationId": "list-items",
        "x-flowplane-upstream": {"host": "catalog-svc", "port": 8080}
      }
    },
    "/items/{id}": {
      "get": {
        "operationId": "get-item",
        "x-flowplane-upstream": {"host": "catalog-svc", "port": 8080},
        "x-flowplane-route-overrides": {
          "jwt": {"kind": "disable"}
        }
      }
    }
  }
}`

func TestImportOpenAPIProducesValidAPIDefinition(t *testing.T) {
	a, err := ImportOpenAPI([]byte(testOpenAPIDoc), "team-a", "apidef-catalog", model.IsolationShared)
	require.NoError(t, err)

	assert.Equal(t, "catalog.example.com", a.Domain)
	assert.Equal(t, []string{"cors"}, a.GlobalFilters)
	require.Len(t, a.Routes, 2)

	var getItem *model.APIRoute
	for i := range a.Routes {
		if a.Routes[i].Name == "get-item" {
			getItem = &a.Routes[i]
		}
	}
	require.NotNil(t, getItem)
	assert.Equal(t, model.PathTemplate, getItem.Match.Kind)
	assert.Equal(t, "catalog-svc", getItem.UpstreamHost)
	assert.Equal(t, uint32(8080), getItem.UpstreamPort)
	require.Contains(t, getItem.FilterOverrides, "jwt")
	assert.Equal(t, model.OverrideDisable, getItem.FilterOverrides["jwt"].Kind)
}

func TestImportOpenAPIRejectsMissingUpstreamExtension(t *testing.T) {
	const doc = `{
  "swagger": "2.0",
  "info": {"title": "bad", "version": "1.0"},
  "host": "bad.example.com",
  "paths": {"/items": {"get": {"operationId": "list"}}}
}`
	_, err := ImportOpenAPI([]byte(doc), "team-a", "apidef-bad", model.IsolationShared)
	require.Error(t, err)
}
