package swagger

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"
)

// DocumentPath is where the router serves the raw API document.
const DocumentPath = "/openapi.yml"

// Handler serves Swagger UI for the API document at DocumentPath. Try-it-out
// requests keep the bearer token between page reloads.
func Handler() http.Handler {
	return httpSwagger.Handler(
		httpSwagger.URL(DocumentPath),
		httpSwagger.PersistAuthorization(true),
		httpSwagger.DocExpansion("list"),
	)
}
