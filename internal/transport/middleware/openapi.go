package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/transport"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

// OpenAPIValidator rejects requests whose parameters or bodies do not match
// the API document. Requests for routes the document does not describe pass
// through untouched so the router can answer 404 or 405.
type OpenAPIValidator struct {
	*transport.BaseHandler
	router routers.Router
}

func LoadOpenAPIValidator(path string, logger *slog.Logger) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	return NewOpenAPIValidator(doc, logger)
}

func NewOpenAPIValidator(doc *openapi3.T, logger *slog.Logger) (*OpenAPIValidator, error) {
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &OpenAPIValidator{
		BaseHandler: transport.NewBaseHandler(logger),
		router:      router,
	}, nil
}

func (v *OpenAPIValidator) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			// Not described by the document: not found or method not allowed.
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				// Authentication is the job of the auth middleware.
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.Logger.WarnContext(r.Context(), "request does not match api document", "path", r.URL.Path, "error", err)
			v.HandleServiceError(w, internal.NewValidationError(validationMessage(err), internal.ErrCodeInvalidRequest))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("invalid parameter %q", reqErr.Parameter.Name)
		}
		if reqErr.RequestBody != nil {
			return "request body does not match schema"
		}
	}
	return "invalid request"
}
