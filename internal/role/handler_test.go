package role_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"

	"github.com/frahmantamala/library-management/internal"
	roleDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/role"
	"github.com/frahmantamala/library-management/internal/role"
	rolePostgres "github.com/frahmantamala/library-management/internal/role/postgres"
	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var _ = Describe("Role Handler Integration", func() {
	var router chi.Router

	BeforeEach(func() {
		slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		Expect(err).NotTo(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		Expect(db.AutoMigrate(&roleDatamodel.Role{}, &roleDatamodel.RolePermission{})).To(Succeed())

		service := role.NewService(rolePostgres.NewRoleRepository(db), slogger)
		handler := role.NewHandler(service)

		router = chi.NewRouter()
		router.Get("/roles", handler.ListRoles)
		router.Post("/roles", handler.CreateRole)
		router.Get("/roles/{id}", handler.GetRole)
		router.Post("/roles/{id}/permissions", handler.GrantPermission)
		router.Delete("/roles/{id}/permissions/{code}", handler.RevokePermission)
		router.Get("/permissions", handler.ListPermissions)
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	createMember := func() role.RoleResponse {
		w := do(http.MethodPost, "/roles", `{"name":"Member","description":"Patrons","permissions":["Book:Read"]}`)
		Expect(w.Code).To(Equal(http.StatusCreated))
		var resp role.RoleResponse
		Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
		return resp
	}

	It("creates and fetches a role", func() {
		created := createMember()
		Expect(created.ID).To(BeNumerically(">", 0))
		Expect(created.Permissions).To(Equal([]string{"Book:Read"}))

		w := do(http.MethodGet, "/roles", "")
		Expect(w.Code).To(Equal(http.StatusOK))
		var list role.RolesResponse
		Expect(json.NewDecoder(w.Body).Decode(&list)).To(Succeed())
		Expect(list.Roles).To(HaveLen(1))
	})

	It("rejects a duplicate role name with 409", func() {
		createMember()
		w := do(http.MethodPost, "/roles", `{"name":"Member"}`)
		Expect(w.Code).To(Equal(http.StatusConflict))
	})

	It("rejects unknown permission codes with 400", func() {
		w := do(http.MethodPost, "/roles", `{"name":"Odd","permissions":["Book:Fly"]}`)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("grants and revokes a permission", func() {
		created := createMember()
		path := "/roles/" + strconv.FormatInt(created.ID, 10) + "/permissions"

		w := do(http.MethodPost, path, `{"permission":"Checkout:Create"}`)
		Expect(w.Code).To(Equal(http.StatusOK))

		w = do(http.MethodPost, path, `{"permission":"Checkout:Create"}`)
		Expect(w.Code).To(Equal(http.StatusConflict))
		var errResp internal.Response
		Expect(json.NewDecoder(w.Body).Decode(&errResp)).To(Succeed())
		Expect(errResp.Error.Code).To(Equal(internal.ErrPermissionAlreadyGranted.Code))

		w = do(http.MethodDelete, path+"/Checkout:Create", "")
		Expect(w.Code).To(Equal(http.StatusOK))
		var resp role.RoleResponse
		Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
		Expect(resp.Permissions).To(Equal([]string{"Book:Read"}))
	})

	It("returns 404 for unknown roles", func() {
		w := do(http.MethodGet, "/roles/999", "")
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("lists the permission catalogue", func() {
		w := do(http.MethodGet, "/permissions", "")
		Expect(w.Code).To(Equal(http.StatusOK))
		var resp role.PermissionsResponse
		Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
		Expect(resp.Permissions).To(ContainElements("Book:Read", "Role:Update", "AuditEntry:Delete"))
	})
})

