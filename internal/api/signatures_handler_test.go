package api

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/vmail/mailcore/internal/models"
)

func TestSignaturesHandler(t *testing.T) {
	env := newTestEnv(t)

	t.Run("empty list", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/signatures", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})

	t.Run("name is required", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/signatures", models.EmailSignature{HTMLTemplate: "<p>x</p>"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "name", decode[errorResponse](t, rr).Field)
	})

	var work, personal models.EmailSignature
	t.Run("create", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/signatures", models.EmailSignature{Name: "Work", HTMLTemplate: "<p>{{name}}</p>", IsDefault: true})
		require.Equal(t, http.StatusCreated, rr.Code)
		work = decode[models.EmailSignature](t, rr)
		assert.NotEmpty(t, work.ID)

		rr = env.do(t, http.MethodPost, "/api/v1/signatures", models.EmailSignature{Name: "Personal", HTMLTemplate: "<p>Cheers</p>"})
		require.Equal(t, http.StatusCreated, rr.Code)
		personal = decode[models.EmailSignature](t, rr)

		list := decode[[]models.EmailSignature](t, env.do(t, http.MethodGet, "/api/v1/signatures", nil))
		assert.Len(t, list, 2)
	})

	t.Run("set default moves the flag", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/signatures/"+personal.ID+"/default", nil)
		require.Equal(t, http.StatusNoContent, rr.Code)

		for _, sig := range decode[[]models.EmailSignature](t, env.do(t, http.MethodGet, "/api/v1/signatures", nil)) {
			assert.Equal(t, sig.ID == personal.ID, sig.IsDefault, sig.Name)
		}
	})

	t.Run("update", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/api/v1/signatures/"+work.ID, models.EmailSignature{Name: "Office", HTMLTemplate: "<p>Office</p>"})
		require.Equal(t, http.StatusOK, rr.Code)

		got := decode[models.EmailSignature](t, env.do(t, http.MethodGet, "/api/v1/signatures/"+work.ID, nil))
		assert.Equal(t, "Office", got.Name)
	})

	t.Run("logo must be an image", func(t *testing.T) {
		body, contentType := multipartBody(t, part{field: "logo", name: "logo.txt", mimeType: "text/plain", content: []byte("nope")})
		rr := env.doWith(t, http.MethodPost, "/api/v1/signatures/"+work.ID+"/logo", body, contentType)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("logo too large", func(t *testing.T) {
		body, contentType := multipartBody(t, part{field: "logo", name: "logo.png", mimeType: "image/png", content: bytes.Repeat([]byte{0x89}, 2048)})
		rr := env.doWith(t, http.MethodPost, "/api/v1/signatures/"+work.ID+"/logo", body, contentType)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("logo upload", func(t *testing.T) {
		body, contentType := multipartBody(t, part{field: "logo", name: "logo.png", mimeType: "image/png", content: []byte{0x89, 'P', 'N', 'G'}})
		rr := env.doWith(t, http.MethodPost, "/api/v1/signatures/"+work.ID+"/logo", body, contentType)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		got := decode[models.EmailSignature](t, rr)
		assert.Contains(t, got.LogoURL, "logo.png")
		assert.Equal(t, models.DefaultLogoWidth, got.LogoWidth)
	})

	t.Run("delete", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/api/v1/signatures/"+work.ID, nil)
		require.Equal(t, http.StatusNoContent, rr.Code)

		rr = env.do(t, http.MethodGet, "/api/v1/signatures/"+work.ID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
