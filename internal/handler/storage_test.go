package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/storage"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.NRGBA{G: 180, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, app *testApp, c *http.Client, bucket, filename string, data []byte, fields map[string]string) (*http.Response, envelope) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, app.srv.URL+"/api/storage/"+bucket, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	}
	return resp, env
}

// localPath strips the configured base URL so the link can be fetched from
// the test server.
func localPath(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.RequestURI()
}

func TestStorageUploadAndServe(t *testing.T) {
	app := newTestApp(t)
	img := testPNG(t)

	user := app.client(t)
	app.user(t, user, "user@qvtbox.test", role.Salarie)
	resp, _ := upload(t, app, user, storage.BucketProducts, "box.png", img, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	rh := app.client(t)
	app.user(t, rh, "rh@qvtbox.test", role.RH)

	resp, env := upload(t, app, rh, storage.BucketProducts, "box.png", img, map[string]string{"path": "coffrets/"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	var up uploadResponse
	env.decode(t, &up)
	assert.Equal(t, "coffrets/box.png", up.Path)
	assert.Equal(t, "image/png", up.ContentType)

	resp, _ = upload(t, app, rh, storage.BucketProducts, "box.png", img, map[string]string{"path": "coffrets/"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = upload(t, app, rh, storage.BucketProducts, "box.png", img, map[string]string{"path": "coffrets/", "upsert": "true"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := app.client(t).Get(app.srv.URL + localPath(t, up.URL))
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, img, got)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = app.client(t).Get(app.srv.URL + "/storage/products/coffrets/missing.png")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStoragePrivateBucket(t *testing.T) {
	app := newTestApp(t)
	rh := app.client(t)
	app.user(t, rh, "rh@qvtbox.test", role.RH)

	resp, env := upload(t, app, rh, storage.BucketDocuments, "charte.png", testPNG(t), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	var up uploadResponse
	env.decode(t, &up)
	signed, err := url.Parse(up.URL)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Query().Get("sig"))

	anon := app.client(t)
	resp, err = anon.Get(app.srv.URL + signed.RequestURI())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "private, no-store", resp.Header.Get("Cache-Control"))

	resp, err = anon.Get(app.srv.URL + signed.Path)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	q := signed.Query()
	q.Set("sig", strings.Repeat("0", len(q.Get("sig"))))
	resp, err = anon.Get(app.srv.URL + signed.Path + "?" + q.Encode())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStorageUploadRejected(t *testing.T) {
	app := newTestApp(t)
	rh := app.client(t)
	app.user(t, rh, "rh@qvtbox.test", role.RH)

	resp, _ := upload(t, app, rh, "secrets", "a.png", testPNG(t), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env := upload(t, app, rh, storage.BucketProducts, "notes.txt", []byte("plain text, not an image"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)

	resp, _ = upload(t, app, rh, storage.BucketProducts, "../escape.png", testPNG(t), map[string]string{"path": "../../escape.png"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
