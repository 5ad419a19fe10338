package vox

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxchat/voxclient/bridge"
)

func testAPIClient(ts *httptest.Server) *apiClient {
	return newAPIClient(strings.TrimPrefix(ts.URL, "http://"), true, false, testLogger())
}

func TestLoginStoresToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice@example.com", body["email"])

		json.NewEncoder(rw).Encode(map[string]interface{}{ //nolint:errcheck
			"accessToken": "tok-123",
			"user":        map[string]string{"id": "u1", "displayName": "Alice"},
		})
	}))
	defer ts.Close()

	api := testAPIClient(ts)

	resp, err := api.login("alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", resp.AccessToken)
	assert.Equal(t, "u1", resp.User.ID)
	assert.Equal(t, "tok-123", api.token, "token attaches to later requests")
}

func TestLoginRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Invalid credentials"}) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := testAPIClient(ts).login("alice@example.com", "wrong")

	var fetchErr *bridge.FetchError

	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusUnauthorized, fetchErr.Status)
	assert.Contains(t, err.Error(), "Invalid credentials")
}

func TestMessagesAuthAndDecode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/messages/room1", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		//nolint:errcheck
		io.WriteString(rw, `{"messages": [
			{"_id": "m1", "senderId": "u1", "content": "hi", "createdAt": 1700000000000}
		]}`)
	}))
	defer ts.Close()

	api := testAPIClient(ts)
	api.token = "tok"

	messages, err := api.messages("room1", 50)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "room1", messages[0].RoomID)
	assert.Equal(t, int64(1700000000000), messages[0].Timestamp)
}

func TestUpload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)

		defer file.Close()

		assert.Equal(t, "pic.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), data)

		json.NewEncoder(rw).Encode(map[string]interface{}{ //nolint:errcheck
			"file": map[string]string{"url": "/uploads/pic.png"},
		})
	}))
	defer ts.Close()

	api := testAPIClient(ts)
	api.token = "tok"

	url, err := api.upload([]byte("png-bytes"), "pic.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/pic.png", url)
}
