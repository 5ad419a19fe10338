package vox

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxchat/voxclient/bridge"
)

// apiClient wraps the vox REST endpoints. Reads return FetchError so the
// callers can fail soft; writes return the server-supplied message.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logrus.Entry
}

func newAPIClient(server string, noTLS, skipTLSVerify bool, logger *logrus.Entry) *apiClient {
	scheme := "https://"
	if noTLS {
		scheme = "http://"
	}

	return &apiClient{
		baseURL: scheme + server,
		client: &http.Client{
			Timeout: time.Second * 10,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: skipTLSVerify, //nolint:gosec
				},
				Proxy: http.ProxyFromEnvironment,
			},
		},
		logger: logger,
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (a *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &bridge.FetchError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apierr apiError

		if err := json.NewDecoder(resp.Body).Decode(&apierr); err == nil && apierr.Error != "" {
			return &bridge.FetchError{Path: path, Status: resp.StatusCode, Err: fmt.Errorf("%s", apierr.Error)}
		}

		return &bridge.FetchError{Path: path, Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	User        struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

func (a *apiClient) login(email, pass string) (*loginResponse, error) {
	var resp loginResponse

	err := a.do(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": pass,
	}, &resp)
	if err != nil {
		return nil, err
	}

	a.token = resp.AccessToken

	return &resp, nil
}

func (a *apiClient) logout() error {
	return a.do(http.MethodPost, "/api/auth/logout", nil, nil)
}

type meResponse struct {
	User struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	} `json:"user"`
}

func (a *apiClient) me() (*meResponse, error) {
	var resp meResponse

	if err := a.do(http.MethodGet, "/api/auth/me", nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (a *apiClient) setDisplayName(name string) error {
	return a.do(http.MethodPut, "/api/users/me", map[string]string{"displayName": name}, nil)
}

func (a *apiClient) rooms() ([]*bridge.Room, error) {
	var resp struct {
		Rooms []wireRoom `json:"rooms"`
	}

	if err := a.do(http.MethodGet, "/api/rooms", nil, &resp); err != nil {
		return nil, err
	}

	rooms := make([]*bridge.Room, 0, len(resp.Rooms))
	for i := range resp.Rooms {
		rooms = append(rooms, resp.Rooms[i].toBridge())
	}

	return rooms, nil
}

func (a *apiClient) invitations() ([]*bridge.Invitation, error) {
	var resp struct {
		Invitations []wireInvitation `json:"invitations"`
	}

	if err := a.do(http.MethodGet, "/api/rooms/invitations", nil, &resp); err != nil {
		return nil, err
	}

	invitations := make([]*bridge.Invitation, 0, len(resp.Invitations))
	for i := range resp.Invitations {
		invitations = append(invitations, resp.Invitations[i].toBridge())
	}

	return invitations, nil
}

func (a *apiClient) members(roomID string) ([]*bridge.Member, error) {
	var resp struct {
		Members []wireMember `json:"members"`
	}

	if err := a.do(http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/members", nil, &resp); err != nil {
		return nil, err
	}

	members := make([]*bridge.Member, 0, len(resp.Members))
	for i := range resp.Members {
		members = append(members, resp.Members[i].toBridge())
	}

	return members, nil
}

func (a *apiClient) messages(roomID string, limit int) ([]*bridge.Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}

	path := fmt.Sprintf("/api/messages/%s?limit=%d", url.PathEscape(roomID), limit)
	if err := a.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	messages := make([]*bridge.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		messages = append(messages, resp.Messages[i].toBridge(roomID))
	}

	return messages, nil
}

type roomResponse struct {
	Room struct {
		ID string `json:"_id"`
	} `json:"room"`
}

func (a *apiClient) createRoom(name, topic string, public bool) (string, error) {
	var resp roomResponse

	err := a.do(http.MethodPost, "/api/rooms", map[string]interface{}{
		"name":     name,
		"topic":    topic,
		"isPublic": public,
	}, &resp)
	if err != nil {
		return "", err
	}

	return resp.Room.ID, nil
}

func (a *apiClient) createDirect(targetUserID string) (string, error) {
	var resp roomResponse

	err := a.do(http.MethodPost, "/api/rooms/direct", map[string]string{
		"targetUserId": targetUserID,
	}, &resp)
	if err != nil {
		return "", err
	}

	return resp.Room.ID, nil
}

func (a *apiClient) joinRoom(roomID string) error {
	return a.do(http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", nil, nil)
}

func (a *apiClient) leaveRoom(roomID string) error {
	return a.do(http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil)
}

func (a *apiClient) searchUsers(query string) ([]*bridge.Member, error) {
	var resp struct {
		Users []wireMember `json:"users"`
	}

	if err := a.do(http.MethodGet, "/api/users/search?q="+url.QueryEscape(query), nil, &resp); err != nil {
		return nil, err
	}

	users := make([]*bridge.Member, 0, len(resp.Users))
	for i := range resp.Users {
		users = append(users, resp.Users[i].toBridge())
	}

	return users, nil
}

// upload posts a multipart file and returns the server-assigned URL,
// relative to the API base.
func (a *apiClient) upload(data []byte, filename, mimeType string) (string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}

	if _, err := part.Write(data); err != nil {
		return "", err
	}

	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, a.baseURL+"/api/upload", &buf)
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload failed: status %d", resp.StatusCode)
	}

	var out struct {
		File struct {
			URL string `json:"url"`
		} `json:"file"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	return out.File.URL, nil
}
