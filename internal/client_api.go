package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var httpTimeout = 5 * time.Second

var errUnauthorized = errors.New("unauthorized")

func apiSignup(baseURL, username, password string) error {
	payload := map[string]string{"username": username, "password": password}
	return doJSONRequest(http.MethodPost, baseURL+"/signup", "", payload, nil)
}

func apiLogin(baseURL, username, password string) (*loginResponse, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp loginResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// wsURLFromBase converts the HTTP base URL into the websocket URL for one
// conversation, with the token in the query string.
func wsURLFromBase(baseURL, conversation, token string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = "/ws/chat/" + url.PathEscape(conversation)
	query := url.Values{}
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
