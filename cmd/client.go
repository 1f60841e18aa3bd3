package main

import (
	"fmt"

	"github.com/go-resty/resty/v2"
)

// apiClient builds a resty client pointed at serverURL, carrying the
// resolved API key the same way internal/adapter/httpadapter dispatches to
// an external agent — request/response logging off by default, JSON
// throughout.
func apiClient() *resty.Client {
	c := resty.New().SetBaseURL(serverURL)
	if key := resolveAPIKey(); key != "" {
		c.SetHeader("X-API-Key", key)
	}
	return c
}

// checkStatus turns a non-2xx resty response into an error carrying the
// server's JSON error envelope body, so CLI users see the same
// error/code/details spec.md §7 gives HTTP clients.
func checkStatus(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned %s: %s", resp.Status(), string(resp.Body()))
	}
	return nil
}
