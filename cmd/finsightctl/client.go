package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/finsight-lab/finsight/internal/db"
	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/store"
)

// apiClient talks to the analysis server. It implements
// clientsync.StatusClient so the synchronizer can reconcile against
// the live server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No overall timeout: SSE streams stay open indefinitely.
		http: &http.Client{},
	}
}

func (c *apiClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func decodeAPIError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return store.ErrSessionNotFound
		case http.StatusConflict:
			return store.ErrInvalidState
		}
		return fmt.Errorf("server: %s", e.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// CreateSession starts an analysis for the subject.
func (c *apiClient) CreateSession(ctx context.Context, ticker, name string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"ticker": ticker, "name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", decodeAPIError(resp)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Status fetches the poll-surface snapshot for a session.
func (c *apiClient) Status(ctx context.Context, sessionID string) (*store.StatusSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var snap store.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Task fetches one task record.
func (c *apiClient) Task(ctx context.Context, sessionID, taskID string) (*store.TaskRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sessions/"+sessionID+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var rec store.TaskRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// History lists recently archived sessions, newest first. Requires
// the server to run with the Postgres archive enabled.
func (c *apiClient) History(ctx context.Context, ticker string, limit int) ([]db.ArchivedSession, error) {
	u := c.baseURL + "/api/v1/history"
	q := url.Values{}
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("server has no session archive configured")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var out struct {
		Sessions []db.ArchivedSession `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Cancel asks the server to stop a session.
func (c *apiClient) Cancel(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sessions/"+sessionID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// Follow streams session events over SSE, invoking fn per event, until
// the session reaches a terminal event or ctx is cancelled.
func (c *apiClient) Follow(ctx context.Context, sessionID string, lastSeq uint64, fn func(events.Event)) error {
	url := fmt.Sprintf("%s/stream/sse?session_id=%s", c.baseURL, sessionID)
	if lastSeq > 0 {
		url += fmt.Sprintf("&last_event_id=%d", lastSeq)
	}
	if c.token != "" {
		url += "&token=" + c.token
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		fn(ev)
		if ev.Type == events.SessionComplete || ev.Type == events.SessionError {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func formatEvent(ev events.Event) string {
	ts := ev.Timestamp.Format(time.TimeOnly)
	switch ev.Type {
	case events.StageStart:
		return fmt.Sprintf("%s stage %d started", ts, ev.Stage)
	case events.StageComplete:
		return fmt.Sprintf("%s stage %d done (%s)", ts, ev.Stage, ev.Message)
	case events.TaskStart:
		return fmt.Sprintf("%s   %s running", ts, ev.TaskID)
	case events.TaskProgress:
		return fmt.Sprintf("%s   %s %s", ts, ev.TaskID, ev.Message)
	case events.TaskComplete:
		return fmt.Sprintf("%s   %s completed", ts, ev.TaskID)
	case events.TaskError:
		return fmt.Sprintf("%s   %s failed (%s)", ts, ev.TaskID, ev.Message)
	case events.SessionComplete:
		return fmt.Sprintf("%s analysis complete", ts)
	case events.SessionError:
		return fmt.Sprintf("%s analysis ended: %s", ts, ev.Message)
	}
	return fmt.Sprintf("%s %s", ts, ev.Type)
}
