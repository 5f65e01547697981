// Package coda is a client for the Coda labelling tool's datasets.
package coda

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/restclient"
)

// Message is a message as stored in a Coda dataset. Its id is the
// engagement db message's coda_id.
type Message struct {
	MessageID           string               `json:"MessageID"`
	Text                string               `json:"Text"`
	CreationDateTimeUTC string               `json:"CreationDateTimeUTC"`
	Labels              []engagementdb.Label `json:"Labels"`
	LastUpdated         *time.Time           `json:"LastUpdated,omitempty"`
}

// GetLatestLabels returns the newest label per scheme, hiding schemes whose
// newest label is the manually-uncoded tombstone.
func (m *Message) GetLatestLabels() []engagementdb.Label {
	em := engagementdb.Message{Labels: m.Labels}
	return em.GetLatestLabels()
}

// Client is the set of dataset operations the pipeline uses.
type Client interface {
	// GetDatasetMessages returns messages updated after lastUpdatedAfter, or
	// all messages when it is nil.
	GetDatasetMessages(ctx context.Context, datasetID string, lastUpdatedAfter *time.Time) ([]Message, error)
	// GetDatasetMessage returns nil when the message is not in the dataset.
	GetDatasetMessage(ctx context.Context, datasetID, messageID string) (*Message, error)
	AddMessageToDataset(ctx context.Context, datasetID string, m Message) error
	SetDatasetUserIDs(ctx context.Context, datasetID string, userIDs []string) error
	GetDatasetCodeSchemes(ctx context.Context, datasetID string) ([]*coding.CodeScheme, error)
	AddAndUpdateDatasetCodeSchemes(ctx context.Context, datasetID string, schemes []*coding.CodeScheme) error
}

type HTTPClient struct {
	rest *restclient.Client
	log  *zap.Logger
}

func NewHTTPClient(serverURL, token string, httpClient *http.Client, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		rest: restclient.New(serverURL, "Bearer", token, httpClient, log),
		log:  log,
	}
}

func datasetPath(datasetID string, parts ...string) string {
	p := "/datasets/" + url.PathEscape(datasetID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *HTTPClient) GetDatasetMessages(ctx context.Context, datasetID string, lastUpdatedAfter *time.Time) ([]Message, error) {
	path := datasetPath(datasetID, "messages")
	if lastUpdatedAfter != nil {
		path += "?last_updated_after=" + url.QueryEscape(lastUpdatedAfter.UTC().Format(time.RFC3339Nano))
	}
	var out []Message
	if err := c.rest.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get coda dataset %s messages: %w", datasetID, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastUpdated, out[j].LastUpdated
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	c.log.Debug("downloaded coda messages", zap.String("dataset", datasetID), zap.Int("count", len(out)))
	return out, nil
}

func (c *HTTPClient) GetDatasetMessage(ctx context.Context, datasetID, messageID string) (*Message, error) {
	var m Message
	err := c.rest.DoJSON(ctx, http.MethodGet, datasetPath(datasetID, "messages", messageID), nil, &m)
	if errors.Is(err, restclient.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coda message %s/%s: %w", datasetID, messageID, err)
	}
	return &m, nil
}

func (c *HTTPClient) AddMessageToDataset(ctx context.Context, datasetID string, m Message) error {
	if m.Labels == nil {
		m.Labels = []engagementdb.Label{}
	}
	if err := c.rest.DoJSON(ctx, http.MethodPost, datasetPath(datasetID, "messages"), m, nil); err != nil {
		return fmt.Errorf("add message to coda dataset %s: %w", datasetID, err)
	}
	return nil
}

func (c *HTTPClient) SetDatasetUserIDs(ctx context.Context, datasetID string, userIDs []string) error {
	body := map[string][]string{"user_ids": userIDs}
	if err := c.rest.DoJSON(ctx, http.MethodPut, datasetPath(datasetID, "users"), body, nil); err != nil {
		return fmt.Errorf("set coda dataset %s users: %w", datasetID, err)
	}
	return nil
}

func (c *HTTPClient) GetDatasetCodeSchemes(ctx context.Context, datasetID string) ([]*coding.CodeScheme, error) {
	var out []*coding.CodeScheme
	err := c.rest.DoJSON(ctx, http.MethodGet, datasetPath(datasetID, "code_schemes"), nil, &out)
	if errors.Is(err, restclient.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coda dataset %s code schemes: %w", datasetID, err)
	}
	return out, nil
}

func (c *HTTPClient) AddAndUpdateDatasetCodeSchemes(ctx context.Context, datasetID string, schemes []*coding.CodeScheme) error {
	if err := c.rest.DoJSON(ctx, http.MethodPut, datasetPath(datasetID, "code_schemes"), schemes, nil); err != nil {
		return fmt.Errorf("update coda dataset %s code schemes: %w", datasetID, err)
	}
	return nil
}
