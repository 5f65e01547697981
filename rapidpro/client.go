package rapidpro

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"engagement-pipeline/restclient"

	"go.uber.org/zap"
)

// Client is the subset of a Rapid Pro workspace the pipeline reads from and
// writes to.
type Client interface {
	GetWorkspaceName(ctx context.Context) (string, error)
	GetWorkspaceUUID(ctx context.Context) (string, error)
	GetFlowID(ctx context.Context, flowName string) (string, error)
	// GetRawRuns returns the runs of a flow modified at or after
	// modifiedAfter (all runs when nil), oldest first.
	GetRawRuns(ctx context.Context, flowID string, modifiedAfter *time.Time) ([]Run, error)
	// UpdateRawContactsWithLatestModified merges contacts modified since the
	// newest contact in prev into prev. A nil prev downloads every contact.
	UpdateRawContactsWithLatestModified(ctx context.Context, prev []Contact) ([]Contact, error)
	GetFields(ctx context.Context) ([]Field, error)
	CreateField(ctx context.Context, key, label string) (Field, error)
	UpdateContact(ctx context.Context, urn string, fields map[string]string) error
}

// HTTPClient talks to the Rapid Pro v2 REST API.
type HTTPClient struct {
	rest *restclient.Client
	log  *zap.Logger
	org  *Org
}

func NewHTTPClient(serverURL, token string, httpClient *http.Client, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		rest: restclient.New(serverURL, "Token", token, httpClient, log),
		log:  log,
	}
}

type page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

func getAll[T any](ctx context.Context, rest *restclient.Client, path string) ([]T, error) {
	var out []T
	next := path
	for next != "" {
		var p page[T]
		if err := rest.DoJSON(ctx, http.MethodGet, next, nil, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}
	return out, nil
}

func (c *HTTPClient) getOrg(ctx context.Context) (*Org, error) {
	if c.org != nil {
		return c.org, nil
	}
	var org Org
	if err := c.rest.DoJSON(ctx, http.MethodGet, "/api/v2/workspace.json", nil, &org); err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	c.org = &org
	return c.org, nil
}

func (c *HTTPClient) GetWorkspaceName(ctx context.Context) (string, error) {
	org, err := c.getOrg(ctx)
	if err != nil {
		return "", err
	}
	return org.Name, nil
}

func (c *HTTPClient) GetWorkspaceUUID(ctx context.Context) (string, error) {
	org, err := c.getOrg(ctx)
	if err != nil {
		return "", err
	}
	return org.UUID, nil
}

func (c *HTTPClient) GetFlowID(ctx context.Context, flowName string) (string, error) {
	flows, err := getAll[Flow](ctx, c.rest, "/api/v2/flows.json")
	if err != nil {
		return "", fmt.Errorf("list flows: %w", err)
	}
	return flowIDByName(flows, flowName)
}

func flowIDByName(flows []Flow, flowName string) (string, error) {
	var matches []Flow
	for _, f := range flows {
		if f.Name == flowName {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		names := make([]string, 0, len(flows))
		for _, f := range flows {
			names = append(names, f.Name)
		}
		return "", fmt.Errorf("flow %q not found (available flows: %s)", flowName, strings.Join(names, ", "))
	case 1:
		return matches[0].UUID, nil
	default:
		return "", fmt.Errorf("flow name %q is not unique", flowName)
	}
}

func (c *HTTPClient) GetRawRuns(ctx context.Context, flowID string, modifiedAfter *time.Time) ([]Run, error) {
	q := url.Values{}
	q.Set("flow", flowID)
	if modifiedAfter != nil {
		q.Set("after", modifiedAfter.UTC().Format(time.RFC3339Nano))
	}
	c.log.Info("downloading runs", zap.String("flow_id", flowID), zap.Timep("modified_after", modifiedAfter))
	runs, err := getAll[Run](ctx, c.rest, "/api/v2/runs.json?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("list runs for flow %s: %w", flowID, err)
	}
	sortRuns(runs)
	c.log.Info("downloaded runs", zap.String("flow_id", flowID), zap.Int("count", len(runs)))
	return runs, nil
}

func sortRuns(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].ModifiedOn.Before(runs[j].ModifiedOn) })
}

func (c *HTTPClient) UpdateRawContactsWithLatestModified(ctx context.Context, prev []Contact) ([]Contact, error) {
	path := "/api/v2/contacts.json"
	if prev != nil {
		if latest, ok := latestModified(prev); ok {
			path += "?" + url.Values{"after": {latest.UTC().Format(time.RFC3339Nano)}}.Encode()
		}
	}
	updated, err := getAll[Contact](ctx, c.rest, path)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	c.log.Info("downloaded contacts", zap.Int("updated", len(updated)), zap.Int("previous", len(prev)))
	return MergeContacts(prev, updated), nil
}

func latestModified(contacts []Contact) (time.Time, bool) {
	var latest time.Time
	for _, ct := range contacts {
		if ct.ModifiedOn.After(latest) {
			latest = ct.ModifiedOn
		}
	}
	return latest, !latest.IsZero()
}

// MergeContacts overlays updated onto prev by contact uuid, keeping prev's
// order for existing contacts.
func MergeContacts(prev, updated []Contact) []Contact {
	idx := make(map[string]int, len(prev))
	out := make([]Contact, 0, len(prev)+len(updated))
	for _, ct := range prev {
		idx[ct.UUID] = len(out)
		out = append(out, ct)
	}
	for _, ct := range updated {
		if i, ok := idx[ct.UUID]; ok {
			out[i] = ct
			continue
		}
		idx[ct.UUID] = len(out)
		out = append(out, ct)
	}
	return out
}

func (c *HTTPClient) GetFields(ctx context.Context) ([]Field, error) {
	fields, err := getAll[Field](ctx, c.rest, "/api/v2/fields.json")
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	return fields, nil
}

func (c *HTTPClient) CreateField(ctx context.Context, key, label string) (Field, error) {
	var f Field
	body := map[string]string{"key": key, "label": label, "value_type": "text"}
	if err := c.rest.DoJSON(ctx, http.MethodPost, "/api/v2/fields.json", body, &f); err != nil {
		return Field{}, fmt.Errorf("create field %s: %w", key, err)
	}
	return f, nil
}

func (c *HTTPClient) UpdateContact(ctx context.Context, urn string, fields map[string]string) error {
	path := "/api/v2/contacts.json?" + url.Values{"urn": {urn}}.Encode()
	body := map[string]any{"fields": fields}
	if err := c.rest.DoJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}
