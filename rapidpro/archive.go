package rapidpro

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrReadOnlyArchive is returned by the write operations of an ArchiveClient.
var ErrReadOnlyArchive = errors.New("rapid pro archive is read-only")

// ArchiveClient serves the read side of Client from a workspace export
// directory containing org.json, flows.jsonl, runs.jsonl and contacts.jsonl.
type ArchiveClient struct {
	dir string
	log *zap.Logger
}

func NewArchiveClient(dir string, log *zap.Logger) *ArchiveClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &ArchiveClient{dir: dir, log: log}
}

func (a *ArchiveClient) org() (Org, error) {
	var org Org
	b, err := os.ReadFile(filepath.Join(a.dir, "org.json"))
	if err != nil {
		return org, err
	}
	err = json.Unmarshal(b, &org)
	return org, err
}

func (a *ArchiveClient) GetWorkspaceName(context.Context) (string, error) {
	org, err := a.org()
	return org.Name, err
}

func (a *ArchiveClient) GetWorkspaceUUID(context.Context) (string, error) {
	org, err := a.org()
	return org.UUID, err
}

func (a *ArchiveClient) GetFlowID(_ context.Context, flowName string) (string, error) {
	flows, err := readJSONL[Flow](filepath.Join(a.dir, "flows.jsonl"))
	if err != nil {
		return "", err
	}
	return flowIDByName(flows, flowName)
}

func (a *ArchiveClient) GetRawRuns(_ context.Context, flowID string, modifiedAfter *time.Time) ([]Run, error) {
	a.log.Info("loading runs from archive", zap.String("flow_id", flowID), zap.Timep("modified_after", modifiedAfter))
	all, err := readJSONL[Run](filepath.Join(a.dir, "runs.jsonl"))
	if err != nil {
		return nil, err
	}
	var out []Run
	for _, r := range all {
		if r.Flow.UUID != flowID {
			continue
		}
		if modifiedAfter != nil && r.ModifiedOn.Before(*modifiedAfter) {
			continue
		}
		out = append(out, r)
	}
	sortRuns(out)
	a.log.Info("loaded runs from archive", zap.Int("count", len(out)))
	return out, nil
}

// UpdateRawContactsWithLatestModified ignores prev: the archive is a complete
// snapshot.
func (a *ArchiveClient) UpdateRawContactsWithLatestModified(context.Context, []Contact) ([]Contact, error) {
	contacts, err := readJSONL[Contact](filepath.Join(a.dir, "contacts.jsonl"))
	if err != nil {
		return nil, err
	}
	a.log.Info("loaded contacts from archive", zap.Int("count", len(contacts)))
	return contacts, nil
}

func (a *ArchiveClient) GetFields(context.Context) ([]Field, error) {
	return nil, ErrReadOnlyArchive
}

func (a *ArchiveClient) CreateField(context.Context, string, string) (Field, error) {
	return Field{}, ErrReadOnlyArchive
}

func (a *ArchiveClient) UpdateContact(context.Context, string, map[string]string) error {
	return ErrReadOnlyArchive
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
