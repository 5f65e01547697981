package codasync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"engagement-pipeline/coding"
)

// EnsureCodaDatasetsUpToDate sets each dataset's users and uploads any code
// scheme that Coda is missing or holds an older version of. Datasets with
// UpdateUsersAndCodeSchemes unset are left alone.
func (s *Syncer) EnsureCodaDatasetsUpToDate(ctx context.Context, cfg *Config) error {
	log := s.log()

	var projectUsers []string
	for _, d := range cfg.Datasets {
		if d.DatasetUsersFileURL != "" {
			continue
		}
		if cfg.ProjectUsersFileURL == "" {
			return fmt.Errorf("coda dataset %s has no users file and no project users file is configured", d.CodaDatasetID)
		}
		ids, err := loadUserIDs(cfg.ProjectUsersFileURL)
		if err != nil {
			return err
		}
		projectUsers = ids
		break
	}

	for _, d := range cfg.Datasets {
		if !d.UpdateUsersAndCodeSchemes {
			continue
		}
		dlog := log.With(zap.String("coda_dataset", d.CodaDatasetID))

		users := projectUsers
		if d.DatasetUsersFileURL != "" {
			ids, err := loadUserIDs(d.DatasetUsersFileURL)
			if err != nil {
				return err
			}
			users = ids
		}
		if !s.DryRun && len(users) > 0 {
			if err := s.Coda.SetDatasetUserIDs(ctx, d.CodaDatasetID, users); err != nil {
				return err
			}
			dlog.Info("set coda user ids", zap.Int("users", len(users)))
		}

		var repo []*coding.CodeScheme
		for _, sc := range d.CodeSchemes {
			for n := 1; n <= sc.count(); n++ {
				repo = append(repo, sc.CodeScheme.DuplicateScheme(n))
			}
		}
		repo = append(repo, cfg.WSCorrectDatasetScheme)

		existing, err := s.Coda.GetDatasetCodeSchemes(ctx, d.CodaDatasetID)
		if err != nil {
			return err
		}
		byID := make(map[string]*coding.CodeScheme, len(existing))
		for _, cs := range existing {
			byID[cs.SchemeID] = cs
		}
		for id := range byID {
			if !containsScheme(repo, id) {
				dlog.Warn("coda has a code scheme not in this configuration, ignoring", zap.String("scheme_id", id))
			}
		}

		var updated []*coding.CodeScheme
		for _, cs := range repo {
			if cur, ok := byID[cs.SchemeID]; ok && cur.Equal(cs) {
				continue
			}
			updated = append(updated, cs)
		}
		if len(updated) == 0 {
			dlog.Info("code schemes are up to date")
			continue
		}
		if !s.DryRun {
			if err := s.Coda.AddAndUpdateDatasetCodeSchemes(ctx, d.CodaDatasetID, updated); err != nil {
				return err
			}
		}
		for _, cs := range updated {
			dlog.Info("updated code scheme", zap.String("scheme_id", cs.SchemeID), zap.Bool("dry_run", s.DryRun))
		}
	}
	return nil
}

func containsScheme(schemes []*coding.CodeScheme, id string) bool {
	for _, s := range schemes {
		if s.SchemeID == id {
			return true
		}
	}
	return false
}
