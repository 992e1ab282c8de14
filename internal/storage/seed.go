package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AtlasGo/JATOS/internal/model"
)

// Seed is the YAML document loaded into an empty repository at startup.
//
// Example:
//
//	studies:
//	  - id: 1
//	    title: Stroop
//	    dirName: stroop
//	    groupStudy: true
//	    batchIds: [1]
//	    components:
//	      - {id: 10, title: Intro, htmlFilePath: intro.html, active: true}
//	batches:
//	  - id: 1
//	    studyId: 1
//	    active: true
//	    allowedWorkerTypes: [GeneralSingle, GeneralMultiple]
//	    maxActiveMembers: 2
//	workers:
//	  - {id: 1, type: Jatos}
type Seed struct {
	Studies []model.Study  `yaml:"studies"`
	Batches []model.Batch  `yaml:"batches"`
	Workers []model.Worker `yaml:"workers"`
}

// DecodeSeed parses a seed document. Unknown fields are rejected.
func DecodeSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return s, s.validate()
}

func (s Seed) validate() error {
	studies := make(map[int64]bool, len(s.Studies))
	for _, st := range s.Studies {
		if st.ID <= 0 {
			return fmt.Errorf("seed: study %q has no id", st.Title)
		}
		if st.DirName == "" {
			return fmt.Errorf("seed: study %d has no dirName", st.ID)
		}
		studies[st.ID] = true
	}
	for _, b := range s.Batches {
		if b.ID <= 0 {
			return fmt.Errorf("seed: batch %q has no id", b.Title)
		}
		if !studies[b.StudyID] {
			return fmt.Errorf("seed: batch %d refers to unknown study %d", b.ID, b.StudyID)
		}
		for _, t := range b.AllowedWorkerTypes {
			if !t.Valid() {
				return fmt.Errorf("seed: batch %d allows unknown worker type %q", b.ID, t)
			}
		}
	}
	for _, w := range s.Workers {
		if w.ID <= 0 || !w.Type.Valid() {
			return fmt.Errorf("seed: invalid worker %d of type %q", w.ID, w.Type)
		}
	}
	return nil
}

// Apply writes the seed into the repository, overwriting entities with the
// same ids.
func (s Seed) Apply(ctx context.Context, r *Repository) error {
	for _, st := range s.Studies {
		if err := r.PutStudy(ctx, st); err != nil {
			return err
		}
	}
	for _, b := range s.Batches {
		if err := r.PutBatch(ctx, b); err != nil {
			return err
		}
	}
	for _, w := range s.Workers {
		if err := r.PutWorker(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// LoadSeedFile decodes the seed file at path and applies it.
func LoadSeedFile(ctx context.Context, r *Repository, path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()

	s, err := DecodeSeed(f)
	if err != nil {
		return Seed{}, err
	}
	return s, s.Apply(ctx, r)
}
