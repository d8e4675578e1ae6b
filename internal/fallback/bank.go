// Package fallback provides the framework catalog and the static question
// bank used when generated questions are unavailable or rejected.
package fallback

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/history"
)

// maxBankFileSize caps bank files read from disk.
const maxBankFileSize = 1 << 20

//go:embed banks/default.yaml
var defaultBankYAML []byte

// ErrUnknownFramework is returned for framework ids missing from the catalog.
var ErrUnknownFramework = errors.New("unknown framework")

// Framework is one entry in the catalog.
type Framework struct {
	ID                string   `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	ExpectedQuestions int      `yaml:"expected_questions" json:"expected_questions"`
	Questions         []string `yaml:"questions" json:"-"`
}

type bankFile struct {
	Frameworks []Framework `yaml:"frameworks"`
}

// Bank is an immutable, framework-keyed list of pre-approved questions.
type Bank struct {
	frameworks map[string]Framework
	order      []string
}

// Default returns the bank compiled into the binary.
func Default() (*Bank, error) {
	return Parse(defaultBankYAML)
}

// Load reads a bank from path, or returns the embedded bank when path is empty.
func Load(path string) (*Bank, error) {
	if path == "" {
		return Default()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat fallback bank: %w", err)
	}
	if info.Size() > maxBankFileSize {
		return nil, fmt.Errorf("fallback bank %s exceeds %d bytes", path, maxBankFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fallback bank: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a bank document.
func Parse(data []byte) (*Bank, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fallback bank: %w", err)
	}
	if len(f.Frameworks) == 0 {
		return nil, errors.New("fallback bank defines no frameworks")
	}

	b := &Bank{frameworks: make(map[string]Framework, len(f.Frameworks))}
	for _, fw := range f.Frameworks {
		fw.ID = strings.TrimSpace(fw.ID)
		if fw.ID == "" {
			return nil, errors.New("fallback bank: framework without id")
		}
		if _, dup := b.frameworks[fw.ID]; dup {
			return nil, fmt.Errorf("fallback bank: duplicate framework %q", fw.ID)
		}
		if fw.ExpectedQuestions <= 0 {
			return nil, fmt.Errorf("fallback bank: framework %q needs expected_questions > 0", fw.ID)
		}
		seen := make(map[string]bool, len(fw.Questions))
		for _, q := range fw.Questions {
			n := domain.NormalizeText(q)
			if n == "" {
				return nil, fmt.Errorf("fallback bank: framework %q has an empty question", fw.ID)
			}
			if seen[n] {
				return nil, fmt.Errorf("fallback bank: framework %q repeats %q", fw.ID, q)
			}
			seen[n] = true
		}
		if fw.Name == "" {
			fw.Name = fw.ID
		}
		b.frameworks[fw.ID] = fw
		b.order = append(b.order, fw.ID)
	}
	sort.Strings(b.order)
	return b, nil
}

// Framework looks up a framework by id.
func (b *Bank) Framework(id string) (Framework, error) {
	fw, ok := b.frameworks[id]
	if !ok {
		return Framework{}, fmt.Errorf("%w: %q", ErrUnknownFramework, id)
	}
	return fw, nil
}

// Frameworks lists the catalog sorted by id.
func (b *Bank) Frameworks() []Framework {
	out := make([]Framework, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.frameworks[id])
	}
	return out
}

// Candidates returns the framework's questions that have not been asked yet,
// in bank order.
func (b *Bank) Candidates(frameworkID string, h *history.Tracker) []domain.QuestionRecord {
	fw, ok := b.frameworks[frameworkID]
	if !ok {
		return nil
	}
	out := make([]domain.QuestionRecord, 0, len(fw.Questions))
	for _, text := range fw.Questions {
		n := domain.NormalizeText(text)
		if h.Contains(n) {
			continue
		}
		out = append(out, domain.QuestionRecord{
			Text:           text,
			NormalizedText: n,
			Source:         domain.SourceFallback,
		})
	}
	return out
}
