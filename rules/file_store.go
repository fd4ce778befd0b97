package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ruleSetVersion is written to every YAML document
const ruleSetVersion = 1

type ruleSetDocument struct {
	Version int            `yaml:"version"`
	Rules   []ruleDocument `yaml:"rules"`
}

// ruleDocument keeps amounts as strings so YAML never rounds them through float64
type ruleDocument struct {
	ID                   string    `yaml:"id,omitempty"`
	Name                 string    `yaml:"name,omitempty"`
	ProductType          string    `yaml:"productType"`
	ReferencePrice       string    `yaml:"referencePrice"`
	Condition            string    `yaml:"condition"`
	AdjustmentPercentage string    `yaml:"adjustmentPercentage"`
	ExceptionQuantity    int       `yaml:"exceptionQuantity,omitempty"`
	Active               *bool     `yaml:"active,omitempty"`
	Expression           string    `yaml:"expression,omitempty"`
	CreatedAt            time.Time `yaml:"createdAt,omitempty"`
	UpdatedAt            time.Time `yaml:"updatedAt,omitempty"`
}

// EncodeYAML writes rules as a versioned YAML rule set
func EncodeYAML(w io.Writer, rules []Rule) error {
	doc := ruleSetDocument{
		Version: ruleSetVersion,
		Rules:   make([]ruleDocument, 0, len(rules)),
	}
	for _, r := range rules {
		active := r.Active
		doc.Rules = append(doc.Rules, ruleDocument{
			ID:                   r.ID,
			Name:                 r.Name,
			ProductType:          r.ProductType,
			ReferencePrice:       r.ReferencePrice.String(),
			Condition:            string(r.Condition),
			AdjustmentPercentage: r.AdjustmentPercentage.String(),
			ExceptionQuantity:    r.ExceptionQuantity,
			Active:               &active,
			Expression:           r.Expression,
			CreatedAt:            r.CreatedAt,
			UpdatedAt:            r.UpdatedAt,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	return enc.Close()
}

// DecodeYAML reads a rule set written by EncodeYAML or by hand.
// Rules without an active field are active.
func DecodeYAML(r io.Reader) ([]Rule, error) {
	var doc ruleSetDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	if doc.Version > ruleSetVersion {
		return nil, fmt.Errorf("rule set version %d is newer than supported version %d", doc.Version, ruleSetVersion)
	}

	out := make([]Rule, 0, len(doc.Rules))
	for i, d := range doc.Rules {
		rule, err := d.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func (d ruleDocument) toRule() (Rule, error) {
	reference, err := decimal.NewFromString(d.ReferencePrice)
	if err != nil {
		return Rule{}, fmt.Errorf("referencePrice %q: %w", d.ReferencePrice, ErrInvalidRule)
	}
	adjustment, err := decimal.NewFromString(d.AdjustmentPercentage)
	if err != nil {
		return Rule{}, fmt.Errorf("adjustmentPercentage %q: %w", d.AdjustmentPercentage, ErrInvalidRule)
	}
	condition, err := ParseCondition(d.Condition)
	if err != nil {
		return Rule{}, err
	}

	active := true
	if d.Active != nil {
		active = *d.Active
	}

	return Rule{
		ID:                   d.ID,
		Name:                 d.Name,
		ProductType:          d.ProductType,
		ReferencePrice:       reference,
		Condition:            condition,
		AdjustmentPercentage: adjustment,
		ExceptionQuantity:    d.ExceptionQuantity,
		Active:               active,
		Expression:           d.Expression,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}, nil
}

// FilePersister keeps the rule list in a YAML file.
// Writes go to a temporary file that is renamed over the target.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister for path; the file is created on first save
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the backing file
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the file; a missing file is an empty rule list
func (p *FilePersister) Load(_ context.Context) ([]Rule, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	return DecodeYAML(bytes.NewReader(data))
}

// Save writes rules atomically
func (p *FilePersister) Save(_ context.Context, rules []Rule) error {
	var buf bytes.Buffer
	if err := EncodeYAML(&buf, rules); err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rules: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p.path, err)
	}
	return nil
}
