// Package catalog imports control definitions from a YAML document into a
// scope.
//
// A catalog looks like:
//
//	scope:
//	  id: acct-1
//	  name: Production
//	  frameworks: [soc2]
//	controls:
//	  - id: enc-at-rest
//	    title: Buckets are encrypted
//	    framework: soc2
//	    requirement: CC6.1
//	    severity: high
//	    resource_kinds: [bucket]
//	    policy_file: policies/enc.lua
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
)

// Document is a parsed catalog.
type Document struct {
	Scope    Scope     `yaml:"scope"`
	Controls []Control `yaml:"controls"`
}

// Scope names the scope the catalog targets.
type Scope struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Frameworks []string `yaml:"frameworks,omitempty"`
}

// Control is one catalog entry. PolicyFile is resolved relative to the
// catalog file and loaded into Policy.
type Control struct {
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Framework     string   `yaml:"framework,omitempty"`
	Requirement   string   `yaml:"requirement,omitempty"`
	Severity      string   `yaml:"severity,omitempty"`
	ResourceKinds []string `yaml:"resource_kinds,omitempty"`
	Policy        string   `yaml:"policy,omitempty"`
	PolicyFile    string   `yaml:"policy_file,omitempty"`
}

// Load reads and parses the catalog at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	doc, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return Document{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a catalog. Policy files are resolved against baseDir.
func Parse(data []byte, baseDir string) (Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, invalid("catalog is empty")
		}
		return Document{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "decode catalog: "+err.Error(), err)
	}

	doc.Scope.ID = event.NormalizeID(doc.Scope.ID)
	if doc.Scope.ID == "" {
		return Document{}, invalid("scope.id is required")
	}
	if strings.TrimSpace(doc.Scope.Name) == "" {
		doc.Scope.Name = doc.Scope.ID
	}

	seen := make(map[string]bool, len(doc.Controls))
	for i := range doc.Controls {
		c := &doc.Controls[i]
		c.ID = event.NormalizeID(c.ID)
		if c.ID == "" {
			return Document{}, invalid(fmt.Sprintf("controls[%d].id is required", i))
		}
		if seen[c.ID] {
			return Document{}, invalid("control " + c.ID + " is listed twice")
		}
		seen[c.ID] = true
		if c.Severity != "" && !facts.Severity(c.Severity).Valid() {
			return Document{}, invalid(fmt.Sprintf("control %s: severity %q is invalid", c.ID, c.Severity))
		}
		if c.Policy != "" && c.PolicyFile != "" {
			return Document{}, invalid("control " + c.ID + " sets both policy and policy_file")
		}
		if c.PolicyFile != "" {
			path := c.PolicyFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return Document{}, fmt.Errorf("control %s: read policy: %w", c.ID, err)
			}
			c.Policy = string(src)
		}
	}
	return doc, nil
}

// Commands is the write side used by the importer.
type Commands interface {
	CreateScope(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ScopeCreatedPayload) (event.Event, error)
	RegisterControl(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ControlRegisteredPayload) (event.Event, error)
}

// Report describes what an import changed.
type Report struct {
	ScopeID      string
	ScopeCreated bool
	Registered   []string
	Unchanged    []string
}

// Importer registers catalog controls through the command service.
type Importer struct {
	commands Commands
	states   compliance.StateReader
	actor    compliance.Actor
	logger   *zap.Logger
}

// NewImporter builds an Importer that issues commands as actor.
func NewImporter(commands Commands, states compliance.StateReader, actor compliance.Actor, logger *zap.Logger) *Importer {
	if actor.Type == "" {
		actor.Type = event.ActorTypeSystem
	}
	return &Importer{commands: commands, states: states, actor: actor, logger: logging.OrNop(logger)}
}

// Import creates the scope if it does not exist and registers every control
// that is new, retired, or differs from its current definition.
func (i *Importer) Import(ctx context.Context, doc Document) (Report, error) {
	if i == nil || i.commands == nil || i.states == nil {
		return Report{}, fmt.Errorf("importer is not configured")
	}
	report := Report{ScopeID: doc.Scope.ID}

	state, err := i.head(ctx, doc.Scope.ID)
	if err != nil {
		return report, err
	}
	if !state.Created {
		_, err := i.commands.CreateScope(ctx, i.actor, doc.Scope.ID, facts.ScopeCreatedPayload{
			Name:       doc.Scope.Name,
			Frameworks: doc.Scope.Frameworks,
		})
		if err != nil && !apperrors.HasCode(err, apperrors.CodeScopeAlreadyExists) {
			return report, fmt.Errorf("create scope %s: %w", doc.Scope.ID, err)
		}
		report.ScopeCreated = err == nil
	}

	for _, c := range doc.Controls {
		payload := facts.ControlRegisteredPayload{
			ControlID:     c.ID,
			Title:         c.Title,
			Framework:     c.Framework,
			Requirement:   c.Requirement,
			Severity:      facts.Severity(c.Severity),
			ResourceKinds: c.ResourceKinds,
			Policy:        c.Policy,
		}
		if current, ok := state.Controls[c.ID]; ok && sameControl(current, payload) {
			report.Unchanged = append(report.Unchanged, c.ID)
			continue
		}
		if _, err := i.commands.RegisterControl(ctx, i.actor, doc.Scope.ID, payload); err != nil {
			return report, fmt.Errorf("register control %s: %w", c.ID, err)
		}
		report.Registered = append(report.Registered, c.ID)
	}

	i.logger.Info("catalog imported",
		zap.String("scope_id", report.ScopeID),
		zap.Bool("scope_created", report.ScopeCreated),
		zap.Int("registered", len(report.Registered)),
		zap.Int("unchanged", len(report.Unchanged)),
	)
	return report, nil
}

// ImportFile loads the catalog at path and imports it.
func (i *Importer) ImportFile(ctx context.Context, path string) (Report, error) {
	doc, err := Load(path)
	if err != nil {
		return Report{}, err
	}
	return i.Import(ctx, doc)
}

func (i *Importer) head(ctx context.Context, scopeID string) (posture.State, error) {
	result, err := i.states.StateAt(ctx, scopeID, snapshot.Point{})
	if apperrors.HasCode(err, apperrors.CodeScopeNotFound) {
		return posture.New(scopeID), nil
	}
	if err != nil {
		return posture.State{}, fmt.Errorf("load scope %s: %w", scopeID, err)
	}
	return result.State, nil
}

func sameControl(current posture.Control, p facts.ControlRegisteredPayload) bool {
	severity := p.Severity
	if severity == "" {
		severity = facts.SeverityMedium
	}
	return !current.Retired &&
		current.Title == p.Title &&
		current.Framework == p.Framework &&
		current.Requirement == p.Requirement &&
		current.Severity == string(severity) &&
		current.Policy == p.Policy &&
		slices.Equal(current.ResourceKinds, p.ResourceKinds)
}

func invalid(message string) error {
	return apperrors.New(apperrors.CodeInvalidArgument, message)
}
