package models

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Document is a reference document owned by the document store. The core never copies it.
type Document struct {
	ID          string                     `json:"id"`
	URL         string                     `json:"url"`
	MetadataMap map[string]json.RawMessage `json:"metadata_map"`
}

// ClinicalGuidelineMetadata is the typed block stored under ClinicalGuidelineKey.
type ClinicalGuidelineMetadata struct {
	Title                 string `json:"title" yaml:"title"`
	IssuingOrganization   string `json:"issuing_organization" yaml:"issuing_organization"`
	PublicationDate       *Date  `json:"publication_date,omitempty" yaml:"publication_date,omitempty"`
	Specialty             string `json:"specialty,omitempty" yaml:"specialty,omitempty"`
	EvidenceGradingSystem string `json:"evidence_grading_system,omitempty" yaml:"evidence_grading_system,omitempty"`
}

// Date accepts the handful of date layouts seen in guideline metadata.
type Date struct {
	time.Time
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01", "2006"}

func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{Time: t}, nil
		}
	}
	return Date{}, fmt.Errorf("unrecognized date %q", s)
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format("2006-01-02"))
}

func (d *Date) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ClinicalMetadata decodes the clinical guideline block. ok is false when the
// block is absent; err is set when it is present but malformed.
func (d Document) ClinicalMetadata() (meta ClinicalGuidelineMetadata, ok bool, err error) {
	raw, found := d.MetadataMap[ClinicalGuidelineKey]
	if !found || len(raw) == 0 || string(raw) == "null" {
		return meta, false, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, true, fmt.Errorf("decode %s metadata for document %s: %w", ClinicalGuidelineKey, d.ID, err)
	}
	if strings.TrimSpace(meta.Title) == "" {
		return meta, true, fmt.Errorf("%s metadata for document %s has no title", ClinicalGuidelineKey, d.ID)
	}
	return meta, true, nil
}

// SetClinicalMetadata encodes meta into the document's metadata map.
func (d *Document) SetClinicalMetadata(meta ClinicalGuidelineMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if d.MetadataMap == nil {
		d.MetadataMap = make(map[string]json.RawMessage)
	}
	d.MetadataMap[ClinicalGuidelineKey] = raw
	return nil
}

// FileName is the last path segment of the document URL.
func (d Document) FileName() string {
	u := d.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return path.Base(strings.TrimRight(u, "/"))
}

// BuildDescriptionForDocument describes a document for tool routing. Missing or
// malformed metadata falls back to GenericDescription.
func BuildDescriptionForDocument(doc Document) string {
	meta, ok, err := doc.ClinicalMetadata()
	if !ok || err != nil {
		return GenericDescription
	}
	published := DateNotSpecified
	if meta.PublicationDate != nil && !meta.PublicationDate.IsZero() {
		published = meta.PublicationDate.Format("2006")
	}
	org := meta.IssuingOrganization
	if org == "" {
		org = "an unspecified organization"
	}
	return fmt.Sprintf("Clinical practice guidelines titled '%s' from %s, published %s.", meta.Title, org, published)
}

// BuildTitleForDocument is the short title listed in the system prompt.
func BuildTitleForDocument(doc Document) string {
	meta, ok, err := doc.ClinicalMetadata()
	if ok && err == nil {
		title := meta.Title
		if meta.IssuingOrganization != "" {
			title += " (" + meta.IssuingOrganization
			if meta.PublicationDate != nil && !meta.PublicationDate.IsZero() {
				title += ", " + meta.PublicationDate.Format("2006")
			}
			title += ")"
		}
		return title
	}
	if name := doc.FileName(); name != "" && name != "." && name != "/" {
		return name
	}
	return "Document " + doc.ID
}
