// Package content models the structured document that describes a survey
// form and the summarization consumed by the asset layer.
//
// The document itself is authored elsewhere; this package only provides
// the row-level analysis (row counts, languages in use, column names)
// that asset saves depend on, plus the small set of in-place fixups a
// save applies before persisting.
package content

import (
	"encoding/json"
	"fmt"
)

// Row is one row of a survey or choices sheet.
type Row map[string]interface{}

// Document is a structured survey description.
type Document struct {
	Survey       []Row                  `json:"survey,omitempty"`
	Choices      []Row                  `json:"choices,omitempty"`
	Settings     map[string]interface{} `json:"settings,omitempty"`
	Translations []*string              `json:"translations,omitempty"`

	// NullTranslation is a one-shot rename request attached by the form
	// builder, which only surfaces the unnamed default translation and
	// parks the rest in advanced settings. It is consumed on save and
	// never persisted.
	NullTranslation string `json:"#null_translation,omitempty"`
}

// Summary is the row-count and language analysis of a document.
type Summary struct {
	RowCount  int      `json:"row_count"`
	Languages []string `json:"languages"`
	Columns   []string `json:"columns"`
	Default   bool     `json:"default,omitempty"`
}

// ValidationError reports malformed content or an invalid mutation
// request. It is returned before any persistence happens.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Summarize analyzes a document. Rows without a "type" key are not
// counted; they are placeholders left behind by the form builder.
func Summarize(doc *Document) Summary {
	s := Summary{Languages: []string{}, Columns: []string{}}
	if doc == nil {
		s.Default = true
		return s
	}
	seen := make(map[string]bool)
	for _, row := range doc.Survey {
		if _, ok := row["type"]; !ok {
			continue
		}
		s.RowCount++
		for key := range row {
			if !seen[key] {
				seen[key] = true
				s.Columns = append(s.Columns, key)
			}
		}
	}
	for _, t := range doc.Translations {
		if t != nil {
			s.Languages = append(s.Languages, *t)
		}
	}
	return s
}

// StripEmptyRows removes survey rows without a "type" and choices rows
// without a "list_name", in place.
func StripEmptyRows(doc *Document) {
	doc.Survey = stripRows(doc.Survey, "type")
	doc.Choices = stripRows(doc.Choices, "list_name")
}

func stripRows(rows []Row, requiredKey string) []Row {
	kept := rows[:0]
	for _, row := range rows {
		if _, ok := row[requiredKey]; ok {
			kept = append(kept, row)
		}
	}
	return kept
}

// RenameNullTranslation gives the unnamed default translation a name.
// The form builder surfaces only the null translation and parks the
// rest in advanced settings, so renames always target the null slot.
func RenameNullTranslation(doc *Document, newName string) error {
	var nullIndex = -1
	for i, t := range doc.Translations {
		if t == nil {
			nullIndex = i
			continue
		}
		if *t == newName {
			return &ValidationError{Msg: fmt.Sprintf("cannot save translation with duplicate name: %s", newName)}
		}
	}
	if nullIndex < 0 {
		return &ValidationError{Msg: fmt.Sprintf("cannot save translation name: %s", newName)}
	}
	doc.Translations[nullIndex] = &newName
	return nil
}

// PopSetting removes and returns a setting value, or "" when absent.
func PopSetting(doc *Document, name string) string {
	if doc.Settings == nil {
		return ""
	}
	v, ok := doc.Settings[name]
	if !ok {
		return ""
	}
	delete(doc.Settings, name)
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Marshal serializes a document for storage. A nil document serializes
// as an empty object so stored content is never NULL.
func Marshal(doc *Document) ([]byte, error) {
	if doc == nil {
		doc = &Document{}
	}
	return json.Marshal(doc)
}

// Unmarshal parses stored content. Empty input yields an empty document.
func Unmarshal(data []byte) (*Document, error) {
	doc := &Document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}
	return doc, nil
}
