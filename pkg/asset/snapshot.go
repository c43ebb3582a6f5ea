package asset

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/platinummonkey/formdepot/pkg/content"
)

// generateOptions controls snapshot XML generation.
type generateOptions struct {
	RootNodeName string
	FormTitle    string
	IDString     string
	IncludeNote  string // prepended note row, empty for none
}

// generateXML renders a form document as snapshot XML. Generation
// never returns an error to the caller: failures are captured into the
// returned details so a broken form cannot abort the owning save.
func generateXML(doc *content.Document, opts generateOptions) (string, SnapshotDetails) {
	details := SnapshotDetails{Status: SnapshotStatusSuccess, Warnings: []string{}}

	if opts.RootNodeName == "" {
		opts.RootNodeName = "snapshot_xml"
	}
	if opts.FormTitle == "" {
		opts.FormTitle = "Snapshot XML"
	}
	if opts.IDString == "" {
		opts.IDString = "snapshot_xml"
	}

	rows := doc.Survey
	if opts.IncludeNote != "" {
		note := content.Row{"type": "note", "name": "prepended_note", "label": opts.IncludeNote}
		rows = append([]content.Row{note}, rows...)
	}

	out, err := renderForm(rows, opts, &details)
	if err != nil {
		return "", SnapshotDetails{
			Status:    SnapshotStatusFailure,
			ErrorType: fmt.Sprintf("%T", err),
			Error:     err.Error(),
			Warnings:  details.Warnings,
		}
	}
	return out, details
}

func renderForm(rows []content.Row, opts generateOptions, details *SnapshotDetails) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<%s id=%q title=%q>\n", opts.RootNodeName, opts.IDString, opts.FormTitle)

	for i, row := range rows {
		rowType, _ := row["type"].(string)
		if rowType == "" {
			return "", fmt.Errorf("survey row %d is missing a type", i)
		}
		name := fieldName(row)
		if name == "" {
			return "", fmt.Errorf("survey row %d (%s) has no name and no label to derive one from", i, rowType)
		}
		if !validElementName(name) {
			return "", fmt.Errorf("survey row %d has invalid field name %q", i, name)
		}
		if _, ok := row["label"]; !ok && rowType != "calculate" {
			details.Warnings = append(details.Warnings, fmt.Sprintf("row %q has no label", name))
		}

		var escaped bytes.Buffer
		xml.EscapeText(&escaped, []byte(rowType))
		fmt.Fprintf(&buf, "  <%s type=%q/>\n", name, escaped.String())
	}

	fmt.Fprintf(&buf, "</%s>\n", opts.RootNodeName)
	return buf.String(), nil
}

// fieldName resolves the element name of a row: explicit name first,
// then the autoname assigned upstream, then a slug of the label.
func fieldName(row content.Row) string {
	if name, ok := row["name"].(string); ok && name != "" {
		return name
	}
	if name, ok := row["$autoname"].(string); ok && name != "" {
		return name
	}
	if label, ok := row["label"].(string); ok && label != "" {
		return slugify(label)
	}
	return ""
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	return b.String()
}

func validElementName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case (r >= '0' && r <= '9') && i > 0:
		default:
			return false
		}
	}
	return name != ""
}
