package agentloop

import (
	"regexp"
	"strings"

	"github.com/martinemde/dacli/memory"
)

const ident = `([A-Z0-9_$."]+)`

var (
	createSchemaRe     = regexp.MustCompile(`^CREATE\s+(?:OR\s+REPLACE\s+)?(?:TRANSIENT\s+)?SCHEMA\s+(?:IF\s+NOT\s+EXISTS\s+)?` + ident)
	createFileFormatRe = regexp.MustCompile(`^CREATE\s+(?:OR\s+REPLACE\s+)?(?:(?:TEMP|TEMPORARY)\s+)?FILE\s+FORMAT\s+(?:IF\s+NOT\s+EXISTS\s+)?` + ident)
	createTableRe      = regexp.MustCompile(`^CREATE\s+(?:OR\s+REPLACE\s+)?(?:(?:LOCAL|GLOBAL)\s+)?(?:(?:TEMP|TEMPORARY|VOLATILE|TRANSIENT)\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + ident)
)

// DDLKind is the kind of object a CREATE statement defines.
type DDLKind string

const (
	DDLSchema     DDLKind = "schema"
	DDLFileFormat DDLKind = "file_format"
	DDLTable      DDLKind = "table"
)

// ParseDDL extracts the kind and upper-cased name of the object created by
// query. Schemas are reported by their last dotted segment; file formats
// and tables keep their qualified name.
func ParseDDL(query string) (DDLKind, string, bool) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if m := createSchemaRe.FindStringSubmatch(q); m != nil {
		parts := strings.Split(m[1], ".")
		return DDLSchema, strings.Trim(parts[len(parts)-1], `"`), true
	}
	if m := createFileFormatRe.FindStringSubmatch(q); m != nil {
		return DDLFileFormat, m[1], true
	}
	if m := createTableRe.FindStringSubmatch(q); m != nil {
		return DDLTable, m[1], true
	}
	return "", "", false
}

// recordDDL stores the object created by a successful statement.
func recordDDL(store *memory.Store, query string) error {
	kind, name, ok := ParseDDL(query)
	if !ok || name == "" {
		return nil
	}
	switch kind {
	case DDLSchema:
		return store.AddCreatedSchema(name)
	case DDLFileFormat:
		return store.AddCreatedFileFormat(name)
	case DDLTable:
		return store.AddCreatedTable(name)
	}
	return nil
}
