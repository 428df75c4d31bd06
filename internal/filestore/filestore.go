// Package filestore normalizes raw MCP tool results and materializes them
// into per-session downloaded files (spec §4.3).
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DataType classifies the normalized payload (spec §4.3 "Data-type
// detection").
type DataType string

const (
	TypeJSONArray  DataType = "json_array"
	TypeJSONObject DataType = "json_object"
	TypeArray      DataType = "array"
	TypeFasta      DataType = "fasta"
	TypeCSV        DataType = "csv"
	TypeTSV        DataType = "tsv"
	TypeText       DataType = "text"
	TypeNull       DataType = "null"
	TypeEmptyArray DataType = "empty_array"
)

// Summary is the record-count/field preview attached to a FileReference
// (spec §4.3 "Summary computed"). Size is the exact serialized payload byte
// length; SizeFormatted is its human-readable rendering.
type Summary struct {
	Size          int64    `json:"size"`
	SizeFormatted string   `json:"size_formatted"`
	RecordCount   int      `json:"record_count"`
	Fields        []string `json:"fields"`
	Sample        string   `json:"sample,omitempty"`
}

// FileReference is the materialized-result handle returned to the
// orchestrator (spec §3 FileReference).
type FileReference struct {
	FileID        string    `json:"file_id"`
	ToolID        string    `json:"tool_id"`
	SessionID     string    `json:"session_id"`
	Path          string    `json:"path"`
	DataType      DataType  `json:"data_type"`
	Summary       Summary   `json:"summary"`
	IsError       bool      `json:"is_error"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	WorkspaceURL  string    `json:"workspace_url,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at,omitempty"`
}

// Store materializes normalized MCP results onto disk under
// <base>/sessions/<session_id>/downloads/ (spec §4.3 "File creation").
type Store struct {
	baseDir string
}

// New constructs a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

var sanitizeRE = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func sanitize(s string) string {
	s = sanitizeRE.ReplaceAllString(s, "_")
	if s == "" || strings.Trim(s, ".") == "" {
		return "tool"
	}
	return s
}

func extensionFor(dt DataType) string {
	switch dt {
	case TypeFasta:
		return "fasta"
	case TypeCSV:
		return "csv"
	case TypeTSV:
		return "tsv"
	case TypeJSONArray, TypeJSONObject, TypeArray, TypeEmptyArray, TypeNull:
		return "json"
	default:
		return "txt"
	}
}

// Unwrap applies the spec's priority unwrap to a raw JSON-RPC result:
// (a) structuredContent.result, (b) content[0].text parsed if it looks like
// JSON, (c) top-level result with sibling-key preservation (spec §4.3
// "Normalization input").
func Unwrap(raw json.RawMessage) (any, error) {
	var envelope struct {
		StructuredContent struct {
			Result json.RawMessage `json:"result"`
		} `json:"structuredContent"`
		Content []struct {
			Type     string  `json:"type"`
			Text     *string `json:"text"`
			MimeType *string `json:"mimeType"`
		} `json:"content"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("filestore: unmarshal envelope: %w", err)
	}

	if len(envelope.StructuredContent.Result) > 0 {
		merged, err := mergeWithSiblings(raw, "structuredContent", envelope.StructuredContent.Result)
		if err == nil {
			return merged, nil
		}
	}

	if len(envelope.Content) > 0 && envelope.Content[0].Text != nil {
		text := *envelope.Content[0].Text
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed, nil
			}
		}
		return text, nil
	}

	if len(envelope.Result) > 0 {
		merged, err := mergeWithSiblings(raw, "", envelope.Result)
		if err == nil {
			return merged, nil
		}
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// mergeWithSiblings decodes inner and, if it is a JSON object, merges in any
// top-level sibling keys of the named field from the outer document (or the
// whole outer document when field=="" and inner itself is a "result" field),
// so callers don't lose counters like "count"/"numFound" living next to the
// unwrapped payload (spec §4.3 "preserve sibling keys by merging").
func mergeWithSiblings(outer json.RawMessage, field string, inner json.RawMessage) (any, error) {
	var innerVal any
	if err := json.Unmarshal(inner, &innerVal); err != nil {
		return nil, err
	}
	innerMap, ok := innerVal.(map[string]any)
	if !ok {
		return innerVal, nil
	}

	var outerMap map[string]json.RawMessage
	if err := json.Unmarshal(outer, &outerMap); err != nil {
		return innerMap, nil
	}
	var container map[string]json.RawMessage
	if field != "" {
		if err := json.Unmarshal(outerMap[field], &container); err != nil {
			container = nil
		}
	} else {
		container = outerMap
	}
	for k, v := range container {
		if k == "result" || k == field {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			if _, exists := innerMap[k]; !exists {
				innerMap[k] = val
			}
		}
	}
	return innerMap, nil
}

var fastaLineRE = regexp.MustCompile(`(?m)^>`)

// DetectType classifies a normalized value (spec §4.3 "Data-type
// detection").
func DetectType(v any) DataType {
	switch val := v.(type) {
	case nil:
		return TypeNull
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return TypeText
		}
		if strings.HasPrefix(trimmed, ">") && strings.Contains(trimmed, "\n") {
			return TypeFasta
		}
		if looksLikeDelimited(trimmed, '\t') {
			return TypeTSV
		}
		if looksLikeDelimited(trimmed, ',') {
			return TypeCSV
		}
		return TypeText
	case []any:
		if len(val) == 0 {
			return TypeEmptyArray
		}
		if _, ok := val[0].(map[string]any); ok {
			return TypeJSONArray
		}
		return TypeArray
	case map[string]any:
		return TypeJSONObject
	default:
		return TypeText
	}
}

func looksLikeDelimited(s string, delim byte) bool {
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return false
	}
	return strings.IndexByte(lines[0], delim) >= 0
}

// Summarize computes the record count / field preview / truncated sample
// attached to a FileReference (spec §4.3 "Summary computed").
func Summarize(v any, dt DataType) Summary {
	switch dt {
	case TypeJSONArray, TypeArray:
		arr, _ := v.([]any)
		s := Summary{RecordCount: len(arr)}
		if len(arr) > 0 {
			if obj, ok := arr[0].(map[string]any); ok {
				s.Fields = fieldNames(obj)
			}
			s.Sample = truncateSample(arr[0])
		}
		return s
	case TypeJSONObject:
		obj, _ := v.(map[string]any)
		return Summary{RecordCount: 1, Fields: fieldNames(obj), Sample: truncateSample(obj)}
	case TypeFasta:
		s, _ := v.(string)
		return Summary{RecordCount: len(fastaLineRE.FindAllString(s, -1))}
	case TypeCSV, TypeTSV:
		s, _ := v.(string)
		lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
		n := len(lines) - 1
		if n < 0 {
			n = 0
		}
		return Summary{RecordCount: n}
	case TypeEmptyArray:
		return Summary{RecordCount: 0}
	case TypeNull:
		return Summary{RecordCount: 0}
	default:
		return Summary{RecordCount: 0}
	}
}

func fieldNames(obj map[string]any) []string {
	out := make([]string, 0, len(obj))
	for k := range obj {
		out = append(out, k)
	}
	return out
}

// truncateSample renders v to JSON and truncates it to 500 chars (spec
// §4.3 "one sample record truncated to 500 chars").
func truncateSample(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(b)
	if len(s) > 500 {
		return s[:500] + "...[truncated]"
	}
	return s
}

// IsErrorPayload detects the error-payload markers the spec calls out
// ("error: true|isError: true") (spec §4.3 "Error payloads").
func IsErrorPayload(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if b, ok := obj["error"].(bool); ok && b {
		return true
	}
	if b, ok := obj["isError"].(bool); ok && b {
		return true
	}
	return false
}

// Materialize writes a normalized payload to disk and returns its
// FileReference. Error payloads are still saved but marked is_error; their
// summary has no record count or fields (only the size is filled in), and
// they are never candidates for workspace upload
// (spec §4.3 "Error payloads").
func (s *Store) Materialize(sessionID, toolID string, value any) (*FileReference, error) {
	dt := DetectType(value)
	isErr := IsErrorPayload(value)

	fileID := uuid.NewString()
	shortID := fileID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	ext := extensionFor(dt)
	fileName := fmt.Sprintf("%s_%s.%s", sanitize(toolID), shortID, ext)

	dir := filepath.Join(s.baseDir, "sessions", sanitize(sessionID), "downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	content, err := renderContent(value, dt)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("filestore: write file: %w", err)
	}

	summary := Summary{}
	if !isErr {
		summary = Summarize(value, dt)
	}
	summary.Size = int64(len(content))
	summary.SizeFormatted = humanize.Bytes(uint64(len(content)))

	ref := &FileReference{
		FileID:    fileID,
		ToolID:    toolID,
		SessionID: sessionID,
		Path:      path,
		DataType:  dt,
		Summary:   summary,
		IsError:   isErr,
	}
	if err := s.writeMetadata(dir, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

func renderContent(value any, dt DataType) ([]byte, error) {
	switch dt {
	case TypeFasta, TypeCSV, TypeTSV, TypeText:
		if s, ok := value.(string); ok {
			return []byte(s), nil
		}
	}
	return json.MarshalIndent(value, "", "  ")
}

type metadataFile struct {
	Files []*FileReference `json:"files"`
}

// writeMetadata mirrors the document-store persistence into a co-located
// metadata.json so downstream file tools (which read the filesystem, not
// the database) can enumerate session downloads (spec §4.3 "Persist
// metadata both in the document store and in a metadata.json file").
func (s *Store) writeMetadata(dir string, ref *FileReference) error {
	metaPath := filepath.Join(dir, "metadata.json")
	var meta metadataFile
	if b, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(b, &meta)
	}
	meta.Files = append(meta.Files, ref)
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath, b, 0o644)
}

// extToSemanticType maps a file extension to the workspace semantic type
// used for uploads (spec §4.3 "workspace object with the correct
// semantic type").
var extToSemanticType = map[string]string{
	"fasta": "contigs",
	"tsv":   "csv",
	"csv":   "csv",
	"gff":   "gff",
}

// SemanticTypeFor guesses the workspace semantic type from a file
// extension (spec §4.3 "contigs, reads, gff, csv, etc.").
func SemanticTypeFor(ext string) string {
	if t, ok := extToSemanticType[ext]; ok {
		return t
	}
	return "unspecified"
}

